package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, yaml string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "{}"))
	require.NoError(t, err)

	assert.Equal(t, 0.20, cfg.TaxRate)
	assert.Equal(t, 2, cfg.Marketplace.DomainID)
	assert.Equal(t, "GBP", cfg.Marketplace.Currency)
	assert.Equal(t, 30*time.Second, cfg.WideInterval())
	assert.Equal(t, 5*time.Minute, cfg.NarrowInterval())
	assert.Equal(t, time.Hour, cfg.FeeCacheTTL())
	assert.Equal(t, 0.45, cfg.Scoring.Weights.Velocity)
	assert.Equal(t, 100.0, cfg.Scoring.Penalties.Restricted)
}

func TestLoad_OverridesFromYAML(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
tax_rate: 0.21
refresh:
  wide_interval_seconds: 60
  shortlist_size: 25
scoring:
  min_profit_gbp: 7.5
`))
	require.NoError(t, err)

	assert.Equal(t, 0.21, cfg.TaxRate)
	assert.Equal(t, time.Minute, cfg.WideInterval())
	assert.Equal(t, 25, cfg.Refresh.ShortlistSize)
	assert.Equal(t, 7.5, cfg.Scoring.MinProfitGBP)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "no-existe.yaml"))
	assert.Error(t, err)
}

func TestLoad_CredentialsFromEnv(t *testing.T) {
	t.Setenv("SOS_MARKET_API_KEY", "clave-mercado")
	t.Setenv("SOS_LWA_CLIENT_ID", "cliente")
	t.Setenv("SOS_SELLER_ID", "SELLER1")

	cfg, err := Load(writeConfig(t, "{}"))
	require.NoError(t, err)

	assert.Equal(t, "clave-mercado", cfg.API.MarketKey)
	assert.Equal(t, "cliente", cfg.API.ClientID)
	assert.Equal(t, "SELLER1", cfg.API.SellerID)
}

func TestScoringFor_BrandOverrides(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
brands:
  acme:
    min_profit_gbp: 10.0
    safe_buffer_pct: 0.05
`))
	require.NoError(t, err)

	global := cfg.ScoringFor("otra")
	assert.Equal(t, 5.0, global.MinProfit)
	assert.Equal(t, 0.03, global.SafeBufferPct)

	acme := cfg.ScoringFor("ACME") // insensible a mayúsculas
	assert.Equal(t, 10.0, acme.MinProfit)
	assert.Equal(t, 0.05, acme.SafeBufferPct)
	assert.Equal(t, global.MinMargin, acme.MinMargin, "lo no sobreescrito hereda el global")
}

func TestBrandEnabled(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
brands:
  apagada:
    enabled: false
  encendida:
    enabled: true
`))
	require.NoError(t, err)

	assert.False(t, cfg.BrandEnabled("apagada"))
	assert.True(t, cfg.BrandEnabled("encendida"))
	assert.True(t, cfg.BrandEnabled("desconocida"), "marcas sin bloque participan por defecto")
}
