package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/alejandrodnm/sellerscan/internal/domain"
)

// Config es la configuración completa del scanner.
type Config struct {
	TaxRate     float64                `yaml:"tax_rate"` // IVA global, 0.20 por defecto
	Marketplace MarketplaceConfig      `yaml:"marketplace"`
	Scoring     ScoringConfig          `yaml:"scoring"`
	Shipping    ShippingConfig         `yaml:"shipping"`
	Brands      map[string]BrandConfig `yaml:"brands"` // overrides por marca
	Refresh     RefreshConfig          `yaml:"refresh"`
	API         APIConfig              `yaml:"api"`
	Storage     StorageConfig          `yaml:"storage"`
	Log         LogConfig              `yaml:"log"`
}

// MarketplaceConfig fija el marketplace objetivo. Nunca se asume un locale.
type MarketplaceConfig struct {
	DomainID      int    `yaml:"domain_id"`      // código de dominio del API de mercado (2 = UK)
	MarketplaceID string `yaml:"marketplace_id"` // ID de marketplace del API de fees
	Currency      string `yaml:"currency"`
}

// ScoringConfig son los parámetros globales del motor de scoring.
type ScoringConfig struct {
	SafeBufferPct    float64       `yaml:"safe_buffer_pct"`
	Weights          WeightsConfig `yaml:"weights"`
	Penalties        PenaltyConfig `yaml:"penalties"`
	VelocityMin      float64       `yaml:"velocity_min"`
	VelocityMax      float64       `yaml:"velocity_max"`
	ProfitMaxGBP     float64       `yaml:"profit_max_gbp"`
	MarginMax        float64       `yaml:"margin_max"`
	MinSalesProxy30d int           `yaml:"min_sales_proxy_30d"`
	MinMargin        float64       `yaml:"min_margin"`
	MinProfitGBP     float64       `yaml:"min_profit_gbp"`
	MinConfidence    float64       `yaml:"min_confidence"`
	OfferCountHigh   int           `yaml:"offer_count_high"`
}

// WeightsConfig son los pesos de los sub-scores (deben sumar 1.0).
type WeightsConfig struct {
	Velocity  float64 `yaml:"velocity"`
	Profit    float64 `yaml:"profit"`
	Margin    float64 `yaml:"margin"`
	Stability float64 `yaml:"stability"`
	Viability float64 `yaml:"viability"`
}

// PenaltyConfig son los puntos que resta cada flag. >= 100 es crítico.
type PenaltyConfig struct {
	Restricted       float64 `yaml:"restricted"`
	AmazonRetail     float64 `yaml:"amazon_retail"`
	WeightUnknown    float64 `yaml:"weight_unknown"`
	Overweight       float64 `yaml:"overweight"`
	LowConfidence    float64 `yaml:"low_confidence"`
	HighOfferCount   float64 `yaml:"high_offer_count"`
	OfferCountRising float64 `yaml:"offer_count_rising"`
	BelowMinSales    float64 `yaml:"below_min_sales"`
	BelowMinMargin   float64 `yaml:"below_min_margin"`
	BelowMinProfit   float64 `yaml:"below_min_profit"`
}

// ShippingConfig define los tramos de coste de envío por peso.
type ShippingConfig struct {
	SmallMaxKg     float64 `yaml:"small_max_kg"`
	SmallCostGBP   float64 `yaml:"small_cost_gbp"`
	MediumMaxKg    float64 `yaml:"medium_max_kg"`
	MediumCostGBP  float64 `yaml:"medium_cost_gbp"`
	UnknownCostGBP float64 `yaml:"unknown_cost_gbp"`
}

// BrandConfig permite sobreescribir parámetros de scoring por marca.
// Solo los campos presentes en el YAML sobreescriben el global — única fuente
// de verdad, sin tablas legacy duplicadas.
type BrandConfig struct {
	Enabled       *bool    `yaml:"enabled"`
	TaxRate       *float64 `yaml:"tax_rate"`
	SafeBufferPct *float64 `yaml:"safe_buffer_pct"`
	MinSales      *int     `yaml:"min_sales_proxy_30d"`
	MinMargin     *float64 `yaml:"min_margin"`
	MinProfitGBP  *float64 `yaml:"min_profit_gbp"`

	Weights   *WeightsConfig `yaml:"weights"`
	Penalties *PenaltyConfig `yaml:"penalties"`
}

// RefreshConfig controla el scheduler de refresh.
type RefreshConfig struct {
	WideIntervalSeconds   int `yaml:"wide_interval_seconds"`
	NarrowIntervalSeconds int `yaml:"narrow_interval_seconds"`
	ShortlistSize         int `yaml:"shortlist_size"`
	MarketBatchSize       int `yaml:"market_batch_size"`
	FeeCacheTTLMinutes    int `yaml:"fee_cache_ttl_minutes"`
	FeeFanOut             int `yaml:"fee_fan_out"` // lookups de fees en paralelo en NarrowPass
	MaxAttempts           int `yaml:"max_attempts"`
	RetryBaseMillis       int `yaml:"retry_base_millis"`
	RetryMaxSeconds       int `yaml:"retry_max_seconds"`
	StopGraceSeconds      int `yaml:"stop_grace_seconds"`
	UrgentScoreThreshold  int `yaml:"urgent_score_threshold"` // cruzar este score marca el candidato urgente
}

// APIConfig contiene los endpoints y credenciales de los APIs externos.
// Las credenciales se sobreescriben desde el entorno (.env), nunca se commitean.
type APIConfig struct {
	MarketBase string `yaml:"market_base"`
	MarketKey  string `yaml:"-"`

	FeesBase string `yaml:"fees_base"`
	AuthBase string `yaml:"auth_base"` // endpoint del token exchange OAuth

	ClientID     string `yaml:"-"`
	ClientSecret string `yaml:"-"`
	RefreshToken string `yaml:"-"`
	AccessKey    string `yaml:"-"`
	SecretKey    string `yaml:"-"`
	SellerID     string `yaml:"-"`
	Region       string `yaml:"region"`
}

// StorageConfig controla dónde se persisten los datos.
type StorageConfig struct {
	DSN                  string `yaml:"dsn"` // ruta al archivo SQLite, o ":memory:"
	CallLogRetentionDays int    `yaml:"call_log_retention_days"`
}

// LogConfig controla el formato y nivel de logging.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // text | json
}

// Load carga la configuración desde el archivo YAML y el archivo .env si existe.
// Las credenciales siempre vienen del entorno.
func Load(path string) (*Config, error) {
	// Cargar .env si existe (silencia error si no hay archivo)
	_ = godotenv.Load()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config.Load: read %q: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config.Load: parse YAML: %w", err)
	}

	applyEnvOverrides(&cfg)
	setDefaults(&cfg)

	return &cfg, nil
}

// WideInterval devuelve la cadencia de la pasada ancha como time.Duration.
func (c *Config) WideInterval() time.Duration {
	return time.Duration(c.Refresh.WideIntervalSeconds) * time.Second
}

// NarrowInterval devuelve la cadencia de la pasada estrecha como time.Duration.
func (c *Config) NarrowInterval() time.Duration {
	return time.Duration(c.Refresh.NarrowIntervalSeconds) * time.Second
}

// FeeCacheTTL devuelve el TTL de la caché de fees como time.Duration.
func (c *Config) FeeCacheTTL() time.Duration {
	return time.Duration(c.Refresh.FeeCacheTTLMinutes) * time.Minute
}

// ScoringFor devuelve la configuración de scoring efectiva para una marca,
// aplicando los overrides del bloque brands: sobre los globales.
func (c *Config) ScoringFor(brand string) domain.ScoringConfig {
	sc := domain.ScoringConfig{
		TaxRate:       c.TaxRate,
		SafeBufferPct: c.Scoring.SafeBufferPct,
		Weights: domain.Weights{
			Velocity:  c.Scoring.Weights.Velocity,
			Profit:    c.Scoring.Weights.Profit,
			Margin:    c.Scoring.Weights.Margin,
			Stability: c.Scoring.Weights.Stability,
			Viability: c.Scoring.Weights.Viability,
		},
		Penalties:        toPenalties(c.Scoring.Penalties),
		VelocityBounds:   domain.Bounds{Min: c.Scoring.VelocityMin, Max: c.Scoring.VelocityMax},
		ProfitBounds:     domain.Bounds{Min: 0, Max: c.Scoring.ProfitMaxGBP},
		MarginBounds:     domain.Bounds{Min: 0, Max: c.Scoring.MarginMax},
		MinSalesProxy30d: c.Scoring.MinSalesProxy30d,
		MinMargin:        c.Scoring.MinMargin,
		MinProfit:        c.Scoring.MinProfitGBP,
		MinConfidence:    c.Scoring.MinConfidence,
		OfferCountHigh:   c.Scoring.OfferCountHigh,
		Shipping: domain.ShippingRates{
			SmallMaxKg:  c.Shipping.SmallMaxKg,
			SmallCost:   c.Shipping.SmallCostGBP,
			MediumMaxKg: c.Shipping.MediumMaxKg,
			MediumCost:  c.Shipping.MediumCostGBP,
			UnknownCost: c.Shipping.UnknownCostGBP,
		},
	}

	b, ok := c.Brands[strings.ToLower(brand)]
	if !ok {
		return sc
	}
	if b.TaxRate != nil {
		sc.TaxRate = *b.TaxRate
	}
	if b.SafeBufferPct != nil {
		sc.SafeBufferPct = *b.SafeBufferPct
	}
	if b.MinSales != nil {
		sc.MinSalesProxy30d = *b.MinSales
	}
	if b.MinMargin != nil {
		sc.MinMargin = *b.MinMargin
	}
	if b.MinProfitGBP != nil {
		sc.MinProfit = *b.MinProfitGBP
	}
	if b.Weights != nil {
		sc.Weights = domain.Weights{
			Velocity:  b.Weights.Velocity,
			Profit:    b.Weights.Profit,
			Margin:    b.Weights.Margin,
			Stability: b.Weights.Stability,
			Viability: b.Weights.Viability,
		}
	}
	if b.Penalties != nil {
		sc.Penalties = toPenalties(*b.Penalties)
	}
	return sc
}

// BrandEnabled devuelve true si la marca participa en el refresh.
func (c *Config) BrandEnabled(brand string) bool {
	b, ok := c.Brands[strings.ToLower(brand)]
	if !ok || b.Enabled == nil {
		return true
	}
	return *b.Enabled
}

func toPenalties(p PenaltyConfig) domain.Penalties {
	return domain.Penalties{
		Restricted:       p.Restricted,
		AmazonRetail:     p.AmazonRetail,
		WeightUnknown:    p.WeightUnknown,
		Overweight:       p.Overweight,
		LowConfidence:    p.LowConfidence,
		HighOfferCount:   p.HighOfferCount,
		OfferCountRising: p.OfferCountRising,
		BelowMinSales:    p.BelowMinSales,
		BelowMinMargin:   p.BelowMinMargin,
		BelowMinProfit:   p.BelowMinProfit,
	}
}

// applyEnvOverrides sobreescribe valores con variables de entorno si están presentes.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
	cfg.API.MarketKey = os.Getenv("SOS_MARKET_API_KEY")
	cfg.API.ClientID = os.Getenv("SOS_LWA_CLIENT_ID")
	cfg.API.ClientSecret = os.Getenv("SOS_LWA_CLIENT_SECRET")
	cfg.API.RefreshToken = os.Getenv("SOS_LWA_REFRESH_TOKEN")
	cfg.API.AccessKey = os.Getenv("SOS_SIGNING_ACCESS_KEY")
	cfg.API.SecretKey = os.Getenv("SOS_SIGNING_SECRET_KEY")
	cfg.API.SellerID = os.Getenv("SOS_SELLER_ID")
}

// setDefaults asegura que los valores requeridos tengan valores sensatos.
func setDefaults(cfg *Config) {
	if cfg.TaxRate <= 0 {
		cfg.TaxRate = 0.20
	}
	if cfg.Marketplace.DomainID <= 0 {
		cfg.Marketplace.DomainID = 2 // amazon.co.uk
	}
	if cfg.Marketplace.MarketplaceID == "" {
		cfg.Marketplace.MarketplaceID = "A1F83G8C2ARO7P"
	}
	if cfg.Marketplace.Currency == "" {
		cfg.Marketplace.Currency = "GBP"
	}

	sc := &cfg.Scoring
	if sc.SafeBufferPct <= 0 {
		sc.SafeBufferPct = 0.03
	}
	if sc.Weights == (WeightsConfig{}) {
		sc.Weights = WeightsConfig{Velocity: 0.45, Profit: 0.20, Margin: 0.20, Stability: 0.10, Viability: 0.05}
	}
	if sc.Penalties == (PenaltyConfig{}) {
		sc.Penalties = PenaltyConfig{
			Restricted:       100,
			AmazonRetail:     15,
			WeightUnknown:    5,
			Overweight:       100,
			LowConfidence:    10,
			HighOfferCount:   8,
			OfferCountRising: 5,
			BelowMinSales:    20,
			BelowMinMargin:   15,
			BelowMinProfit:   15,
		}
	}
	if sc.VelocityMax <= sc.VelocityMin {
		sc.VelocityMin, sc.VelocityMax = 0, 200
	}
	if sc.ProfitMaxGBP <= 0 {
		sc.ProfitMaxGBP = 50
	}
	if sc.MarginMax <= 0 {
		sc.MarginMax = 0.50
	}
	if sc.MinSalesProxy30d <= 0 {
		sc.MinSalesProxy30d = 20
	}
	if sc.MinMargin <= 0 {
		sc.MinMargin = 0.10
	}
	if sc.MinProfitGBP <= 0 {
		sc.MinProfitGBP = 5.00
	}
	if sc.MinConfidence <= 0 {
		sc.MinConfidence = 0.70
	}
	if sc.OfferCountHigh <= 0 {
		sc.OfferCountHigh = 20
	}

	sh := &cfg.Shipping
	if sh.SmallMaxKg <= 0 {
		sh.SmallMaxKg = 0.75
	}
	if sh.SmallCostGBP <= 0 {
		sh.SmallCostGBP = 2.00
	}
	if sh.MediumMaxKg <= 0 {
		sh.MediumMaxKg = 20.0
	}
	if sh.MediumCostGBP <= 0 {
		sh.MediumCostGBP = 3.00
	}
	if sh.UnknownCostGBP <= 0 {
		sh.UnknownCostGBP = 3.00
	}

	r := &cfg.Refresh
	if r.WideIntervalSeconds <= 0 {
		r.WideIntervalSeconds = 30
	}
	if r.NarrowIntervalSeconds <= 0 {
		r.NarrowIntervalSeconds = 300
	}
	if r.ShortlistSize <= 0 {
		r.ShortlistSize = 50
	}
	if r.MarketBatchSize <= 0 {
		r.MarketBatchSize = 20
	}
	if r.FeeCacheTTLMinutes <= 0 {
		r.FeeCacheTTLMinutes = 60
	}
	if r.FeeFanOut <= 0 {
		r.FeeFanOut = 3
	}
	if r.MaxAttempts <= 0 {
		r.MaxAttempts = 5
	}
	if r.RetryBaseMillis <= 0 {
		r.RetryBaseMillis = 500
	}
	if r.RetryMaxSeconds <= 0 {
		r.RetryMaxSeconds = 120
	}
	if r.StopGraceSeconds <= 0 {
		r.StopGraceSeconds = 10
	}
	if r.UrgentScoreThreshold <= 0 {
		r.UrgentScoreThreshold = 70
	}

	if cfg.API.MarketBase == "" {
		cfg.API.MarketBase = "https://api.keepa.com"
	}
	if cfg.API.FeesBase == "" {
		cfg.API.FeesBase = "https://sellingpartnerapi-eu.amazon.com"
	}
	if cfg.API.AuthBase == "" {
		cfg.API.AuthBase = "https://api.amazon.com/auth/o2/token"
	}
	if cfg.API.Region == "" {
		cfg.API.Region = "eu-west-1"
	}
	if cfg.Storage.DSN == "" {
		cfg.Storage.DSN = "sellerscan.db"
	}
	if cfg.Storage.CallLogRetentionDays <= 0 {
		cfg.Storage.CallLogRetentionDays = 30
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
}
