package ports

import (
	"context"
	"time"

	"github.com/alejandrodnm/sellerscan/internal/domain"
)

// MarketProvider obtiene snapshots de mercado en batch desde la fuente
// rate-limitada por presupuesto de tokens.
type MarketProvider interface {
	// FetchSnapshots devuelve snapshots para los ASINs dados (máx. uno por ASIN).
	// includeBuyBox pide además datos de buy box, que consumen más tokens.
	// ASINs sin datos en el upstream simplemente no aparecen en el resultado.
	FetchSnapshots(ctx context.Context, asins []string, includeBuyBox bool) ([]domain.MarketSnapshot, error)

	// TokenStatus devuelve la última vista conocida del presupuesto de tokens.
	TokenStatus() domain.TokenStatus

	// TimeUntilSafe devuelve cuánto esperar antes de poder gastar cost tokens.
	// Cero si ya hay presupuesto. Nunca bloquea — el caller decide si duerme.
	TimeUntilSafe(cost int) time.Duration

	// BatchCost estima los tokens que costará un batch de n ASINs.
	BatchCost(n int, includeBuyBox bool) int
}
