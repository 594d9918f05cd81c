package domain

import "time"

// OfferTrend describe la tendencia del número de ofertas competidoras.
type OfferTrend string

const (
	TrendUnknown OfferTrend = ""
	TrendRising  OfferTrend = "rising"
	TrendStable  OfferTrend = "stable"
	TrendFalling OfferTrend = "falling"
)

// MarketSnapshot es una observación puntual de mercado para un ASIN.
// Inmutable, append-only. Los campos puntero son "desconocido" cuando son nil —
// nunca se fabrica un cero donde el upstream no dio datos.
type MarketSnapshot struct {
	ASIN string
	At   time.Time

	// Precios FBM en GBP, IVA incluido (así los reporta el upstream).
	PriceCurrent   *float64
	PriceMedian30d *float64
	PriceMin30d    *float64
	PriceMax30d    *float64

	// Proxy de velocidad de venta: caídas de sales rank en 30 días.
	SalesRankDrops30d *int
	SalesRankCurrent  *int

	OfferCountFBM *int
	OfferCountFBA *int
	OfferTrend    OfferTrend

	BuyBoxPrice     *float64
	BuyBoxIsAmazon  *bool
	AmazonOnListing bool

	// Coeficiente de variación de la serie de precios reciente.
	VolatilityCV *float64

	// Serie escasa o ausente → el score se degrada en vez de inventarse.
	LowConfidence bool

	TokensConsumed int
}

// FeeSnapshot es una observación puntual de fees/restricciones para un ASIN.
// Inmutable, append-only, con ventana de validez gobernada por TTL.
type FeeSnapshot struct {
	ASIN          string
	At            time.Time
	SellPriceUsed float64 // precio bruto usado para pedir la estimación de fee

	Restricted         bool
	RestrictionReasons string

	// Fees en GBP, IVA incluido. La conversión a neto es del ScoringEngine.
	FeeTotalGross *float64
	FeeReferral   *float64
	FeeVariable   *float64

	WeightKg     *float64
	WeightSource string // "catalog" | "estimated" | ""

	Title    string
	Brand    string
	Category string

	TTL time.Duration
}

// Expired devuelve true si el snapshot ya no es válido según su TTL.
func (f FeeSnapshot) Expired(now time.Time) bool {
	if f.TTL <= 0 {
		return true
	}
	return now.Sub(f.At) > f.TTL
}

// TokenStatus es la vista de solo lectura del presupuesto de tokens del upstream.
// El servidor es autoritativo; entre llamadas el estado local es solo orientativo.
type TokenStatus struct {
	TokensLeft     int
	RefillRate     int // tokens añadidos por ciclo de refill
	RefillIn       time.Duration
	TokensConsumed int
	UpdatedAt      time.Time
}

// TokensPerMinute estima el caudal de tokens por minuto según el refill reportado.
func (t TokenStatus) TokensPerMinute() int {
	if t.RefillIn <= 0 {
		return t.RefillRate
	}
	return int(float64(t.RefillRate) * float64(time.Minute) / float64(t.RefillIn))
}
