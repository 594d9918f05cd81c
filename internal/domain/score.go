package domain

import "time"

// Nombres de escenario de coste.
const (
	ScenarioUnit  = "cost_1"     // comprar de una en una
	ScenarioBulk5 = "cost_5plus" // comprar 5 o más
)

// Códigos de flag que afectan al score.
const (
	FlagRestricted        = "RESTRICTED"
	FlagAmazonRetail      = "AMAZON_RETAIL"
	FlagWeightUnknown     = "WEIGHT_UNKNOWN"
	FlagOverweight        = "OVERWEIGHT"
	FlagLowConfidence     = "LOW_CONFIDENCE"
	FlagHighCompetition   = "HIGH_COMPETITION"
	FlagRisingCompetition = "RISING_COMPETITION"
	FlagLowSales          = "LOW_SALES"
	FlagLowMargin         = "LOW_MARGIN"
	FlagLowProfit         = "LOW_PROFIT"
	FlagSparseData        = "SPARSE_DATA"
)

// ProfitScenario es el cálculo de beneficio para un escenario de coste concreto.
type ProfitScenario struct {
	Name       string
	CostExTax  float64
	SellGross  float64
	SellNet    float64
	FeeGross   float64
	FeeNet     float64
	Shipping   float64
	Profit     float64 // SellNet - CostExTax - FeeNet - Shipping
	Margin     float64 // Profit / SellNet; 0 si SellNet == 0
	Profitable bool
}

// ScoreFlag es un motivo que penaliza (o anota) el score.
type ScoreFlag struct {
	Code        string
	Description string
	Penalty     float64
	Critical    bool // fuerza el score final a 0
}

// ScoreBreakdown desglosa cada sub-score antes y después de aplicar su peso.
type ScoreBreakdown struct {
	VelocityRaw       float64
	VelocityWeighted  float64
	ProfitRaw         float64
	ProfitWeighted    float64
	MarginRaw         float64
	MarginWeighted    float64
	StabilityRaw      float64
	StabilityWeighted float64
	ViabilityRaw      float64
	ViabilityWeighted float64
	WeightedSum       float64
	TotalPenalties    float64
	ScoreRaw          float64 // WeightedSum - TotalPenalties, sin clamp
}

// ScoreResult es el resultado completo de puntuar un candidato.
// Derivado, no almacenado como input: se recalcula en cada ciclo de refresh.
type ScoreResult struct {
	CandidateID    int64
	SupplierItemID int64
	ASIN           string
	Brand          string
	Supplier       string
	PartNumber     string

	Score           int // siempre en [0,100]
	WinningScenario string

	ScenarioUnit  ProfitScenario
	ScenarioBulk5 ProfitScenario

	Breakdown ScoreBreakdown
	Flags     []ScoreFlag

	SalesProxy30d *int
	OfferCount    *int
	AmazonPresent bool
	Restricted    bool
	Confidence    float64
	WeightKg      *float64

	CalculatedAt time.Time
	MarketAt     time.Time
	FeeAt        time.Time
}

// HasFlag devuelve true si el resultado lleva el flag dado.
func (r ScoreResult) HasFlag(code string) bool {
	for _, f := range r.Flags {
		if f.Code == code {
			return true
		}
	}
	return false
}

// Winning devuelve el escenario ganador.
func (r ScoreResult) Winning() ProfitScenario {
	if r.WinningScenario == ScenarioBulk5 {
		return r.ScenarioBulk5
	}
	return r.ScenarioUnit
}

// BestProfit devuelve el beneficio del escenario ganador.
func (r ScoreResult) BestProfit() float64 {
	return r.Winning().Profit
}
