package domain

// scoring.go — motor de scoring puro.
//
// Score es una función sin efectos secundarios:
//   (item, candidato, snapshot de mercado, snapshot de fees, config) → ScoreResult
//
// Pipeline:
//  1. precios y fees brutos → netos: net = gross / (1 + taxRate)
//  2. precio de venta conservador: min(actual, mediana 30d) × (1 − buffer)
//  3. beneficio por escenario (unitario y bulk 5+); gana el de mayor beneficio,
//     empate a favor del unitario
//  4. cinco sub-scores normalizados a [0,100] → suma ponderada
//  5. penalizaciones por flags → clamp final a [0,100]
//
// Datos ausentes degradan por la vía de "desconocido" (sub-score 0 o neutral,
// flag correspondiente) — nunca un panic ni un NaN en el resultado.

import (
	"math"
	"time"
)

// Weights son los pesos de los cinco sub-scores. Deben sumar 1.0.
type Weights struct {
	Velocity  float64
	Profit    float64
	Margin    float64
	Stability float64
	Viability float64
}

// Penalties son los puntos que resta cada flag activo.
// Un valor >= 100 marca el flag como crítico y fuerza el score a 0.
type Penalties struct {
	Restricted        float64
	AmazonRetail      float64
	WeightUnknown     float64
	Overweight        float64
	LowConfidence     float64
	HighOfferCount    float64
	OfferCountRising  float64
	BelowMinSales     float64
	BelowMinMargin    float64
	BelowMinProfit    float64
}

// Bounds define el rango [Min, Max] de un metric para el clamp-and-scale lineal.
type Bounds struct {
	Min float64
	Max float64
}

// ScoringConfig agrupa todos los parámetros del motor para una marca.
type ScoringConfig struct {
	TaxRate       float64 // IVA, p.ej. 0.20
	SafeBufferPct float64 // recorte conservador sobre el precio de venta

	Weights   Weights
	Penalties Penalties

	VelocityBounds Bounds // caídas de sales rank en 30d
	ProfitBounds   Bounds // GBP netos
	MarginBounds   Bounds // fracción, p.ej. 0.50

	MinSalesProxy30d int
	MinMargin        float64
	MinProfit        float64
	MinConfidence    float64
	OfferCountHigh   int

	Shipping ShippingRates
}

// DefaultScoringConfig devuelve la configuración de referencia (IVA UK 20%).
func DefaultScoringConfig() ScoringConfig {
	return ScoringConfig{
		TaxRate:       0.20,
		SafeBufferPct: 0.03,
		Weights: Weights{
			Velocity:  0.45,
			Profit:    0.20,
			Margin:    0.20,
			Stability: 0.10,
			Viability: 0.05,
		},
		Penalties: Penalties{
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
		},
		VelocityBounds:   Bounds{Min: 0, Max: 200},
		ProfitBounds:     Bounds{Min: 0, Max: 50},
		MarginBounds:     Bounds{Min: 0, Max: 0.50},
		MinSalesProxy30d: 20,
		MinMargin:        0.10,
		MinProfit:        5.00,
		MinConfidence:    0.70,
		OfferCountHigh:   20,
		Shipping: ShippingRates{
			SmallMaxKg:  0.75,
			SmallCost:   2.00,
			MediumMaxKg: 20.0,
			MediumCost:  3.00,
			UnknownCost: 3.00,
		},
	}
}

// SafeSellGross calcula el precio de venta conservador (bruto, IVA incluido):
// el mínimo entre precio actual y mediana 30d, recortado por el buffer.
// Devuelve 0 si no hay ningún precio observado.
func SafeSellGross(current, median *float64, bufferPct float64) float64 {
	best := 0.0
	for _, p := range []*float64{current, median} {
		if p == nil || *p <= 0 {
			continue
		}
		if best == 0 || *p < best {
			best = *p
		}
	}
	if best <= 0 {
		return 0
	}
	v := best * (1 - bufferPct)
	if v < 0 {
		return 0
	}
	return v
}

// ProfitFor calcula el escenario de beneficio para un coste unitario dado.
// Fees y precio de venta llegan brutos; la conversión a neto ocurre aquí para
// que el tipo impositivo tenga una única fuente de verdad.
func ProfitFor(name string, costExTax, sellGross float64, feeGross *float64, shipping, taxRate float64) ProfitScenario {
	sellNet := sellGross / (1 + taxRate)

	fg := 0.0
	if feeGross != nil {
		fg = *feeGross
	}
	feeNet := fg / (1 + taxRate)

	profit := sellNet - costExTax - feeNet - shipping

	margin := 0.0
	if sellNet > 0 {
		margin = profit / sellNet
	}

	return ProfitScenario{
		Name:       name,
		CostExTax:  costExTax,
		SellGross:  sellGross,
		SellNet:    sellNet,
		FeeGross:   fg,
		FeeNet:     feeNet,
		Shipping:   shipping,
		Profit:     profit,
		Margin:     margin,
		Profitable: profit > 0,
	}
}

// Normalize escala v al rango [0,100] según los bounds: por debajo de Min → 0,
// por encima de Max → 100, lineal entre medias.
func Normalize(v float64, b Bounds) float64 {
	if b.Max <= b.Min {
		return 0
	}
	if v <= b.Min {
		return 0
	}
	if v >= b.Max {
		return 100
	}
	return (v - b.Min) / (b.Max - b.Min) * 100
}

// StabilityScore puntúa la estabilidad del precio: parte de 70 (neutral-bueno),
// penaliza volatilidad alta y competencia creciente, premia competencia a la baja.
func StabilityScore(volatilityCV *float64, trend OfferTrend) float64 {
	score := 70.0

	if volatilityCV != nil {
		switch {
		case *volatilityCV > 0.30:
			score -= 30
		case *volatilityCV > 0.15:
			score -= 15
		}
	}

	switch trend {
	case TrendRising:
		score -= 20
	case TrendFalling:
		score += 15
	}

	return clamp(score, 0, 100)
}

// ViabilityScore puntúa lo competitivo que es el precio FBM frente al buy box.
// Sin datos de alguno de los dos → 50 (neutral).
func ViabilityScore(fbmPrice, buyBoxPrice *float64) float64 {
	if fbmPrice == nil || buyBoxPrice == nil || *buyBoxPrice <= 0 {
		return 50
	}
	gap := (*fbmPrice - *buyBoxPrice) / *buyBoxPrice
	switch {
	case gap <= 0.05:
		return 100
	case gap <= 0.10:
		return 80
	case gap <= 0.15:
		return 60
	case gap <= 0.25:
		return 40
	default:
		return 20
	}
}

// Score calcula el resultado completo para un candidato.
// market y fee pueden ser nil: los campos ausentes degradan a la vía de
// "desconocido" y nunca tumban el pipeline para el resto de candidatos.
func Score(item SupplierItem, cand Candidate, market *MarketSnapshot, fee *FeeSnapshot, cfg ScoringConfig) ScoreResult {
	var (
		priceCurrent, priceMedian *float64
		drops, offerCount         *int
		trend                     OfferTrend
		volatility                *float64
		buyBox                    *float64
		amazonPresent             bool
		lowConfidenceData         bool
		marketAt                  time.Time
	)
	if market != nil {
		priceCurrent = market.PriceCurrent
		priceMedian = market.PriceMedian30d
		drops = market.SalesRankDrops30d
		offerCount = market.OfferCountFBM
		trend = market.OfferTrend
		volatility = market.VolatilityCV
		buyBox = market.BuyBoxPrice
		amazonPresent = market.AmazonOnListing
		lowConfidenceData = market.LowConfidence
		marketAt = market.At
	} else {
		lowConfidenceData = true
	}

	var (
		restricted bool
		weightKg   *float64
		feeGross   *float64
		feeAt      time.Time
	)
	if fee != nil {
		restricted = fee.Restricted
		weightKg = fee.WeightKg
		feeGross = fee.FeeTotalGross
		feeAt = fee.At
	}

	sellGross := SafeSellGross(priceCurrent, priceMedian, cfg.SafeBufferPct)
	tier, shipping := ShippingFor(weightKg, cfg.Shipping)

	s1 := ProfitFor(ScenarioUnit, item.CostUnitExTax1, sellGross, feeGross, shipping, cfg.TaxRate)
	s5 := ProfitFor(ScenarioBulk5, item.CostUnitExTax5, sellGross, feeGross, shipping, cfg.TaxRate)

	// Gana el de mayor beneficio; empate a favor del escenario unitario.
	winner := s1
	if s5.Profit > s1.Profit {
		winner = s5
	}

	velocityRaw := 0.0
	if drops != nil {
		velocityRaw = Normalize(float64(*drops), cfg.VelocityBounds)
	}
	profitRaw := Normalize(winner.Profit, cfg.ProfitBounds)
	marginRaw := Normalize(winner.Margin, cfg.MarginBounds)
	stabilityRaw := StabilityScore(volatility, trend)
	viabilityRaw := ViabilityScore(priceCurrent, buyBox)

	w := cfg.Weights
	breakdown := ScoreBreakdown{
		VelocityRaw:       velocityRaw,
		VelocityWeighted:  velocityRaw * w.Velocity,
		ProfitRaw:         profitRaw,
		ProfitWeighted:    profitRaw * w.Profit,
		MarginRaw:         marginRaw,
		MarginWeighted:    marginRaw * w.Margin,
		StabilityRaw:      stabilityRaw,
		StabilityWeighted: stabilityRaw * w.Stability,
		ViabilityRaw:      viabilityRaw,
		ViabilityWeighted: viabilityRaw * w.Viability,
	}
	breakdown.WeightedSum = breakdown.VelocityWeighted + breakdown.ProfitWeighted +
		breakdown.MarginWeighted + breakdown.StabilityWeighted + breakdown.ViabilityWeighted

	flags := collectFlags(cfg, flagInputs{
		restricted:    restricted,
		amazonPresent: amazonPresent,
		tier:          tier,
		confidence:    cand.Confidence,
		offerCount:    offerCount,
		trend:         trend,
		drops:         drops,
		margin:        winner.Margin,
		profit:        winner.Profit,
		sparseData:    lowConfidenceData,
	})

	total := 0.0
	critical := false
	for _, f := range flags {
		total += f.Penalty
		critical = critical || f.Critical
	}
	breakdown.TotalPenalties = total
	breakdown.ScoreRaw = breakdown.WeightedSum - total

	score := int(clamp(math.Round(breakdown.ScoreRaw), 0, 100))
	if critical {
		score = 0
	}

	return ScoreResult{
		CandidateID:     cand.ID,
		SupplierItemID:  item.ID,
		ASIN:            cand.ASIN,
		Brand:           item.Brand,
		Supplier:        item.Supplier,
		PartNumber:      item.PartNumber,
		Score:           score,
		WinningScenario: winner.Name,
		ScenarioUnit:    s1,
		ScenarioBulk5:   s5,
		Breakdown:       breakdown,
		Flags:           flags,
		SalesProxy30d:   drops,
		OfferCount:      offerCount,
		AmazonPresent:   amazonPresent,
		Restricted:      restricted,
		Confidence:      cand.Confidence,
		WeightKg:        weightKg,
		CalculatedAt:    time.Now(),
		MarketAt:        marketAt,
		FeeAt:           feeAt,
	}
}

type flagInputs struct {
	restricted    bool
	amazonPresent bool
	tier          ShippingTier
	confidence    float64
	offerCount    *int
	trend         OfferTrend
	drops         *int
	margin        float64
	profit        float64
	sparseData    bool
}

// collectFlags evalúa cada penalización configurada contra los inputs.
func collectFlags(cfg ScoringConfig, in flagInputs) []ScoreFlag {
	p := cfg.Penalties
	var flags []ScoreFlag

	add := func(code, desc string, penalty float64) {
		flags = append(flags, ScoreFlag{
			Code:        code,
			Description: desc,
			Penalty:     penalty,
			Critical:    penalty >= 100,
		})
	}

	if in.restricted {
		add(FlagRestricted, "cuenta restringida para vender este ASIN", p.Restricted)
	}
	if in.amazonPresent {
		add(FlagAmazonRetail, "Amazon vende en este listing", p.AmazonRetail)
	}
	switch in.tier {
	case TierUnknown:
		add(FlagWeightUnknown, "peso del producto no disponible", p.WeightUnknown)
	case TierOverweight:
		add(FlagOverweight, "peso por encima del límite de envío", p.Overweight)
	}
	if in.confidence < cfg.MinConfidence {
		add(FlagLowConfidence, "confianza baja en el mapeo item → ASIN", p.LowConfidence)
	}
	if in.offerCount != nil && *in.offerCount > cfg.OfferCountHigh {
		add(FlagHighCompetition, "número alto de ofertas competidoras", p.HighOfferCount)
	}
	if in.trend == TrendRising {
		add(FlagRisingCompetition, "la competencia está subiendo", p.OfferCountRising)
	}
	if in.drops != nil && *in.drops < cfg.MinSalesProxy30d {
		add(FlagLowSales, "ventas por debajo del mínimo configurado", p.BelowMinSales)
	}
	if in.margin < cfg.MinMargin {
		add(FlagLowMargin, "margen por debajo del mínimo configurado", p.BelowMinMargin)
	}
	if in.profit < cfg.MinProfit {
		add(FlagLowProfit, "beneficio por debajo del mínimo configurado", p.BelowMinProfit)
	}
	if in.sparseData {
		// Informativo: datos de mercado escasos, score poco fiable. No resta puntos.
		add(FlagSparseData, "serie de mercado escasa o ausente", 0)
	}

	return flags
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
