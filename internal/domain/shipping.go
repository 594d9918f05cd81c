package domain

// ShippingTier clasifica el envío por peso del paquete.
type ShippingTier string

const (
	TierSmall      ShippingTier = "small"      // <= SmallMaxKg
	TierMedium     ShippingTier = "medium"     // <= MediumMaxKg
	TierOverweight ShippingTier = "overweight" // por encima del límite de envío
	TierUnknown    ShippingTier = "unknown"    // sin dato de peso
)

// ShippingRates define los costes de envío por tramo de peso.
type ShippingRates struct {
	SmallMaxKg  float64
	SmallCost   float64
	MediumMaxKg float64
	MediumCost  float64
	UnknownCost float64 // coste asumido cuando el peso es desconocido
}

// ShippingFor devuelve el tramo y el coste de envío para un peso dado.
// Peso desconocido usa el coste por defecto y se penaliza en el score, no aquí.
// Overweight devuelve coste 0: el item no es operable y el flag crítico lo anula.
func ShippingFor(weightKg *float64, r ShippingRates) (ShippingTier, float64) {
	if weightKg == nil {
		return TierUnknown, r.UnknownCost
	}
	switch {
	case *weightKg <= r.SmallMaxKg:
		return TierSmall, r.SmallCost
	case *weightKg <= r.MediumMaxKg:
		return TierMedium, r.MediumCost
	default:
		return TierOverweight, 0
	}
}
