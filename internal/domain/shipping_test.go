package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

var ukRates = ShippingRates{
	SmallMaxKg:  0.75,
	SmallCost:   2.00,
	MediumMaxKg: 20.0,
	MediumCost:  3.00,
	UnknownCost: 3.00,
}

func TestShippingFor_Small(t *testing.T) {
	w := 0.5
	tier, cost := ShippingFor(&w, ukRates)
	assert.Equal(t, TierSmall, tier)
	assert.Equal(t, 2.00, cost)
}

func TestShippingFor_SmallBoundary(t *testing.T) {
	w := 0.75
	tier, _ := ShippingFor(&w, ukRates)
	assert.Equal(t, TierSmall, tier)
}

func TestShippingFor_Medium(t *testing.T) {
	w := 5.0
	tier, cost := ShippingFor(&w, ukRates)
	assert.Equal(t, TierMedium, tier)
	assert.Equal(t, 3.00, cost)
}

func TestShippingFor_Overweight(t *testing.T) {
	w := 22.0
	tier, cost := ShippingFor(&w, ukRates)
	assert.Equal(t, TierOverweight, tier)
	assert.Equal(t, 0.0, cost, "overweight no es operable, el coste no aplica")
}

func TestShippingFor_UnknownWeight(t *testing.T) {
	tier, cost := ShippingFor(nil, ukRates)
	assert.Equal(t, TierUnknown, tier)
	assert.Equal(t, 3.00, cost)
}
