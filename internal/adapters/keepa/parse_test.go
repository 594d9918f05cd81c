package keepa

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alejandrodnm/sellerscan/internal/domain"
)

func TestMinuteToTime_Epoch(t *testing.T) {
	assert.Equal(t, time.Date(2011, 1, 1, 0, 0, 0, 0, time.UTC), minuteToTime(0))
	assert.Equal(t, time.Date(2011, 1, 1, 1, 30, 0, 0, time.UTC), minuteToTime(90))
}

func TestSeriesValues_SkipsMissing(t *testing.T) {
	// [minuto, valor, ...] con -1 = sin dato; valores en peniques
	series := []int{100, 2500, 200, -1, 300, 2750}
	got := seriesValues(series)
	require.Len(t, got, 2)
	assert.InDelta(t, 25.00, got[0], 0.001)
	assert.InDelta(t, 27.50, got[1], 0.001)
}

func TestMedianOf(t *testing.T) {
	assert.InDelta(t, 20.0, medianOf([]float64{10, 20, 30}), 0.001)
	assert.InDelta(t, 25.0, medianOf([]float64{10, 20, 30, 40}), 0.001)
}

func TestCVOf(t *testing.T) {
	assert.Nil(t, cvOf([]float64{10}))

	cv := cvOf([]float64{10, 10, 10})
	require.NotNil(t, cv)
	assert.InDelta(t, 0.0, *cv, 0.001)

	cv = cvOf([]float64{10, 20})
	require.NotNil(t, cv)
	assert.Greater(t, *cv, 0.0)
}

func buildCSV() [][]int {
	csv := make([][]int, 19)
	// Serie FBM: último precio £27.50
	csv[priceNewFBM] = []int{100, 2500, 200, 2600, 300, 2750}
	// Amazon retail presente al final de su serie
	csv[priceAmazon] = []int{100, 1999, 200, 2099}
	// Buy box en £26.80
	csv[priceBuyBox] = []int{100, 2600, 200, 2680}
	return csv
}

func TestParseSnapshot_Prices(t *testing.T) {
	p := productPayload{
		ASIN: "B00TEST123",
		CSV:  buildCSV(),
		Stats: &statsPayload{
			Current:          []int{-1, -1, -1, 15000},
			Min30:            make([]int, 8),
			Max30:            make([]int, 8),
			SalesRankDrops30: 42,
		},
	}
	p.Stats.Min30[priceNewFBM] = 2400
	p.Stats.Max30[priceNewFBM] = 2900

	snap := parseSnapshot(p, time.Now())

	require.NotNil(t, snap.PriceCurrent)
	assert.InDelta(t, 27.50, *snap.PriceCurrent, 0.001)
	require.NotNil(t, snap.PriceMedian30d)
	assert.InDelta(t, 26.00, *snap.PriceMedian30d, 0.001)
	require.NotNil(t, snap.PriceMin30d)
	assert.InDelta(t, 24.00, *snap.PriceMin30d, 0.001)
	require.NotNil(t, snap.PriceMax30d)
	assert.InDelta(t, 29.00, *snap.PriceMax30d, 0.001)

	require.NotNil(t, snap.SalesRankDrops30d)
	assert.Equal(t, 42, *snap.SalesRankDrops30d)
	require.NotNil(t, snap.SalesRankCurrent)
	assert.Equal(t, 15000, *snap.SalesRankCurrent)

	require.NotNil(t, snap.BuyBoxPrice)
	assert.InDelta(t, 26.80, *snap.BuyBoxPrice, 0.001)
	assert.True(t, snap.AmazonOnListing)
	assert.False(t, snap.LowConfidence)
}

func TestParseSnapshot_EmptySeriesLowConfidence(t *testing.T) {
	p := productPayload{ASIN: "B00EMPTY00", CSV: [][]int{}}
	snap := parseSnapshot(p, time.Now())

	assert.Nil(t, snap.PriceCurrent)
	assert.True(t, snap.LowConfidence)
	assert.False(t, snap.AmazonOnListing)
}

func TestParseSnapshot_ZeroDropsIsUnknown(t *testing.T) {
	p := productPayload{
		ASIN:  "B00TEST123",
		CSV:   buildCSV(),
		Stats: &statsPayload{SalesRankDrops30: 0},
	}
	snap := parseSnapshot(p, time.Now())
	assert.Nil(t, snap.SalesRankDrops30d, "drops=0 es sin dato, no cero ventas")
	assert.True(t, snap.LowConfidence)
}

func TestParseOffers_CountsFBMvsFBA(t *testing.T) {
	p := productPayload{
		LiveOffersOrder: []int{1, 2, 3},
		Offers: []offerPayload{
			{OfferID: 1, IsFBA: true},
			{OfferID: 2, IsFBA: false},
			{OfferID: 3, IsFBA: false},
			{OfferID: 9, IsFBA: true}, // no viva, no cuenta
		},
	}
	var snap domain.MarketSnapshot
	parseOffers(p, &snap)

	require.NotNil(t, snap.OfferCountFBM)
	require.NotNil(t, snap.OfferCountFBA)
	assert.Equal(t, 2, *snap.OfferCountFBM)
	assert.Equal(t, 1, *snap.OfferCountFBA)
}

func TestOfferTrend_Rising(t *testing.T) {
	// Media reciente 10 vs anterior 5 → > ×1.2 → rising
	series := []int{1, 5, 2, 5, 3, 5, 4, 5, 5, 5, 6, 5, 7, 10, 8, 10}
	assert.Equal(t, domain.TrendRising, offerTrend(series))
}

func TestOfferTrend_Falling(t *testing.T) {
	series := []int{1, 10, 2, 10, 3, 10, 4, 10, 5, 10, 6, 10, 7, 5, 8, 5}
	assert.Equal(t, domain.TrendFalling, offerTrend(series))
}

func TestOfferTrend_Stable(t *testing.T) {
	series := []int{1, 8, 2, 8, 3, 8, 4, 8, 5, 8, 6, 8, 7, 8, 8, 8}
	assert.Equal(t, domain.TrendStable, offerTrend(series))
}

func TestOfferTrend_TooShort(t *testing.T) {
	assert.Equal(t, domain.TrendUnknown, offerTrend([]int{1, 5, 2, 5}))
}
