package keepa

// parse.go — parseo de las series temporales compactas del upstream.
//
// Los precios llegan en unidades menores (peniques) y los timestamps como
// minutos desde un epoch fijo: realTime = epoch + minutos × 60s.
// Dato ausente (-1 o serie vacía) se trata como desconocido, nunca como cero:
// el snapshot sale con LowConfidence en vez de con un precio inventado.

import (
	"math"
	"sort"
	"time"

	"github.com/alejandrodnm/sellerscan/internal/domain"
)

// Epoch fijo del upstream: 2011-01-01 00:00 UTC, expresado en minutos Unix.
const epochOffsetMinutes = 21564000

// minuteToTime convierte un offset en minutos del upstream a tiempo real.
func minuteToTime(m int) time.Time {
	return time.Unix(int64(m+epochOffsetMinutes)*60, 0).UTC()
}

// seriesValues extrae los valores válidos (> 0) de una serie compacta
// [minuto, valor, minuto, valor, ...] y los convierte a GBP.
func seriesValues(series []int) []float64 {
	var out []float64
	for i := 1; i < len(series); i += 2 {
		if series[i] > 0 {
			out = append(out, float64(series[i])/100)
		}
	}
	return out
}

// statAt devuelve el valor en GBP del índice dado de un array de stats,
// o nil si no hay dato.
func statAt(stats []int, idx int) *float64 {
	if idx >= len(stats) || stats[idx] <= 0 {
		return nil
	}
	v := float64(stats[idx]) / 100
	return &v
}

// medianOf devuelve la mediana de una serie no vacía.
func medianOf(vals []float64) float64 {
	s := make([]float64, len(vals))
	copy(s, vals)
	sort.Float64s(s)
	n := len(s)
	if n%2 == 1 {
		return s[n/2]
	}
	return (s[n/2-1] + s[n/2]) / 2
}

// cvOf devuelve el coeficiente de variación (stdev/media) de la serie,
// o nil con menos de dos puntos o media cero.
func cvOf(vals []float64) *float64 {
	if len(vals) < 2 {
		return nil
	}
	mean := 0.0
	for _, v := range vals {
		mean += v
	}
	mean /= float64(len(vals))
	if mean <= 0 {
		return nil
	}
	variance := 0.0
	for _, v := range vals {
		variance += (v - mean) * (v - mean)
	}
	variance /= float64(len(vals) - 1)
	cv := math.Sqrt(variance) / mean
	return &cv
}

// parseSnapshot convierte un producto del upstream en un MarketSnapshot.
func parseSnapshot(p productPayload, at time.Time) domain.MarketSnapshot {
	snap := domain.MarketSnapshot{
		ASIN: p.ASIN,
		At:   at,
	}

	// Serie de precios FBM
	var fbmPrices []float64
	if len(p.CSV) > priceNewFBM {
		fbmPrices = seriesValues(p.CSV[priceNewFBM])
	}
	if len(fbmPrices) > 0 {
		last := fbmPrices[len(fbmPrices)-1]
		snap.PriceCurrent = &last
		med := medianOf(fbmPrices)
		snap.PriceMedian30d = &med
		snap.VolatilityCV = cvOf(fbmPrices)
	}

	if p.Stats != nil {
		snap.PriceMin30d = statAt(p.Stats.Min30, priceNewFBM)
		snap.PriceMax30d = statAt(p.Stats.Max30, priceNewFBM)
		// Sin serie propia, la mediana cae al avg30 precalculado.
		if snap.PriceMedian30d == nil {
			snap.PriceMedian30d = statAt(p.Stats.Avg30, priceNewFBM)
		}
		if p.Stats.SalesRankDrops30 > 0 {
			d := p.Stats.SalesRankDrops30
			snap.SalesRankDrops30d = &d
		}
		// Sales rank actual va en el índice 3 del array current.
		if len(p.Stats.Current) > 3 && p.Stats.Current[3] > 0 {
			r := p.Stats.Current[3]
			snap.SalesRankCurrent = &r
		}
	}

	parseOffers(p, &snap)
	snap.OfferTrend = offerTrend(p.OfferCountNew)

	// Buy box
	if len(p.CSV) > priceBuyBox {
		if prices := seriesValues(p.CSV[priceBuyBox]); len(prices) > 0 {
			bb := prices[len(prices)-1]
			snap.BuyBoxPrice = &bb
		}
	}
	if n := len(p.BuyBoxSellerIDHistory); n > 1 {
		isAmazon := isAmazonSellerID(p.BuyBoxSellerIDHistory[n-1])
		snap.BuyBoxIsAmazon = &isAmazon
	}

	// Presencia de Amazon retail: precio reciente en la serie de Amazon.
	if len(p.CSV) > priceAmazon {
		amz := p.CSV[priceAmazon]
		start := len(amz) - 10
		if start < 0 {
			start = 0
		}
		for i := start; i < len(amz); i++ {
			if i%2 == 1 && amz[i] > 0 {
				snap.AmazonOnListing = true
				break
			}
		}
	}

	// Serie escasa: sin precio FBM o sin proxy de ventas → score degradado.
	snap.LowConfidence = snap.PriceCurrent == nil || snap.SalesRankDrops30d == nil

	return snap
}

// parseOffers cuenta las ofertas vivas FBM vs FBA.
func parseOffers(p productPayload, snap *domain.MarketSnapshot) {
	if len(p.LiveOffersOrder) == 0 {
		return
	}
	fbm, fba := 0, 0
	for _, id := range p.LiveOffersOrder {
		for _, offer := range p.Offers {
			if offer.OfferID == id {
				if offer.IsFBA {
					fba++
				} else {
					fbm++
				}
				break
			}
		}
	}
	snap.OfferCountFBM = &fbm
	snap.OfferCountFBA = &fba
}

// offerTrend compara los dos últimos puntos de la serie de conteo de ofertas
// contra los dos anteriores: subida > 20% = rising, caída > 20% = falling.
func offerTrend(series []int) domain.OfferTrend {
	if len(series) < 8 {
		return domain.TrendUnknown
	}
	recent := avgOfValues(series[len(series)-4:])
	older := avgOfValues(series[len(series)-8 : len(series)-4])
	if older <= 0 {
		return domain.TrendUnknown
	}
	switch {
	case recent > older*1.2:
		return domain.TrendRising
	case recent < older*0.8:
		return domain.TrendFalling
	default:
		return domain.TrendStable
	}
}

// avgOfValues promedia los valores (índices impares) de un tramo de serie compacta.
func avgOfValues(series []int) float64 {
	sum, n := 0.0, 0
	for i := 1; i < len(series); i += 2 {
		if series[i] >= 0 {
			sum += float64(series[i])
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

// isAmazonSellerID detecta el seller ID de Amazon retail por marketplace.
func isAmazonSellerID(id string) bool {
	// Los IDs de Amazon retail empiezan por "ATVPDKIKX0" (US/UK comparten prefijo A).
	return len(id) > 0 && id[0] == 'A'
}
