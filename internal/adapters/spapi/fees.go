package spapi

// fees.go — FeeProvider: catálogo (peso, título), restricciones y estimación
// de fees para un ASIN. Restricciones y fees se consultan en paralelo: el
// fallo de una no bloquea a la otra. Una caché por TTL evita repetir la
// consulta mientras el snapshot siga vigente.

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alejandrodnm/sellerscan/internal/apierr"
	"github.com/alejandrodnm/sellerscan/internal/domain"
)

// FeeClient implementa ports.FeeProvider sobre un Client firmado.
type FeeClient struct {
	client        *Client
	marketplaceID string
	sellerID      string
	currency      string
	ttl           time.Duration
	logger        *slog.Logger

	mu    sync.Mutex
	cache map[string]domain.FeeSnapshot

	now func() time.Time
}

// NewFeeClient crea el FeeProvider con caché por TTL.
func NewFeeClient(client *Client, marketplaceID, sellerID, currency string, ttl time.Duration, logger *slog.Logger) *FeeClient {
	return &FeeClient{
		client:        client,
		marketplaceID: marketplaceID,
		sellerID:      sellerID,
		currency:      currency,
		ttl:           ttl,
		logger:        logger,
		cache:         make(map[string]domain.FeeSnapshot),
		now:           time.Now,
	}
}

// FetchFeeSnapshot devuelve el snapshot de fees para el ASIN al precio dado.
// Un hit de caché dentro del TTL no toca la red. El precio usado para la
// estimación forma parte de la clave: cambiar el precio invalida el hit.
func (f *FeeClient) FetchFeeSnapshot(ctx context.Context, asin string, sellGross float64) (domain.FeeSnapshot, error) {
	key := fmt.Sprintf("%s|%.2f", asin, sellGross)

	f.mu.Lock()
	if cached, ok := f.cache[key]; ok && !cached.Expired(f.now()) {
		f.mu.Unlock()
		return cached, nil
	}
	f.mu.Unlock()

	snap := domain.FeeSnapshot{
		ASIN:          asin,
		At:            f.now(),
		SellPriceUsed: sellGross,
		TTL:           f.ttl,
	}

	// Catálogo primero: el peso decide el tramo de envío y no depende del precio.
	if item, err := f.fetchCatalogItem(ctx, asin); err != nil {
		f.logger.Warn("catálogo no disponible", "asin", asin, "error", err)
	} else {
		snap.Title = item.title
		snap.Brand = item.brand
		snap.Category = item.category
		snap.WeightKg = item.weightKg
		if item.weightKg != nil {
			snap.WeightSource = "catalog"
		}
	}

	// Restricciones y fees en paralelo. Un fallo de restricciones no bloquea
	// la estimación de fees ni al revés.
	var wg sync.WaitGroup
	var restricted bool
	var reasons string
	var restrErr error
	var fees *feeEstimate
	var feeErr error

	wg.Add(2)
	go func() {
		defer wg.Done()
		restricted, reasons, restrErr = f.fetchRestrictions(ctx, asin)
	}()
	go func() {
		defer wg.Done()
		fees, feeErr = f.fetchFeeEstimate(ctx, asin, sellGross)
	}()
	wg.Wait()

	if restrErr != nil && feeErr != nil {
		return domain.FeeSnapshot{}, fmt.Errorf("spapi.FetchFeeSnapshot %s: %w", asin, feeErr)
	}
	if restrErr != nil {
		f.logger.Warn("restricciones no disponibles", "asin", asin, "error", restrErr)
	} else {
		snap.Restricted = restricted
		snap.RestrictionReasons = reasons
	}
	if feeErr != nil {
		f.logger.Warn("estimación de fees no disponible", "asin", asin, "error", feeErr)
	} else if fees != nil {
		snap.FeeTotalGross = fees.total
		snap.FeeReferral = fees.referral
		snap.FeeVariable = fees.variable
	}

	// Un snapshot parcial no se cachea: el siguiente ciclo reintenta la parte
	// fallida en vez de servir el hueco durante todo el TTL.
	if restrErr == nil && feeErr == nil {
		f.mu.Lock()
		f.cache[key] = snap
		f.mu.Unlock()
	}
	return snap, nil
}

type catalogItem struct {
	title    string
	brand    string
	category string
	weightKg *float64
}

// fetchCatalogItem lee los atributos del catálogo, incluido el peso del paquete.
func (f *FeeClient) fetchCatalogItem(ctx context.Context, asin string) (catalogItem, error) {
	query := url.Values{}
	query.Set("marketplaceIds", f.marketplaceID)
	query.Set("includedData", "attributes,summaries")

	body, err := f.client.do(ctx, "GET", "/catalog/2022-04-01/items/"+asin, query, nil)
	if err != nil {
		return catalogItem{}, err
	}

	var payload struct {
		Summaries []struct {
			ItemName string `json:"itemName"`
			Brand    string `json:"brand"`
			BrowseClassification struct {
				DisplayName string `json:"displayName"`
			} `json:"browseClassification"`
		} `json:"summaries"`
		Attributes struct {
			ItemPackageWeight []struct {
				Value float64 `json:"value"`
				Unit  string  `json:"unit"`
			} `json:"item_package_weight"`
		} `json:"attributes"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return catalogItem{}, apierr.New(apierr.DataQuality, "spapi.catalogItem", 0,
			fmt.Errorf("respuesta no parseable: %w", err))
	}

	item := catalogItem{}
	if len(payload.Summaries) > 0 {
		s := payload.Summaries[0]
		item.title = s.ItemName
		item.brand = s.Brand
		item.category = s.BrowseClassification.DisplayName
	}
	if len(payload.Attributes.ItemPackageWeight) > 0 {
		w := payload.Attributes.ItemPackageWeight[0]
		if kg, ok := toKilograms(w.Value, w.Unit); ok {
			item.weightKg = &kg
		}
	}
	return item, nil
}

// toKilograms normaliza el peso del catálogo a kg. Unidad desconocida = sin dato.
func toKilograms(value float64, unit string) (float64, bool) {
	if value <= 0 {
		return 0, false
	}
	switch strings.ToLower(unit) {
	case "kilograms", "kg":
		return value, true
	case "grams", "g":
		return value / 1000, true
	case "pounds", "lb":
		return value * 0.453592, true
	case "ounces", "oz":
		return value * 0.0283495, true
	default:
		return 0, false
	}
}

// fetchRestrictions consulta si el seller puede listar el ASIN.
// Sin restricciones el endpoint devuelve una lista vacía.
func (f *FeeClient) fetchRestrictions(ctx context.Context, asin string) (bool, string, error) {
	query := url.Values{}
	query.Set("asin", asin)
	query.Set("sellerId", f.sellerID)
	query.Set("marketplaceIds", f.marketplaceID)
	query.Set("conditionType", "new_new")

	body, err := f.client.do(ctx, "GET", "/listings/2021-08-01/restrictions", query, nil)
	if err != nil {
		return false, "", err
	}

	var payload struct {
		Restrictions []struct {
			Reasons []struct {
				ReasonCode string `json:"reasonCode"`
				Message    string `json:"message"`
			} `json:"reasons"`
		} `json:"restrictions"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return false, "", apierr.New(apierr.DataQuality, "spapi.restrictions", 0,
			fmt.Errorf("respuesta no parseable: %w", err))
	}

	if len(payload.Restrictions) == 0 {
		return false, "", nil
	}
	var reasons []string
	for _, r := range payload.Restrictions {
		for _, reason := range r.Reasons {
			reasons = append(reasons, reason.ReasonCode)
		}
	}
	return true, strings.Join(reasons, ","), nil
}

type feeEstimate struct {
	total    *float64
	referral *float64
	variable *float64
}

// fetchFeeEstimate pide la estimación de fees para el ASIN al precio dado.
// Los importes se parsean con decimal para no arrastrar errores binarios
// al sumar peniques.
func (f *FeeClient) fetchFeeEstimate(ctx context.Context, asin string, sellGross float64) (*feeEstimate, error) {
	price := decimal.NewFromFloat(sellGross).Round(2)
	reqBody := map[string]any{
		"FeesEstimateRequest": map[string]any{
			"MarketplaceId":     f.marketplaceID,
			"IsAmazonFulfilled": false,
			"PriceToEstimateFees": map[string]any{
				"ListingPrice": map[string]any{
					"CurrencyCode": f.currency,
					"Amount":       price.InexactFloat64(),
				},
			},
			"Identifier": fmt.Sprintf("%s-%d", asin, f.now().UnixMilli()),
		},
	}
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("spapi.fetchFeeEstimate: %w", err)
	}

	body, err := f.client.do(ctx, "POST",
		"/products/fees/v0/items/"+asin+"/feesEstimate", nil, payload)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Payload struct {
			FeesEstimateResult struct {
				Status       string `json:"Status"`
				FeesEstimate struct {
					TotalFeesEstimate struct {
						Amount json.Number `json:"Amount"`
					} `json:"TotalFeesEstimate"`
					FeeDetailList []struct {
						FeeType string `json:"FeeType"`
						FinalFee struct {
							Amount json.Number `json:"Amount"`
						} `json:"FinalFee"`
					} `json:"FeeDetailList"`
				} `json:"FeesEstimate"`
			} `json:"FeesEstimateResult"`
		} `json:"payload"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, apierr.New(apierr.DataQuality, "spapi.feesEstimate", 0,
			fmt.Errorf("respuesta no parseable: %w", err))
	}

	result := resp.Payload.FeesEstimateResult
	if result.Status != "" && result.Status != "Success" {
		return nil, apierr.New(apierr.DataQuality, "spapi.feesEstimate", 0,
			fmt.Errorf("estimación con estado %s", result.Status))
	}

	est := &feeEstimate{}
	if v, ok := parseAmount(result.FeesEstimate.TotalFeesEstimate.Amount); ok {
		est.total = &v
	}
	for _, d := range result.FeesEstimate.FeeDetailList {
		v, ok := parseAmount(d.FinalFee.Amount)
		if !ok {
			continue
		}
		switch d.FeeType {
		case "ReferralFee":
			amount := v
			est.referral = &amount
		case "VariableClosingFee":
			amount := v
			est.variable = &amount
		}
	}
	return est, nil
}

// parseAmount convierte un importe JSON a float64 pasando por decimal.
func parseAmount(n json.Number) (float64, bool) {
	if n == "" {
		return 0, false
	}
	d, err := decimal.NewFromString(n.String())
	if err != nil {
		return 0, false
	}
	return d.InexactFloat64(), true
}
