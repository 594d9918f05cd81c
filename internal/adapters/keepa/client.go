// Package keepa implementa el MarketProvider contra el API de datos de
// mercado con presupuesto de tokens. Cada respuesta trae el estado del
// presupuesto (tokensLeft, refillRate, refillIn) y el cliente lo observa
// para espaciar los batches sin quemar tokens en 429s.
package keepa

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/alejandrodnm/sellerscan/internal/apierr"
	"github.com/alejandrodnm/sellerscan/internal/domain"
	"github.com/alejandrodnm/sellerscan/internal/ports"
)

// Máximo de ASINs por request del endpoint /product.
const maxBatchSize = 100

// Client habla con el API de mercado. Implementa ports.MarketProvider.
type Client struct {
	http     *http.Client
	base     string
	key      string
	domainID int
	tracker  *TokenTracker
	calls    ports.CallLogger
	logger   *slog.Logger
}

// New crea el cliente. calls puede ser nil si no se quiere auditoría.
func New(base, key string, domainID int, calls ports.CallLogger, logger *slog.Logger) *Client {
	return &Client{
		http:     &http.Client{Timeout: 30 * time.Second},
		base:     strings.TrimRight(base, "/"),
		key:      key,
		domainID: domainID,
		tracker:  NewTokenTracker(),
		calls:    calls,
		logger:   logger,
	}
}

// TokenStatus devuelve la última vista del presupuesto de tokens.
func (c *Client) TokenStatus() domain.TokenStatus {
	return c.tracker.Status()
}

// TimeUntilSafe delega en el tracker.
func (c *Client) TimeUntilSafe(cost int) time.Duration {
	return c.tracker.TimeUntilSafe(cost)
}

// BatchCost estima el coste en tokens de un batch: un token por ASIN,
// dos si se piden datos de buy box.
func (c *Client) BatchCost(n int, includeBuyBox bool) int {
	if includeBuyBox {
		return 2 * n
	}
	return n
}

// FetchSnapshots obtiene snapshots de mercado para los ASINs dados.
// Espera primero a que el presupuesto de tokens alcance (cancelable por ctx)
// y observa el presupuesto reportado tras la respuesta.
func (c *Client) FetchSnapshots(ctx context.Context, asins []string, includeBuyBox bool) ([]domain.MarketSnapshot, error) {
	if len(asins) == 0 {
		return nil, nil
	}
	if len(asins) > maxBatchSize {
		return nil, apierr.New(apierr.Client, "keepa.FetchSnapshots", 0,
			fmt.Errorf("batch de %d ASINs supera el máximo de %d", len(asins), maxBatchSize))
	}

	cost := c.BatchCost(len(asins), includeBuyBox)
	if wait := c.tracker.TimeUntilSafe(cost); wait > 0 {
		c.logger.Debug("esperando presupuesto de tokens", "wait", wait, "cost", cost)
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	params := url.Values{}
	params.Set("key", c.key)
	params.Set("domain", fmt.Sprintf("%d", c.domainID))
	params.Set("asin", strings.Join(asins, ","))
	params.Set("stats", "90,1,1")
	params.Set("offers", "20")
	if includeBuyBox {
		params.Set("buybox", "1")
	}

	resp, err := c.doProduct(ctx, params)
	if err != nil {
		return nil, err
	}

	at := time.Now()
	c.tracker.Observe(resp.TokensLeft, resp.RefillRate,
		time.Duration(resp.RefillIn)*time.Second, resp.TokensConsumed, at)

	snaps := make([]domain.MarketSnapshot, 0, len(resp.Products))
	for _, p := range resp.Products {
		snap := parseSnapshot(p, at)
		snap.TokensConsumed = resp.TokensConsumed / max(len(resp.Products), 1)
		snaps = append(snaps, snap)
	}
	return snaps, nil
}

// doProduct ejecuta el GET a /product, registra el intento y clasifica el fallo.
func (c *Client) doProduct(ctx context.Context, params url.Values) (*productResponse, error) {
	const op = "keepa.FetchSnapshots"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.base+"/product?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("keepa.doProduct: %w", err)
	}

	start := time.Now()
	httpResp, err := c.http.Do(req)
	latency := time.Since(start)

	rec := ports.CallRecord{
		API:      "keepa",
		Endpoint: "/product",
		Method:   http.MethodGet,
		Params:   redactedParams(params),
		Latency:  latency,
		At:       start,
	}
	if err != nil {
		rec.ErrorMessage = err.Error()
		c.logCall(ctx, rec)
		return nil, apierr.New(apierr.Transient, op, 0, err)
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(httpResp.Body, 32<<20))
	if err != nil {
		rec.Status = httpResp.StatusCode
		rec.ErrorMessage = err.Error()
		c.logCall(ctx, rec)
		return nil, apierr.New(apierr.Transient, op, httpResp.StatusCode, err)
	}
	rec.Status = httpResp.StatusCode
	rec.ResponseBytes = len(body)

	switch {
	case httpResp.StatusCode == http.StatusTooManyRequests:
		// El body del 429 sigue trayendo el estado de tokens: observarlo
		// para calcular la espera real en vez de adivinar.
		var partial productResponse
		retryIn := time.Duration(0)
		if json.Unmarshal(body, &partial) == nil && partial.RefillIn > 0 {
			c.tracker.Observe(partial.TokensLeft, partial.RefillRate,
				time.Duration(partial.RefillIn)*time.Second, 0, time.Now())
			retryIn = time.Duration(partial.RefillIn) * time.Second
		}
		rec.ErrorMessage = "presupuesto de tokens agotado"
		c.logCall(ctx, rec)
		e := apierr.New(apierr.RateLimited, op, httpResp.StatusCode, nil)
		e.RetryIn = retryIn
		return nil, e
	case httpResp.StatusCode >= 500:
		rec.ErrorMessage = fmt.Sprintf("status %d", httpResp.StatusCode)
		c.logCall(ctx, rec)
		return nil, apierr.New(apierr.Transient, op, httpResp.StatusCode, nil)
	case httpResp.StatusCode >= 400:
		rec.ErrorMessage = fmt.Sprintf("status %d", httpResp.StatusCode)
		c.logCall(ctx, rec)
		return nil, apierr.New(apierr.Client, op, httpResp.StatusCode, nil)
	}

	var resp productResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		rec.ErrorMessage = err.Error()
		c.logCall(ctx, rec)
		return nil, apierr.New(apierr.DataQuality, op, httpResp.StatusCode,
			fmt.Errorf("respuesta no parseable: %w", err))
	}
	if resp.Error != nil {
		rec.ErrorMessage = resp.Error.Message
		c.logCall(ctx, rec)
		return nil, apierr.New(apierr.DataQuality, op, httpResp.StatusCode,
			fmt.Errorf("error del upstream %s: %s", resp.Error.Type, resp.Error.Message))
	}

	rec.Success = true
	rec.TokensConsumed = resp.TokensConsumed
	c.logCall(ctx, rec)
	return &resp, nil
}

// logCall registra el intento sin dejar que un fallo del logger tumbe la llamada.
func (c *Client) logCall(ctx context.Context, rec ports.CallRecord) {
	if c.calls == nil {
		return
	}
	if err := c.calls.LogCall(ctx, rec); err != nil {
		c.logger.Warn("no se pudo registrar la llamada", "error", err)
	}
}

// redactedParams serializa los parámetros sin la API key.
func redactedParams(params url.Values) string {
	clone := url.Values{}
	for k, vs := range params {
		if k == "key" {
			continue
		}
		for _, v := range vs {
			clone.Add(k, v)
		}
	}
	return clone.Encode()
}
