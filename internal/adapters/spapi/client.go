// Package spapi implementa el FeeProvider contra el API de fees y
// restricciones, con OAuth de refresh token, firma canónica de cada request
// y una caché por TTL para no pagar la misma consulta dos veces.
package spapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/alejandrodnm/sellerscan/internal/apierr"
	"github.com/alejandrodnm/sellerscan/internal/ports"
)

// Margen de seguridad antes de la expiración real del access token.
const tokenExpiryMargin = 5 * time.Minute

// Reintentos de transporte por request (sin contar el refresh por 401).
const maxTransportRetries = 3

// Credentials agrupa todo lo necesario para autenticar y firmar.
type Credentials struct {
	ClientID     string
	ClientSecret string
	RefreshToken string
	AccessKey    string
	SecretKey    string
	Region       string
}

// Client es el cliente HTTP firmado. Renueva el access token de forma
// transparente y reintenta fallos transitorios con backoff.
type Client struct {
	http     *http.Client
	base     string
	authBase string
	creds    Credentials
	signer   signer
	limiter  *rate.Limiter
	calls    ports.CallLogger
	logger   *slog.Logger

	mu          sync.Mutex
	accessToken string
	tokenExpiry time.Time

	now func() time.Time
}

// NewClient crea el cliente firmado. El limiter respeta el rate del API de
// fees (1 req/s con ráfaga corta es el régimen documentado).
func NewClient(base, authBase string, creds Credentials, calls ports.CallLogger, logger *slog.Logger) *Client {
	return &Client{
		http:     &http.Client{Timeout: 30 * time.Second},
		base:     strings.TrimRight(base, "/"),
		authBase: authBase,
		creds:    creds,
		signer:   signer{accessKey: creds.AccessKey, secretKey: creds.SecretKey, region: creds.Region},
		limiter:  rate.NewLimiter(rate.Limit(1), 2),
		calls:    calls,
		logger:   logger,
		now:      time.Now,
	}
}

// accessTokenFor devuelve un access token válido, renovándolo si expiró
// o está a menos del margen de seguridad.
func (c *Client) accessTokenFor(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.accessToken != "" && c.now().Before(c.tokenExpiry.Add(-tokenExpiryMargin)) {
		return c.accessToken, nil
	}
	return c.refreshTokenLocked(ctx)
}

// invalidateToken fuerza un refresh en el próximo uso. Se llama tras un 401.
func (c *Client) invalidateToken() {
	c.mu.Lock()
	c.accessToken = ""
	c.mu.Unlock()
}

// refreshTokenLocked intercambia el refresh token por un access token nuevo.
// Requiere c.mu.
func (c *Client) refreshTokenLocked(ctx context.Context) (string, error) {
	const op = "spapi.refreshToken"

	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", c.creds.RefreshToken)
	form.Set("client_id", c.creds.ClientID)
	form.Set("client_secret", c.creds.ClientSecret)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.authBase,
		strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("spapi.refreshTokenLocked: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", apierr.New(apierr.Transient, op, 0, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", apierr.New(apierr.Transient, op, resp.StatusCode, err)
	}
	if resp.StatusCode != http.StatusOK {
		// Un refresh token rechazado no se arregla reintentando.
		return "", apierr.New(apierr.Auth, op, resp.StatusCode,
			fmt.Errorf("token exchange rechazado: %s", strings.TrimSpace(string(body))))
	}

	var payload struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", apierr.New(apierr.Auth, op, resp.StatusCode,
			fmt.Errorf("respuesta del token exchange no parseable: %w", err))
	}
	if payload.AccessToken == "" {
		return "", apierr.New(apierr.Auth, op, resp.StatusCode,
			fmt.Errorf("token exchange sin access_token"))
	}

	c.accessToken = payload.AccessToken
	c.tokenExpiry = c.now().Add(time.Duration(payload.ExpiresIn) * time.Second)
	c.logger.Debug("access token renovado", "expires_in", payload.ExpiresIn)
	return c.accessToken, nil
}

// do ejecuta un request firmado contra el API. Reintenta fallos transitorios
// con backoff exponencial; un 401 dispara un único refresh de token y
// reintento que no cuenta contra el presupuesto de reintentos.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, payload []byte) ([]byte, error) {
	op := "spapi." + path

	refreshed := false
	var lastErr error
	for attempt := 0; attempt < maxTransportRetries; attempt++ {
		if attempt > 0 {
			// Backoff corto entre reintentos de transporte.
			wait := time.Duration(attempt) * 500 * time.Millisecond
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		body, status, err := c.doOnce(ctx, method, path, query, payload)
		switch {
		case err == nil && status < 400:
			return body, nil
		case status == http.StatusUnauthorized && !refreshed:
			// Refresh transparente: un solo intento, fuera del contador.
			refreshed = true
			c.invalidateToken()
			attempt--
			lastErr = apierr.New(apierr.Auth, op, status, nil)
			continue
		case status == http.StatusUnauthorized:
			return nil, apierr.New(apierr.Auth, op, status, nil)
		case status == http.StatusTooManyRequests:
			lastErr = apierr.New(apierr.RateLimited, op, status, nil)
			continue
		case status >= 500:
			lastErr = apierr.New(apierr.Transient, op, status, nil)
			continue
		case status >= 400:
			return nil, apierr.New(apierr.Client, op, status,
				fmt.Errorf("%s", strings.TrimSpace(string(body))))
		default:
			// Fallo sin respuesta HTTP: errores Auth/Client (p.ej. refresh
			// token rechazado) no se reintentan; el resto sí, como transitorio.
			if !apierr.IsRetryable(err) {
				return nil, err
			}
			lastErr = apierr.New(apierr.Transient, op, 0, err)
			continue
		}
	}
	return nil, lastErr
}

// doOnce ejecuta un intento: token, firma, request y registro de la llamada.
func (c *Client) doOnce(ctx context.Context, method, path string, query url.Values, payload []byte) ([]byte, int, error) {
	token, err := c.accessTokenFor(ctx)
	if err != nil {
		return nil, 0, err
	}

	u := c.base + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, bytes.NewReader(payload))
	if err != nil {
		return nil, 0, fmt.Errorf("spapi.doOnce: %w", err)
	}
	req.Header.Set("X-Amz-Access-Token", token)
	if len(payload) > 0 {
		req.Header.Set("Content-Type", "application/json")
	}
	c.signer.Sign(req, payload, c.now())

	start := time.Now()
	resp, err := c.http.Do(req)
	latency := time.Since(start)

	rec := ports.CallRecord{
		API:      "spapi",
		Endpoint: path,
		Method:   method,
		Params:   query.Encode(),
		Latency:  latency,
		At:       start,
	}
	if err != nil {
		rec.ErrorMessage = err.Error()
		c.logCall(ctx, rec)
		return nil, 0, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	rec.Status = resp.StatusCode
	rec.ResponseBytes = len(body)
	if err != nil {
		rec.ErrorMessage = err.Error()
		c.logCall(ctx, rec)
		return nil, resp.StatusCode, err
	}
	rec.Success = resp.StatusCode < 400
	if !rec.Success {
		rec.ErrorMessage = fmt.Sprintf("status %d", resp.StatusCode)
	}
	c.logCall(ctx, rec)
	return body, resp.StatusCode, nil
}

func (c *Client) logCall(ctx context.Context, rec ports.CallRecord) {
	if c.calls == nil {
		return
	}
	if err := c.calls.LogCall(ctx, rec); err != nil {
		c.logger.Warn("no se pudo registrar la llamada", "error", err)
	}
}
