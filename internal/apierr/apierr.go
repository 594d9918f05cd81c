// Package apierr clasifica los fallos de los APIs externos para que el
// scheduler decida entre reintentar, refrescar credenciales o rendirse.
package apierr

import (
	"errors"
	"fmt"
	"time"
)

// Kind es la clase de fallo.
type Kind int

const (
	// Transient: timeout, 5xx, red caída. Se reintenta con backoff.
	Transient Kind = iota
	// RateLimited: 429 o presupuesto de tokens agotado. Se espera, no es un error real.
	RateLimited
	// Auth: 401. Un refresh transparente de credenciales y reintento único.
	Auth
	// Client: 4xx distinto de 401/429 o request malformado. No se reintenta.
	Client
	// DataQuality: el upstream respondió pero con datos inservibles.
	DataQuality
)

// Error envuelve un fallo de API con su clase y contexto mínimo.
type Error struct {
	Kind    Kind
	Op      string // "keepa.FetchSnapshots", "spapi.feesEstimate", ...
	Status  int    // status HTTP si aplica, 0 si no
	RetryIn time.Duration
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s: status %d", e.Op, e.Status)
}

func (e *Error) Unwrap() error { return e.Err }

// New construye un *Error.
func New(kind Kind, op string, status int, err error) *Error {
	return &Error{Kind: kind, Op: op, Status: status, Err: err}
}

// KindOf devuelve la clase del error. Errores no clasificados son Transient:
// ante la duda se reintenta con backoff acotado en vez de descartar el candidato.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return Transient
}

// RetryIn devuelve la espera sugerida por el upstream, 0 si no la hay.
func RetryIn(err error) time.Duration {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.RetryIn
	}
	return 0
}

// IsRetryable devuelve true si el fallo merece pasar por la RetryQueue.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case Transient, RateLimited:
		return true
	default:
		return false
	}
}
