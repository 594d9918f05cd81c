package ports

import (
	"context"
	"time"
)

// CallRecord describe un intento de llamada a un API externo, con éxito o sin él.
type CallRecord struct {
	API            string // "keepa" | "spapi"
	Endpoint       string
	Method         string
	Params         string
	Status         int
	Latency        time.Duration
	ResponseBytes  int
	TokensConsumed int
	Success        bool
	ErrorMessage   string
	At             time.Time
}

// CallLogger registra cada intento de llamada externa para diagnóstico.
// Un fallo al registrar nunca debe tumbar la llamada que lo originó.
type CallLogger interface {
	LogCall(ctx context.Context, rec CallRecord) error
}
