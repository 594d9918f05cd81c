package keepa

import (
	"sync"
	"time"

	"github.com/alejandrodnm/sellerscan/internal/domain"
)

// Ciclo de refill del upstream: refillRate tokens cada minuto.
const refillCycle = time.Minute

// TokenTracker sigue el presupuesto de tokens reportado por el servidor.
// El servidor es autoritativo: Observe siempre pisa el estado local con la
// observación más reciente (por timestamp), tolerando respuestas fuera de orden.
// Nunca bloquea — TimeUntilSafe solo calcula, el caller decide si duerme.
type TokenTracker struct {
	mu     sync.Mutex
	status domain.TokenStatus
}

// NewTokenTracker crea un tracker sin observaciones previas.
// Hasta la primera observación se asume que hay presupuesto: el servidor
// corregirá en la primera respuesta.
func NewTokenTracker() *TokenTracker {
	return &TokenTracker{}
}

// Observe registra los valores reportados por el servidor en la respuesta.
// Observaciones más viejas que la actual se descartan.
func (t *TokenTracker) Observe(tokensLeft, refillRate int, refillIn time.Duration, consumed int, at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.status.UpdatedAt.IsZero() && at.Before(t.status.UpdatedAt) {
		return
	}
	if tokensLeft < 0 {
		tokensLeft = 0
	}
	t.status = domain.TokenStatus{
		TokensLeft:     tokensLeft,
		RefillRate:     refillRate,
		RefillIn:       refillIn,
		TokensConsumed: consumed,
		UpdatedAt:      at,
	}
}

// Status devuelve una copia inmutable del último estado conocido.
func (t *TokenTracker) Status() domain.TokenStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// TimeUntilSafe devuelve cuánto falta para poder gastar cost tokens.
// Cero si ya hay presupuesto o si nunca hubo observación.
func (t *TokenTracker) TimeUntilSafe(cost int) time.Duration {
	return t.timeUntilSafeAt(cost, time.Now())
}

// timeUntilSafeAt separa el reloj para poder testear la monotonía.
func (t *TokenTracker) timeUntilSafeAt(cost int, now time.Time) time.Duration {
	t.mu.Lock()
	s := t.status
	t.mu.Unlock()

	if s.UpdatedAt.IsZero() || s.TokensLeft >= cost {
		return 0
	}

	deficit := cost - s.TokensLeft
	if s.RefillRate <= 0 {
		return s.RefillIn
	}

	// Ciclos de refill necesarios para cubrir el déficit. El primero llega
	// en RefillIn, los siguientes cada refillCycle.
	cycles := (deficit + s.RefillRate - 1) / s.RefillRate
	wait := s.RefillIn + time.Duration(cycles-1)*refillCycle

	// Descontar lo ya transcurrido desde la observación.
	wait -= now.Sub(s.UpdatedAt)
	if wait < 0 {
		return 0
	}
	return wait
}
