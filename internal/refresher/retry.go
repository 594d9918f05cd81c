package refresher

import (
	"math/rand"
	"sync"
	"time"

	"github.com/alejandrodnm/sellerscan/internal/domain"
)

// OpKind identifica qué operación falló para un candidato.
type OpKind string

const (
	OpMarket OpKind = "market"
	OpFee    OpKind = "fee"
)

// RetryEntry es un candidato pendiente de reintento.
type RetryEntry struct {
	Candidate    domain.Candidate
	Op           OpKind
	Attempts     int
	NextEligible time.Time
	LastErr      string
	Permanent    bool
}

type retryKey struct {
	candidateID int64
	op          OpKind
}

// RetryQueue gestiona los reintentos con backoff exponencial y jitter.
// El backoff para el intento k es base×2^(k−1) con tope max, más un jitter
// uniforme de hasta el 20% para no sincronizar reintentos. Al agotar los
// intentos la entrada deja de reintentarse y el fallo permanente se reporta
// exactamente una vez, pero sigue siendo consultable vía Failed hasta que
// un refresh exitoso la resuelva.
type RetryQueue struct {
	mu          sync.Mutex
	entries     map[retryKey]*RetryEntry
	base        time.Duration
	max         time.Duration
	maxAttempts int
	rng         *rand.Rand
	now         func() time.Time
}

// NewRetryQueue crea la cola. maxAttempts cuenta el intento original:
// con maxAttempts=5 hay 4 reintentos antes del fallo permanente.
func NewRetryQueue(base, max time.Duration, maxAttempts int) *RetryQueue {
	return &RetryQueue{
		entries:     make(map[retryKey]*RetryEntry),
		base:        base,
		max:         max,
		maxAttempts: maxAttempts,
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
		now:         time.Now,
	}
}

// Fail registra un fallo de la operación para el candidato. Devuelve true
// si el fallo es permanente: la entrada se elimina y no volverá a reportarse.
// retryIn, si es > 0, es la espera mínima sugerida por el upstream y pisa
// al backoff calculado cuando es mayor.
func (q *RetryQueue) Fail(c domain.Candidate, op OpKind, errMsg string, retryIn time.Duration) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	key := retryKey{candidateID: c.ID, op: op}
	e, ok := q.entries[key]
	if !ok {
		e = &RetryEntry{Candidate: c, Op: op}
		q.entries[key] = e
	}
	e.Attempts++
	e.LastErr = errMsg

	if e.Permanent {
		// Ya reportado: la entrada queda solo para inspección.
		return false
	}
	if e.Attempts >= q.maxAttempts {
		e.Permanent = true
		return true
	}

	wait := q.backoffFor(e.Attempts)
	if retryIn > wait {
		wait = retryIn
	}
	e.NextEligible = q.now().Add(wait)
	return false
}

// backoffFor calcula base×2^(k−1) con tope y jitter ≤20%. Requiere q.mu.
func (q *RetryQueue) backoffFor(attempt int) time.Duration {
	wait := q.base
	for i := 1; i < attempt && wait < q.max; i++ {
		wait *= 2
	}
	if wait > q.max {
		wait = q.max
	}
	jitter := time.Duration(q.rng.Int63n(int64(wait)/5 + 1))
	return wait + jitter
}

// Due devuelve copias de las entradas elegibles para reintento.
// No las elimina: un reintento exitoso debe confirmarse con Resolve.
func (q *RetryQueue) Due(now time.Time) []RetryEntry {
	q.mu.Lock()
	defer q.mu.Unlock()

	var due []RetryEntry
	for _, e := range q.entries {
		if !e.Permanent && !e.NextEligible.After(now) {
			due = append(due, *e)
		}
	}
	return due
}

// Failed devuelve copias de las entradas que agotaron sus intentos.
// No vuelven a la rotación de reintentos; Resolve las retira tras un
// refresh exitoso.
func (q *RetryQueue) Failed() []RetryEntry {
	q.mu.Lock()
	defer q.mu.Unlock()

	var failed []RetryEntry
	for _, e := range q.entries {
		if e.Permanent {
			failed = append(failed, *e)
		}
	}
	return failed
}

// Resolve elimina la entrada tras un reintento exitoso.
func (q *RetryQueue) Resolve(candidateID int64, op OpKind) {
	q.mu.Lock()
	delete(q.entries, retryKey{candidateID: candidateID, op: op})
	q.mu.Unlock()
}

// Len devuelve el número de entradas pendientes de reintento.
func (q *RetryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := 0
	for _, e := range q.entries {
		if !e.Permanent {
			n++
		}
	}
	return n
}
