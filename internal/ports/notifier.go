package ports

import (
	"context"
	"time"

	"github.com/alejandrodnm/sellerscan/internal/domain"
)

// EventKind clasifica los eventos emitidos por el scheduler.
type EventKind string

const (
	EventPassStarted    EventKind = "pass_started"
	EventPassCompleted  EventKind = "pass_completed"
	EventScoreUpdated   EventKind = "score_updated"
	EventCandidateError EventKind = "candidate_error"
	EventTokenStatus    EventKind = "token_status"
	EventStateChanged   EventKind = "state_changed"
)

// Event es un mensaje unidireccional scheduler → presentación.
// Transporta snapshots inmutables, nunca referencias a estado mutable del
// scheduler. Los campos puntero solo se rellenan cuando aplican al Kind.
type Event struct {
	Kind EventKind
	At   time.Time

	PassID   string
	PassKind domain.PassKind

	Candidate *domain.Candidate
	Score     *domain.ScoreResult
	Tokens    *domain.TokenStatus
	Stats     *domain.PassStats

	State string // para EventStateChanged: idle|running|paused|stopping
	Err   string // para EventCandidateError: motivo del fallo permanente
}

// Notifier recibe los eventos del scheduler. Entrega at-least-once: el
// scheduler puede reintentar la publicación, el consumidor debe tolerar
// duplicados.
type Notifier interface {
	Publish(ctx context.Context, ev Event) error
}
