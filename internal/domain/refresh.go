package domain

import "time"

// PassKind identifica el tipo de pasada del ciclo de refresh.
type PassKind string

const (
	PassWide   PassKind = "wide"   // todos los candidatos activos, solo mercado
	PassNarrow PassKind = "narrow" // shortlist top-N, fees + score completo
)

// PassStats resume una pasada completada.
type PassStats struct {
	PassID     string
	Kind       PassKind
	StartedAt  time.Time
	FinishedAt time.Time
	Refreshed  int
	Failed     int
	TokensUsed int
	APICalls   int
}

// Duration devuelve la duración de la pasada.
func (s PassStats) Duration() time.Duration {
	return s.FinishedAt.Sub(s.StartedAt)
}
