// Package notify implementa la capa de presentación: eventos del scheduler
// renderizados en consola.
package notify

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/olekukonko/tablewriter"

	"github.com/alejandrodnm/sellerscan/internal/domain"
	"github.com/alejandrodnm/sellerscan/internal/ports"
)

// Console implementa ports.Notifier imprimiendo los eventos en texto plano.
// Acumula los scores de cada pasada y los vuelca como tabla al completarse.
type Console struct {
	out             io.Writer
	urgentThreshold int

	mu     sync.Mutex
	scores []domain.ScoreResult
}

// NewConsole crea el notificador de consola.
func NewConsole(out io.Writer, urgentThreshold int) *Console {
	return &Console{out: out, urgentThreshold: urgentThreshold}
}

// Publish recibe un evento del scheduler. Tolerante a duplicados: un score
// repetido solo repinta la misma fila.
func (c *Console) Publish(_ context.Context, ev ports.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch ev.Kind {
	case ports.EventPassStarted:
		c.scores = c.scores[:0]
		fmt.Fprintf(c.out, "\n[%s] pasada %s iniciada (%s)\n",
			ev.At.Format("15:04:05"), ev.PassKind, truncate(ev.PassID, 9))

	case ports.EventScoreUpdated:
		if ev.Score != nil {
			c.upsertScore(*ev.Score)
			if ev.Score.Score >= c.urgentThreshold {
				c.printUrgent(*ev.Score)
			}
		}

	case ports.EventPassCompleted:
		if ev.Stats != nil {
			c.printPassSummary(*ev.Stats)
		}
		if len(c.scores) > 0 {
			c.printScoreTable()
		}

	case ports.EventCandidateError:
		asin := ""
		if ev.Candidate != nil {
			asin = ev.Candidate.ASIN
		}
		fmt.Fprintf(c.out, "[%s] candidato %s descartado: %s\n",
			ev.At.Format("15:04:05"), asin, ev.Err)

	case ports.EventTokenStatus:
		if ev.Tokens != nil {
			fmt.Fprintf(c.out, "[%s] tokens: %d restantes, refill %d en %s\n",
				ev.At.Format("15:04:05"), ev.Tokens.TokensLeft,
				ev.Tokens.RefillRate, ev.Tokens.RefillIn.Round(time.Second))
		}

	case ports.EventStateChanged:
		fmt.Fprintf(c.out, "[%s] scheduler → %s\n", ev.At.Format("15:04:05"), ev.State)
	}
	return nil
}

// upsertScore reemplaza el score del mismo candidato o lo añade.
func (c *Console) upsertScore(r domain.ScoreResult) {
	for i, s := range c.scores {
		if s.CandidateID == r.CandidateID {
			c.scores[i] = r
			return
		}
	}
	c.scores = append(c.scores, r)
}

// printUrgent resalta un candidato que cruza el umbral de urgencia.
func (c *Console) printUrgent(r domain.ScoreResult) {
	win := r.Winning()
	fmt.Fprintf(c.out, ">>> URGENTE %s (%s/%s) score %d — profit £%.2f [%s]\n",
		r.ASIN, r.Brand, r.PartNumber, r.Score, win.Profit, r.WinningScenario)
}

// printPassSummary imprime el resumen de la pasada.
func (c *Console) printPassSummary(st domain.PassStats) {
	fmt.Fprintf(c.out, "\n[%s] pasada %s completada: %d refrescados, %d fallos, %d tokens, %d llamadas (%s)\n",
		st.FinishedAt.Format("15:04:05"), st.Kind, st.Refreshed, st.Failed,
		st.TokensUsed, st.APICalls, st.Duration().Round(time.Second))
}

// printScoreTable vuelca los scores de la pasada ordenados de mayor a menor.
func (c *Console) printScoreTable() {
	sorted := make([]domain.ScoreResult, len(c.scores))
	copy(sorted, c.scores)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Score > sorted[j].Score })

	table := tablewriter.NewWriter(c.out)
	table.Header("#", "ASIN", "Brand", "Part", "Score", "Profit", "Margin", "Esc", "Flags")

	for i, r := range sorted {
		win := r.Winning()
		table.Append(
			fmt.Sprintf("%d", i+1),
			r.ASIN,
			truncate(r.Brand, 12),
			truncate(r.PartNumber, 14),
			fmt.Sprintf("%d", r.Score),
			fmt.Sprintf("£%.2f", win.Profit),
			fmt.Sprintf("%.0f%%", win.Margin*100),
			scenarioLabel(r.WinningScenario),
			flagCodes(r.Flags),
		)
	}
	table.Render()
}

func scenarioLabel(s string) string {
	if s == domain.ScenarioBulk5 {
		return "5+"
	}
	return "1"
}

func flagCodes(flags []domain.ScoreFlag) string {
	if len(flags) == 0 {
		return "-"
	}
	codes := make([]string, len(flags))
	for i, f := range flags {
		codes[i] = f.Code
	}
	return truncate(strings.Join(codes, ","), 40)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}
