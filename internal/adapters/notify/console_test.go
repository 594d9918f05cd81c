package notify

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alejandrodnm/sellerscan/internal/domain"
	"github.com/alejandrodnm/sellerscan/internal/ports"
)

func scoreResult(candID int64, score int) domain.ScoreResult {
	return domain.ScoreResult{
		CandidateID:     candID,
		ASIN:            "B00TEST123",
		Brand:           "acme",
		PartNumber:      "AC-100",
		Score:           score,
		WinningScenario: domain.ScenarioUnit,
		ScenarioUnit:    domain.ProfitScenario{Name: domain.ScenarioUnit, Profit: 11.00, Margin: 0.44},
	}
}

func publish(t *testing.T, c *Console, ev ports.Event) {
	t.Helper()
	require.NoError(t, c.Publish(context.Background(), ev))
}

func TestConsole_PassCompletedPrintsTable(t *testing.T) {
	var buf bytes.Buffer
	c := NewConsole(&buf, 70)

	now := time.Now()
	s := scoreResult(1, 55)
	stats := domain.PassStats{Kind: domain.PassWide, StartedAt: now, FinishedAt: now, Refreshed: 1}

	publish(t, c, ports.Event{Kind: ports.EventPassStarted, At: now, PassID: "abc123def", PassKind: domain.PassWide})
	publish(t, c, ports.Event{Kind: ports.EventScoreUpdated, At: now, Score: &s})
	publish(t, c, ports.Event{Kind: ports.EventPassCompleted, At: now, Stats: &stats})

	out := buf.String()
	assert.Contains(t, out, "pasada wide iniciada")
	assert.Contains(t, out, "B00TEST123")
	assert.Contains(t, out, "£11.00")
	assert.Contains(t, out, "completada")
}

func TestConsole_UrgentScoreHighlighted(t *testing.T) {
	var buf bytes.Buffer
	c := NewConsole(&buf, 70)

	s := scoreResult(1, 85)
	publish(t, c, ports.Event{Kind: ports.EventScoreUpdated, At: time.Now(), Score: &s})

	assert.Contains(t, buf.String(), "URGENTE")
}

func TestConsole_BelowThresholdNotHighlighted(t *testing.T) {
	var buf bytes.Buffer
	c := NewConsole(&buf, 70)

	s := scoreResult(1, 40)
	publish(t, c, ports.Event{Kind: ports.EventScoreUpdated, At: time.Now(), Score: &s})

	assert.NotContains(t, buf.String(), "URGENTE")
}

func TestConsole_DuplicateScoreReplacesRow(t *testing.T) {
	var buf bytes.Buffer
	c := NewConsole(&buf, 100)

	now := time.Now()
	first := scoreResult(1, 30)
	second := scoreResult(1, 60)
	stats := domain.PassStats{Kind: domain.PassWide, StartedAt: now, FinishedAt: now}

	publish(t, c, ports.Event{Kind: ports.EventPassStarted, At: now, PassID: "abc123def", PassKind: domain.PassWide})
	publish(t, c, ports.Event{Kind: ports.EventScoreUpdated, At: now, Score: &first})
	publish(t, c, ports.Event{Kind: ports.EventScoreUpdated, At: now, Score: &second})

	buf.Reset()
	publish(t, c, ports.Event{Kind: ports.EventPassCompleted, At: now, Stats: &stats})

	// Una sola fila para el candidato, con el score más reciente
	assert.Contains(t, buf.String(), "60")
	assert.NotContains(t, buf.String(), "30")
}

func TestConsole_ScoreTableSortedDescending(t *testing.T) {
	var buf bytes.Buffer
	c := NewConsole(&buf, 100)
	now := time.Now()

	low := scoreResult(1, 20)
	low.ASIN = "B00LOW0000"
	high := scoreResult(2, 90)
	high.ASIN = "B00HIGH000"
	mid := scoreResult(3, 55)
	mid.ASIN = "B00MID0000"

	publish(t, c, ports.Event{Kind: ports.EventPassStarted, At: now, PassID: "abc123def", PassKind: domain.PassWide})
	for _, s := range []domain.ScoreResult{low, high, mid} {
		s := s
		publish(t, c, ports.Event{Kind: ports.EventScoreUpdated, At: now, Score: &s})
	}
	stats := domain.PassStats{Kind: domain.PassWide, StartedAt: now, FinishedAt: now}
	publish(t, c, ports.Event{Kind: ports.EventPassCompleted, At: now, Stats: &stats})

	out := buf.String()
	hi := strings.Index(out, "B00HIGH000")
	mi := strings.Index(out, "B00MID0000")
	lo := strings.Index(out, "B00LOW0000")
	require.NotEqual(t, -1, hi)
	require.NotEqual(t, -1, mi)
	require.NotEqual(t, -1, lo)
	assert.Less(t, hi, mi, "el score más alto va primero")
	assert.Less(t, mi, lo)
}

func TestConsole_CandidateErrorAndStateChange(t *testing.T) {
	var buf bytes.Buffer
	c := NewConsole(&buf, 70)

	cand := domain.Candidate{ID: 1, ASIN: "B00FAIL000"}
	publish(t, c, ports.Event{Kind: ports.EventCandidateError, At: time.Now(), Candidate: &cand, Err: "sin datos"})
	publish(t, c, ports.Event{Kind: ports.EventStateChanged, At: time.Now(), State: "paused"})

	out := buf.String()
	assert.Contains(t, out, "B00FAIL000")
	assert.Contains(t, out, "sin datos")
	assert.Contains(t, out, "paused")
}
