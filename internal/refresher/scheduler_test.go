package refresher

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alejandrodnm/sellerscan/config"
	"github.com/alejandrodnm/sellerscan/internal/apierr"
	"github.com/alejandrodnm/sellerscan/internal/domain"
	"github.com/alejandrodnm/sellerscan/internal/ports"
)

// --- fakes ---

type fakeStorage struct {
	mu         sync.Mutex
	candidates []domain.Candidate
	items      map[int64]domain.SupplierItem
	markets    map[int64]*domain.MarketSnapshot
	fees       map[int64]*domain.FeeSnapshot
	scores     map[int64]*domain.ScoreResult
	saved      int
}

func newFakeStorage(n int) *fakeStorage {
	s := &fakeStorage{
		items:   make(map[int64]domain.SupplierItem),
		markets: make(map[int64]*domain.MarketSnapshot),
		fees:    make(map[int64]*domain.FeeSnapshot),
		scores:  make(map[int64]*domain.ScoreResult),
	}
	for i := 1; i <= n; i++ {
		id := int64(i)
		s.items[id] = domain.SupplierItem{ID: id, Brand: "acme", CostUnitExTax1: 10, CostUnitExTax5: 8.5}
		s.candidates = append(s.candidates, domain.Candidate{
			ID: id, SupplierItemID: id, Brand: "acme",
			ASIN: "B00TEST" + string(rune('0'+i)), Confidence: 0.9, Active: true,
		})
	}
	return s
}

func (s *fakeStorage) LoadActiveCandidates(context.Context) ([]domain.Candidate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Candidate, len(s.candidates))
	copy(out, s.candidates)
	return out, nil
}

func (s *fakeStorage) GetSupplierItem(_ context.Context, id int64) (domain.SupplierItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.items[id]
	if !ok {
		return it, errors.New("no existe")
	}
	return it, nil
}

func (s *fakeStorage) SaveMarketSnapshot(_ context.Context, id int64, snap domain.MarketSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.markets[id] = &snap
	return nil
}

func (s *fakeStorage) SaveFeeSnapshot(_ context.Context, id int64, snap domain.FeeSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fees[id] = &snap
	return nil
}

func (s *fakeStorage) SaveScoreResult(_ context.Context, r domain.ScoreResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scores[r.CandidateID] = &r
	s.saved++
	return nil
}

func (s *fakeStorage) LatestSnapshots(_ context.Context, id int64) (*domain.MarketSnapshot, *domain.FeeSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.markets[id], s.fees[id], nil
}

func (s *fakeStorage) LatestScore(_ context.Context, id int64) (*domain.ScoreResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scores[id], nil
}

func (s *fakeStorage) Close() error { return nil }

type fakeMarket struct {
	mu      sync.Mutex
	fetches int
	fail    error
	block   chan struct{} // si no es nil, cada fetch espera una señal
	started chan struct{} // notifica (sin bloquear) la entrada de cada fetch
}

func (m *fakeMarket) FetchSnapshots(ctx context.Context, asins []string, _ bool) ([]domain.MarketSnapshot, error) {
	m.mu.Lock()
	m.fetches++
	block := m.block
	fail := m.fail
	started := m.started
	m.mu.Unlock()

	if started != nil {
		select {
		case started <- struct{}{}:
		default:
		}
	}
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if fail != nil {
		return nil, fail
	}

	price := 30.0
	drops := 40
	out := make([]domain.MarketSnapshot, len(asins))
	for i, asin := range asins {
		out[i] = domain.MarketSnapshot{
			ASIN:              asin,
			At:                time.Now(),
			PriceCurrent:      &price,
			SalesRankDrops30d: &drops,
			TokensConsumed:    1,
		}
	}
	return out, nil
}

func (m *fakeMarket) fetchCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fetches
}

func (m *fakeMarket) TokenStatus() domain.TokenStatus { return domain.TokenStatus{TokensLeft: 100} }
func (m *fakeMarket) TimeUntilSafe(int) time.Duration { return 0 }
func (m *fakeMarket) BatchCost(n int, _ bool) int     { return n }

type fakeFees struct{}

func (fakeFees) FetchFeeSnapshot(_ context.Context, asin string, sellGross float64) (domain.FeeSnapshot, error) {
	fee := 4.80
	w := 0.5
	return domain.FeeSnapshot{
		ASIN: asin, At: time.Now(), SellPriceUsed: sellGross,
		FeeTotalGross: &fee, WeightKg: &w, TTL: time.Hour,
	}, nil
}

type eventRecorder struct {
	ch chan ports.Event
}

func newEventRecorder() *eventRecorder {
	return &eventRecorder{ch: make(chan ports.Event, 256)}
}

func (r *eventRecorder) Publish(_ context.Context, ev ports.Event) error {
	select {
	case r.ch <- ev:
	default:
	}
	return nil
}

// wait bloquea hasta recibir un evento del tipo dado que cumpla el filtro.
func (r *eventRecorder) wait(t *testing.T, kind ports.EventKind, match func(ports.Event) bool) ports.Event {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-r.ch:
			if ev.Kind == kind && (match == nil || match(ev)) {
				return ev
			}
		case <-deadline:
			t.Fatalf("timeout esperando evento %s", kind)
			return ports.Event{}
		}
	}
}

func testConfig() *config.Config {
	return &config.Config{
		TaxRate: 0.20,
		Scoring: config.ScoringConfig{
			SafeBufferPct: 0.03,
			Weights:       config.WeightsConfig{Velocity: 0.45, Profit: 0.20, Margin: 0.20, Stability: 0.10, Viability: 0.05},
			VelocityMin:   0, VelocityMax: 200,
			ProfitMaxGBP: 50, MarginMax: 0.50,
			MinSalesProxy30d: 20, MinMargin: 0.10, MinProfitGBP: 5,
			MinConfidence: 0.70, OfferCountHigh: 20,
		},
		Shipping: config.ShippingConfig{SmallMaxKg: 0.75, SmallCostGBP: 2, MediumMaxKg: 20, MediumCostGBP: 3, UnknownCostGBP: 3},
		Refresh: config.RefreshConfig{
			WideIntervalSeconds:   3600,
			NarrowIntervalSeconds: 7200,
			ShortlistSize:         10,
			MarketBatchSize:       1,
			FeeCacheTTLMinutes:    60,
			FeeFanOut:             2,
			MaxAttempts:           1,
			RetryBaseMillis:       10,
			RetryMaxSeconds:       1,
			StopGraceSeconds:      1,
			UrgentScoreThreshold:  70,
		},
	}
}

func nullLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(nullSink{}, &slog.HandlerOptions{Level: slog.LevelError + 4}))
}

type nullSink struct{}

func (nullSink) Write(p []byte) (int, error) { return len(p), nil }

func startScheduler(t *testing.T, store ports.Storage, market ports.MarketProvider) (*Scheduler, *eventRecorder, context.CancelFunc) {
	t.Helper()
	rec := newEventRecorder()
	cfg := testConfig()
	sched := New(store, market, fakeFees{}, rec, func() *config.Config { return cfg }, nullLogger())

	ctx, cancel := context.WithCancel(context.Background())
	go sched.Run(ctx)
	return sched, rec, cancel
}

// --- tests ---

func TestScheduler_WidePassScoresAllCandidates(t *testing.T) {
	store := newFakeStorage(3)
	market := &fakeMarket{}
	sched, rec, cancel := startScheduler(t, store, market)
	defer cancel()

	sched.Start()
	rec.wait(t, ports.EventPassStarted, nil)
	ev := rec.wait(t, ports.EventPassCompleted, nil)

	require.NotNil(t, ev.Stats)
	assert.Equal(t, domain.PassWide, ev.Stats.Kind)
	assert.Equal(t, 3, ev.Stats.Refreshed)
	assert.Equal(t, 0, ev.Stats.Failed)
	assert.Equal(t, 3, market.fetchCount(), "batch de 1 → un fetch por candidato")
}

func TestScheduler_PauseTakesEffectAtBatchBoundary(t *testing.T) {
	store := newFakeStorage(4)
	block := make(chan struct{})
	started := make(chan struct{}, 8)
	market := &fakeMarket{block: block, started: started}
	sched, rec, cancel := startScheduler(t, store, market)
	defer cancel()

	sched.Start()
	<-started // primer batch en vuelo

	// La pausa llega a mitad del batch.
	sched.Pause()
	block <- struct{}{} // completar el batch en curso

	rec.wait(t, ports.EventStateChanged, func(ev ports.Event) bool {
		return ev.State == string(StatePaused)
	})
	fetched := market.fetchCount()
	assert.Equal(t, 1, fetched, "el batch en curso se completa, el siguiente no arranca")

	// Reanudar: el resto de batches sigue desde donde quedó.
	sched.Resume()
	for i := 0; i < 3; i++ {
		block <- struct{}{}
	}
	rec.wait(t, ports.EventPassCompleted, nil)
	assert.Equal(t, 4, market.fetchCount())
}

func TestScheduler_StopDrainsAndReturnsToIdle(t *testing.T) {
	store := newFakeStorage(4)
	block := make(chan struct{})
	started := make(chan struct{}, 8)
	market := &fakeMarket{block: block, started: started}
	sched, rec, cancel := startScheduler(t, store, market)
	defer cancel()

	sched.Start()
	<-started // primer batch en vuelo

	sched.Stop()
	block <- struct{}{} // el batch en vuelo termina

	// La pasada abortada aún emite sus stats.
	ev := rec.wait(t, ports.EventPassCompleted, nil)
	require.NotNil(t, ev.Stats)
	assert.Equal(t, 1, ev.Stats.Refreshed)

	rec.wait(t, ports.EventStateChanged, func(ev ports.Event) bool {
		return ev.State == string(StateIdle)
	})
	assert.Equal(t, 1, market.fetchCount(), "ningún batch nuevo tras el stop")
}

func TestScheduler_StopWhileWaitingBetweenPasses(t *testing.T) {
	store := newFakeStorage(1)
	market := &fakeMarket{}
	sched, rec, cancel := startScheduler(t, store, market)
	defer cancel()

	sched.Start()
	rec.wait(t, ports.EventPassCompleted, nil)

	// El worker está dormido hasta la próxima pasada (1h): Stop lo despierta.
	sched.Stop()
	rec.wait(t, ports.EventStateChanged, func(ev ports.Event) bool {
		return ev.State == string(StateIdle)
	})
}

func TestScheduler_PermanentFailureReportedOnce(t *testing.T) {
	store := newFakeStorage(1)
	market := &fakeMarket{fail: apierr.New(apierr.Transient, "test", 500, errors.New("boom"))}
	sched, rec, cancel := startScheduler(t, store, market)
	defer cancel()

	// MaxAttempts=1: el primer fallo ya es permanente.
	sched.Start()
	ev := rec.wait(t, ports.EventCandidateError, nil)
	require.NotNil(t, ev.Candidate)
	assert.Contains(t, ev.Err, "boom")

	done := rec.wait(t, ports.EventPassCompleted, nil)
	assert.Equal(t, 1, done.Stats.Failed)
	assert.Equal(t, 0, done.Stats.Refreshed)
}

func TestScheduler_NonRetryableErrorSkipsRetryQueue(t *testing.T) {
	store := newFakeStorage(1)
	market := &fakeMarket{fail: apierr.New(apierr.Client, "test", 400, errors.New("request inválido"))}
	sched, rec, cancel := startScheduler(t, store, market)
	defer cancel()

	sched.Start()
	rec.wait(t, ports.EventCandidateError, nil)
	rec.wait(t, ports.EventPassCompleted, nil)

	assert.Equal(t, 0, sched.retry.Len(), "un error de cliente no entra en la cola de reintentos")
}

func TestScheduler_ScoreCrossingThresholdMarksUrgent(t *testing.T) {
	store := newFakeStorage(1)
	rec := newEventRecorder()
	cfg := testConfig()
	sched := New(store, &fakeMarket{}, fakeFees{}, rec, func() *config.Config { return cfg }, nullLogger())

	price, drops := 60.0, 200
	weight, fee := 0.5, 1.0
	market := &domain.MarketSnapshot{ASIN: "B00TEST1", At: time.Now(), PriceCurrent: &price, SalesRankDrops30d: &drops}
	feeSnap := &domain.FeeSnapshot{ASIN: "B00TEST1", At: time.Now(), WeightKg: &weight, FeeTotalGross: &fee, TTL: time.Hour}

	var stats domain.PassStats
	sched.rescore(context.Background(), cfg, store.candidates[0], market, feeSnap, &stats)

	ev := rec.wait(t, ports.EventScoreUpdated, nil)
	require.NotNil(t, ev.Score)
	require.GreaterOrEqual(t, ev.Score.Score, cfg.Refresh.UrgentScoreThreshold)
	assert.True(t, sched.urgent[1], "cruzar el umbral encola el candidato como urgente")

	// Ya estaba por encima del umbral: otro score alto no re-marca.
	delete(sched.urgent, 1)
	sched.rescore(context.Background(), cfg, store.candidates[0], market, feeSnap, &stats)
	assert.False(t, sched.urgent[1])
}

func TestScheduler_BumpServicedAtPassBoundary(t *testing.T) {
	store := newFakeStorage(3)
	market := &fakeMarket{}
	sched, rec, cancel := startScheduler(t, store, market)
	defer cancel()

	sched.Bump(3)
	sched.Start()

	// El candidato urgente va primero en la pasada.
	ev := rec.wait(t, ports.EventScoreUpdated, nil)
	require.NotNil(t, ev.Score)
	assert.Equal(t, int64(3), ev.Score.CandidateID)

	rec.wait(t, ports.EventPassCompleted, nil)
}
