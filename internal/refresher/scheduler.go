// Package refresher contiene el ciclo de refresh: un worker único que alterna
// pasadas anchas (todos los candidatos, solo mercado) y estrechas (shortlist
// top-N con fees y score completo), gobernado por comandos externos.
package refresher

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/alejandrodnm/sellerscan/config"
	"github.com/alejandrodnm/sellerscan/internal/apierr"
	"github.com/alejandrodnm/sellerscan/internal/domain"
	"github.com/alejandrodnm/sellerscan/internal/ports"
)

// State es el estado observable del scheduler.
type State string

const (
	StateIdle     State = "idle"
	StateRunning  State = "running"
	StatePaused   State = "paused"
	StateStopping State = "stopping"
)

type cmdKind int

const (
	cmdStart cmdKind = iota
	cmdPause
	cmdResume
	cmdStop
	cmdBump
)

type command struct {
	kind        cmdKind
	candidateID int64
}

// passControl es la decisión tomada en un límite de batch.
type passControl int

const (
	passContinue passControl = iota
	passAbort
)

// Scheduler orquesta el ciclo de refresh. Un único goroutine (Run) toca el
// estado y escribe en storage; los comandos llegan por canal y se atienden
// en los límites de batch, nunca a mitad de uno.
type Scheduler struct {
	storage  ports.Storage
	market   ports.MarketProvider
	fees     ports.FeeProvider
	notifier ports.Notifier
	logger   *slog.Logger

	// cfgFn se consulta al inicio de cada pasada: la config puede cambiar
	// en caliente sin reiniciar el worker.
	cfgFn func() *config.Config

	retry *RetryQueue
	cmds  chan command

	state  State
	urgent map[int64]bool

	nextWide   time.Time
	nextNarrow time.Time

	now func() time.Time
}

// New crea el scheduler en estado Idle.
func New(storage ports.Storage, market ports.MarketProvider, fees ports.FeeProvider,
	notifier ports.Notifier, cfgFn func() *config.Config, logger *slog.Logger) *Scheduler {

	cfg := cfgFn()
	return &Scheduler{
		storage:  storage,
		market:   market,
		fees:     fees,
		notifier: notifier,
		logger:   logger,
		cfgFn:    cfgFn,
		retry: NewRetryQueue(
			time.Duration(cfg.Refresh.RetryBaseMillis)*time.Millisecond,
			time.Duration(cfg.Refresh.RetryMaxSeconds)*time.Second,
			cfg.Refresh.MaxAttempts),
		cmds:   make(chan command, 16),
		state:  StateIdle,
		urgent: make(map[int64]bool),
		now:    time.Now,
	}
}

// Start arranca el ciclo de refresh. No-op si ya está corriendo.
func (s *Scheduler) Start() { s.send(command{kind: cmdStart}) }

// Pause pausa el ciclo al terminar el batch en curso.
func (s *Scheduler) Pause() { s.send(command{kind: cmdPause}) }

// Resume reanuda un ciclo pausado.
func (s *Scheduler) Resume() { s.send(command{kind: cmdResume}) }

// Stop detiene el ciclo drenando el trabajo en curso dentro del periodo
// de gracia y deja el scheduler en Idle.
func (s *Scheduler) Stop() { s.send(command{kind: cmdStop}) }

// Bump marca un candidato como urgente: se refresca con prioridad en el
// límite de la próxima pasada.
func (s *Scheduler) Bump(candidateID int64) {
	s.send(command{kind: cmdBump, candidateID: candidateID})
}

func (s *Scheduler) send(cmd command) {
	select {
	case s.cmds <- cmd:
	default:
		s.logger.Warn("canal de comandos lleno, comando descartado", "kind", cmd.kind)
	}
}

// Run es el worker único. Bloquea hasta que el contexto se cancele.
func (s *Scheduler) Run(ctx context.Context) error {
	s.transition(ctx, StateIdle)

	for {
		switch s.state {
		case StateIdle, StatePaused:
			select {
			case <-ctx.Done():
				return ctx.Err()
			case cmd := <-s.cmds:
				s.handleIdleCmd(ctx, cmd)
			}

		case StateRunning:
			next, kind := s.nextPass()
			wait := time.Until(next)
			if wait < 0 {
				wait = 0
			}
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case cmd := <-s.cmds:
				timer.Stop()
				s.handleRunningCmd(ctx, cmd)
			case <-timer.C:
				s.runPass(ctx, kind)
			}

		case StateStopping:
			// runPass ya drenó; volver a Idle.
			s.transition(ctx, StateIdle)
		}
	}
}

func (s *Scheduler) handleIdleCmd(ctx context.Context, cmd command) {
	switch cmd.kind {
	case cmdStart:
		if s.state == StateIdle {
			now := s.now()
			s.nextWide = now
			s.nextNarrow = now.Add(s.cfgFn().NarrowInterval())
			s.transition(ctx, StateRunning)
		}
	case cmdResume:
		if s.state == StatePaused {
			s.transition(ctx, StateRunning)
		}
	case cmdStop:
		s.transition(ctx, StateIdle)
	case cmdBump:
		s.urgent[cmd.candidateID] = true
	}
}

func (s *Scheduler) handleRunningCmd(ctx context.Context, cmd command) {
	switch cmd.kind {
	case cmdPause:
		s.transition(ctx, StatePaused)
	case cmdStop:
		s.transition(ctx, StateStopping)
		s.transition(ctx, StateIdle)
	case cmdBump:
		s.urgent[cmd.candidateID] = true
	}
}

// nextPass decide qué pasada toca antes.
func (s *Scheduler) nextPass() (time.Time, domain.PassKind) {
	if s.nextNarrow.Before(s.nextWide) {
		return s.nextNarrow, domain.PassNarrow
	}
	return s.nextWide, domain.PassWide
}

// transition cambia el estado y lo publica.
func (s *Scheduler) transition(ctx context.Context, to State) {
	if s.state == to {
		return
	}
	s.state = to
	s.logger.Info("cambio de estado", "state", string(to))
	s.publish(ctx, ports.Event{
		Kind:  ports.EventStateChanged,
		At:    s.now(),
		State: string(to),
	})
}

// checkpoint drena los comandos pendientes en un límite de batch.
// Pause bloquea aquí hasta Resume o Stop; Stop y la cancelación abortan.
func (s *Scheduler) checkpoint(ctx context.Context) passControl {
	for {
		select {
		case <-ctx.Done():
			return passAbort
		case cmd := <-s.cmds:
			switch cmd.kind {
			case cmdBump:
				s.urgent[cmd.candidateID] = true
			case cmdStop:
				s.transition(ctx, StateStopping)
				return passAbort
			case cmdPause:
				s.transition(ctx, StatePaused)
				if s.waitResume(ctx) == passAbort {
					return passAbort
				}
				s.transition(ctx, StateRunning)
			}
		default:
			return passContinue
		}
	}
}

// waitResume bloquea en estado Paused hasta Resume, Stop o cancelación.
func (s *Scheduler) waitResume(ctx context.Context) passControl {
	for {
		select {
		case <-ctx.Done():
			return passAbort
		case cmd := <-s.cmds:
			switch cmd.kind {
			case cmdResume:
				return passContinue
			case cmdStop:
				s.transition(ctx, StateStopping)
				return passAbort
			case cmdBump:
				s.urgent[cmd.candidateID] = true
			}
		}
	}
}

// runPass ejecuta una pasada completa y reprograma la siguiente.
func (s *Scheduler) runPass(ctx context.Context, kind domain.PassKind) {
	cfg := s.cfgFn()
	stats := domain.PassStats{
		PassID:    uuid.NewString(),
		Kind:      kind,
		StartedAt: s.now(),
	}

	s.publish(ctx, ports.Event{
		Kind:     ports.EventPassStarted,
		At:       stats.StartedAt,
		PassID:   stats.PassID,
		PassKind: kind,
	})

	candidates, err := s.loadCandidates(ctx, cfg, kind)
	if err != nil {
		s.logger.Error("no se pudieron cargar los candidatos", "error", err)
	} else {
		switch kind {
		case domain.PassWide:
			s.widePass(ctx, cfg, candidates, &stats)
		case domain.PassNarrow:
			s.narrowPass(ctx, cfg, candidates, &stats)
		}
	}

	stats.FinishedAt = s.now()
	s.publish(ctx, ports.Event{
		Kind:     ports.EventPassCompleted,
		At:       stats.FinishedAt,
		PassID:   stats.PassID,
		PassKind: kind,
		Stats:    &stats,
	})

	tokens := s.market.TokenStatus()
	s.publish(ctx, ports.Event{
		Kind:   ports.EventTokenStatus,
		At:     s.now(),
		Tokens: &tokens,
	})

	switch kind {
	case domain.PassWide:
		s.nextWide = s.now().Add(cfg.WideInterval())
	case domain.PassNarrow:
		s.nextNarrow = s.now().Add(cfg.NarrowInterval())
	}
}

// loadCandidates arma la lista de la pasada: urgentes primero, luego los
// reintentos elegibles y el resto según el tipo de pasada.
func (s *Scheduler) loadCandidates(ctx context.Context, cfg *config.Config, kind domain.PassKind) ([]domain.Candidate, error) {
	all, err := s.storage.LoadActiveCandidates(ctx)
	if err != nil {
		return nil, err
	}

	enabled := all[:0]
	for _, c := range all {
		if cfg.BrandEnabled(c.Brand) {
			enabled = append(enabled, c)
		}
	}
	all = enabled

	if kind == domain.PassNarrow {
		all = s.shortlist(ctx, all, cfg.Refresh.ShortlistSize)
	}

	// Los reintentos elegibles entran aunque la shortlist los haya dejado fuera.
	for _, e := range s.retry.Due(s.now()) {
		found := false
		for _, c := range all {
			if c.ID == e.Candidate.ID {
				found = true
				break
			}
		}
		if !found {
			all = append(all, e.Candidate)
		}
	}

	// Urgentes al frente, una sola vez. Se drenan aquí: servicio en el
	// límite de pasada, nunca a mitad de una.
	if len(s.urgent) > 0 {
		var front, rest []domain.Candidate
		for _, c := range all {
			if s.urgent[c.ID] {
				front = append(front, c)
			} else {
				rest = append(rest, c)
			}
		}
		all = append(front, rest...)
		s.urgent = make(map[int64]bool)
	}
	return all, nil
}

// shortlist ordena por último score descendente y corta a n. Candidatos sin
// score previo van al final: entran solo si queda hueco.
func (s *Scheduler) shortlist(ctx context.Context, all []domain.Candidate, n int) []domain.Candidate {
	type scored struct {
		c     domain.Candidate
		score int
		has   bool
	}
	list := make([]scored, 0, len(all))
	for _, c := range all {
		last, err := s.storage.LatestScore(ctx, c.ID)
		sc := scored{c: c}
		if err == nil && last != nil {
			sc.score, sc.has = last.Score, true
		}
		list = append(list, sc)
	}
	sort.SliceStable(list, func(i, j int) bool {
		if list[i].has != list[j].has {
			return list[i].has
		}
		return list[i].score > list[j].score
	})
	if len(list) > n {
		list = list[:n]
	}
	out := make([]domain.Candidate, len(list))
	for i, sc := range list {
		out[i] = sc.c
	}
	return out
}

// widePass refresca mercado en batches y re-puntúa con el último fee conocido.
func (s *Scheduler) widePass(ctx context.Context, cfg *config.Config, candidates []domain.Candidate, stats *domain.PassStats) {
	batchSize := cfg.Refresh.MarketBatchSize
	for start := 0; start < len(candidates); start += batchSize {
		if s.checkpoint(ctx) == passAbort {
			return
		}
		end := min(start+batchSize, len(candidates))
		s.refreshBatch(ctx, cfg, candidates[start:end], false, stats)
	}
}

// narrowPass refresca mercado con buy box y fees en paralelo para la shortlist.
func (s *Scheduler) narrowPass(ctx context.Context, cfg *config.Config, candidates []domain.Candidate, stats *domain.PassStats) {
	batchSize := cfg.Refresh.MarketBatchSize
	for start := 0; start < len(candidates); start += batchSize {
		if s.checkpoint(ctx) == passAbort {
			return
		}
		end := min(start+batchSize, len(candidates))
		batch := candidates[start:end]

		snaps := s.refreshBatch(ctx, cfg, batch, true, stats)
		s.refreshFees(ctx, cfg, batch, snaps, stats)
	}
}

// refreshBatch trae los snapshots de mercado del batch, los persiste y
// re-puntúa cada candidato. Devuelve los snapshots por candidato.
func (s *Scheduler) refreshBatch(ctx context.Context, cfg *config.Config, batch []domain.Candidate,
	includeBuyBox bool, stats *domain.PassStats) map[int64]*domain.MarketSnapshot {

	asins := make([]string, len(batch))
	for i, c := range batch {
		asins[i] = c.ASIN
	}

	snaps, err := s.market.FetchSnapshots(ctx, asins, includeBuyBox)
	stats.APICalls++
	if err != nil {
		s.failBatch(ctx, batch, OpMarket, err, stats)
		return nil
	}

	byASIN := make(map[string]domain.MarketSnapshot, len(snaps))
	for _, snap := range snaps {
		byASIN[snap.ASIN] = snap
		stats.TokensUsed += snap.TokensConsumed
	}

	result := make(map[int64]*domain.MarketSnapshot, len(batch))
	for _, c := range batch {
		snap, ok := byASIN[c.ASIN]
		if !ok {
			// El upstream no conoce el ASIN: calidad de datos, no transitorio.
			s.failCandidate(ctx, c, OpMarket,
				apierr.New(apierr.DataQuality, "refresher.refreshBatch", 0,
					errors.New("ASIN sin datos en el upstream")), stats)
			continue
		}
		if err := s.storage.SaveMarketSnapshot(ctx, c.ID, snap); err != nil {
			s.logger.Error("no se pudo persistir el snapshot", "asin", c.ASIN, "error", err)
			stats.Failed++
			continue
		}
		s.retry.Resolve(c.ID, OpMarket)
		result[c.ID] = &snap
		s.rescore(ctx, cfg, c, &snap, nil, stats)
	}
	return result
}

// refreshFees trae los fees de la shortlist con fan-out acotado. Los fetches
// van en paralelo pero las escrituras y el re-score vuelven al worker: el
// fan-out se reincorpora antes de seguir con el siguiente batch.
func (s *Scheduler) refreshFees(ctx context.Context, cfg *config.Config, batch []domain.Candidate,
	snaps map[int64]*domain.MarketSnapshot, stats *domain.PassStats) {

	type feeResult struct {
		c    domain.Candidate
		snap domain.FeeSnapshot
		err  error
	}

	sem := make(chan struct{}, cfg.Refresh.FeeFanOut)
	results := make(chan feeResult, len(batch))
	launched := 0

	for _, c := range batch {
		market := snaps[c.ID]
		if market == nil || market.PriceCurrent == nil {
			continue
		}
		sellGross := *market.PriceCurrent
		launched++
		go func(c domain.Candidate) {
			sem <- struct{}{}
			defer func() { <-sem }()
			snap, err := s.fees.FetchFeeSnapshot(ctx, c.ASIN, sellGross)
			results <- feeResult{c: c, snap: snap, err: err}
		}(c)
	}

	// Reincorporación: el batch no termina hasta recoger todos los fetches.
	// Si el contexto se cancela a mitad, se espera hasta el periodo de gracia
	// y se abandona lo que quede en vuelo.
	grace := time.Duration(cfg.Refresh.StopGraceSeconds) * time.Second
	var graceC <-chan time.Time
	for i := 0; i < launched; i++ {
		if ctx.Err() != nil && graceC == nil {
			graceC = time.After(grace)
		}
		var r feeResult
		select {
		case r = <-results:
		case <-graceC:
			s.logger.Warn("fan-out de fees abandonado por parada", "pendientes", launched-i)
			return
		}
		stats.APICalls++
		if r.err != nil {
			s.failCandidate(ctx, r.c, OpFee, r.err, stats)
			continue
		}
		if err := s.storage.SaveFeeSnapshot(ctx, r.c.ID, r.snap); err != nil {
			s.logger.Error("no se pudo persistir el fee snapshot", "asin", r.c.ASIN, "error", err)
			stats.Failed++
			continue
		}
		s.retry.Resolve(r.c.ID, OpFee)
		s.rescore(ctx, cfg, r.c, snaps[r.c.ID], &r.snap, stats)
	}
}

// rescore puntúa el candidato con los snapshots dados, rellenando los que
// falten con los últimos persistidos, y publica el resultado.
func (s *Scheduler) rescore(ctx context.Context, cfg *config.Config, c domain.Candidate,
	market *domain.MarketSnapshot, fee *domain.FeeSnapshot, stats *domain.PassStats) {

	if market == nil || fee == nil {
		lastMarket, lastFee, err := s.storage.LatestSnapshots(ctx, c.ID)
		if err != nil {
			s.logger.Error("no se pudieron leer los snapshots", "asin", c.ASIN, "error", err)
			stats.Failed++
			return
		}
		if market == nil {
			market = lastMarket
		}
		if fee == nil {
			fee = lastFee
		}
	}
	// Un fee caducado no se usa: mejor puntuar sin fees que con datos viejos.
	if fee != nil && fee.Expired(s.now()) {
		fee = nil
	}

	item, err := s.storage.GetSupplierItem(ctx, c.SupplierItemID)
	if err != nil {
		s.logger.Error("item de proveedor no encontrado", "candidate", c.ID, "error", err)
		stats.Failed++
		return
	}

	result := domain.Score(item, c, market, fee, cfg.ScoringFor(c.Brand))
	result.CalculatedAt = s.now()

	// Score anterior, antes de pisarlo: decide si este resultado cruza el umbral.
	prev, prevErr := s.storage.LatestScore(ctx, c.ID)
	if prevErr != nil {
		prev = nil
	}

	if err := s.storage.SaveScoreResult(ctx, result); err != nil {
		s.logger.Error("no se pudo persistir el score", "asin", c.ASIN, "error", err)
		stats.Failed++
		return
	}
	stats.Refreshed++

	s.markUrgentOnCross(c, prev, result.Score, cfg.Refresh.UrgentScoreThreshold)

	s.publish(ctx, ports.Event{
		Kind:      ports.EventScoreUpdated,
		At:        result.CalculatedAt,
		Candidate: &c,
		Score:     &result,
	})
}

// markUrgentOnCross encola el candidato en la sub-cola urgente cuando su score
// cruza el umbral de abajo hacia arriba: se atiende al frente de la próxima
// pasada. Estar ya por encima del umbral no re-marca.
func (s *Scheduler) markUrgentOnCross(c domain.Candidate, prev *domain.ScoreResult, score, threshold int) {
	if threshold <= 0 || score < threshold {
		return
	}
	if prev != nil && prev.Score >= threshold {
		return
	}
	s.urgent[c.ID] = true
	s.logger.Info("score cruza el umbral urgente", "asin", c.ASIN, "score", score)
}

// failBatch registra el fallo de todos los candidatos de un batch.
func (s *Scheduler) failBatch(ctx context.Context, batch []domain.Candidate, op OpKind, err error, stats *domain.PassStats) {
	for _, c := range batch {
		s.failCandidate(ctx, c, op, err, stats)
	}
}

// failCandidate encola el reintento o reporta el fallo permanente una sola vez.
// Errores no reintables (Client, DataQuality) agotan la cola de inmediato.
func (s *Scheduler) failCandidate(ctx context.Context, c domain.Candidate, op OpKind, err error, stats *domain.PassStats) {
	stats.Failed++

	if !apierr.IsRetryable(err) {
		s.reportPermanent(ctx, c, err)
		s.retry.Resolve(c.ID, op)
		return
	}

	if permanent := s.retry.Fail(c, op, err.Error(), apierr.RetryIn(err)); permanent {
		s.reportPermanent(ctx, c, err)
		return
	}
	s.logger.Warn("fallo transitorio, encolado para reintento",
		"asin", c.ASIN, "op", string(op), "error", err)
}

func (s *Scheduler) reportPermanent(ctx context.Context, c domain.Candidate, err error) {
	s.logger.Error("fallo permanente", "asin", c.ASIN, "error", err)
	s.publish(ctx, ports.Event{
		Kind:      ports.EventCandidateError,
		At:        s.now(),
		Candidate: &c,
		Err:       err.Error(),
	})
}

func (s *Scheduler) publish(ctx context.Context, ev ports.Event) {
	if err := s.notifier.Publish(ctx, ev); err != nil {
		s.logger.Warn("no se pudo publicar el evento", "kind", string(ev.Kind), "error", err)
	}
}
