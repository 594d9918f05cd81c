// Package storage implementa la persistencia en SQLite: candidatos,
// snapshots append-only, histórico de scores y registro de llamadas a APIs.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/alejandrodnm/sellerscan/internal/domain"
	"github.com/alejandrodnm/sellerscan/internal/ports"
)

const schema = `
CREATE TABLE IF NOT EXISTS supplier_items (
	id               INTEGER PRIMARY KEY AUTOINCREMENT,
	brand            TEXT NOT NULL,
	supplier         TEXT NOT NULL,
	part_number      TEXT NOT NULL,
	description      TEXT NOT NULL DEFAULT '',
	ean              TEXT NOT NULL DEFAULT '',
	mpn              TEXT NOT NULL DEFAULT '',
	asin_hint        TEXT NOT NULL DEFAULT '',
	cost_unit_1      REAL NOT NULL,
	cost_unit_5      REAL NOT NULL,
	pack_qty         INTEGER NOT NULL DEFAULT 1,
	import_batch     TEXT NOT NULL DEFAULT '',
	imported_at      TIMESTAMP NOT NULL,
	active           INTEGER NOT NULL DEFAULT 1,
	UNIQUE(supplier, part_number, import_batch)
);

CREATE TABLE IF NOT EXISTS candidates (
	id               INTEGER PRIMARY KEY AUTOINCREMENT,
	supplier_item_id INTEGER NOT NULL REFERENCES supplier_items(id),
	asin             TEXT NOT NULL,
	title            TEXT NOT NULL DEFAULT '',
	match_reason     TEXT NOT NULL DEFAULT '',
	confidence       REAL NOT NULL DEFAULT 0,
	source           TEXT NOT NULL DEFAULT '',
	is_primary       INTEGER NOT NULL DEFAULT 0,
	active           INTEGER NOT NULL DEFAULT 1,
	UNIQUE(supplier_item_id, asin)
);

CREATE TABLE IF NOT EXISTS market_snapshots (
	id                 INTEGER PRIMARY KEY AUTOINCREMENT,
	candidate_id       INTEGER NOT NULL REFERENCES candidates(id),
	asin               TEXT NOT NULL,
	at                 TIMESTAMP NOT NULL,
	price_current      REAL,
	price_median_30d   REAL,
	price_min_30d      REAL,
	price_max_30d      REAL,
	rank_drops_30d     INTEGER,
	rank_current       INTEGER,
	offers_fbm         INTEGER,
	offers_fba         INTEGER,
	offer_trend        TEXT NOT NULL DEFAULT '',
	buybox_price       REAL,
	buybox_is_amazon   INTEGER,
	amazon_on_listing  INTEGER NOT NULL DEFAULT 0,
	volatility_cv      REAL,
	low_confidence     INTEGER NOT NULL DEFAULT 0,
	tokens_consumed    INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_market_snapshots_candidate
	ON market_snapshots(candidate_id, at DESC);

CREATE TABLE IF NOT EXISTS fee_snapshots (
	id                  INTEGER PRIMARY KEY AUTOINCREMENT,
	candidate_id        INTEGER NOT NULL REFERENCES candidates(id),
	asin                TEXT NOT NULL,
	at                  TIMESTAMP NOT NULL,
	sell_price_used     REAL NOT NULL,
	restricted          INTEGER NOT NULL DEFAULT 0,
	restriction_reasons TEXT NOT NULL DEFAULT '',
	fee_total           REAL,
	fee_referral        REAL,
	fee_variable        REAL,
	weight_kg           REAL,
	weight_source       TEXT NOT NULL DEFAULT '',
	title               TEXT NOT NULL DEFAULT '',
	brand               TEXT NOT NULL DEFAULT '',
	category            TEXT NOT NULL DEFAULT '',
	ttl_seconds         INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_fee_snapshots_candidate
	ON fee_snapshots(candidate_id, at DESC);

CREATE TABLE IF NOT EXISTS score_history (
	id               INTEGER PRIMARY KEY AUTOINCREMENT,
	candidate_id     INTEGER NOT NULL REFERENCES candidates(id),
	supplier_item_id INTEGER NOT NULL,
	asin             TEXT NOT NULL,
	score            INTEGER NOT NULL,
	winning_scenario TEXT NOT NULL,
	best_profit      REAL NOT NULL,
	restricted       INTEGER NOT NULL DEFAULT 0,
	amazon_present   INTEGER NOT NULL DEFAULT 0,
	detail           TEXT NOT NULL,
	calculated_at    TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_score_history_candidate
	ON score_history(candidate_id, calculated_at DESC);

CREATE TABLE IF NOT EXISTS api_calls (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	api             TEXT NOT NULL,
	endpoint        TEXT NOT NULL,
	method          TEXT NOT NULL,
	params          TEXT NOT NULL DEFAULT '',
	status          INTEGER NOT NULL DEFAULT 0,
	latency_ms      INTEGER NOT NULL DEFAULT 0,
	response_bytes  INTEGER NOT NULL DEFAULT 0,
	tokens_consumed INTEGER NOT NULL DEFAULT 0,
	success         INTEGER NOT NULL DEFAULT 0,
	error_message   TEXT NOT NULL DEFAULT '',
	at              TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_api_calls_at ON api_calls(at DESC);
`

// SQLite implementa ports.Storage y ports.CallLogger sobre un archivo local.
type SQLite struct {
	db *sql.DB
}

// New abre (o crea) la base de datos y aplica el esquema.
func New(dsn string) (*SQLite, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("storage.New: open %q: %w", dsn, err)
	}
	// SQLite no tolera escritores concurrentes: una sola conexión.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage.New: apply schema: %w", err)
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL; PRAGMA busy_timeout=5000;`); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage.New: pragmas: %w", err)
	}
	return &SQLite{db: db}, nil
}

// Close cierra la conexión.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// LoadActiveCandidates devuelve los candidatos activos con item activo.
func (s *SQLite) LoadActiveCandidates(ctx context.Context) ([]domain.Candidate, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id, c.supplier_item_id, i.brand, i.supplier, i.part_number,
		       c.asin, c.title, c.match_reason, c.confidence, c.source,
		       c.is_primary, c.active
		FROM candidates c
		JOIN supplier_items i ON i.id = c.supplier_item_id
		WHERE c.active = 1 AND i.active = 1
		ORDER BY c.id`)
	if err != nil {
		return nil, fmt.Errorf("storage.LoadActiveCandidates: %w", err)
	}
	defer rows.Close()

	var out []domain.Candidate
	for rows.Next() {
		var c domain.Candidate
		var source string
		if err := rows.Scan(&c.ID, &c.SupplierItemID, &c.Brand, &c.Supplier,
			&c.PartNumber, &c.ASIN, &c.Title, &c.MatchReason, &c.Confidence,
			&source, &c.Primary, &c.Active); err != nil {
			return nil, fmt.Errorf("storage.LoadActiveCandidates: scan: %w", err)
		}
		c.Source = domain.MappingSource(source)
		out = append(out, c)
	}
	return out, rows.Err()
}

// GetSupplierItem devuelve el item por ID.
func (s *SQLite) GetSupplierItem(ctx context.Context, id int64) (domain.SupplierItem, error) {
	var it domain.SupplierItem
	err := s.db.QueryRowContext(ctx, `
		SELECT id, brand, supplier, part_number, description, ean, mpn, asin_hint,
		       cost_unit_1, cost_unit_5, pack_qty, import_batch, imported_at, active
		FROM supplier_items WHERE id = ?`, id).
		Scan(&it.ID, &it.Brand, &it.Supplier, &it.PartNumber, &it.Description,
			&it.EAN, &it.MPN, &it.ASINHint, &it.CostUnitExTax1, &it.CostUnitExTax5,
			&it.PackQty, &it.ImportBatch, &it.ImportedAt, &it.Active)
	if errors.Is(err, sql.ErrNoRows) {
		return it, fmt.Errorf("storage.GetSupplierItem: item %d no existe", id)
	}
	if err != nil {
		return it, fmt.Errorf("storage.GetSupplierItem: %w", err)
	}
	return it, nil
}

// SaveMarketSnapshot persiste una observación de mercado. Append-only.
func (s *SQLite) SaveMarketSnapshot(ctx context.Context, candidateID int64, snap domain.MarketSnapshot) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO market_snapshots (
			candidate_id, asin, at, price_current, price_median_30d,
			price_min_30d, price_max_30d, rank_drops_30d, rank_current,
			offers_fbm, offers_fba, offer_trend, buybox_price, buybox_is_amazon,
			amazon_on_listing, volatility_cv, low_confidence, tokens_consumed
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		candidateID, snap.ASIN, snap.At, snap.PriceCurrent, snap.PriceMedian30d,
		snap.PriceMin30d, snap.PriceMax30d, snap.SalesRankDrops30d, snap.SalesRankCurrent,
		snap.OfferCountFBM, snap.OfferCountFBA, string(snap.OfferTrend),
		snap.BuyBoxPrice, snap.BuyBoxIsAmazon, snap.AmazonOnListing,
		snap.VolatilityCV, snap.LowConfidence, snap.TokensConsumed)
	if err != nil {
		return fmt.Errorf("storage.SaveMarketSnapshot: %w", err)
	}
	return nil
}

// SaveFeeSnapshot persiste una observación de fees. Append-only.
func (s *SQLite) SaveFeeSnapshot(ctx context.Context, candidateID int64, snap domain.FeeSnapshot) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO fee_snapshots (
			candidate_id, asin, at, sell_price_used, restricted,
			restriction_reasons, fee_total, fee_referral, fee_variable,
			weight_kg, weight_source, title, brand, category, ttl_seconds
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		candidateID, snap.ASIN, snap.At, snap.SellPriceUsed, snap.Restricted,
		snap.RestrictionReasons, snap.FeeTotalGross, snap.FeeReferral, snap.FeeVariable,
		snap.WeightKg, snap.WeightSource, snap.Title, snap.Brand, snap.Category,
		int(snap.TTL.Seconds()))
	if err != nil {
		return fmt.Errorf("storage.SaveFeeSnapshot: %w", err)
	}
	return nil
}

// scoreDetail es el desglose que se serializa como JSON en el histórico.
type scoreDetail struct {
	ScenarioUnit  domain.ProfitScenario `json:"scenario_unit"`
	ScenarioBulk5 domain.ProfitScenario `json:"scenario_bulk5"`
	Breakdown     domain.ScoreBreakdown `json:"breakdown"`
	Flags         []domain.ScoreFlag    `json:"flags"`
	Confidence    float64               `json:"confidence"`
	WeightKg      *float64              `json:"weight_kg,omitempty"`
	SalesProxy30d *int                  `json:"sales_proxy_30d,omitempty"`
	OfferCount    *int                  `json:"offer_count,omitempty"`
	MarketAt      time.Time             `json:"market_at"`
	FeeAt         time.Time             `json:"fee_at"`
}

// SaveScoreResult añade un resultado al histórico de scores.
func (s *SQLite) SaveScoreResult(ctx context.Context, r domain.ScoreResult) error {
	detail, err := json.Marshal(scoreDetail{
		ScenarioUnit:  r.ScenarioUnit,
		ScenarioBulk5: r.ScenarioBulk5,
		Breakdown:     r.Breakdown,
		Flags:         r.Flags,
		Confidence:    r.Confidence,
		WeightKg:      r.WeightKg,
		SalesProxy30d: r.SalesProxy30d,
		OfferCount:    r.OfferCount,
		MarketAt:      r.MarketAt,
		FeeAt:         r.FeeAt,
	})
	if err != nil {
		return fmt.Errorf("storage.SaveScoreResult: marshal detail: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO score_history (
			candidate_id, supplier_item_id, asin, score, winning_scenario,
			best_profit, restricted, amazon_present, detail, calculated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.CandidateID, r.SupplierItemID, r.ASIN, r.Score, r.WinningScenario,
		r.BestProfit(), r.Restricted, r.AmazonPresent, string(detail), r.CalculatedAt)
	if err != nil {
		return fmt.Errorf("storage.SaveScoreResult: %w", err)
	}
	return nil
}

// LatestSnapshots devuelve los últimos snapshots conocidos del candidato.
func (s *SQLite) LatestSnapshots(ctx context.Context, candidateID int64) (*domain.MarketSnapshot, *domain.FeeSnapshot, error) {
	market, err := s.latestMarket(ctx, candidateID)
	if err != nil {
		return nil, nil, err
	}
	fee, err := s.latestFee(ctx, candidateID)
	if err != nil {
		return nil, nil, err
	}
	return market, fee, nil
}

func (s *SQLite) latestMarket(ctx context.Context, candidateID int64) (*domain.MarketSnapshot, error) {
	var snap domain.MarketSnapshot
	var trend string
	err := s.db.QueryRowContext(ctx, `
		SELECT asin, at, price_current, price_median_30d, price_min_30d,
		       price_max_30d, rank_drops_30d, rank_current, offers_fbm,
		       offers_fba, offer_trend, buybox_price, buybox_is_amazon,
		       amazon_on_listing, volatility_cv, low_confidence, tokens_consumed
		FROM market_snapshots
		WHERE candidate_id = ?
		ORDER BY at DESC LIMIT 1`, candidateID).
		Scan(&snap.ASIN, &snap.At, &snap.PriceCurrent, &snap.PriceMedian30d,
			&snap.PriceMin30d, &snap.PriceMax30d, &snap.SalesRankDrops30d,
			&snap.SalesRankCurrent, &snap.OfferCountFBM, &snap.OfferCountFBA,
			&trend, &snap.BuyBoxPrice, &snap.BuyBoxIsAmazon, &snap.AmazonOnListing,
			&snap.VolatilityCV, &snap.LowConfidence, &snap.TokensConsumed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("storage.latestMarket: %w", err)
	}
	snap.OfferTrend = domain.OfferTrend(trend)
	return &snap, nil
}

func (s *SQLite) latestFee(ctx context.Context, candidateID int64) (*domain.FeeSnapshot, error) {
	var snap domain.FeeSnapshot
	var ttlSeconds int
	err := s.db.QueryRowContext(ctx, `
		SELECT asin, at, sell_price_used, restricted, restriction_reasons,
		       fee_total, fee_referral, fee_variable, weight_kg, weight_source,
		       title, brand, category, ttl_seconds
		FROM fee_snapshots
		WHERE candidate_id = ?
		ORDER BY at DESC LIMIT 1`, candidateID).
		Scan(&snap.ASIN, &snap.At, &snap.SellPriceUsed, &snap.Restricted,
			&snap.RestrictionReasons, &snap.FeeTotalGross, &snap.FeeReferral,
			&snap.FeeVariable, &snap.WeightKg, &snap.WeightSource,
			&snap.Title, &snap.Brand, &snap.Category, &ttlSeconds)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("storage.latestFee: %w", err)
	}
	snap.TTL = time.Duration(ttlSeconds) * time.Second
	return &snap, nil
}

// LatestScore devuelve el último score del candidato, o nil si no hay ninguno.
func (s *SQLite) LatestScore(ctx context.Context, candidateID int64) (*domain.ScoreResult, error) {
	var r domain.ScoreResult
	var detail string
	err := s.db.QueryRowContext(ctx, `
		SELECT candidate_id, supplier_item_id, asin, score, winning_scenario,
		       restricted, amazon_present, detail, calculated_at
		FROM score_history
		WHERE candidate_id = ?
		ORDER BY calculated_at DESC LIMIT 1`, candidateID).
		Scan(&r.CandidateID, &r.SupplierItemID, &r.ASIN, &r.Score,
			&r.WinningScenario, &r.Restricted, &r.AmazonPresent, &detail,
			&r.CalculatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("storage.LatestScore: %w", err)
	}

	var d scoreDetail
	if err := json.Unmarshal([]byte(detail), &d); err != nil {
		return nil, fmt.Errorf("storage.LatestScore: unmarshal detail: %w", err)
	}
	r.ScenarioUnit = d.ScenarioUnit
	r.ScenarioBulk5 = d.ScenarioBulk5
	r.Breakdown = d.Breakdown
	r.Flags = d.Flags
	r.Confidence = d.Confidence
	r.WeightKg = d.WeightKg
	r.SalesProxy30d = d.SalesProxy30d
	r.OfferCount = d.OfferCount
	r.MarketAt = d.MarketAt
	r.FeeAt = d.FeeAt
	return &r, nil
}

// LogCall registra un intento de llamada a un API externo.
func (s *SQLite) LogCall(ctx context.Context, rec ports.CallRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO api_calls (
			api, endpoint, method, params, status, latency_ms,
			response_bytes, tokens_consumed, success, error_message, at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.API, rec.Endpoint, rec.Method, rec.Params, rec.Status,
		rec.Latency.Milliseconds(), rec.ResponseBytes, rec.TokensConsumed,
		rec.Success, rec.ErrorMessage, rec.At)
	if err != nil {
		return fmt.Errorf("storage.LogCall: %w", err)
	}
	return nil
}

// PruneAPICalls elimina registros de llamadas anteriores al corte.
func (s *SQLite) PruneAPICalls(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM api_calls WHERE at < ?`, before)
	if err != nil {
		return 0, fmt.Errorf("storage.PruneAPICalls: %w", err)
	}
	return res.RowsAffected()
}

// UpsertSupplierItem inserta o actualiza una línea de proveedor por
// (supplier, part_number, import_batch). Devuelve el ID.
func (s *SQLite) UpsertSupplierItem(ctx context.Context, it domain.SupplierItem) (int64, error) {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO supplier_items (
			brand, supplier, part_number, description, ean, mpn, asin_hint,
			cost_unit_1, cost_unit_5, pack_qty, import_batch, imported_at, active
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(supplier, part_number, import_batch) DO UPDATE SET
			brand = excluded.brand,
			description = excluded.description,
			ean = excluded.ean,
			mpn = excluded.mpn,
			asin_hint = excluded.asin_hint,
			cost_unit_1 = excluded.cost_unit_1,
			cost_unit_5 = excluded.cost_unit_5,
			pack_qty = excluded.pack_qty,
			active = excluded.active`,
		it.Brand, it.Supplier, it.PartNumber, it.Description, it.EAN, it.MPN,
		it.ASINHint, it.CostUnitExTax1, it.CostUnitExTax5, it.PackQty,
		it.ImportBatch, it.ImportedAt, it.Active)
	if err != nil {
		return 0, fmt.Errorf("storage.UpsertSupplierItem: %w", err)
	}

	var id int64
	err = s.db.QueryRowContext(ctx, `
		SELECT id FROM supplier_items
		WHERE supplier = ? AND part_number = ? AND import_batch = ?`,
		it.Supplier, it.PartNumber, it.ImportBatch).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("storage.UpsertSupplierItem: select id: %w", err)
	}
	return id, nil
}

// UpsertCandidate inserta o actualiza un candidato por (supplier_item_id, asin).
// Devuelve el ID.
func (s *SQLite) UpsertCandidate(ctx context.Context, c domain.Candidate) (int64, error) {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO candidates (
			supplier_item_id, asin, title, match_reason, confidence,
			source, is_primary, active
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(supplier_item_id, asin) DO UPDATE SET
			title = excluded.title,
			match_reason = excluded.match_reason,
			confidence = excluded.confidence,
			source = excluded.source,
			is_primary = excluded.is_primary,
			active = excluded.active`,
		c.SupplierItemID, c.ASIN, c.Title, c.MatchReason, c.Confidence,
		string(c.Source), c.Primary, c.Active)
	if err != nil {
		return 0, fmt.Errorf("storage.UpsertCandidate: %w", err)
	}

	var id int64
	err = s.db.QueryRowContext(ctx, `
		SELECT id FROM candidates WHERE supplier_item_id = ? AND asin = ?`,
		c.SupplierItemID, c.ASIN).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("storage.UpsertCandidate: select id: %w", err)
	}
	return id, nil
}
