package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"pricer/internal/model"
)

// leaderLockKey is the advisory lock guarding the tick loop. Stable across
// releases; every instance pointed at the same database must agree on it.
const leaderLockKey int64 = 727464301

// PostgresStore implements Repository on top of a pgx connection pool.
type PostgresStore struct {
	Pool   *pgxpool.Pool
	Logger *slog.Logger

	mu         sync.Mutex
	leaderConn *pgxpool.Conn
}

func (s *PostgresStore) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

// Migrate creates the engine's tables if they do not exist yet.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	const schema = `
	CREATE TABLE IF NOT EXISTS publications (
		id BIGSERIAL PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		outlet_avg_price NUMERIC(10,2) NOT NULL DEFAULT 0,
		success_rate NUMERIC(5,4) NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS opportunities (
		id BIGSERIAL PRIMARY KEY,
		publication_id BIGINT NOT NULL REFERENCES publications(id),
		tier TEXT NOT NULL DEFAULT 'standard',
		status TEXT NOT NULL DEFAULT 'open',
		deadline TIMESTAMPTZ NOT NULL,
		slots_total INT NOT NULL DEFAULT 1,
		inventory_level INT NOT NULL DEFAULT 1,
		current_price NUMERIC(10,2) NOT NULL,
		meta JSONB NOT NULL DEFAULT '{}',
		last_drift_at BIGINT
	);
	CREATE INDEX IF NOT EXISTS idx_opportunities_status_deadline
		ON opportunities (status, deadline);

	CREATE TABLE IF NOT EXISTS variable_registry (
		var_name TEXT PRIMARY KEY,
		weight NUMERIC NOT NULL,
		nonlinear_fn TEXT NOT NULL DEFAULT 'none',
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE TABLE IF NOT EXISTS pricing_config (
		key TEXT PRIMARY KEY,
		value JSONB NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE TABLE IF NOT EXISTS price_snapshots (
		id UUID PRIMARY KEY,
		opportunity_id BIGINT NOT NULL REFERENCES opportunities(id) ON DELETE CASCADE,
		suggested_price NUMERIC(10,2) NOT NULL,
		snapshot_payload JSONB NOT NULL,
		tick_time TIMESTAMPTZ NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_price_snapshots_opp_tick
		ON price_snapshots (opportunity_id, tick_time);

	CREATE TABLE IF NOT EXISTS signal_events (
		id BIGSERIAL PRIMARY KEY,
		opportunity_id BIGINT NOT NULL REFERENCES opportunities(id) ON DELETE CASCADE,
		kind TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);
	CREATE INDEX IF NOT EXISTS idx_signal_events_opp_created
		ON signal_events (opportunity_id, created_at);
	`
	if _, err := s.Pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// AcquireLeader takes the session advisory lock on a pool connection held
// until ReleaseLeader. Non-blocking: returns false when another scheduler
// instance owns the lock.
func (s *PostgresStore) AcquireLeader(ctx context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.leaderConn != nil {
		return true, nil
	}
	conn, err := s.Pool.Acquire(ctx)
	if err != nil {
		return false, fmt.Errorf("acquire leader conn: %w", err)
	}
	var got bool
	if err := conn.QueryRow(ctx, "SELECT pg_try_advisory_lock($1)", leaderLockKey).Scan(&got); err != nil {
		conn.Release()
		return false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !got {
		conn.Release()
		return false, nil
	}
	s.leaderConn = conn
	return true, nil
}

// ReleaseLeader drops the advisory lock and returns the connection to the pool.
func (s *PostgresStore) ReleaseLeader(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.leaderConn == nil {
		return nil
	}
	_, err := s.leaderConn.Exec(ctx, "SELECT pg_advisory_unlock($1)", leaderLockKey)
	s.leaderConn.Release()
	s.leaderConn = nil
	if err != nil {
		return fmt.Errorf("advisory unlock: %w", err)
	}
	return nil
}

// ListOpenOpportunities loads every open opportunity whose deadline has not
// passed. Rows with meta blobs the engine cannot decode are skipped with a
// warning; the rest of the batch is unaffected.
func (s *PostgresStore) ListOpenOpportunities(ctx context.Context, now time.Time) ([]model.Opportunity, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT id, publication_id, tier, status, deadline, slots_total,
		       inventory_level, current_price, meta, last_drift_at
		FROM opportunities
		WHERE status = $1 AND deadline > $2
		ORDER BY id`, model.StatusOpen, now)
	if err != nil {
		return nil, fmt.Errorf("list open opportunities: %w", err)
	}
	defer rows.Close()

	var opps []model.Opportunity
	for rows.Next() {
		var (
			o       model.Opportunity
			rawMeta []byte
			driftMS *int64
		)
		if err := rows.Scan(&o.ID, &o.PublicationID, &o.Tier, &o.Status, &o.Deadline,
			&o.SlotsTotal, &o.SlotsRemaining, &o.CurrentPrice, &rawMeta, &driftMS); err != nil {
			return nil, fmt.Errorf("scan opportunity: %w", err)
		}
		meta, err := model.DecodeMeta(rawMeta)
		if err != nil {
			s.logger().Warn("PostgresStore: skipping opportunity with malformed meta", "id", o.ID, "error", err)
			continue
		}
		o.Meta = meta
		if driftMS != nil {
			t := time.UnixMilli(*driftMS).UTC()
			o.LastDriftAt = &t
		}
		opps = append(opps, o)
	}
	return opps, rows.Err()
}

// GetVariables reads the full variable registry.
func (s *PostgresStore) GetVariables(ctx context.Context) ([]model.Variable, error) {
	rows, err := s.Pool.Query(ctx,
		"SELECT var_name, weight, nonlinear_fn, updated_at FROM variable_registry")
	if err != nil {
		return nil, fmt.Errorf("get variables: %w", err)
	}
	defer rows.Close()

	var vars []model.Variable
	for rows.Next() {
		var v model.Variable
		if err := rows.Scan(&v.Name, &v.Weight, &v.NonlinearFn, &v.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan variable: %w", err)
		}
		vars = append(vars, v)
	}
	return vars, rows.Err()
}

// GetConfig reads pricing_config as scalar text values. JSON strings come
// back unquoted, numbers as their literal text.
func (s *PostgresStore) GetConfig(ctx context.Context) (map[string]string, error) {
	rows, err := s.Pool.Query(ctx, "SELECT key, value #>> '{}' FROM pricing_config")
	if err != nil {
		return nil, fmt.Errorf("get config: %w", err)
	}
	defer rows.Close()

	cfg := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("scan config row: %w", err)
		}
		cfg[k] = v
	}
	return cfg, rows.Err()
}

// DrainSignals counts events in (since, until] per kind and reports the
// newest event time seen.
func (s *PostgresStore) DrainSignals(ctx context.Context, opportunityID int64, since, until time.Time) (model.SignalCounts, time.Time, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT kind, COUNT(*), MAX(created_at)
		FROM signal_events
		WHERE opportunity_id = $1 AND created_at > $2 AND created_at <= $3
		GROUP BY kind`, opportunityID, since, until)
	if err != nil {
		return model.SignalCounts{}, time.Time{}, fmt.Errorf("drain signals: %w", err)
	}
	defer rows.Close()

	var counts model.SignalCounts
	var newest time.Time
	for rows.Next() {
		var (
			kind string
			n    int
			last time.Time
		)
		if err := rows.Scan(&kind, &n, &last); err != nil {
			return model.SignalCounts{}, time.Time{}, fmt.Errorf("scan signal count: %w", err)
		}
		switch kind {
		case model.SignalPitch:
			counts.Pitches = n
		case model.SignalClick:
			counts.Clicks = n
		case model.SignalSave:
			counts.Saves = n
		case model.SignalDraft:
			counts.Drafts = n
		default:
			s.logger().Warn("PostgresStore: unknown signal kind", "kind", kind, "opportunityId", opportunityID)
		}
		if last.After(newest) {
			newest = last
		}
	}
	return counts, newest, rows.Err()
}

// CountOpenByPublication returns the outlet concurrency map for this tick.
func (s *PostgresStore) CountOpenByPublication(ctx context.Context, now time.Time) (map[int64]int, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT publication_id, COUNT(*)
		FROM opportunities
		WHERE status = $1 AND deadline > $2
		GROUP BY publication_id`, model.StatusOpen, now)
	if err != nil {
		return nil, fmt.Errorf("count open by publication: %w", err)
	}
	defer rows.Close()

	load := make(map[int64]int)
	for rows.Next() {
		var pubID int64
		var n int
		if err := rows.Scan(&pubID, &n); err != nil {
			return nil, fmt.Errorf("scan outlet load: %w", err)
		}
		load[pubID] = n
	}
	return load, rows.Err()
}

// GetOutletAggregates reads the denormalized outlet metrics for a set of
// publications.
func (s *PostgresStore) GetOutletAggregates(ctx context.Context, publicationIDs []int64) (map[int64]model.OutletAggregate, error) {
	if len(publicationIDs) == 0 {
		return map[int64]model.OutletAggregate{}, nil
	}
	rows, err := s.Pool.Query(ctx, `
		SELECT id, outlet_avg_price, success_rate
		FROM publications
		WHERE id = ANY($1)`, publicationIDs)
	if err != nil {
		return nil, fmt.Errorf("get outlet aggregates: %w", err)
	}
	defer rows.Close()

	aggs := make(map[int64]model.OutletAggregate)
	for rows.Next() {
		var id int64
		var a model.OutletAggregate
		if err := rows.Scan(&id, &a.AvgPrice, &a.SuccessRate); err != nil {
			return nil, fmt.Errorf("scan outlet aggregate: %w", err)
		}
		aggs[id] = a
	}
	return aggs, rows.Err()
}

// PersistTick writes the tick's result for one opportunity: the price update
// and its audit snapshot commit together or not at all, so a persisted price
// always has a snapshot row explaining it. The UPDATE's WHERE clause compares
// the stored meta.lastTickId against the value the tick read, so a concurrent
// scheduler that already advanced the row rolls back with ErrStaleTick.
func (s *PostgresStore) PersistTick(ctx context.Context, opportunityID int64, price float64, meta model.Meta, lastDriftAt *time.Time, expectedTickID int64, snap model.PriceSnapshot) error {
	rawMeta, err := meta.Encode()
	if err != nil {
		return fmt.Errorf("encode meta: %w", err)
	}
	payload, err := snapshotPayload(snap)
	if err != nil {
		return err
	}
	var driftMS *int64
	if lastDriftAt != nil {
		ms := lastDriftAt.UnixMilli()
		driftMS = &ms
	}

	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tick tx: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE opportunities
		SET current_price = $1, meta = $2, last_drift_at = $3
		WHERE id = $4 AND COALESCE((meta->>'lastTickId')::BIGINT, 0) = $5`,
		price, rawMeta, driftMS, opportunityID, expectedTickID)
	if err != nil {
		return fmt.Errorf("update price: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrStaleTick
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO price_snapshots (id, opportunity_id, suggested_price, snapshot_payload, tick_time)
		VALUES ($1, $2, $3, $4, $5)`,
		snap.ID, snap.OpportunityID, snap.SuggestedPrice, payload, snap.TickTime); err != nil {
		return fmt.Errorf("insert snapshot: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tick: %w", err)
	}
	return nil
}

func snapshotPayload(snap model.PriceSnapshot) ([]byte, error) {
	b, err := json.Marshal(snap.Payload)
	if err != nil {
		return nil, fmt.Errorf("encode snapshot payload: %w", err)
	}
	return b, nil
}
