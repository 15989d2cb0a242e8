// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/runprogress/internal/store"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Schema is the DDL expected by RunStore for the default table name.
const Schema = `
CREATE TABLE IF NOT EXISTS runs (
	id            uuid PRIMARY KEY,
	started_at    timestamptz NOT NULL,
	finished_at   timestamptz,
	status        text NOT NULL,
	current       bigint NOT NULL DEFAULT 0,
	target        bigint NOT NULL,
	units         bigint NOT NULL DEFAULT 0,
	updated_at    timestamptz NOT NULL,
	error_message text
);
CREATE INDEX IF NOT EXISTS runs_status_started_idx ON runs (status, started_at DESC);
`

// RunStoreConfig controls the Postgres connection pool used for run rows.
type RunStoreConfig struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// Pool is the subset of pgxpool.Pool used by RunStore.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
	Close()
}

// RunStore implements store.RunRepository using Postgres.
type RunStore struct {
	pool  Pool
	table string
}

var _ store.RunRepository = (*RunStore)(nil)

// NewRunStore creates a Postgres-backed RunStore using the provided config.
func NewRunStore(ctx context.Context, cfg RunStoreConfig) (*RunStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	s, err := NewRunStoreWithPool(pool, cfg.Table)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// NewRunStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewRunStoreWithPool(pool Pool, table string) (*RunStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = "runs"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &RunStore{pool: pool, table: table}, nil
}

// Ping verifies the database is reachable.
func (s *RunStore) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

// EnsureSchema creates the runs table and index when they are missing. It
// only applies to the default table name.
func (s *RunStore) EnsureSchema(ctx context.Context) error {
	if s.table != "runs" {
		return nil
	}
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("ensure runs schema: %w", err)
	}
	return nil
}

// Close releases the underlying pool resources.
func (s *RunStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// UpsertRunStart inserts a running row; replays of the same start are ignored.
func (s *RunStore) UpsertRunStart(ctx context.Context, runID uuid.UUID, target int64, startedAt time.Time) error {
	query := fmt.Sprintf(`
INSERT INTO %s (id, started_at, status, current, target, units, updated_at)
VALUES ($1, $2, $3, 0, $4, 0, $2)
ON CONFLICT (id) DO NOTHING`, s.table)
	if _, err := s.pool.Exec(ctx, query, runID, startedAt, string(store.RunRunning), target); err != nil {
		return fmt.Errorf("upsert run start: %w", err)
	}
	return nil
}

// RecordProgress raises current and units for a running row.
func (s *RunStore) RecordProgress(ctx context.Context, runID uuid.UUID, current int64, units int, at time.Time) error {
	query := fmt.Sprintf(`
UPDATE %s
SET current = GREATEST(current, $1), units = GREATEST(units, $2), updated_at = $3
WHERE id = $4 AND status = $5`, s.table)
	if _, err := s.pool.Exec(ctx, query, current, int64(units), at, runID, string(store.RunRunning)); err != nil {
		return fmt.Errorf("record run progress: %w", err)
	}
	return nil
}

// CompleteRun marks a run as settled with a status and optional reason.
func (s *RunStore) CompleteRun(
	ctx context.Context,
	runID uuid.UUID,
	finishedAt time.Time,
	status store.RunStatus,
	current int64,
	errMsg *string,
) error {
	query := fmt.Sprintf(`
UPDATE %s
SET finished_at = $1, status = $2, current = GREATEST(current, $3), error_message = $4, updated_at = $1
WHERE id = $5`, s.table)
	res, err := s.pool.Exec(ctx, query, finishedAt, string(status), current, errMsg, runID)
	if err != nil {
		return fmt.Errorf("complete run: %w", err)
	}
	if res.RowsAffected() == 0 {
		return fmt.Errorf("complete run %s: %w", runID, store.ErrNotFound)
	}
	return nil
}

// GetRun retrieves a single run by its ID.
func (s *RunStore) GetRun(ctx context.Context, runID uuid.UUID) (store.Run, error) {
	query := fmt.Sprintf(`
SELECT id, started_at, finished_at, status, current, target, units, updated_at, error_message
FROM %s
WHERE id = $1`, s.table)
	run, err := scanRun(s.pool.QueryRow(ctx, query, runID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.Run{}, store.ErrNotFound
		}
		return store.Run{}, fmt.Errorf("get run: %w", err)
	}
	return run, nil
}

// ListRuns retrieves runs newest first, with optional status filtering.
func (s *RunStore) ListRuns(ctx context.Context, status *store.RunStatus, limit, offset int) ([]store.Run, error) {
	query := fmt.Sprintf(`
SELECT id, started_at, finished_at, status, current, target, units, updated_at, error_message
FROM %s
WHERE ($1::text IS NULL OR status = $1)
ORDER BY started_at DESC
LIMIT $2 OFFSET $3`, s.table)
	var filter *string
	if status != nil {
		value := string(*status)
		filter = &value
	}
	rows, err := s.pool.Query(ctx, query, filter, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	runs := []store.Run{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run row: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate run rows: %w", err)
	}
	return runs, nil
}

func scanRun(row pgx.Row) (store.Run, error) {
	var (
		run    store.Run
		status string
		units  int64
	)
	err := row.Scan(
		&run.ID,
		&run.StartedAt,
		&run.FinishedAt,
		&status,
		&run.Current,
		&run.Target,
		&units,
		&run.UpdatedAt,
		&run.ErrorMessage,
	)
	if err != nil {
		return store.Run{}, err
	}
	run.Status = store.RunStatus(status)
	run.Units = int(units)
	return run, nil
}
