// Package postgres persists backfill checkpoints in Postgres.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/econ-calendar-crawler/internal/checkpoint"
	"github.com/JakeFAU/econ-calendar-crawler/internal/crawler"
)

// Schema creates the tables RunStore writes to.
const Schema = `
CREATE TABLE IF NOT EXISTS backfill_runs (
	run_id         TEXT PRIMARY KEY,
	kind           TEXT NOT NULL DEFAULT '',
	sequence       INTEGER NOT NULL DEFAULT 0,
	completed      INTEGER NOT NULL DEFAULT 0,
	total_records  INTEGER NOT NULL DEFAULT 0,
	records_stored INTEGER NOT NULL DEFAULT 0,
	taken_at       TIMESTAMPTZ,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS backfill_ranges (
	run_id      TEXT NOT NULL REFERENCES backfill_runs(run_id),
	range_start DATE NOT NULL,
	range_end   DATE NOT NULL,
	status      TEXT NOT NULL,
	reason      TEXT,
	PRIMARY KEY (run_id, range_start, range_end)
);
CREATE TABLE IF NOT EXISTS backfill_records (
	run_id  TEXT NOT NULL REFERENCES backfill_runs(run_id),
	seq     INTEGER NOT NULL,
	payload JSONB NOT NULL,
	PRIMARY KEY (run_id, seq)
);`

// Range statuses stored in backfill_ranges.
const (
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pool interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// RunStore is a checkpoint sink and manifest store backed by Postgres.
// Records are append-only: each write copies only the records past the
// stored high-water mark.
type RunStore struct {
	pool pool
}

// New connects a pool using cfg.
func New(ctx context.Context, cfg Config) (*RunStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("postgres dsn is required")
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
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &RunStore{pool: p}, nil
}

// NewWithPool constructs a store from an existing pool (primarily for testing).
func NewWithPool(p pool) (*RunStore, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &RunStore{pool: p}, nil
}

// Close releases the underlying pool resources.
func (s *RunStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Migrate creates the schema if it does not exist.
func (s *RunStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("migrate backfill schema: %w", err)
	}
	return nil
}

// Write persists cp in a single transaction.
func (s *RunStore) Write(ctx context.Context, cp crawler.Checkpoint) (string, error) {
	if cp.RunID == "" {
		return "", fmt.Errorf("run id is required")
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return "", fmt.Errorf("begin checkpoint tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx,
		`INSERT INTO backfill_runs (run_id) VALUES ($1) ON CONFLICT (run_id) DO NOTHING`,
		cp.RunID,
	); err != nil {
		return "", fmt.Errorf("ensure run row: %w", err)
	}

	var stored int
	if err := tx.QueryRow(ctx,
		`SELECT records_stored FROM backfill_runs WHERE run_id = $1 FOR UPDATE`,
		cp.RunID,
	).Scan(&stored); err != nil {
		return "", fmt.Errorf("lock run row: %w", err)
	}

	if stored < len(cp.Records) {
		rows := make([][]any, 0, len(cp.Records)-stored)
		for i := stored; i < len(cp.Records); i++ {
			payload, err := json.Marshal(cp.Records[i])
			if err != nil {
				return "", fmt.Errorf("marshal record %d: %w", i, err)
			}
			rows = append(rows, []any{cp.RunID, i, payload})
		}
		if _, err := tx.CopyFrom(ctx,
			pgx.Identifier{"backfill_records"},
			[]string{"run_id", "seq", "payload"},
			pgx.CopyFromRows(rows),
		); err != nil {
			return "", fmt.Errorf("copy records: %w", err)
		}
		stored = len(cp.Records)
	}

	const upsertRange = `
INSERT INTO backfill_ranges (run_id, range_start, range_end, status, reason)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (run_id, range_start, range_end) DO UPDATE
SET status = EXCLUDED.status, reason = EXCLUDED.reason`
	for _, r := range cp.Succeeded {
		if _, err := tx.Exec(ctx, upsertRange, cp.RunID, r.Start, r.End, StatusSucceeded, nil); err != nil {
			return "", fmt.Errorf("upsert range %s: %w", r, err)
		}
	}
	for _, f := range cp.Failed {
		if _, err := tx.Exec(ctx, upsertRange, cp.RunID, f.Range.Start, f.Range.End, StatusFailed, f.Reason); err != nil {
			return "", fmt.Errorf("upsert range %s: %w", f.Range, err)
		}
	}

	if _, err := tx.Exec(ctx, `
UPDATE backfill_runs
SET kind = $2, sequence = $3, completed = $4, total_records = $5, records_stored = $6, taken_at = $7
WHERE run_id = $1`,
		cp.RunID, string(cp.Kind), cp.Sequence, cp.Completed, cp.TotalRecords, stored, cp.TakenAt,
	); err != nil {
		return "", fmt.Errorf("update run row: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return "", fmt.Errorf("commit checkpoint tx: %w", err)
	}
	return "postgres://backfill_runs/" + cp.RunID, nil
}

// LoadManifest rebuilds the latest manifest of runID.
func (s *RunStore) LoadManifest(ctx context.Context, runID string) (crawler.Manifest, error) {
	m := crawler.Manifest{RunID: runID}
	var (
		kind    string
		takenAt *time.Time
	)
	err := s.pool.QueryRow(ctx,
		`SELECT kind, sequence, completed, total_records, taken_at FROM backfill_runs WHERE run_id = $1`,
		runID,
	).Scan(&kind, &m.Sequence, &m.Completed, &m.TotalRecords, &takenAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return crawler.Manifest{}, checkpoint.ErrManifestNotFound
	}
	if err != nil {
		return crawler.Manifest{}, fmt.Errorf("load run row: %w", err)
	}
	m.Kind = crawler.CheckpointKind(kind)
	if takenAt != nil {
		m.TakenAt = takenAt.UTC()
	}

	rows, err := s.pool.Query(ctx,
		`SELECT range_start, range_end, status, reason FROM backfill_ranges WHERE run_id = $1 ORDER BY range_start`,
		runID,
	)
	if err != nil {
		return crawler.Manifest{}, fmt.Errorf("load ranges: %w", err)
	}
	defer rows.Close()

	m.Succeeded = []crawler.DateRange{}
	m.Failed = []crawler.FailedRange{}
	for rows.Next() {
		var (
			start, end time.Time
			status     string
			reason     *string
		)
		if err := rows.Scan(&start, &end, &status, &reason); err != nil {
			return crawler.Manifest{}, fmt.Errorf("scan range: %w", err)
		}
		r := crawler.DateRange{Start: start.UTC(), End: end.UTC()}
		if status == StatusSucceeded {
			m.Succeeded = append(m.Succeeded, r)
			continue
		}
		fr := crawler.FailedRange{Range: r}
		if reason != nil {
			fr.Reason = *reason
		}
		m.Failed = append(m.Failed, fr)
	}
	if err := rows.Err(); err != nil {
		return crawler.Manifest{}, fmt.Errorf("iterate ranges: %w", err)
	}
	return m, nil
}
