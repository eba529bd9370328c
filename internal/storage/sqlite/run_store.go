// Package sqlite persists backfill checkpoints in a single SQLite file, for
// operators who want queryable progress without running a database server.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // Register sqlite driver

	"github.com/JakeFAU/econ-calendar-crawler/internal/checkpoint"
	"github.com/JakeFAU/econ-calendar-crawler/internal/crawler"
)

//go:embed migrations/001_backfill.sql
var migration string

const (
	statusSucceeded = "succeeded"
	statusFailed    = "failed"
)

// RunStore is a checkpoint sink and manifest store backed by SQLite.
type RunStore struct {
	db *sql.DB
}

// Open opens (or creates) the database at dsn and applies the schema.
func Open(dsn string) (*RunStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// In-memory databases are per-connection.
	if dsn == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("exec %s: %w", pragma, err)
		}
	}

	if _, err := db.Exec(migration); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &RunStore{db: db}, nil
}

// Close closes the database.
func (s *RunStore) Close() error {
	return s.db.Close()
}

// Write persists cp in one transaction, appending only unseen records.
func (s *RunStore) Write(ctx context.Context, cp crawler.Checkpoint) (string, error) {
	if cp.RunID == "" {
		return "", fmt.Errorf("run id is required")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin checkpoint tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO backfill_runs (run_id) VALUES (?) ON CONFLICT (run_id) DO NOTHING`, cp.RunID,
	); err != nil {
		return "", fmt.Errorf("ensure run row: %w", err)
	}

	var stored int
	if err := tx.QueryRowContext(ctx,
		`SELECT records_stored FROM backfill_runs WHERE run_id = ?`, cp.RunID,
	).Scan(&stored); err != nil {
		return "", fmt.Errorf("read run row: %w", err)
	}

	if stored < len(cp.Records) {
		stmt, err := tx.PrepareContext(ctx, `INSERT INTO backfill_records (run_id, seq, payload) VALUES (?, ?, ?)`)
		if err != nil {
			return "", fmt.Errorf("prepare record insert: %w", err)
		}
		defer func() { _ = stmt.Close() }()
		for i := stored; i < len(cp.Records); i++ {
			payload, err := json.Marshal(cp.Records[i])
			if err != nil {
				return "", fmt.Errorf("marshal record %d: %w", i, err)
			}
			if _, err := stmt.ExecContext(ctx, cp.RunID, i, string(payload)); err != nil {
				return "", fmt.Errorf("insert record %d: %w", i, err)
			}
		}
		stored = len(cp.Records)
	}

	const upsertRange = `INSERT INTO backfill_ranges (run_id, range_start, range_end, status, reason)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (run_id, range_start, range_end) DO UPDATE
		SET status = excluded.status, reason = excluded.reason`
	for _, r := range cp.Succeeded {
		if _, err := tx.ExecContext(ctx, upsertRange, cp.RunID,
			r.Start.Format(crawler.DateLayout), r.End.Format(crawler.DateLayout), statusSucceeded, nil,
		); err != nil {
			return "", fmt.Errorf("upsert range %s: %w", r, err)
		}
	}
	for _, f := range cp.Failed {
		if _, err := tx.ExecContext(ctx, upsertRange, cp.RunID,
			f.Range.Start.Format(crawler.DateLayout), f.Range.End.Format(crawler.DateLayout), statusFailed, f.Reason,
		); err != nil {
			return "", fmt.Errorf("upsert range %s: %w", f.Range, err)
		}
	}

	if _, err := tx.ExecContext(ctx, `UPDATE backfill_runs
		SET kind = ?, sequence = ?, completed = ?, total_records = ?, records_stored = ?, taken_at = ?
		WHERE run_id = ?`,
		string(cp.Kind), cp.Sequence, cp.Completed, cp.TotalRecords, stored,
		cp.TakenAt.UTC().Format(time.RFC3339Nano), cp.RunID,
	); err != nil {
		return "", fmt.Errorf("update run row: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit checkpoint tx: %w", err)
	}
	return "sqlite://backfill_runs/" + cp.RunID, nil
}

// LoadManifest rebuilds the latest manifest of runID.
func (s *RunStore) LoadManifest(ctx context.Context, runID string) (crawler.Manifest, error) {
	m := crawler.Manifest{RunID: runID, Succeeded: []crawler.DateRange{}, Failed: []crawler.FailedRange{}}
	var (
		kind    string
		takenAt sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT kind, sequence, completed, total_records, taken_at FROM backfill_runs WHERE run_id = ?`, runID,
	).Scan(&kind, &m.Sequence, &m.Completed, &m.TotalRecords, &takenAt)
	if errors.Is(err, sql.ErrNoRows) {
		return crawler.Manifest{}, checkpoint.ErrManifestNotFound
	}
	if err != nil {
		return crawler.Manifest{}, fmt.Errorf("load run row: %w", err)
	}
	m.Kind = crawler.CheckpointKind(kind)
	if takenAt.Valid {
		if t, err := time.Parse(time.RFC3339Nano, takenAt.String); err == nil {
			m.TakenAt = t
		}
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT range_start, range_end, status, reason FROM backfill_ranges WHERE run_id = ? ORDER BY range_start`, runID,
	)
	if err != nil {
		return crawler.Manifest{}, fmt.Errorf("load ranges: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var (
			start, end, status string
			reason             sql.NullString
		)
		if err := rows.Scan(&start, &end, &status, &reason); err != nil {
			return crawler.Manifest{}, fmt.Errorf("scan range: %w", err)
		}
		r, err := crawler.ParseRange(start + ".." + end)
		if err != nil {
			return crawler.Manifest{}, fmt.Errorf("stored range: %w", err)
		}
		if status == statusSucceeded {
			m.Succeeded = append(m.Succeeded, r)
			continue
		}
		m.Failed = append(m.Failed, crawler.FailedRange{Range: r, Reason: reason.String})
	}
	if err := rows.Err(); err != nil {
		return crawler.Manifest{}, fmt.Errorf("iterate ranges: %w", err)
	}
	return m, nil
}

// Records returns every stored record of runID in insertion order.
func (s *RunStore) Records(ctx context.Context, runID string) ([]crawler.Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT payload FROM backfill_records WHERE run_id = ? ORDER BY seq`, runID)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := []crawler.Record{}
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		var rec crawler.Record
		if err := json.Unmarshal([]byte(payload), &rec); err != nil {
			return nil, fmt.Errorf("decode record: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate records: %w", err)
	}
	return out, nil
}
