// Package state keeps a queryable history of pipeline runs in DuckDB.
package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "github.com/marcboeker/go-duckdb"

	"github.com/logflow/tableflow/pkg/runlog"
)

// Store manages the run history database.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// Run is one row of the history, a summary of a RunLog.
type Run struct {
	RunID      string        `json:"run_id"`
	ObjectPath string        `json:"object_path"`
	Table      string        `json:"table"`
	Status     runlog.Status `json:"status"`
	Phase      runlog.Phase  `json:"phase"`
	Counts     runlog.Counts `json:"counts"`
	ErrorCode  string        `json:"error_code,omitempty"`
	Error      string        `json:"error,omitempty"`
	DurationMS int64         `json:"duration_ms"`
	StartedAt  time.Time     `json:"started_at"`
}

// Summary aggregates the history.
type Summary struct {
	Runs      int64 `json:"runs"`
	Succeeded int64 `json:"succeeded"`
	Failed    int64 `json:"failed"`
	Inserted  int64 `json:"inserted"`
	Updated   int64 `json:"updated"`
	Rejected  int64 `json:"rejected"`
}

// NewStore opens (creating if needed) the history database at dbPath.
// An empty path keeps the history in memory.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("duckdb", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// migrate runs database migrations.
func (s *Store) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			run_id TEXT PRIMARY KEY,
			object_path TEXT NOT NULL,
			object_fingerprint TEXT,
			target_table TEXT,
			status TEXT NOT NULL,
			phase TEXT,
			staged BIGINT,
			inserted BIGINT,
			updated BIGINT,
			unchanged BIGINT,
			rejected BIGINT,
			error_code TEXT,
			error TEXT,
			duration_ms BIGINT,
			started_at TIMESTAMP NOT NULL,
			doc JSON
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_object ON runs(object_path)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at)`,
	}

	for _, migration := range migrations {
		if _, err := s.db.Exec(migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// RecordRun appends l to the history. Recording the same run id twice
// fails; run logs are write-once.
func (s *Store) RecordRun(ctx context.Context, l *runlog.RunLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := json.Marshal(l)
	if err != nil {
		return fmt.Errorf("encode run %s: %w", l.RunID, err)
	}
	var code, msg string
	if l.Error != nil {
		code, msg = l.Error.Code, l.Error.Message
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO runs (run_id, object_path, object_fingerprint, target_table, status, phase,
			staged, inserted, updated, unchanged, rejected, error_code, error, duration_ms, started_at, doc)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, CAST(? AS JSON))
	`, l.RunID, l.Object.Path, l.Object.Fingerprint, l.Table, string(l.Status), string(l.Phase),
		l.Counts.Staged, l.Counts.Inserted, l.Counts.Updated, l.Counts.Unchanged, l.Counts.Rejected,
		code, msg, l.DurationMS, l.StartedAt, string(doc))
	if err != nil {
		return fmt.Errorf("record run %s: %w", l.RunID, err)
	}
	return nil
}

// ListRuns returns the most recent runs, newest first. A non-empty
// objectPath restricts the list to one source object.
func (s *Store) ListRuns(ctx context.Context, objectPath string, limit int) ([]*Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, object_path, target_table, status, phase,
		       staged, inserted, updated, unchanged, rejected,
		       error_code, error, duration_ms, started_at
		FROM runs
		WHERE ? = '' OR object_path = ?
		ORDER BY started_at DESC, run_id
		LIMIT ?
	`, objectPath, objectPath, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		r := &Run{}
		var table, phase, code, msg sql.NullString
		var status string
		if err := rows.Scan(
			&r.RunID, &r.ObjectPath, &table, &status, &phase,
			&r.Counts.Staged, &r.Counts.Inserted, &r.Counts.Updated, &r.Counts.Unchanged, &r.Counts.Rejected,
			&code, &msg, &r.DurationMS, &r.StartedAt,
		); err != nil {
			return nil, err
		}
		r.Table = table.String
		r.Status = runlog.Status(status)
		r.Phase = runlog.Phase(phase.String)
		r.ErrorCode = code.String
		r.Error = msg.String
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// GetRun returns the full run log recorded for runID.
func (s *Store) GetRun(ctx context.Context, runID string) (*runlog.RunLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var doc string
	err := s.db.QueryRowContext(ctx, `SELECT CAST(doc AS VARCHAR) FROM runs WHERE run_id = ?`, runID).Scan(&doc)
	if err != nil {
		return nil, err
	}
	var l runlog.RunLog
	if err := json.Unmarshal([]byte(doc), &l); err != nil {
		return nil, fmt.Errorf("decode run %s: %w", runID, err)
	}
	return &l, nil
}

// Summarize aggregates all recorded runs.
func (s *Store) Summarize(ctx context.Context) (*Summary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sum := &Summary{}
	err := s.db.QueryRowContext(ctx, `
		SELECT count(*),
		       count(*) FILTER (WHERE status = 'SUCCEEDED'),
		       count(*) FILTER (WHERE status = 'FAILED'),
		       coalesce(sum(inserted), 0),
		       coalesce(sum(updated), 0),
		       coalesce(sum(rejected), 0)
		FROM runs
	`).Scan(&sum.Runs, &sum.Succeeded, &sum.Failed, &sum.Inserted, &sum.Updated, &sum.Rejected)
	if err != nil {
		return nil, err
	}
	return sum, nil
}
