// Package storage archives run records and reports in SQLite so they outlive
// the orchestrator's in-memory history.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/kingrea/lattice-compliance/internal/domain"
)

// ErrNotFound is returned when the archive holds no row for an id.
var ErrNotFound = errors.New("storage: not found")

// Archive wraps a sql.DB connection to the run archive.
type Archive struct {
	db *sql.DB
}

// RunSummary is one row of the runs table.
type RunSummary struct {
	ID            string
	LocationID    string
	Date          string
	Mode          domain.Mode
	Status        domain.RunStatus
	StartedAt     time.Time
	EndedAt       time.Time
	FailureReason string
	Verdict       domain.Verdict
	Score         float64
	HasReport     bool
}

// Open opens (or creates) the archive at path and runs schema migrations.
func Open(path string) (*Archive, error) {
	if path == "" {
		return nil, fmt.Errorf("storage: path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("storage: ensure dir: %w", err)
	}
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: open: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage: ping: %w", err)
	}
	a := &Archive{db: db}
	if err := a.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage: migrate: %w", err)
	}
	return a, nil
}

// Close closes the underlying database connection.
func (a *Archive) Close() error {
	return a.db.Close()
}

func (a *Archive) migrate() error {
	schema := `
CREATE TABLE IF NOT EXISTS runs (
    id TEXT PRIMARY KEY,
    location_id TEXT NOT NULL,
    run_date TEXT NOT NULL,
    mode TEXT NOT NULL,
    status TEXT NOT NULL,
    started_at INTEGER NOT NULL,
    ended_at INTEGER,
    failure_reason TEXT,
    record TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_runs_location ON runs(location_id, run_date);

CREATE TABLE IF NOT EXISTS reports (
    run_id TEXT PRIMARY KEY,
    location_id TEXT NOT NULL,
    run_date TEXT NOT NULL,
    overall_verdict TEXT NOT NULL,
    overall_score REAL NOT NULL,
    generated_at INTEGER NOT NULL,
    body TEXT NOT NULL
);
`
	_, err := a.db.Exec(schema)
	return err
}

// Emit implements the orchestrator's emitter by storing the report.
func (a *Archive) Emit(ctx context.Context, r domain.Report) error {
	body, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("storage: encode report %s: %w", r.RunID, err)
	}
	_, err = a.db.ExecContext(ctx, `
INSERT INTO reports (run_id, location_id, run_date, overall_verdict, overall_score, generated_at, body)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(run_id) DO UPDATE SET
    overall_verdict = excluded.overall_verdict,
    overall_score = excluded.overall_score,
    generated_at = excluded.generated_at,
    body = excluded.body`,
		r.RunID, r.LocationID, r.Date, string(r.OverallVerdict), r.OverallScore, r.GeneratedAt.UnixNano(), string(body))
	if err != nil {
		return fmt.Errorf("storage: insert report %s: %w", r.RunID, err)
	}
	return nil
}

// RecordRun stores or replaces the run record.
func (a *Archive) RecordRun(ctx context.Context, run domain.WorkflowRun) error {
	record, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("storage: encode run %s: %w", run.ID, err)
	}
	_, err = a.db.ExecContext(ctx, `
INSERT INTO runs (id, location_id, run_date, mode, status, started_at, ended_at, failure_reason, record)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
    status = excluded.status,
    ended_at = excluded.ended_at,
    failure_reason = excluded.failure_reason,
    record = excluded.record`,
		run.ID, run.Request.LocationID, run.Request.Date, string(run.Request.Mode), string(run.Status),
		run.StartedAt.UnixNano(), nullableTime(run.EndedAt), run.FailureReason, string(record))
	if err != nil {
		return fmt.Errorf("storage: insert run %s: %w", run.ID, err)
	}
	return nil
}

// Run returns the archived record for id.
func (a *Archive) Run(ctx context.Context, id string) (domain.WorkflowRun, error) {
	var record string
	err := a.db.QueryRowContext(ctx, "SELECT record FROM runs WHERE id = ?", id).Scan(&record)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.WorkflowRun{}, fmt.Errorf("%w: run %s", ErrNotFound, id)
	}
	if err != nil {
		return domain.WorkflowRun{}, fmt.Errorf("storage: get run %s: %w", id, err)
	}
	var run domain.WorkflowRun
	if err := json.Unmarshal([]byte(record), &run); err != nil {
		return domain.WorkflowRun{}, fmt.Errorf("storage: decode run %s: %w", id, err)
	}
	return run, nil
}

// Report returns the archived report for runID.
func (a *Archive) Report(ctx context.Context, runID string) (domain.Report, error) {
	var body string
	err := a.db.QueryRowContext(ctx, "SELECT body FROM reports WHERE run_id = ?", runID).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Report{}, fmt.Errorf("%w: report %s", ErrNotFound, runID)
	}
	if err != nil {
		return domain.Report{}, fmt.Errorf("storage: get report %s: %w", runID, err)
	}
	var r domain.Report
	if err := json.Unmarshal([]byte(body), &r); err != nil {
		return domain.Report{}, fmt.Errorf("storage: decode report %s: %w", runID, err)
	}
	return r, nil
}

// Runs lists the most recent runs first. A limit of zero or less returns
// every row. An empty locationID matches all locations.
func (a *Archive) Runs(ctx context.Context, locationID string, limit int) ([]RunSummary, error) {
	query := `
SELECT r.id, r.location_id, r.run_date, r.mode, r.status, r.started_at, r.ended_at,
       COALESCE(r.failure_reason, ''), COALESCE(p.overall_verdict, ''), COALESCE(p.overall_score, 0),
       p.run_id IS NOT NULL
FROM runs r LEFT JOIN reports p ON p.run_id = r.id
WHERE (? = '' OR r.location_id = ?)
ORDER BY r.started_at DESC, r.id DESC`
	args := []any{locationID, locationID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := a.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: list runs: %w", err)
	}
	defer rows.Close()

	var out []RunSummary
	for rows.Next() {
		var (
			s       RunSummary
			mode    string
			status  string
			verdict string
			started int64
			ended   sql.NullInt64
		)
		if err := rows.Scan(&s.ID, &s.LocationID, &s.Date, &mode, &status, &started, &ended,
			&s.FailureReason, &verdict, &s.Score, &s.HasReport); err != nil {
			return nil, fmt.Errorf("storage: scan run: %w", err)
		}
		s.Mode = domain.Mode(mode)
		s.Status = domain.RunStatus(status)
		s.Verdict = domain.Verdict(verdict)
		s.StartedAt = time.Unix(0, started).UTC()
		if ended.Valid {
			s.EndedAt = time.Unix(0, ended.Int64).UTC()
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UnixNano()
}
