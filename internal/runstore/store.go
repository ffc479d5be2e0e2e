// Package runstore persists workflow run history in SQLite so operators
// can inspect what the coordinator did after the fact.
package runstore

import (
	"context"
	"database/sql"
	"time"

	_ "modernc.org/sqlite"

	"github.com/maestrohq/maestro/pkg/errors"
	"github.com/maestrohq/maestro/pkg/workflow"
)

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id          TEXT PRIMARY KEY,
	workflow    TEXT NOT NULL,
	project_id  TEXT NOT NULL,
	branch      TEXT NOT NULL DEFAULT '',
	started_at  TIMESTAMP NOT NULL,
	finished_at TIMESTAMP,
	aborted     INTEGER NOT NULL DEFAULT 0,
	abort_step  TEXT NOT NULL DEFAULT '',
	abort_reason TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS run_steps (
	run_id      TEXT NOT NULL REFERENCES runs(id),
	name        TEXT NOT NULL,
	status      TEXT NOT NULL,
	skip_reason TEXT NOT NULL DEFAULT '',
	error       TEXT NOT NULL DEFAULT '',
	attempts    INTEGER NOT NULL DEFAULT 0,
	duration_ms INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (run_id, name)
);

CREATE INDEX IF NOT EXISTS idx_runs_project ON runs(project_id, started_at);
`

// Run is one row of run history.
type Run struct {
	ID          string
	Workflow    string
	ProjectID   string
	Branch      string
	StartedAt   time.Time
	FinishedAt  *time.Time
	Aborted     bool
	AbortStep   string
	AbortReason string
}

// StepRecord is one step outcome of a recorded run.
type StepRecord struct {
	Name       string
	Status     string
	SkipReason string
	Error      string
	Attempts   int
	Duration   time.Duration
}

// Store wraps the history database.
type Store struct {
	db *sql.DB
}

// Open opens or creates the database at path and applies the schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "opening run history")
	}
	// SQLite tolerates exactly one writer.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "applying run history schema")
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// RecordStart inserts a run in the started state.
func (s *Store) RecordStart(ctx context.Context, run *workflow.Context, workflowName string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, workflow, project_id, branch, started_at) VALUES (?, ?, ?, ?, ?)`,
		run.WorkflowID, workflowName, run.ProjectID, run.Branch, time.Now().UTC())
	if err != nil {
		return errors.Wrap(err, "recording run start")
	}
	return nil
}

// RecordResult finalizes a run and writes its step outcomes.
func (s *Store) RecordResult(ctx context.Context, run *workflow.Context, result *workflow.RunResult) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "recording run result")
	}
	defer tx.Rollback()

	failedStep, abortReason := run.AbortReason()
	_, err = tx.ExecContext(ctx,
		`UPDATE runs SET finished_at = ?, aborted = ?, abort_step = ?, abort_reason = ? WHERE id = ?`,
		time.Now().UTC(), boolInt(result.Aborted), failedStep, abortReason, run.WorkflowID)
	if err != nil {
		return errors.Wrap(err, "finalizing run")
	}

	for name, outcome := range result.Steps {
		_, err = tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO run_steps (run_id, name, status, skip_reason, error, attempts, duration_ms)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			run.WorkflowID, name, string(outcome.Status), outcome.SkipReason,
			outcome.Error, outcome.Attempts, outcome.Duration.Milliseconds())
		if err != nil {
			return errors.Wrap(err, "recording step outcome")
		}
	}
	return tx.Commit()
}

// RecentRuns lists the latest runs for a project, newest first.
func (s *Store) RecentRuns(ctx context.Context, projectID string, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, workflow, project_id, branch, started_at, finished_at, aborted, abort_step, abort_reason
		 FROM runs WHERE project_id = ? ORDER BY started_at DESC LIMIT ?`, projectID, limit)
	if err != nil {
		return nil, errors.Wrap(err, "listing runs")
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var r Run
		var finished sql.NullTime
		var aborted int
		if err := rows.Scan(&r.ID, &r.Workflow, &r.ProjectID, &r.Branch,
			&r.StartedAt, &finished, &aborted, &r.AbortStep, &r.AbortReason); err != nil {
			return nil, errors.Wrap(err, "scanning run")
		}
		if finished.Valid {
			t := finished.Time
			r.FinishedAt = &t
		}
		r.Aborted = aborted != 0
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// Steps returns the step outcomes of one run.
func (s *Store) Steps(ctx context.Context, runID string) ([]StepRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name, status, skip_reason, error, attempts, duration_ms
		 FROM run_steps WHERE run_id = ? ORDER BY name`, runID)
	if err != nil {
		return nil, errors.Wrap(err, "listing run steps")
	}
	defer rows.Close()

	var steps []StepRecord
	for rows.Next() {
		var rec StepRecord
		var durationMS int64
		if err := rows.Scan(&rec.Name, &rec.Status, &rec.SkipReason,
			&rec.Error, &rec.Attempts, &durationMS); err != nil {
			return nil, errors.Wrap(err, "scanning step")
		}
		rec.Duration = time.Duration(durationMS) * time.Millisecond
		steps = append(steps, rec)
	}
	return steps, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
