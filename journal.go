package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

const journalFileName = "runs.db"

var journalSchema = []string{
	`CREATE TABLE IF NOT EXISTS runs (
		id          TEXT PRIMARY KEY,
		started_at  TEXT NOT NULL,
		finished_at TEXT,
		dry_run     INTEGER NOT NULL,
		source      TEXT NOT NULL,
		target      TEXT NOT NULL,
		state       TEXT NOT NULL,
		exit_code   INTEGER,
		error       TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS transitions (
		run_id     TEXT NOT NULL REFERENCES runs(id),
		from_state TEXT NOT NULL,
		to_state   TEXT NOT NULL,
		at         TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS warnings (
		run_id  TEXT NOT NULL REFERENCES runs(id),
		message TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS engine_runs (
		run_id    TEXT NOT NULL REFERENCES runs(id),
		exit_code INTEGER NOT NULL,
		log_path  TEXT NOT NULL,
		log_tail  TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS table_progress (
		run_id     TEXT NOT NULL REFERENCES runs(id),
		table_name TEXT NOT NULL,
		phase      TEXT NOT NULL,
		rows_done  INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS validations (
		run_id TEXT NOT NULL REFERENCES runs(id),
		status TEXT NOT NULL,
		result TEXT NOT NULL
	)`,
}

// journal persists the history of runs in a local SQLite database.
type journal struct {
	db *sql.DB
}

func openJournal(ctx context.Context, dir string) (*journal, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	path := filepath.Join(dir, journalFileName)
	db, err := sql.Open("sqlite", "file:"+path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	db.SetMaxOpenConns(1)

	for _, stmt := range journalSchema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("init journal: %w", err)
		}
	}
	return &journal{db: db}, nil
}

func (j *journal) Close() error { return j.db.Close() }

func journalTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func (j *journal) StartRun(ctx context.Context, runID string, source, target ConnectionSpec, dryRun bool, at time.Time) error {
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO runs (id, started_at, dry_run, source, target, state) VALUES (?, ?, ?, ?, ?, ?)`,
		runID, journalTime(at), dryRun, source.String(), target.String(), string(StateIdle))
	if err != nil {
		return fmt.Errorf("journal start: %w", err)
	}
	return nil
}

func (j *journal) RecordTransition(ctx context.Context, runID string, from, to RunState, at time.Time) error {
	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("journal transition: %w", err)
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO transitions (run_id, from_state, to_state, at) VALUES (?, ?, ?, ?)`,
		runID, string(from), string(to), journalTime(at)); err != nil {
		return fmt.Errorf("journal transition: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE runs SET state = ? WHERE id = ?`, string(to), runID); err != nil {
		return fmt.Errorf("journal transition: %w", err)
	}
	return tx.Commit()
}

func (j *journal) RecordWarnings(ctx context.Context, runID string, warnings []string) error {
	for _, w := range warnings {
		if _, err := j.db.ExecContext(ctx, `INSERT INTO warnings (run_id, message) VALUES (?, ?)`, runID, w); err != nil {
			return fmt.Errorf("journal warning: %w", err)
		}
	}
	return nil
}

func (j *journal) RecordEngine(ctx context.Context, runID string, res *EngineResult) error {
	if _, err := j.db.ExecContext(ctx,
		`INSERT INTO engine_runs (run_id, exit_code, log_path, log_tail) VALUES (?, ?, ?, ?)`,
		runID, res.ExitCode, res.LogPath, res.Tail); err != nil {
		return fmt.Errorf("journal engine: %w", err)
	}
	for name, ev := range res.Tables {
		if _, err := j.db.ExecContext(ctx,
			`INSERT INTO table_progress (run_id, table_name, phase, rows_done) VALUES (?, ?, ?, ?)`,
			runID, name, string(ev.Phase), ev.RowsDone); err != nil {
			return fmt.Errorf("journal progress: %w", err)
		}
	}
	return nil
}

func (j *journal) RecordValidation(ctx context.Context, runID string, res *ValidationResult) error {
	data, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("encode validation: %w", err)
	}
	if _, err := j.db.ExecContext(ctx,
		`INSERT INTO validations (run_id, status, result) VALUES (?, ?, ?)`,
		runID, string(res.Status), string(data)); err != nil {
		return fmt.Errorf("journal validation: %w", err)
	}
	return nil
}

func (j *journal) FinishRun(ctx context.Context, runID string, exitCode int, runErr error, at time.Time) error {
	var msg sql.NullString
	if runErr != nil {
		msg = sql.NullString{String: runErr.Error(), Valid: true}
	}
	if _, err := j.db.ExecContext(ctx,
		`UPDATE runs SET finished_at = ?, exit_code = ?, error = ? WHERE id = ?`,
		journalTime(at), exitCode, msg, runID); err != nil {
		return fmt.Errorf("journal finish: %w", err)
	}
	return nil
}

// RunSummary is one row of the run history.
type RunSummary struct {
	ID        string
	StartedAt time.Time
	DryRun    bool
	State     RunState
	ExitCode  *int
	Error     string
}

// RecentRuns returns the latest runs, newest first.
func (j *journal) RecentRuns(ctx context.Context, limit int) ([]RunSummary, error) {
	rows, err := j.db.QueryContext(ctx,
		`SELECT id, started_at, dry_run, state, exit_code, COALESCE(error, '')
		 FROM runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("read journal: %w", err)
	}
	defer rows.Close()

	var out []RunSummary
	for rows.Next() {
		var r RunSummary
		var started string
		var state string
		var code sql.NullInt64
		if err := rows.Scan(&r.ID, &started, &r.DryRun, &state, &code, &r.Error); err != nil {
			return nil, err
		}
		r.StartedAt, _ = time.Parse(time.RFC3339Nano, started)
		r.State = RunState(state)
		if code.Valid {
			c := int(code.Int64)
			r.ExitCode = &c
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
