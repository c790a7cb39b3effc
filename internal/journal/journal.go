// Package journal persists the outcome of every apply run so past runs and
// their unresolved conflicts can be reviewed later. Only outcomes are
// stored; system facts are re-probed on every run, never cached here.
package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"

	_ "modernc.org/sqlite"

	"github.com/jbweber/homelab/warren/internal/reconcile"
)

// ErrNotFound is returned when a run does not exist, checkable with errors.Is()
var ErrNotFound = errors.New("run not found")

// Run is one recorded apply pass.
type Run struct {
	ID        int64              `json:"id"`
	StartedAt string             `json:"started_at"`
	Results   []reconcile.Result `json:"results,omitempty"`
}

// Journal is a sqlite-backed store of apply runs.
type Journal struct {
	DB *sql.DB
}

// New opens (creating if needed) the journal database and runs migrations.
func New(dsn string) (*Journal, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal database: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	migrator := NewMigrator(db)
	for _, migration := range initialMigrations() {
		migrator.AddMigration(migration)
	}
	if err := migrator.RunMigrations(); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return &Journal{DB: db}, nil
}

// Close closes the underlying database.
func (j *Journal) Close() error {
	return j.DB.Close()
}

// RecordRun stores one apply pass and its results. Satisfies
// reconcile.Recorder.
func (j *Journal) RecordRun(ctx context.Context, results []reconcile.Result) error {
	tx, err := j.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	res, err := tx.ExecContext(ctx, "INSERT INTO runs DEFAULT VALUES")
	if err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}
	runID, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get run id: %w", err)
	}
	for _, r := range results {
		_, err := tx.ExecContext(ctx,
			"INSERT INTO run_results (run_id, component, action, outcome, detail, error) VALUES (?, ?, ?, ?, ?, ?)",
			runID, r.Component, r.Action, r.Outcome, r.Detail, r.Err)
		if err != nil {
			return fmt.Errorf("failed to insert run result: %w", err)
		}
	}
	return tx.Commit()
}

// ListRuns returns all runs, newest first, without their results.
func (j *Journal) ListRuns(ctx context.Context) ([]Run, error) {
	rows, err := j.DB.QueryContext(ctx, "SELECT id, started_at FROM runs ORDER BY id DESC")
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer func() {
		if err := rows.Close(); err != nil {
			log.Printf("failed to close rows: %v", err)
		}
	}()
	var runs []Run
	for rows.Next() {
		var r Run
		if err := rows.Scan(&r.ID, &r.StartedAt); err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// GetRun returns one run with its results.
func (j *Journal) GetRun(ctx context.Context, id int64) (*Run, error) {
	var run Run
	err := j.DB.QueryRowContext(ctx, "SELECT id, started_at FROM runs WHERE id = ?", id).Scan(&run.ID, &run.StartedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("run %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}

	rows, err := j.DB.QueryContext(ctx,
		"SELECT component, action, outcome, detail, error FROM run_results WHERE run_id = ? ORDER BY id ASC", id)
	if err != nil {
		return nil, fmt.Errorf("failed to get run results: %w", err)
	}
	defer func() {
		if err := rows.Close(); err != nil {
			log.Printf("failed to close rows: %v", err)
		}
	}()
	for rows.Next() {
		var r reconcile.Result
		if err := rows.Scan(&r.Component, &r.Action, &r.Outcome, &r.Detail, &r.Err); err != nil {
			return nil, err
		}
		run.Results = append(run.Results, r)
	}
	return &run, rows.Err()
}
