// Package store keeps a local history of finished task executions.
package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Store is a SQLite-backed persistence layer.
type Store struct{ db *sql.DB }

//go:embed migrations/*.sql
var migrationFS embed.FS

// TaskRun is one finished execution, success or failure.
type TaskRun struct {
	TaskID       uuid.UUID
	ProviderID   uuid.UUID
	Status       string
	GradientCID  string
	Loss         float64
	Accuracy     float64
	DurationSecs uint64
	Error        string
	FinishedAt   time.Time
}

const (
	RunSucceeded = "succeeded"
	RunFailed    = "failed"
)

func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	schema, err := migrationFS.ReadFile("migrations/0001_init.sql")
	if err != nil {
		return err
	}
	if _, err := s.db.Exec(string(schema)); err != nil {
		return fmt.Errorf("apply migration: %w", err)
	}
	return nil
}

func (s *Store) Close() error { return s.db.Close() }

// RecordRun appends a finished execution to the history.
func (s *Store) RecordRun(ctx context.Context, run TaskRun) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO task_runs (task_id, provider_id, status, gradient_cid, loss, accuracy, duration_secs, error, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.TaskID.String(), run.ProviderID.String(), run.Status, run.GradientCID,
		run.Loss, run.Accuracy, run.DurationSecs, run.Error, run.FinishedAt.UTC())
	if err != nil {
		return fmt.Errorf("record run: %w", err)
	}
	return nil
}

// RecentRuns returns up to limit runs, newest first.
func (s *Store) RecentRuns(ctx context.Context, limit int) ([]TaskRun, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT task_id, provider_id, status, gradient_cid, loss, accuracy, duration_secs, error, finished_at
		FROM task_runs ORDER BY finished_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var runs []TaskRun
	for rows.Next() {
		var run TaskRun
		var taskID, providerID string
		if err := rows.Scan(&taskID, &providerID, &run.Status, &run.GradientCID,
			&run.Loss, &run.Accuracy, &run.DurationSecs, &run.Error, &run.FinishedAt); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		run.TaskID, _ = uuid.Parse(taskID)
		run.ProviderID, _ = uuid.Parse(providerID)
		runs = append(runs, run)
	}
	return runs, rows.Err()
}
