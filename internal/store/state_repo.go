package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"botfactory/internal/core"
)

// RecordOutcome bumps the task's counters. Counts are relative increments so
// concurrent or out-of-order completions never lose earlier runs.
func (s *Store) RecordOutcome(ctx context.Context, taskName string, status core.RunStatus, at time.Time) error {
	errorInc := 0
	if status == core.RunStatusError {
		errorInc = 1
	}
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO task_state (task_name, last_run, last_status, run_count, error_count)
		VALUES (?, ?, ?, 1, ?)
		ON CONFLICT(task_name) DO UPDATE SET
			last_run = excluded.last_run,
			last_status = excluded.last_status,
			run_count = task_state.run_count + 1,
			error_count = task_state.error_count + excluded.error_count
	`, taskName, formatTime(at), status, errorInc)
	if err != nil {
		return fmt.Errorf("record outcome: %w", err)
	}
	return nil
}

// SetTaskEnabled persists an explicit enable/disable override.
func (s *Store) SetTaskEnabled(ctx context.Context, taskName string, enabled bool) error {
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO task_state (task_name, enabled)
		VALUES (?, ?)
		ON CONFLICT(task_name) DO UPDATE SET enabled = excluded.enabled
	`, taskName, enabled)
	if err != nil {
		return fmt.Errorf("set task enabled: %w", err)
	}
	return nil
}

// TaskState returns the runtime state of one task; ok is false when no row exists.
func (s *Store) TaskState(ctx context.Context, taskName string) (core.TaskState, bool, error) {
	row := s.DB.QueryRowContext(ctx, `
		SELECT task_name, enabled, last_run, last_status, run_count, error_count
		FROM task_state WHERE task_name = ?
	`, taskName)
	state, err := scanTaskState(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return core.TaskState{}, false, nil
		}
		return core.TaskState{}, false, err
	}
	return state, true, nil
}

// TaskStates returns every persisted runtime state keyed by task name.
func (s *Store) TaskStates(ctx context.Context) (map[string]core.TaskState, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT task_name, enabled, last_run, last_status, run_count, error_count
		FROM task_state
	`)
	if err != nil {
		return nil, fmt.Errorf("query task states: %w", err)
	}
	defer rows.Close()
	states := make(map[string]core.TaskState)
	for rows.Next() {
		state, err := scanTaskState(rows)
		if err != nil {
			return nil, err
		}
		states[state.TaskName] = state
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return states, nil
}

// DeleteTaskState drops a task's runtime state. Used only by explicit task removal.
func (s *Store) DeleteTaskState(ctx context.Context, taskName string) error {
	if _, err := s.DB.ExecContext(ctx, `DELETE FROM task_state WHERE task_name = ?`, taskName); err != nil {
		return fmt.Errorf("delete task state: %w", err)
	}
	return nil
}

func scanTaskState(scanner interface {
	Scan(dest ...any) error
}) (core.TaskState, error) {
	var (
		state      core.TaskState
		enabled    sql.NullBool
		lastRun    sql.NullString
		lastStatus sql.NullString
	)
	if err := scanner.Scan(&state.TaskName, &enabled, &lastRun, &lastStatus, &state.RunCount, &state.ErrorCount); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return core.TaskState{}, err
		}
		return core.TaskState{}, fmt.Errorf("scan task state: %w", err)
	}
	if enabled.Valid {
		v := enabled.Bool
		state.Enabled = &v
	}
	t, err := parseNullTime(lastRun)
	if err != nil {
		return core.TaskState{}, err
	}
	state.LastRun = t
	if lastStatus.Valid {
		st := core.RunStatus(lastStatus.String)
		state.LastStatus = &st
	}
	return state, nil
}
