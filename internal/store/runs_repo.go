package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"time"

	"botfactory/internal/core"
)

var ErrRunNotFound = errors.New("run not found")

const (
	DefaultRunsLimit = 50
	MaxRunsLimit     = 1000
)

// ListRunsOptions filters ListRuns. An empty TaskName lists every task.
type ListRunsOptions struct {
	TaskName string
	Limit    int
}

// StartRun inserts a running record and returns its id.
func (s *Store) StartRun(ctx context.Context, taskName string, startedAt time.Time) (int64, error) {
	res, err := s.DB.ExecContext(ctx, `
		INSERT INTO runs (task_name, started_at, status)
		VALUES (?, ?, ?)
	`, taskName, formatTime(startedAt), core.RunStatusRunning)
	if err != nil {
		return 0, fmt.Errorf("insert run: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("insert run id: %w", err)
	}
	return id, nil
}

// FinishRun completes a run record. Output and error text are capped at core.MaxStoredText.
func (s *Store) FinishRun(ctx context.Context, id int64, finish core.RunFinish) error {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE runs
		SET finished_at = ?, status = ?, exit_code = ?, output = ?, error = ?, duration_seconds = ?
		WHERE id = ?
	`, formatTime(finish.FinishedAt), finish.Status, finish.ExitCode,
		nullableString(core.TruncateText(finish.Output, core.MaxStoredText)),
		nullableString(core.TruncateText(finish.Error, core.MaxStoredText)),
		finish.Duration.Seconds(), id)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrRunNotFound
	}
	return nil
}

// GetRun returns a run with its full stored output and error text.
func (s *Store) GetRun(ctx context.Context, id int64) (*core.Run, error) {
	row := s.DB.QueryRowContext(ctx, `
		SELECT id, task_name, started_at, finished_at, status, exit_code, output, error, duration_seconds
		FROM runs WHERE id = ?
	`, id)
	run, err := scanRun(row, true)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrRunNotFound
		}
		return nil, err
	}
	return run, nil
}

// ListRuns returns the most recent runs without their output and error text.
func (s *Store) ListRuns(ctx context.Context, opts ListRunsOptions) ([]*core.Run, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = DefaultRunsLimit
	}
	if limit > MaxRunsLimit {
		limit = MaxRunsLimit
	}
	var (
		rows *sql.Rows
		err  error
	)
	if opts.TaskName != "" {
		rows, err = s.DB.QueryContext(ctx, `
			SELECT id, task_name, started_at, finished_at, status, exit_code, duration_seconds
			FROM runs
			WHERE task_name = ?
			ORDER BY started_at DESC, id DESC
			LIMIT ?
		`, opts.TaskName, limit)
	} else {
		rows, err = s.DB.QueryContext(ctx, `
			SELECT id, task_name, started_at, finished_at, status, exit_code, duration_seconds
			FROM runs
			ORDER BY started_at DESC, id DESC
			LIMIT ?
		`, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()
	runs := make([]*core.Run, 0)
	for rows.Next() {
		run, err := scanRun(rows, false)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return runs, nil
}

// DeleteRun removes one run and reports whether it existed.
func (s *Store) DeleteRun(ctx context.Context, id int64) (bool, error) {
	res, err := s.DB.ExecContext(ctx, `DELETE FROM runs WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("delete run: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}

// ClearRuns deletes the finished history of one task, or of every task when
// taskName is empty. Rows still running are kept so their completion lands.
func (s *Store) ClearRuns(ctx context.Context, taskName string) (int64, error) {
	var (
		res sql.Result
		err error
	)
	if taskName != "" {
		res, err = s.DB.ExecContext(ctx, `DELETE FROM runs WHERE task_name = ? AND status <> ?`, taskName, core.RunStatusRunning)
	} else {
		res, err = s.DB.ExecContext(ctx, `DELETE FROM runs WHERE status <> ?`, core.RunStatusRunning)
	}
	if err != nil {
		return 0, fmt.Errorf("clear runs: %w", err)
	}
	return res.RowsAffected()
}

// InterruptRuns closes records left running by a previous process, which can
// no longer finish them. It returns how many were closed.
func (s *Store) InterruptRuns(ctx context.Context, at time.Time) (int64, error) {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE runs
		SET status = ?, finished_at = ?, exit_code = ?, error = ?
		WHERE status = ?
	`, core.RunStatusError, formatTime(at), core.TimeoutExitCode, "Interrupted by daemon restart", core.RunStatusRunning)
	if err != nil {
		return 0, fmt.Errorf("interrupt runs: %w", err)
	}
	return res.RowsAffected()
}

// Stats aggregates the whole run history. since marks the start of "today".
func (s *Store) Stats(ctx context.Context, since time.Time) (core.Stats, error) {
	var stats core.Stats
	err := s.DB.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN started_at >= ? THEN 1 ELSE 0 END), 0)
		FROM runs
	`, core.RunStatusSuccess, core.RunStatusError, formatTime(since)).
		Scan(&stats.TotalRuns, &stats.SuccessfulRuns, &stats.FailedRuns, &stats.RunsToday)
	if err != nil {
		return core.Stats{}, fmt.Errorf("run stats: %w", err)
	}
	if stats.TotalRuns > 0 {
		rate := float64(stats.SuccessfulRuns) / float64(stats.TotalRuns) * 100
		stats.SuccessRate = math.Round(rate*10) / 10
	}
	return stats, nil
}

func scanRun(scanner interface {
	Scan(dest ...any) error
}, withText bool) (*core.Run, error) {
	var (
		run        core.Run
		startedAt  string
		finishedAt sql.NullString
		status     string
		exitCode   sql.NullInt64
		output     sql.NullString
		errText    sql.NullString
		duration   sql.NullFloat64
	)
	dest := []any{&run.ID, &run.TaskName, &startedAt, &finishedAt, &status, &exitCode}
	if withText {
		dest = append(dest, &output, &errText)
	}
	dest = append(dest, &duration)
	if err := scanner.Scan(dest...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan run: %w", err)
	}
	started, err := parseTime(startedAt)
	if err != nil {
		return nil, err
	}
	run.StartedAt = started
	if run.FinishedAt, err = parseNullTime(finishedAt); err != nil {
		return nil, err
	}
	run.Status = core.RunStatus(status)
	if exitCode.Valid {
		code := int(exitCode.Int64)
		run.ExitCode = &code
	}
	if output.Valid {
		run.Output = &output.String
	}
	if errText.Valid {
		run.Error = &errText.String
	}
	if duration.Valid {
		run.DurationSeconds = &duration.Float64
	}
	return &run, nil
}
