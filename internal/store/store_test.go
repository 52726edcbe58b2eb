package store

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"botfactory/internal/core"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := Open(context.Background(), filepath.Join(t.TempDir(), "data", "botfactory.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func finishRun(t *testing.T, st *Store, id int64, status core.RunStatus, code int) {
	t.Helper()
	require.NoError(t, st.FinishRun(context.Background(), id, core.RunFinish{
		Status:     status,
		ExitCode:   code,
		Output:     "out",
		Error:      "err",
		FinishedAt: time.Now(),
		Duration:   1500 * time.Millisecond,
	}))
}

func TestOpenIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "botfactory.db")
	first, err := Open(context.Background(), path)
	require.NoError(t, err)
	require.NoError(t, first.Close())

	second, err := Open(context.Background(), path)
	require.NoError(t, err)
	defer second.Close()

	var count int
	require.NoError(t, second.DB.QueryRow(`SELECT COUNT(*) FROM schema_migrations`).Scan(&count))
	assert.Equal(t, 2, count)
}

func TestRunLifecycle(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)

	started := time.Now().Add(-2 * time.Second)
	id, err := st.StartRun(ctx, "alpha", started)
	require.NoError(t, err)
	require.Positive(t, id)

	run, err := st.GetRun(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, core.RunStatusRunning, run.Status)
	assert.Nil(t, run.FinishedAt)
	assert.Nil(t, run.ExitCode)
	assert.WithinDuration(t, started, run.StartedAt, time.Millisecond)

	finishRun(t, st, id, core.RunStatusError, 3)

	run, err = st.GetRun(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, core.RunStatusError, run.Status)
	require.NotNil(t, run.FinishedAt)
	require.NotNil(t, run.ExitCode)
	assert.Equal(t, 3, *run.ExitCode)
	require.NotNil(t, run.Output)
	assert.Equal(t, "out", *run.Output)
	require.NotNil(t, run.DurationSeconds)
	assert.InDelta(t, 1.5, *run.DurationSeconds, 0.001)
}

func TestFinishRunCapsStoredText(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)

	id, err := st.StartRun(ctx, "chatty", time.Now())
	require.NoError(t, err)
	require.NoError(t, st.FinishRun(ctx, id, core.RunFinish{
		Status:     core.RunStatusSuccess,
		Output:     strings.Repeat("é", core.MaxStoredText+10),
		FinishedAt: time.Now(),
	}))

	run, err := st.GetRun(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, run.Output)
	assert.Equal(t, core.MaxStoredText, len([]rune(*run.Output)))
	assert.Nil(t, run.Error, "empty error text is stored as NULL")
}

func TestFinishRunUnknownID(t *testing.T) {
	st := openTestStore(t)
	err := st.FinishRun(context.Background(), 42, core.RunFinish{Status: core.RunStatusSuccess, FinishedAt: time.Now()})
	assert.ErrorIs(t, err, ErrRunNotFound)

	_, err = st.GetRun(context.Background(), 42)
	assert.ErrorIs(t, err, ErrRunNotFound)
}

func TestListRunsFiltersAndCaps(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)

	base := time.Now().Add(-time.Hour)
	var lastAlpha int64
	for i := 0; i < 5; i++ {
		id, err := st.StartRun(ctx, "alpha", base.Add(time.Duration(i)*time.Minute))
		require.NoError(t, err)
		lastAlpha = id
		_, err = st.StartRun(ctx, "beta", base.Add(time.Duration(i)*time.Minute))
		require.NoError(t, err)
	}

	all, err := st.ListRuns(ctx, ListRunsOptions{})
	require.NoError(t, err)
	assert.Len(t, all, 10)

	alpha, err := st.ListRuns(ctx, ListRunsOptions{TaskName: "alpha", Limit: 3})
	require.NoError(t, err)
	require.Len(t, alpha, 3)
	assert.Equal(t, lastAlpha, alpha[0].ID, "newest first")
	for _, run := range alpha {
		assert.Equal(t, "alpha", run.TaskName)
		assert.Nil(t, run.Output, "list rows are abbreviated")
	}

	none, err := st.ListRuns(ctx, ListRunsOptions{TaskName: "gamma"})
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestDeleteAndClearRuns(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)

	id, err := st.StartRun(ctx, "alpha", time.Now())
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		beta, err := st.StartRun(ctx, "beta", time.Now())
		require.NoError(t, err)
		finishRun(t, st, beta, core.RunStatusSuccess, 0)
	}
	live, err := st.StartRun(ctx, "beta", time.Now())
	require.NoError(t, err)

	deleted, err := st.DeleteRun(ctx, id)
	require.NoError(t, err)
	assert.True(t, deleted)
	deleted, err = st.DeleteRun(ctx, id)
	require.NoError(t, err)
	assert.False(t, deleted)

	other, err := st.StartRun(ctx, "alpha", time.Now())
	require.NoError(t, err)
	finishRun(t, st, other, core.RunStatusError, 1)

	n, err := st.ClearRuns(ctx, "beta")
	require.NoError(t, err)
	assert.EqualValues(t, 3, n)

	// The running row survives and can still be completed.
	finishRun(t, st, live, core.RunStatusSuccess, 0)

	n, err = st.ClearRuns(ctx, "")
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)
}

func TestInterruptRuns(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)

	stale, err := st.StartRun(ctx, "alpha", time.Now().Add(-time.Hour))
	require.NoError(t, err)
	done, err := st.StartRun(ctx, "alpha", time.Now())
	require.NoError(t, err)
	finishRun(t, st, done, core.RunStatusSuccess, 0)

	n, err := st.InterruptRuns(ctx, time.Now())
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	run, err := st.GetRun(ctx, stale)
	require.NoError(t, err)
	assert.Equal(t, core.RunStatusError, run.Status)
	require.NotNil(t, run.FinishedAt)
	require.NotNil(t, run.ExitCode)
	assert.Equal(t, core.TimeoutExitCode, *run.ExitCode)
	require.NotNil(t, run.Error)
	assert.Equal(t, "Interrupted by daemon restart", *run.Error)

	run, err = st.GetRun(ctx, done)
	require.NoError(t, err)
	assert.Equal(t, core.RunStatusSuccess, run.Status)
}

func TestRecordOutcomeCountsAreRelative(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)

	statuses := []core.RunStatus{
		core.RunStatusSuccess, core.RunStatusError, core.RunStatusSuccess,
		core.RunStatusError, core.RunStatusError, core.RunStatusSuccess,
	}
	var wg sync.WaitGroup
	for _, status := range statuses {
		wg.Add(1)
		go func(status core.RunStatus) {
			defer wg.Done()
			assert.NoError(t, st.RecordOutcome(ctx, "alpha", status, time.Now()))
		}(status)
	}
	wg.Wait()

	state, ok, err := st.TaskState(ctx, "alpha")
	require.NoError(t, err)
	require.True(t, ok)
	assert.EqualValues(t, 6, state.RunCount)
	assert.EqualValues(t, 3, state.ErrorCount)
	assert.Nil(t, state.Enabled, "recording outcomes never sets an override")
	require.NotNil(t, state.LastRun)
	require.NotNil(t, state.LastStatus)
}

func TestEnabledOverrideSurvivesOutcomes(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)

	require.NoError(t, st.SetTaskEnabled(ctx, "alpha", false))
	require.NoError(t, st.RecordOutcome(ctx, "alpha", core.RunStatusSuccess, time.Now()))

	states, err := st.TaskStates(ctx)
	require.NoError(t, err)
	state, ok := states["alpha"]
	require.True(t, ok)
	require.NotNil(t, state.Enabled)
	assert.False(t, *state.Enabled)
	assert.EqualValues(t, 1, state.RunCount)

	require.NoError(t, st.SetTaskEnabled(ctx, "alpha", true))
	state, _, err = st.TaskState(ctx, "alpha")
	require.NoError(t, err)
	assert.True(t, *state.Enabled)
	assert.EqualValues(t, 1, state.RunCount, "override upsert keeps counters")

	require.NoError(t, st.DeleteTaskState(ctx, "alpha"))
	_, ok, err = st.TaskState(ctx, "alpha")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStats(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)

	empty, err := st.Stats(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, core.Stats{}, empty)

	old, err := st.StartRun(ctx, "alpha", time.Now().Add(-48*time.Hour))
	require.NoError(t, err)
	finishRun(t, st, old, core.RunStatusSuccess, 0)
	for _, status := range []core.RunStatus{core.RunStatusSuccess, core.RunStatusError} {
		id, err := st.StartRun(ctx, "alpha", time.Now())
		require.NoError(t, err)
		finishRun(t, st, id, status, 0)
	}

	stats, err := st.Stats(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 3, stats.TotalRuns)
	assert.EqualValues(t, 2, stats.SuccessfulRuns)
	assert.EqualValues(t, 1, stats.FailedRuns)
	assert.EqualValues(t, 2, stats.RunsToday)
	assert.Equal(t, 66.7, stats.SuccessRate)
}

func TestBotConfigs(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)

	require.NoError(t, st.SaveBotConfig(ctx, "news", json.RawMessage(`{"source":"rss"}`)))
	require.NoError(t, st.SaveBotConfig(ctx, "news", json.RawMessage(`{"source":"api"}`)))
	require.Error(t, st.SaveBotConfig(ctx, "broken", json.RawMessage(`{`)))

	cfg, err := st.GetBotConfig(ctx, "news")
	require.NoError(t, err)
	assert.JSONEq(t, `{"source":"api"}`, string(cfg.Config))

	list, err := st.ListBotConfigs(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "news", list[0].Name)
	assert.Nil(t, list[0].Config)

	deleted, err := st.DeleteBotConfig(ctx, "news")
	require.NoError(t, err)
	assert.True(t, deleted)
	_, err = st.GetBotConfig(ctx, "news")
	assert.ErrorIs(t, err, ErrBotConfigNotFound)
}
