package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"botfactory/internal/core"
	"botfactory/internal/store"
	"botfactory/internal/taskfile"
)

const testTasks = `tasks:
  - name: hello
    script: hello.sh
    interval: 3600
  - name: sleepy
    script: sleepy.sh
    schedule: "0 3 * * *"
    enabled: false
`

type testEnv struct {
	server *Server
	store  *store.Store
	sched  *core.Scheduler
	bots   string
	tasks  string
}

func newTestEnv(t *testing.T, opts Options) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	dir := t.TempDir()
	st, err := store.Open(context.Background(), filepath.Join(dir, "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	bots := filepath.Join(dir, "bots")
	require.NoError(t, os.MkdirAll(bots, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(bots, "hello.sh"), []byte("#!/bin/sh\necho hello\n"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(bots, "sleepy.sh"), []byte("#!/bin/sh\nsleep 1\n"), 0o755))
	tasksPath := filepath.Join(dir, "tasks.yaml")
	require.NoError(t, os.WriteFile(tasksPath, []byte(testTasks), 0o644))

	file := taskfile.New(tasksPath, logger)
	exec := core.NewScriptExecutor(st, logger, core.ExecutorOptions{BotsRoot: bots})
	sched := core.NewScheduler(core.NewRegistry(), file, st, exec, logger, core.SchedulerOptions{
		Location:    time.UTC,
		RunNowGrace: 3 * time.Second,
	})
	ctx, cancel := context.WithCancel(context.Background())
	sched.Start(ctx)
	t.Cleanup(func() {
		<-sched.Stop().Done()
		cancel()
	})
	require.NoError(t, sched.Reload(ctx))

	opts.TaskFile = file
	opts.Scripts = exec
	return &testEnv{
		server: NewServer(opts, st, sched, logger),
		store:  st,
		sched:  sched,
		bots:   bots,
		tasks:  tasksPath,
	}
}

func (e *testEnv) do(t *testing.T, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, Options{AuthToken: "secret"})
	rec := env.do(t, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode[map[string]any](t, rec)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, true, body["scheduler_running"])
}

func TestTasksStatus(t *testing.T) {
	env := newTestEnv(t, Options{})
	rec := env.do(t, http.MethodGet, "/api/tasks/status", "")
	require.Equal(t, http.StatusOK, rec.Code)

	body := decode[statusResponse](t, rec)
	require.Len(t, body.Tasks, 2)
	hello := body.Tasks[0]
	assert.Equal(t, "hello", hello.Name)
	assert.True(t, hello.Enabled)
	require.NotNil(t, hello.Interval)
	assert.Equal(t, 3600, *hello.Interval)
	assert.Nil(t, hello.Schedule)
	assert.NotNil(t, hello.NextRun)

	sleepy := body.Tasks[1]
	assert.False(t, sleepy.Enabled)
	assert.Nil(t, sleepy.NextRun)
	assert.True(t, body.SchedulerRunning)
}

func TestRunTaskNow(t *testing.T) {
	env := newTestEnv(t, Options{})
	rec := env.do(t, http.MethodPost, "/api/tasks/hello/run", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode[runNowResponse](t, rec)
	assert.Equal(t, core.RunStatusSuccess, body.Status)
	assert.Equal(t, "hello\n", body.Output)
	require.NotNil(t, body.ExitCode)
	assert.Equal(t, 0, *body.ExitCode)

	rec = env.do(t, http.MethodGet, "/api/runs?task=hello", "")
	require.Equal(t, http.StatusOK, rec.Code)
	runs := decode[[]runResponse](t, rec)
	require.Len(t, runs, 1)
	assert.Equal(t, body.RunID, runs[0].ID)
	assert.Nil(t, runs[0].Output)

	rec = env.do(t, http.MethodGet, "/api/runs/"+itoa(body.RunID), "")
	require.Equal(t, http.StatusOK, rec.Code)
	detail := decode[runResponse](t, rec)
	require.NotNil(t, detail.Output)
	assert.Equal(t, "hello\n", *detail.Output)

	rec = env.do(t, http.MethodPost, "/api/tasks/ghost/run", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestEnableTask(t *testing.T) {
	env := newTestEnv(t, Options{})

	rec := env.do(t, http.MethodPost, "/api/tasks/sleepy/enable", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decode[map[string]any](t, rec)["enabled"], "enabled defaults to true")
	assert.NotNil(t, env.sched.NextRun("sleepy"))

	rec = env.do(t, http.MethodPost, "/api/tasks/sleepy/enable", `{"enabled": false}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Nil(t, env.sched.NextRun("sleepy"))

	rec = env.do(t, http.MethodPost, "/api/tasks/sleepy/enable", `{nope`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/tasks/ghost/enable", `{"enabled": true}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTaskRoutesRejectInvalidNames(t *testing.T) {
	env := newTestEnv(t, Options{})

	for _, name := range []string{"9lives", "has.dot", strings.Repeat("a", 51)} {
		for _, route := range []struct{ method, path string }{
			{http.MethodPost, "/api/tasks/" + name + "/run"},
			{http.MethodPost, "/api/tasks/" + name + "/enable"},
			{http.MethodDelete, "/api/tasks/" + name},
		} {
			rec := env.do(t, route.method, route.path, "")
			require.Equal(t, http.StatusBadRequest, rec.Code, route.path)
			body := decode[map[string]map[string]string](t, rec)
			assert.Equal(t, "invalid_input", body["error"]["code"], route.path)
		}
	}
	runs, err := env.store.ListRuns(context.Background(), store.ListRunsOptions{})
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestReloadPicksUpFileChanges(t *testing.T) {
	env := newTestEnv(t, Options{})
	require.NoError(t, os.WriteFile(env.tasks, []byte("tasks:\n  - {name: only, script: hello.sh, interval: 60}\n"), 0o644))

	rec := env.do(t, http.MethodPost, "/api/tasks/reload", "")
	require.Equal(t, http.StatusOK, rec.Code)

	body := decode[statusResponse](t, env.do(t, http.MethodGet, "/api/tasks/status", ""))
	require.Len(t, body.Tasks, 1)
	assert.Equal(t, "only", body.Tasks[0].Name)
}

func TestDeleteTask(t *testing.T) {
	env := newTestEnv(t, Options{})
	require.Equal(t, http.StatusOK, env.do(t, http.MethodPost, "/api/tasks/hello/run", "").Code)

	rec := env.do(t, http.MethodDelete, "/api/tasks/hello", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode[map[string]any](t, rec)
	assert.ElementsMatch(t, []any{"config", "scheduler", "script", "runs"}, body["deleted"])

	_, err := os.Stat(filepath.Join(env.bots, "hello.sh"))
	assert.True(t, os.IsNotExist(err))
	data, err := os.ReadFile(env.tasks)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "hello")
	runs, err := env.store.ListRuns(context.Background(), store.ListRunsOptions{TaskName: "hello"})
	require.NoError(t, err)
	assert.Empty(t, runs)

	// The task stays gone after a reload.
	require.NoError(t, env.sched.Reload(context.Background()))
	_, ok := env.sched.Task("hello")
	assert.False(t, ok)

	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodDelete, "/api/tasks/hello", "").Code)
	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodDelete, "/api/tasks/..%2Fetc", "").Code)
}

func TestRunsDeleteAndClear(t *testing.T) {
	env := newTestEnv(t, Options{})
	ctx := context.Background()
	finished := func(name string) int64 {
		id, err := env.store.StartRun(ctx, name, time.Now())
		require.NoError(t, err)
		require.NoError(t, env.store.FinishRun(ctx, id, core.RunFinish{
			Status:     core.RunStatusSuccess,
			FinishedAt: time.Now(),
		}))
		return id
	}
	first := finished("hello")
	finished("hello")
	finished("sleepy")
	_, err := env.store.StartRun(ctx, "hello", time.Now())
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, env.do(t, http.MethodDelete, "/api/runs/"+itoa(first), "").Code)
	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodDelete, "/api/runs/"+itoa(first), "").Code)
	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodGet, "/api/runs/abc", "").Code)

	rec := env.do(t, http.MethodDelete, "/api/runs?task=hello", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, decode[map[string]any](t, rec)["deleted"])

	rec = env.do(t, http.MethodDelete, "/api/runs", "")
	assert.EqualValues(t, 1, decode[map[string]any](t, rec)["deleted"])
}

func TestBots(t *testing.T) {
	env := newTestEnv(t, Options{})

	rec := env.do(t, http.MethodPost, "/api/bots", `{"name":"news","config":{"source":"rss"}}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = env.do(t, http.MethodPost, "/api/bots", `{"name":"../evil","config":{}}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = env.do(t, http.MethodPost, "/api/bots", `{"name":"news"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/bots/news", "")
	require.Equal(t, http.StatusOK, rec.Code)
	cfg := decode[store.BotConfig](t, rec)
	assert.JSONEq(t, `{"source":"rss"}`, string(cfg.Config))

	list := decode[[]store.BotConfig](t, env.do(t, http.MethodGet, "/api/bots", ""))
	require.Len(t, list, 1)

	assert.Equal(t, http.StatusOK, env.do(t, http.MethodDelete, "/api/bots/news", "").Code)
	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodGet, "/api/bots/news", "").Code)
	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodDelete, "/api/bots/news", "").Code)
}

func TestCronPreview(t *testing.T) {
	env := newTestEnv(t, Options{})
	rec := env.do(t, http.MethodPost, "/api/cron/preview", `{"expr":"0 9 * * 1-5","now":"2024-03-01T10:00:00Z","count":2}`)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode[cronPreviewResponse](t, rec)
	assert.True(t, body.Valid)
	assert.Equal(t, []string{"2024-03-04T09:00:00Z", "2024-03-05T09:00:00Z"}, body.NextTimes)

	rec = env.do(t, http.MethodPost, "/api/cron/preview", `{"expr":"@daily"}`)
	assert.False(t, decode[cronPreviewResponse](t, rec).Valid)
	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodPost, "/api/cron/preview", `{}`).Code)
}

func TestAuthMiddleware(t *testing.T) {
	env := newTestEnv(t, Options{AuthUser: "admin", AuthPass: "pw", AuthToken: "tok"})

	rec := env.do(t, http.MethodGet, "/api/tasks/status", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Header().Get("WWW-Authenticate"), "Basic")

	req := httptest.NewRequest(http.MethodGet, "/api/tasks/status", nil)
	req.SetBasicAuth("admin", "pw")
	rec = httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/tasks/status", nil)
	req.SetBasicAuth("admin", "wrong")
	rec = httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/tasks/status", nil)
	req.Header.Set("Authorization", "Bearer tok")
	rec = httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	assert.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/health", "").Code, "health is public")
}

func TestStaticFallback(t *testing.T) {
	static := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(static, "index.html"), []byte("<html>app</html>"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(static, "assets"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(static, "assets", "app.js"), []byte("console.log(1)"), 0o644))
	env := newTestEnv(t, Options{StaticDir: static})

	rec := env.do(t, http.MethodGet, "/assets/app.js", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "console.log(1)", rec.Body.String())

	rec = env.do(t, http.MethodGet, "/dashboard/tasks", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "app")

	rec = env.do(t, http.MethodGet, "/", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "app")
}

func itoa(id int64) string {
	return strconv.FormatInt(id, 10)
}
