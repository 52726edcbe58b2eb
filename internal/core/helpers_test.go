package core_test

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"botfactory/internal/core"
	"botfactory/internal/store"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func openStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func writeScript(t *testing.T, dir, name, body string) {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
}

// staticSource is a task source whose contents tests can swap between reloads.
type staticSource struct {
	mu   sync.Mutex
	defs []core.TaskDefinition
	err  error
}

func (s *staticSource) Load(context.Context) ([]core.TaskDefinition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]core.TaskDefinition(nil), s.defs...), s.err
}

func (s *staticSource) set(err error, defs ...core.TaskDefinition) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.defs = defs
	s.err = err
}

type harness struct {
	store    *store.Store
	bots     string
	executor *core.ScriptExecutor
	source   *staticSource
	sched    *core.Scheduler
}

func newHarness(t *testing.T, grace time.Duration) *harness {
	t.Helper()
	h := &harness{
		store:  openStore(t),
		bots:   t.TempDir(),
		source: &staticSource{},
	}
	h.executor = core.NewScriptExecutor(h.store, discardLogger(), core.ExecutorOptions{BotsRoot: h.bots})
	h.sched = core.NewScheduler(core.NewRegistry(), h.source, h.store, h.executor, discardLogger(), core.SchedulerOptions{
		Location:    time.UTC,
		RunNowGrace: grace,
	})
	ctx, cancel := context.WithCancel(context.Background())
	h.sched.Start(ctx)
	t.Cleanup(func() {
		done := h.sched.Stop()
		select {
		case <-done.Done():
		case <-time.After(10 * time.Second):
			t.Error("scheduler did not drain")
		}
		cancel()
	})
	return h
}

func (h *harness) task(name string, mutate ...func(*core.TaskDefinition)) core.TaskDefinition {
	def := core.TaskDefinition{
		Name:    name,
		Script:  name + ".sh",
		Enabled: true,
		Timeout: 30,
		Env:     map[string]string{},
	}
	for _, fn := range mutate {
		fn(&def)
	}
	return def
}

// drain stops the clock and waits for every dispatched execution to return.
func drain(t *testing.T, sched *core.Scheduler) {
	t.Helper()
	select {
	case <-sched.Stop().Done():
	case <-time.After(10 * time.Second):
		t.Fatal("scheduler did not drain")
	}
}
