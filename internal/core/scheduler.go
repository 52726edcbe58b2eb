package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
)

// Ledger abstracts the persistence layer used by the scheduler and executor.
type Ledger interface {
	// Run operations
	StartRun(ctx context.Context, taskName string, startedAt time.Time) (int64, error)
	FinishRun(ctx context.Context, id int64, finish RunFinish) error
	ClearRuns(ctx context.Context, taskName string) (int64, error)
	Stats(ctx context.Context, since time.Time) (Stats, error)

	// Task state operations
	RecordOutcome(ctx context.Context, taskName string, status RunStatus, at time.Time) error
	SetTaskEnabled(ctx context.Context, taskName string, enabled bool) error
	TaskStates(ctx context.Context) (map[string]TaskState, error)
	DeleteTaskState(ctx context.Context, taskName string) error
}

// Executor runs a task once and reports the outcome.
type Executor interface {
	Execute(ctx context.Context, task TaskDefinition) RunResult
	IsRunning(name string) bool
	SkippedCount(name string) int64
}

// DefaultRunNowGrace is how long RunNow waits before answering "started".
const DefaultRunNowGrace = time.Second

// SchedulerOptions configures a Scheduler.
type SchedulerOptions struct {
	Location    *time.Location
	RunNowGrace time.Duration
	// ExecContext is handed to every execution until Start replaces it, so
	// manual runs stay cancellable when the clock is never started.
	ExecContext context.Context
}

// Scheduler owns the trigger table and dispatches fires to the executor.
type Scheduler struct {
	registry    *Registry
	source      TaskSource
	ledger      Ledger
	executor    Executor
	logger      *slog.Logger
	location    *time.Location
	runNowGrace time.Duration

	cron    *cron.Cron
	entryMu sync.RWMutex
	entries map[string]cron.EntryID

	running atomic.Bool
	workers sync.WaitGroup

	ctxMu sync.RWMutex
	ctx   context.Context

	// inflight counts executions dispatched per name; purge marks names removed
	// while one of them was still running.
	inflightMu sync.Mutex
	inflight   map[string]int
	purge      map[string]struct{}
}

// NewScheduler constructs a scheduler with the given dependencies.
func NewScheduler(registry *Registry, source TaskSource, ledger Ledger, executor Executor, logger *slog.Logger, opts SchedulerOptions) *Scheduler {
	location := opts.Location
	if location == nil {
		location = time.Local
	}
	grace := opts.RunNowGrace
	if grace <= 0 {
		grace = DefaultRunNowGrace
	}
	c := cron.New(
		cron.WithParser(cronParser),
		cron.WithLocation(location),
	)
	return &Scheduler{
		registry:    registry,
		source:      source,
		ledger:      ledger,
		executor:    executor,
		logger:      logger,
		location:    location,
		runNowGrace: grace,
		cron:        c,
		entries:     make(map[string]cron.EntryID),
		ctx:         opts.ExecContext,
		inflight:    make(map[string]int),
		purge:       make(map[string]struct{}),
	}
}

// Start begins the scheduling loop. ctx is handed to every execution; cancelling
// it kills in-flight child processes.
func (s *Scheduler) Start(ctx context.Context) {
	s.ctxMu.Lock()
	s.ctx = ctx
	s.ctxMu.Unlock()
	s.cron.Start()
	s.running.Store(true)
	s.logger.Info("scheduler started", "location", s.location.String())
}

// Stop halts the clock. The returned context is done once every fired and
// manually triggered execution has returned.
func (s *Scheduler) Stop() context.Context {
	s.running.Store(false)
	cronDone := s.cron.Stop()
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-cronDone.Done()
		s.workers.Wait()
		cancel()
	}()
	return ctx
}

// Running reports whether the trigger clock is active.
func (s *Scheduler) Running() bool {
	return s.running.Load()
}

// Location is the time zone cron expressions are evaluated in.
func (s *Scheduler) Location() *time.Location {
	return s.location
}

// Task returns the registered definition for name.
func (s *Scheduler) Task(name string) (TaskDefinition, bool) {
	return s.registry.Get(name)
}

// Reload re-reads the task source and rebuilds the trigger table from scratch.
// A failing source or ledger leaves the previous registry and triggers in place.
// In-flight executions are not touched.
func (s *Scheduler) Reload(ctx context.Context) error {
	defs, err := s.source.Load(ctx)
	if err != nil {
		s.logger.Error("load task definitions, keeping previous registry", "err", err)
		return fmt.Errorf("load tasks: %w", err)
	}
	states, err := s.ledger.TaskStates(ctx)
	if err != nil {
		s.logger.Error("load task states, keeping previous registry", "err", err)
		return fmt.Errorf("load task states: %w", err)
	}

	s.entryMu.Lock()
	defer s.entryMu.Unlock()

	for name, entryID := range s.entries {
		s.cron.Remove(entryID)
		delete(s.entries, name)
	}
	s.registry.Replace(defs)
	s.inflightMu.Lock()
	for _, def := range defs {
		delete(s.purge, def.Name)
	}
	s.inflightMu.Unlock()

	scheduled := 0
	for _, def := range s.registry.List() {
		if !effectiveEnabled(def, states[def.Name]) {
			s.logger.Info("task disabled", "task", def.Name)
			continue
		}
		if err := s.scheduleLocked(def); err != nil {
			s.logScheduleError(def, err)
			continue
		}
		scheduled++
	}
	s.logger.Info("tasks reloaded", "tasks", s.registry.Len(), "scheduled", scheduled)
	return nil
}

// RunNow starts the task immediately without touching its trigger. If the run
// concludes within the grace window its result is returned, otherwise the
// caller gets a "started" acknowledgement and should poll run history.
func (s *Scheduler) RunNow(ctx context.Context, name string) (RunNowResult, error) {
	def, ok := s.registry.Get(name)
	if !ok {
		return RunNowResult{}, fmt.Errorf("%w: %s", ErrTaskNotFound, name)
	}

	done := make(chan RunResult, 1)
	s.workers.Add(1)
	go func() {
		defer s.workers.Done()
		done <- s.execute(def)
	}()

	started := RunNowResult{Status: RunStatusStarted, Message: "Task started"}
	timer := time.NewTimer(s.runNowGrace)
	defer timer.Stop()
	select {
	case res := <-done:
		return RunNowResult{Status: res.Status, Message: res.Message, Result: &res}, nil
	case <-timer.C:
		return started, nil
	case <-ctx.Done():
		return started, ctx.Err()
	}
}

// Enable persists the override and installs or removes the task's trigger.
// Both directions are idempotent on the trigger table.
func (s *Scheduler) Enable(ctx context.Context, name string, enabled bool) error {
	def, ok := s.registry.Get(name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, name)
	}
	if err := s.ledger.SetTaskEnabled(ctx, name, enabled); err != nil {
		return fmt.Errorf("persist enabled override: %w", err)
	}

	s.entryMu.Lock()
	defer s.entryMu.Unlock()
	entryID, scheduled := s.entries[name]
	switch {
	case enabled && !scheduled:
		if err := s.scheduleLocked(def); err != nil {
			s.logScheduleError(def, err)
		}
	case !enabled && scheduled:
		s.cron.Remove(entryID)
		delete(s.entries, name)
	}
	s.logger.Info("task enablement changed", "task", name, "enabled", enabled)
	return nil
}

// Remove forgets a task entirely: trigger, registry entry, runtime state and
// run history. A run already in flight is allowed to finish and keeps its run
// record; the state it writes on completion is dropped once it returns.
func (s *Scheduler) Remove(ctx context.Context, name string) (bool, error) {
	s.unschedule(name)
	known := s.registry.Remove(name)
	s.inflightMu.Lock()
	if s.inflight[name] > 0 {
		s.purge[name] = struct{}{}
	}
	s.inflightMu.Unlock()
	if err := s.ledger.DeleteTaskState(ctx, name); err != nil {
		return known, fmt.Errorf("delete task state: %w", err)
	}
	if _, err := s.ledger.ClearRuns(ctx, name); err != nil {
		return known, fmt.Errorf("clear runs: %w", err)
	}
	s.logger.Info("task removed", "task", name, "registered", known)
	return known, nil
}

// NextRun returns the next fire time of a scheduled task, or nil.
func (s *Scheduler) NextRun(name string) *time.Time {
	s.entryMu.RLock()
	entryID, ok := s.entries[name]
	s.entryMu.RUnlock()
	if !ok {
		return nil
	}
	entry := s.cron.Entry(entryID)
	if !entry.Valid() || entry.Next.IsZero() {
		return nil
	}
	next := entry.Next
	return &next
}

// Status merges definitions, persisted state and live scheduler state into one snapshot.
func (s *Scheduler) Status(ctx context.Context) (StatusSnapshot, error) {
	states, err := s.ledger.TaskStates(ctx)
	if err != nil {
		return StatusSnapshot{}, fmt.Errorf("load task states: %w", err)
	}
	stats, err := s.ledger.Stats(ctx, startOfDay(time.Now().In(s.location)))
	if err != nil {
		return StatusSnapshot{}, fmt.Errorf("load stats: %w", err)
	}

	defs := s.registry.List()
	snapshot := StatusSnapshot{
		Tasks:            make([]TaskSnapshot, 0, len(defs)),
		Stats:            stats,
		SchedulerRunning: s.Running(),
	}
	for _, def := range defs {
		state := states[def.Name]
		snapshot.Tasks = append(snapshot.Tasks, TaskSnapshot{
			Name:         def.Name,
			Script:       def.Script,
			Description:  def.Description,
			Enabled:      effectiveEnabled(def, state),
			Schedule:     def.Schedule,
			Interval:     def.Interval,
			Running:      s.executor.IsRunning(def.Name),
			LastRun:      state.LastRun,
			LastStatus:   state.LastStatus,
			RunCount:     state.RunCount,
			ErrorCount:   state.ErrorCount,
			SkippedCount: s.executor.SkippedCount(def.Name),
			NextRun:      s.NextRun(def.Name),
		})
	}
	return snapshot, nil
}

func (s *Scheduler) scheduleLocked(def TaskDefinition) error {
	schedule, err := TriggerFor(def)
	if err != nil {
		return err
	}
	name := def.Name
	entryID := s.cron.Schedule(schedule, cron.FuncJob(func() { s.fire(name) }))
	s.entries[name] = entryID
	if def.Schedule != "" {
		s.logger.Info("task scheduled with cron", "task", name, "cron", def.Schedule)
	} else {
		s.logger.Info("task scheduled with interval", "task", name, "every", time.Duration(def.Interval)*time.Second)
	}
	return nil
}

func (s *Scheduler) logScheduleError(def TaskDefinition, err error) {
	if errors.Is(err, ErrNoTrigger) {
		s.logger.Warn("task has no schedule", "task", def.Name)
		return
	}
	s.logger.Error("invalid trigger, task left unscheduled", "task", def.Name, "err", err)
}

// fire runs on the cron library's per-job goroutine, never on the clock itself.
func (s *Scheduler) fire(name string) {
	def, ok := s.registry.Get(name)
	if !ok {
		s.logger.Debug("fired task is no longer registered", "task", name)
		return
	}
	res := s.execute(def)
	if res.Status == RunStatusSkipped {
		s.logger.Info("scheduled run skipped", "task", name, "reason", res.Message)
	}
}

// execute runs def and, if the task was removed meanwhile, deletes the state
// the finished run recorded so a later task with the same name starts clean.
func (s *Scheduler) execute(def TaskDefinition) RunResult {
	name := def.Name
	s.inflightMu.Lock()
	s.inflight[name]++
	s.inflightMu.Unlock()

	ctx := s.baseContext()
	var res RunResult
	if _, ok := s.registry.Get(name); ok {
		res = s.executor.Execute(ctx, def)
	} else {
		// Removed between dispatch and start.
		res = RunResult{Status: RunStatusSkipped, Message: "Task no longer exists"}
	}

	s.inflightMu.Lock()
	s.inflight[name]--
	_, removed := s.purge[name]
	last := s.inflight[name] == 0
	if last {
		delete(s.inflight, name)
		delete(s.purge, name)
	}
	s.inflightMu.Unlock()

	if removed && last {
		if err := s.ledger.DeleteTaskState(context.WithoutCancel(ctx), name); err != nil {
			s.logger.Error("drop state of removed task", "task", name, "err", err)
		} else {
			s.logger.Debug("dropped state of removed task", "task", name)
		}
	}
	return res
}

func (s *Scheduler) unschedule(name string) {
	s.entryMu.Lock()
	defer s.entryMu.Unlock()
	if entryID, ok := s.entries[name]; ok {
		s.cron.Remove(entryID)
		delete(s.entries, name)
	}
}

func (s *Scheduler) baseContext() context.Context {
	s.ctxMu.RLock()
	defer s.ctxMu.RUnlock()
	if s.ctx != nil {
		return s.ctx
	}
	return context.Background()
}

func effectiveEnabled(def TaskDefinition, state TaskState) bool {
	if state.Enabled != nil {
		return *state.Enabled
	}
	return def.Enabled
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// NextRuns previews the next n fire times of a cron expression after from,
// evaluated in the scheduler's time zone.
func (s *Scheduler) NextRuns(expr string, from time.Time, n int) ([]time.Time, error) {
	schedule, err := ParseCron(strings.TrimSpace(expr))
	if err != nil {
		return nil, err
	}
	return NextOccurrences(schedule, from.In(s.location), n), nil
}
