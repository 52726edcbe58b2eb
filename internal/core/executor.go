package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Notifier delivers a short message about a run to a human.
type Notifier interface {
	Send(ctx context.Context, title, body string) error
}

// DefaultInterpreters maps script extensions to the program that runs them.
// Extensions without an entry are executed directly.
var DefaultInterpreters = map[string]string{
	".py": "python3",
	".sh": "/bin/sh",
}

const (
	defaultWaitDelay = 2 * time.Second
	notifyTimeout    = 15 * time.Second
)

var errRunTimeout = errors.New("run timed out")

// ExecutorOptions configures a ScriptExecutor.
type ExecutorOptions struct {
	BotsRoot     string
	Interpreters map[string]string
	Notifier     Notifier
	// WaitDelay bounds how long output pipes are drained after the child is killed.
	WaitDelay time.Duration
}

// ScriptExecutor runs task scripts as child processes and records their results.
type ScriptExecutor struct {
	ledger       Ledger
	logger       *slog.Logger
	root         string
	interpreters map[string]string
	notifier     Notifier
	waitDelay    time.Duration

	mu      sync.Mutex
	running map[string]struct{}
	skipped map[string]int64
}

// NewScriptExecutor creates a new executor.
func NewScriptExecutor(ledger Ledger, logger *slog.Logger, opts ExecutorOptions) *ScriptExecutor {
	interpreters := opts.Interpreters
	if interpreters == nil {
		interpreters = DefaultInterpreters
	}
	waitDelay := opts.WaitDelay
	if waitDelay <= 0 {
		waitDelay = defaultWaitDelay
	}
	return &ScriptExecutor{
		ledger:       ledger,
		logger:       logger,
		root:         opts.BotsRoot,
		interpreters: interpreters,
		notifier:     opts.Notifier,
		waitDelay:    waitDelay,
		running:      make(map[string]struct{}),
		skipped:      make(map[string]int64),
	}
}

// Execute runs the task's script once, honoring the per-task guard and timeout.
// It never returns an error: every failure is folded into the RunResult.
func (e *ScriptExecutor) Execute(ctx context.Context, task TaskDefinition) RunResult {
	scriptPath, err := e.ResolveScript(task.Script)
	if err != nil {
		e.logger.Error("script not found", "task", task.Name, "script", task.Script, "err", err)
		return RunResult{Status: RunStatusError, Error: fmt.Sprintf("Script not found: %s", task.Script)}
	}

	if !e.acquire(task.Name) {
		e.logger.Warn("task is already running, skipping", "task", task.Name)
		return RunResult{Status: RunStatusSkipped, Message: "Task is already running"}
	}
	defer e.release(task.Name)

	// Completion records must land even while the engine is shutting down.
	writeCtx := context.WithoutCancel(ctx)

	startedAt := time.Now()
	runID, err := e.ledger.StartRun(writeCtx, task.Name, startedAt)
	if err != nil {
		e.logger.Error("record run start", "task", task.Name, "err", err)
		return RunResult{Status: RunStatusError, Error: fmt.Sprintf("record run start: %v", err)}
	}

	e.logger.Info("starting task", "task", task.Name, "script", task.Script, "run_id", runID)
	out := e.runProcess(ctx, task, scriptPath, runID)

	finishedAt := time.Now()
	duration := finishedAt.Sub(startedAt)
	status := RunStatusSuccess
	if out.exitCode != 0 {
		status = RunStatusError
	}

	if err := e.ledger.FinishRun(writeCtx, runID, RunFinish{
		Status:     status,
		ExitCode:   out.exitCode,
		Output:     out.stdout,
		Error:      out.stderr,
		FinishedAt: finishedAt,
		Duration:   duration,
	}); err != nil {
		e.logger.Error("record run end", "task", task.Name, "run_id", runID, "err", err)
	}
	if err := e.ledger.RecordOutcome(writeCtx, task.Name, status, finishedAt); err != nil {
		e.logger.Error("update task state", "task", task.Name, "run_id", runID, "err", err)
	}

	e.logger.Info("task finished", "task", task.Name, "run_id", runID, "status", status,
		"exit_code", out.exitCode, "duration", duration.Round(100*time.Millisecond))

	if status == RunStatusError {
		e.notifyFailure(task, runID, out)
	}

	code := out.exitCode
	return RunResult{
		RunID:    runID,
		Status:   status,
		ExitCode: &code,
		Duration: duration,
		Output:   TailText(out.stdoutTail, PreviewText),
		Error:    TailText(out.stderrTail, PreviewText),
	}
}

// IsRunning reports whether an execution of the named task is in flight.
func (e *ScriptExecutor) IsRunning(name string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.running[name]
	return ok
}

// SkippedCount returns how many attempts were turned away by the guard since process start.
func (e *ScriptExecutor) SkippedCount(name string) int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.skipped[name]
}

// ResolveScript maps a script reference to an existing regular file under the bots root.
func (e *ScriptExecutor) ResolveScript(script string) (string, error) {
	if strings.TrimSpace(script) == "" {
		return "", fmt.Errorf("%w: empty script reference", ErrScriptNotFound)
	}
	root, err := filepath.Abs(e.root)
	if err != nil {
		return "", fmt.Errorf("resolve bots root: %w", err)
	}
	path := filepath.Join(root, script)
	rel, err := filepath.Rel(root, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s escapes %s", ErrScriptNotFound, script, root)
	}
	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrScriptNotFound, err)
	}
	if !info.Mode().IsRegular() {
		return "", fmt.Errorf("%w: %s is not a regular file", ErrScriptNotFound, path)
	}
	return path, nil
}

func (e *ScriptExecutor) acquire(name string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.running[name]; ok {
		e.skipped[name]++
		return false
	}
	e.running[name] = struct{}{}
	return true
}

func (e *ScriptExecutor) release(name string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.running, name)
}

// processOutcome holds the head of each stream for the ledger and the tail for previews.
type processOutcome struct {
	exitCode   int
	stdout     string
	stderr     string
	stdoutTail string
	stderrTail string
}

func (o *processOutcome) setError(text string) {
	o.stderr = text
	o.stderrTail = text
}

func (e *ScriptExecutor) runProcess(ctx context.Context, task TaskDefinition, scriptPath string, runID int64) processOutcome {
	timeout := task.TimeoutDuration()
	cmdCtx, cancel := context.WithTimeoutCause(ctx, timeout, errRunTimeout)
	defer cancel()

	cmd := e.commandFor(cmdCtx, scriptPath)
	cmd.Dir = filepath.Dir(scriptPath)
	cmd.Env = taskEnv(task, runID)
	stdout := newCappedBuffer(MaxStoredText, PreviewText)
	stderr := newCappedBuffer(MaxStoredText, PreviewText)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	configureProcessGroup(cmd)
	cmd.Cancel = func() error { return killProcessTree(cmd) }
	cmd.WaitDelay = e.waitDelay

	if err := cmd.Start(); err != nil {
		e.logger.Error("start task process", "task", task.Name, "run_id", runID, "err", err)
		out := processOutcome{exitCode: TimeoutExitCode}
		out.setError(err.Error())
		return out
	}
	// Wait always runs so the child is reaped on every path.
	waitErr := cmd.Wait()

	out := processOutcome{
		stdout:     stdout.Head(),
		stderr:     stderr.Head(),
		stdoutTail: stdout.Tail(),
		stderrTail: stderr.Tail(),
	}
	var exitErr *exec.ExitError
	switch {
	case waitErr == nil:
		out.exitCode = 0
	case errors.Is(context.Cause(cmdCtx), errRunTimeout):
		e.logger.Warn("task exceeded timeout, killed", "task", task.Name, "run_id", runID, "timeout", timeout)
		out.exitCode = TimeoutExitCode
		out.setError(fmt.Sprintf("Timeout after %d seconds", int(timeout/time.Second)))
	case ctx.Err() != nil:
		out.exitCode = TimeoutExitCode
		out.setError(fmt.Sprintf("Run canceled: %v", context.Cause(ctx)))
	case errors.Is(waitErr, exec.ErrWaitDelay):
		// The script exited but a descendant kept its output open.
		out.exitCode = cmd.ProcessState.ExitCode()
	case errors.As(waitErr, &exitErr):
		out.exitCode = exitErr.ExitCode()
	default:
		out.exitCode = TimeoutExitCode
		out.stderr = joinLines(out.stderr, waitErr.Error())
		out.stderrTail = joinLines(out.stderrTail, waitErr.Error())
	}
	return out
}

func (e *ScriptExecutor) commandFor(ctx context.Context, scriptPath string) *exec.Cmd {
	interpreter := strings.Fields(e.interpreters[strings.ToLower(filepath.Ext(scriptPath))])
	if len(interpreter) == 0 {
		return exec.CommandContext(ctx, scriptPath) // #nosec G204
	}
	args := append(interpreter[1:], scriptPath)
	return exec.CommandContext(ctx, interpreter[0], args...) // #nosec G204
}

func (e *ScriptExecutor) notifyFailure(task TaskDefinition, runID int64, out processOutcome) {
	if e.notifier == nil {
		return
	}
	title := fmt.Sprintf("Task %s failed", task.Name)
	body := fmt.Sprintf("Run %d exited with %d\n%s", runID, out.exitCode, TailText(out.stderrTail, 500))
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
		defer cancel()
		if err := e.notifier.Send(ctx, title, body); err != nil {
			e.logger.Warn("send failure notification", "task", task.Name, "run_id", runID, "err", err)
		}
	}()
}

// taskEnv layers the task overrides and the injected identifiers over the
// daemon environment. exec.Cmd keeps the last value of duplicate keys.
func taskEnv(task TaskDefinition, runID int64) []string {
	env := os.Environ()
	keys := make([]string, 0, len(task.Env))
	for k := range task.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+task.Env[k])
	}
	return append(env,
		"TASK_NAME="+task.Name,
		"TASK_RUN_ID="+strconv.FormatInt(runID, 10),
	)
}

func decodeText(b []byte) string {
	return strings.ToValidUTF8(string(b), "�")
}

func joinLines(a, b string) string {
	if a == "" {
		return b
	}
	return strings.TrimRight(a, "\n") + "\n" + b
}
