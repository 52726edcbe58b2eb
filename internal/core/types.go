package core

import (
	"time"
)

// RunStatus describes the state of an individual execution.
type RunStatus string

const (
	RunStatusRunning RunStatus = "running"
	RunStatusSuccess RunStatus = "success"
	RunStatusError   RunStatus = "error"
	RunStatusSkipped RunStatus = "skipped"
	// RunStatusStarted is only ever returned to run-now callers whose run outlived the grace window.
	RunStatusStarted RunStatus = "started"
)

// TimeoutExitCode is reported for runs that were killed, timed out or never spawned.
const TimeoutExitCode = -1

const (
	// MaxStoredText caps the output and error text persisted per run.
	MaxStoredText = 50000
	// PreviewText caps the output and error tails returned directly to callers.
	PreviewText = 2000
	// DefaultTimeoutSeconds applies when a task definition omits its timeout.
	DefaultTimeoutSeconds = 300
)

// TaskDefinition is a task as declared by the task source. Immutable per reload.
type TaskDefinition struct {
	Name        string
	Script      string
	Enabled     bool
	Schedule    string // 5-field cron expression
	Interval    int    // seconds
	Timeout     int    // seconds
	Env         map[string]string
	Description string
}

// HasTrigger reports whether the definition carries a cron or interval trigger.
func (t TaskDefinition) HasTrigger() bool {
	return t.Schedule != "" || t.Interval > 0
}

// TimeoutDuration returns the configured timeout, falling back to the default.
func (t TaskDefinition) TimeoutDuration() time.Duration {
	secs := t.Timeout
	if secs <= 0 {
		secs = DefaultTimeoutSeconds
	}
	return time.Duration(secs) * time.Second
}

// TaskState is the persisted runtime state of a task.
type TaskState struct {
	TaskName   string
	Enabled    *bool // nil when no explicit override was ever recorded
	LastRun    *time.Time
	LastStatus *RunStatus
	RunCount   int64
	ErrorCount int64
}

// Run captures a single execution attempt of a task.
type Run struct {
	ID              int64
	TaskName        string
	StartedAt       time.Time
	FinishedAt      *time.Time
	Status          RunStatus
	ExitCode        *int
	Output          *string
	Error           *string
	DurationSeconds *float64
}

// RunFinish is the outcome written to a run record when the process concludes.
type RunFinish struct {
	Status     RunStatus
	ExitCode   int
	Output     string
	Error      string
	FinishedAt time.Time
	Duration   time.Duration
}

// RunResult is what Execute reports to its caller.
type RunResult struct {
	RunID    int64         `json:"run_id,omitempty"`
	Status   RunStatus     `json:"status"`
	ExitCode *int          `json:"exit_code,omitempty"`
	Duration time.Duration `json:"-"`
	Output   string        `json:"output,omitempty"`
	Error    string        `json:"error,omitempty"`
	Message  string        `json:"message,omitempty"`
}

// DurationSeconds is the run duration as fractional seconds.
func (r RunResult) DurationSeconds() float64 {
	return r.Duration.Seconds()
}

// RunNowResult is the answer to a manual trigger. Result is set when the run
// finished (or was skipped) within the grace window.
type RunNowResult struct {
	Status  RunStatus
	Message string
	Result  *RunResult
}

// Stats aggregates run history across all tasks.
type Stats struct {
	TotalRuns      int64   `json:"total_runs"`
	SuccessfulRuns int64   `json:"successful_runs"`
	FailedRuns     int64   `json:"failed_runs"`
	RunsToday      int64   `json:"runs_today"`
	SuccessRate    float64 `json:"success_rate"`
}

// TaskSnapshot merges definition, persisted state and live scheduler state for one task.
type TaskSnapshot struct {
	Name         string
	Script       string
	Description  string
	Enabled      bool
	Schedule     string
	Interval     int
	Running      bool
	LastRun      *time.Time
	LastStatus   *RunStatus
	RunCount     int64
	ErrorCount   int64
	SkippedCount int64
	NextRun      *time.Time
}

// StatusSnapshot is the read-only view returned by Scheduler.Status.
type StatusSnapshot struct {
	Tasks            []TaskSnapshot
	Stats            Stats
	SchedulerRunning bool
}
