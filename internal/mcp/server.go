package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"botfactory/internal/core"
	"botfactory/internal/store"
)

const (
	serverName    = "botfactory"
	serverVersion = "1.0.0"
)

// MCPServer exposes the scheduler and run ledger as MCP tools.
type MCPServer struct {
	store     *store.Store
	scheduler *core.Scheduler
	logger    *slog.Logger
	srv       *server.MCPServer
}

// NewMCPServer creates a new MCP server instance with every tool registered.
func NewMCPServer(store *store.Store, scheduler *core.Scheduler, logger *slog.Logger) *MCPServer {
	s := &MCPServer{
		store:     store,
		scheduler: scheduler,
		logger:    logger,
		srv: server.NewMCPServer(
			serverName,
			serverVersion,
			server.WithToolCapabilities(true),
			server.WithRecovery(),
		),
	}
	s.registerTools()
	return s
}

// ServeStdio speaks MCP over the given streams until ctx is done or input ends.
func (s *MCPServer) ServeStdio(ctx context.Context, in io.Reader, out io.Writer) error {
	s.logger.Info("MCP server starting on stdio")
	stdio := server.NewStdioServer(s.srv)
	stdio.SetErrorLogger(slog.NewLogLogger(s.logger.Handler(), slog.LevelError))
	err := stdio.Listen(ctx, in, out)
	if errors.Is(err, context.Canceled) || errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

// HTTPHandler serves MCP over streamable HTTP, for mounting at /mcp.
func (s *MCPServer) HTTPHandler() http.Handler {
	return server.NewStreamableHTTPServer(s.srv)
}

// registerTools registers all available MCP tools.
func (s *MCPServer) registerTools() {
	s.srv.AddTool(mcp.NewTool("tasks_status",
		mcp.WithDescription("List every task with its schedule, enablement, counters and next run, plus overall run statistics"),
	), s.handleTasksStatus)

	s.srv.AddTool(mcp.NewTool("task_run",
		mcp.WithDescription("Run a task immediately. Returns the result if it finishes quickly, otherwise reports that it started"),
		mcp.WithString("name",
			mcp.Required(),
			mcp.Description("Task name"),
		),
	), s.handleRunTask)

	s.srv.AddTool(mcp.NewTool("task_enable",
		mcp.WithDescription("Enable or disable a task's schedule. The choice persists across reloads and restarts"),
		mcp.WithString("name",
			mcp.Required(),
			mcp.Description("Task name"),
		),
		mcp.WithBoolean("enabled",
			mcp.Description("true to enable (default), false to disable"),
		),
	), s.handleEnableTask)

	s.srv.AddTool(mcp.NewTool("tasks_reload",
		mcp.WithDescription("Re-read the task file and rebuild all schedules"),
	), s.handleReload)

	s.srv.AddTool(mcp.NewTool("runs_list",
		mcp.WithDescription("List recent runs, newest first"),
		mcp.WithString("task",
			mcp.Description("Only runs of this task"),
		),
		mcp.WithNumber("limit",
			mcp.Description("Number of runs to return, default 20"),
			mcp.Min(1),
			mcp.Max(store.MaxRunsLimit),
		),
	), s.handleListRuns)

	s.srv.AddTool(mcp.NewTool("run_get",
		mcp.WithDescription("Show one run including its captured output and error text"),
		mcp.WithNumber("run_id",
			mcp.Required(),
			mcp.Description("Run ID"),
			mcp.Min(1),
		),
	), s.handleGetRun)

	s.srv.AddTool(mcp.NewTool("runs_clear",
		mcp.WithDescription("Delete run history, for one task or for all tasks"),
		mcp.WithString("task",
			mcp.Description("Only clear runs of this task; omit to clear everything"),
		),
	), s.handleClearRuns)

	s.srv.AddTool(mcp.NewTool("cron_preview",
		mcp.WithDescription("Preview the next fire times of a 5-field cron expression (minute hour day month weekday)"),
		mcp.WithString("cron",
			mcp.Required(),
			mcp.Description("Cron expression, e.g. '0 9 * * 1-5' for weekdays at 09:00"),
		),
		mcp.WithNumber("count",
			mcp.Description("Number of fire times to return, default 5"),
			mcp.Min(1),
			mcp.Max(10),
		),
	), s.handleCronPreview)

	s.logger.Debug("MCP tools registered", "count", 8)
}

func (s *MCPServer) handleTasksStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	snap, err := s.scheduler.Status(ctx)
	if err != nil {
		s.logger.Error("task status", "err", err)
		return mcp.NewToolResultError(fmt.Sprintf("failed to load status: %v", err)), nil
	}
	if len(snap.Tasks) == 0 {
		return mcp.NewToolResultText("No tasks defined"), nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%d tasks (scheduler running: %t)\n\n", len(snap.Tasks), snap.SchedulerRunning)
	for _, t := range snap.Tasks {
		state := "enabled"
		if !t.Enabled {
			state = "disabled"
		}
		if t.Running {
			state += ", running"
		}
		fmt.Fprintf(&b, "%s %s [%s]\n", statusToIcon(t.LastStatus), t.Name, state)
		fmt.Fprintf(&b, "  Script: %s\n", t.Script)
		if t.Description != "" {
			fmt.Fprintf(&b, "  Description: %s\n", t.Description)
		}
		switch {
		case t.Schedule != "":
			fmt.Fprintf(&b, "  Cron: %s\n", t.Schedule)
		case t.Interval > 0:
			fmt.Fprintf(&b, "  Every: %s\n", time.Duration(t.Interval)*time.Second)
		}
		fmt.Fprintf(&b, "  Runs: %d (errors %d, skipped %d)\n", t.RunCount, t.ErrorCount, t.SkippedCount)
		fmt.Fprintf(&b, "  Last run: %s\n", formatTime(t.LastRun))
		fmt.Fprintf(&b, "  Next run: %s\n\n", formatTime(t.NextRun))
	}
	st := snap.Stats
	fmt.Fprintf(&b, "Total runs: %d, successful: %d, failed: %d, today: %d, success rate: %.1f%%\n",
		st.TotalRuns, st.SuccessfulRuns, st.FailedRuns, st.RunsToday, st.SuccessRate)
	return mcp.NewToolResultText(b.String()), nil
}

func (s *MCPServer) handleRunTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name := mcp.ParseString(request, "name", "")
	if err := core.ValidateName(name); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	res, err := s.scheduler.RunNow(ctx, name)
	if err != nil {
		if errors.Is(err, core.ErrTaskNotFound) {
			return mcp.NewToolResultError(fmt.Sprintf("task not found: %s", name)), nil
		}
		return mcp.NewToolResultError(fmt.Sprintf("failed to run task: %v", err)), nil
	}

	if res.Result == nil {
		return mcp.NewToolResultText(fmt.Sprintf("Task %s started; check runs_list for the outcome", name)), nil
	}
	r := res.Result
	var b strings.Builder
	fmt.Fprintf(&b, "Task %s: %s\n", name, r.Status)
	if r.Message != "" {
		fmt.Fprintf(&b, "%s\n", r.Message)
	}
	if r.RunID != 0 {
		fmt.Fprintf(&b, "Run ID: %d\n", r.RunID)
	}
	if r.ExitCode != nil {
		fmt.Fprintf(&b, "Exit code: %d\nDuration: %.2fs\n", *r.ExitCode, r.DurationSeconds())
	}
	if r.Output != "" {
		fmt.Fprintf(&b, "\nOutput:\n%s\n", r.Output)
	}
	if r.Error != "" {
		fmt.Fprintf(&b, "\nError:\n%s\n", r.Error)
	}
	if r.Status == core.RunStatusError {
		return mcp.NewToolResultError(b.String()), nil
	}
	return mcp.NewToolResultText(b.String()), nil
}

func (s *MCPServer) handleEnableTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name := mcp.ParseString(request, "name", "")
	if err := core.ValidateName(name); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	enabled := mcp.ParseBoolean(request, "enabled", true)
	if err := s.scheduler.Enable(ctx, name, enabled); err != nil {
		if errors.Is(err, core.ErrTaskNotFound) {
			return mcp.NewToolResultError(fmt.Sprintf("task not found: %s", name)), nil
		}
		return mcp.NewToolResultError(fmt.Sprintf("failed to update task: %v", err)), nil
	}
	verb := "enabled"
	if !enabled {
		verb = "disabled"
	}
	text := fmt.Sprintf("Task %s %s", name, verb)
	if next := s.scheduler.NextRun(name); next != nil {
		text += fmt.Sprintf("\nNext run: %s", formatTime(next))
	}
	return mcp.NewToolResultText(text), nil
}

func (s *MCPServer) handleReload(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if err := s.scheduler.Reload(ctx); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("reload failed, previous tasks kept: %v", err)), nil
	}
	return mcp.NewToolResultText("Configuration reloaded"), nil
}

func (s *MCPServer) handleListRuns(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	task := mcp.ParseString(request, "task", "")
	limit := int(mcp.ParseFloat64(request, "limit", 20))

	runs, err := s.store.ListRuns(ctx, store.ListRunsOptions{TaskName: task, Limit: limit})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to list runs: %v", err)), nil
	}
	if len(runs) == 0 {
		return mcp.NewToolResultText("No runs recorded"), nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%d runs:\n\n", len(runs))
	for _, r := range runs {
		status := r.Status
		fmt.Fprintf(&b, "[%s] #%d %s\n", statusToIcon(&status), r.ID, r.TaskName)
		fmt.Fprintf(&b, "    Status: %s\n", r.Status)
		fmt.Fprintf(&b, "    Started: %s\n", formatTime(&r.StartedAt))
		if r.FinishedAt != nil {
			fmt.Fprintf(&b, "    Finished: %s\n", formatTime(r.FinishedAt))
		}
		if r.ExitCode != nil {
			fmt.Fprintf(&b, "    Exit code: %d\n", *r.ExitCode)
		}
		b.WriteString("\n")
	}
	return mcp.NewToolResultText(b.String()), nil
}

func (s *MCPServer) handleGetRun(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID := int64(mcp.ParseFloat64(request, "run_id", 0))
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		if errors.Is(err, store.ErrRunNotFound) {
			return mcp.NewToolResultError(fmt.Sprintf("run not found: %d", runID)), nil
		}
		return mcp.NewToolResultError(fmt.Sprintf("failed to load run: %v", err)), nil
	}
	data, err := json.MarshalIndent(runDocument(run), "", "  ")
	if err != nil {
		return nil, err
	}
	return mcp.NewToolResultText(string(data)), nil
}

func (s *MCPServer) handleClearRuns(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	task := mcp.ParseString(request, "task", "")
	n, err := s.store.ClearRuns(ctx, task)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to clear runs: %v", err)), nil
	}
	if task == "" {
		return mcp.NewToolResultText(fmt.Sprintf("Deleted %d runs", n)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Deleted %d runs of %s", n, task)), nil
}

func (s *MCPServer) handleCronPreview(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	cronExpr := mcp.ParseString(request, "cron", "")
	count := int(mcp.ParseFloat64(request, "count", 5))
	if count < 1 || count > 10 {
		count = 5
	}

	nextTimes, err := s.scheduler.NextRuns(cronExpr, time.Now(), count)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid cron expression: %v", err)), nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Cron: %s\n", cronExpr)
	fmt.Fprintf(&b, "Time zone: %s\n\n", s.scheduler.Location())
	b.WriteString("Next fire times:\n")
	for i, t := range nextTimes {
		fmt.Fprintf(&b, "  %d. %s\n", i+1, t.Format("2006-01-02 15:04:05"))
	}
	return mcp.NewToolResultText(b.String()), nil
}

// Helper functions

func runDocument(run *core.Run) map[string]any {
	doc := map[string]any{
		"id":               run.ID,
		"task_name":        run.TaskName,
		"status":           run.Status,
		"started_at":       run.StartedAt.UTC().Format(time.RFC3339),
		"finished_at":      nil,
		"exit_code":        run.ExitCode,
		"duration_seconds": run.DurationSeconds,
		"output":           run.Output,
		"error":            run.Error,
	}
	if run.FinishedAt != nil {
		doc["finished_at"] = run.FinishedAt.UTC().Format(time.RFC3339)
	}
	return doc
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Format("2006-01-02 15:04:05")
}

func statusToIcon(status *core.RunStatus) string {
	if status == nil {
		return "·"
	}
	switch *status {
	case core.RunStatusSuccess:
		return "✅"
	case core.RunStatusError:
		return "❌"
	case core.RunStatusSkipped:
		return "⏭️"
	case core.RunStatusRunning:
		return "▶️"
	default:
		return "❓"
	}
}
