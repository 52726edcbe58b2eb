package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"botfactory/internal/core"
)

type taskResponse struct {
	Name         string  `json:"name"`
	Script       string  `json:"script"`
	Description  string  `json:"description"`
	Enabled      bool    `json:"enabled"`
	Schedule     *string `json:"schedule"`
	Interval     *int    `json:"interval"`
	Running      bool    `json:"running"`
	LastRun      *string `json:"last_run"`
	LastStatus   *string `json:"last_status"`
	RunCount     int64   `json:"run_count"`
	ErrorCount   int64   `json:"error_count"`
	SkippedCount int64   `json:"skipped_count"`
	NextRun      *string `json:"next_run"`
}

type statusResponse struct {
	Tasks            []taskResponse `json:"tasks"`
	Stats            core.Stats     `json:"stats"`
	SchedulerRunning bool           `json:"scheduler_running"`
}

type runNowResponse struct {
	Status          core.RunStatus `json:"status"`
	Message         string         `json:"message,omitempty"`
	RunID           int64          `json:"run_id,omitempty"`
	ExitCode        *int           `json:"exit_code,omitempty"`
	DurationSeconds *float64       `json:"duration,omitempty"`
	Output          string         `json:"output,omitempty"`
	Error           string         `json:"error,omitempty"`
}

type enableRequest struct {
	Enabled *bool `json:"enabled"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":            "healthy",
		"scheduler_running": s.scheduler.Running(),
		"timestamp":         time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleTasksStatus(w http.ResponseWriter, r *http.Request) {
	snap, err := s.scheduler.Status(r.Context())
	if err != nil {
		s.logger.Error("task status", "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to load task status")
		return
	}
	res := statusResponse{
		Tasks:            make([]taskResponse, 0, len(snap.Tasks)),
		Stats:            snap.Stats,
		SchedulerRunning: snap.SchedulerRunning,
	}
	for _, t := range snap.Tasks {
		res.Tasks = append(res.Tasks, taskToResponse(t))
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleReloadTasks(w http.ResponseWriter, r *http.Request) {
	if err := s.scheduler.Reload(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, "reload_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "message": "Configuration reloaded"})
}

func (s *Server) handleRunTask(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := core.ValidateName(name); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", "invalid task name")
		return
	}
	res, err := s.scheduler.RunNow(r.Context(), name)
	if err != nil {
		if errors.Is(err, core.ErrTaskNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "task not found")
			return
		}
		// The request went away; the run itself carries on.
		s.logger.Warn("run task now", "task", name, "err", err)
	}
	writeJSON(w, http.StatusOK, runNowToResponse(res))
}

func (s *Server) handleEnableTask(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := core.ValidateName(name); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", "invalid task name")
		return
	}
	var req enableRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}
	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	if err := s.scheduler.Enable(r.Context(), name, enabled); err != nil {
		if errors.Is(err, core.ErrTaskNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "task not found")
			return
		}
		s.logger.Error("enable task", "task", name, "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to update task")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "enabled": enabled})
}

// handleDeleteTask removes a deployed task everywhere it lives: trigger and
// registry, the task file entry, its script, and its history.
func (s *Server) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := core.ValidateName(name); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", "invalid task name")
		return
	}

	def, known := s.scheduler.Task(name)
	script := name + ".py"
	if known {
		script = def.Script
	}

	deleted := make([]string, 0, 4)
	if s.taskFile != nil {
		removed, err := s.taskFile.Remove(name)
		if err != nil {
			s.logger.Error("remove task from task file", "task", name, "err", err)
			writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
			return
		}
		if removed {
			deleted = append(deleted, "config")
		}
	}

	inMemory, err := s.scheduler.Remove(r.Context(), name)
	if err != nil {
		s.logger.Error("remove task", "task", name, "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	if inMemory {
		deleted = append(deleted, "scheduler")
	}

	if s.scripts != nil {
		if path, err := s.scripts.ResolveScript(script); err == nil {
			if err := os.Remove(path); err != nil {
				s.logger.Warn("delete task script", "task", name, "path", path, "err", err)
			} else {
				deleted = append(deleted, "script")
			}
		}
	}

	if len(deleted) == 0 {
		writeError(w, http.StatusNotFound, "not_found", "task not found")
		return
	}
	deleted = append(deleted, "runs")
	s.logger.Info("task deleted", "task", name, "deleted", deleted)
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"message": "Task " + name + " deleted",
		"deleted": deleted,
	})
}

func taskToResponse(t core.TaskSnapshot) taskResponse {
	res := taskResponse{
		Name:         t.Name,
		Script:       filepath.ToSlash(t.Script),
		Description:  t.Description,
		Enabled:      t.Enabled,
		Running:      t.Running,
		LastRun:      formatTimePtr(t.LastRun),
		RunCount:     t.RunCount,
		ErrorCount:   t.ErrorCount,
		SkippedCount: t.SkippedCount,
		NextRun:      formatTimePtr(t.NextRun),
	}
	if t.Schedule != "" {
		schedule := t.Schedule
		res.Schedule = &schedule
	}
	if t.Interval > 0 {
		interval := t.Interval
		res.Interval = &interval
	}
	if t.LastStatus != nil {
		status := string(*t.LastStatus)
		res.LastStatus = &status
	}
	return res
}

func runNowToResponse(res core.RunNowResult) runNowResponse {
	out := runNowResponse{Status: res.Status, Message: res.Message}
	if r := res.Result; r != nil {
		out.RunID = r.RunID
		out.ExitCode = r.ExitCode
		out.Output = r.Output
		out.Error = r.Error
		if r.RunID != 0 {
			secs := r.DurationSeconds()
			out.DurationSeconds = &secs
		}
	}
	return out
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	formatted := t.UTC().Format(time.RFC3339)
	return &formatted
}

func parseIntDefault(value string, def int) int {
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return parsed
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	payload := map[string]any{
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
	}
	writeJSON(w, status, payload)
}
