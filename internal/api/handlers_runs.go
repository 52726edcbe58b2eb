package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"botfactory/internal/core"
	"botfactory/internal/store"
)

type runResponse struct {
	ID              int64    `json:"id"`
	TaskName        string   `json:"task_name"`
	StartedAt       string   `json:"started_at"`
	FinishedAt      *string  `json:"finished_at"`
	Status          string   `json:"status"`
	ExitCode        *int     `json:"exit_code"`
	DurationSeconds *float64 `json:"duration_seconds"`
	Output          *string  `json:"output,omitempty"`
	Error           *string  `json:"error,omitempty"`
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	opts := store.ListRunsOptions{
		TaskName: strings.TrimSpace(r.URL.Query().Get("task")),
		Limit:    parseIntDefault(r.URL.Query().Get("limit"), store.DefaultRunsLimit),
	}
	runs, err := s.store.ListRuns(r.Context(), opts)
	if err != nil {
		s.logger.Error("list runs", "task", opts.TaskName, "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to list runs")
		return
	}
	resp := make([]runResponse, 0, len(runs))
	for _, run := range runs {
		resp = append(resp, runToResponse(run))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	runID, ok := parseRunID(w, r)
	if !ok {
		return
	}
	run, err := s.store.GetRun(r.Context(), runID)
	if err != nil {
		if errors.Is(err, store.ErrRunNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "run not found")
		} else {
			s.logger.Error("get run", "run_id", runID, "err", err)
			writeError(w, http.StatusInternalServerError, "internal_error", "failed to load run")
		}
		return
	}
	writeJSON(w, http.StatusOK, runToResponse(run))
}

func (s *Server) handleDeleteRun(w http.ResponseWriter, r *http.Request) {
	runID, ok := parseRunID(w, r)
	if !ok {
		return
	}
	deleted, err := s.store.DeleteRun(r.Context(), runID)
	if err != nil {
		s.logger.Error("delete run", "run_id", runID, "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to delete run")
		return
	}
	if !deleted {
		writeError(w, http.StatusNotFound, "not_found", "run not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleClearRuns(w http.ResponseWriter, r *http.Request) {
	task := strings.TrimSpace(r.URL.Query().Get("task"))
	n, err := s.store.ClearRuns(r.Context(), task)
	if err != nil {
		s.logger.Error("clear runs", "task", task, "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to clear runs")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "deleted": n})
}

func parseRunID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "runID"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid_input", "run id must be a positive integer")
		return 0, false
	}
	return id, true
}

func runToResponse(run *core.Run) runResponse {
	return runResponse{
		ID:              run.ID,
		TaskName:        run.TaskName,
		StartedAt:       *formatTimePtr(&run.StartedAt),
		FinishedAt:      formatTimePtr(run.FinishedAt),
		Status:          string(run.Status),
		ExitCode:        run.ExitCode,
		DurationSeconds: run.DurationSeconds,
		Output:          run.Output,
		Error:           run.Error,
	}
}
