package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"botfactory/internal/store"
)

type saveBotRequest struct {
	Name   string          `json:"name" validate:"required,taskname"`
	Config json.RawMessage `json:"config" validate:"required"`
}

func (s *Server) handleListBots(w http.ResponseWriter, r *http.Request) {
	configs, err := s.store.ListBotConfigs(r.Context())
	if err != nil {
		s.logger.Error("list bot configs", "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to list bots")
		return
	}
	writeJSON(w, http.StatusOK, configs)
}

func (s *Server) handleSaveBot(w http.ResponseWriter, r *http.Request) {
	var req saveBotRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}
	if err := validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", validationMessage(err))
		return
	}
	if string(req.Config) == "null" {
		writeError(w, http.StatusBadRequest, "invalid_input", "config is required")
		return
	}
	if err := s.store.SaveBotConfig(r.Context(), req.Name, req.Config); err != nil {
		s.logger.Error("save bot config", "bot", req.Name, "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to save bot")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "message": "Bot saved"})
}

func (s *Server) handleGetBot(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	cfg, err := s.store.GetBotConfig(r.Context(), name)
	if err != nil {
		if errors.Is(err, store.ErrBotConfigNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "bot not found")
		} else {
			s.logger.Error("get bot config", "bot", name, "err", err)
			writeError(w, http.StatusInternalServerError, "internal_error", "failed to load bot")
		}
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (s *Server) handleDeleteBot(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	deleted, err := s.store.DeleteBotConfig(r.Context(), name)
	if err != nil {
		s.logger.Error("delete bot config", "bot", name, "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to delete bot")
		return
	}
	if !deleted {
		writeError(w, http.StatusNotFound, "not_found", "bot not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return err.Error()
	}
	fe := verrs[0]
	switch fe.Tag() {
	case "taskname":
		return "Invalid name. Use only letters, numbers, dash, underscore."
	case "required":
		return fe.Field() + " is required"
	default:
		return fe.Field() + " is invalid"
	}
}
