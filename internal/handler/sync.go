package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/ebarrios/citasync/internal/model"
	"github.com/ebarrios/citasync/internal/store"
	"github.com/ebarrios/citasync/internal/syncer"
)

type SyncHandler struct {
	ctrl   *syncer.Controller
	logs   *store.SyncLogStore
	logger *slog.Logger
}

func NewSyncHandler(ctrl *syncer.Controller, logs *store.SyncLogStore, logger *slog.Logger) *SyncHandler {
	return &SyncHandler{ctrl: ctrl, logs: logs, logger: logger}
}

// Trigger starts a sync in the background and returns a pollable job id.
func (h *SyncHandler) Trigger(w http.ResponseWriter, r *http.Request) {
	jobID, err := h.ctrl.Start(r.Context(), "api", triggerUser(r))
	if err != nil {
		if errors.Is(err, syncer.ErrSyncInProgress) {
			writeError(w, http.StatusConflict, "a sync is already in progress")
			return
		}
		h.logger.Error("start sync", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to start sync")
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{
		"job_id":  jobID,
		"status":  "accepted",
		"message": "sync started, poll /jobs/{id} for progress",
	})
}

// Logs lists recent sync runs, most recent first.
func (h *SyncHandler) Logs(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	logs, err := h.logs.List(r.Context(), limit)
	if err != nil {
		h.logger.Error("list sync logs", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list sync logs")
		return
	}
	if logs == nil {
		logs = []model.SyncLog{}
	}
	writeJSON(w, http.StatusOK, logs)
}
