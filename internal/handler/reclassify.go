package handler

import (
	"log/slog"
	"net/http"

	"github.com/ebarrios/citasync/internal/reclassify"
)

type ReclassifyHandler struct {
	runner *reclassify.Runner
	logger *slog.Logger
}

func NewReclassifyHandler(runner *reclassify.Runner, logger *slog.Logger) *ReclassifyHandler {
	return &ReclassifyHandler{runner: runner, logger: logger}
}

// Pending reclassifies only events with incomplete derived fields.
func (h *ReclassifyHandler) Pending(w http.ResponseWriter, r *http.Request) {
	h.start(w, r, reclassify.ModePending)
}

// All reclassifies every stored event, overwriting derived fields.
func (h *ReclassifyHandler) All(w http.ResponseWriter, r *http.Request) {
	h.start(w, r, reclassify.ModeForceAll)
}

func (h *ReclassifyHandler) start(w http.ResponseWriter, r *http.Request, mode reclassify.Mode) {
	jobID, total, err := h.runner.RunBatch(r.Context(), mode)
	if err != nil {
		h.logger.Error("start reclassification", "mode", string(mode), "error", err)
		writeError(w, http.StatusInternalServerError, "failed to start reclassification")
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"job_id":       jobID,
		"status":       "accepted",
		"total_events": total,
	})
}
