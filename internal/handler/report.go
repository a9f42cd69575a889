package handler

import (
	"log/slog"
	"net/http"

	"github.com/ebarrios/citasync/internal/model"
	"github.com/ebarrios/citasync/internal/store"
)

type ReportHandler struct {
	events *store.EventStore
	window func() model.Window
	logger *slog.Logger
}

func NewReportHandler(events *store.EventStore, window func() model.Window, logger *slog.Logger) *ReportHandler {
	return &ReportHandler{events: events, window: window, logger: logger}
}

// Collection summarizes billed versus collected amounts over a time range.
func (h *ReportHandler) Collection(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	win := h.window()
	if raw := q.Get("start"); raw != "" {
		t, err := parseTime(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		win.Start = t
	}
	if raw := q.Get("end"); raw != "" {
		t, err := parseTime(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		win.End = t
	}
	if !win.End.After(win.Start) {
		writeError(w, http.StatusBadRequest, "end must be after start")
		return
	}

	rep, err := h.events.CollectionReport(r.Context(), win)
	if err != nil {
		h.logger.Error("collection report", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to build report")
		return
	}
	writeJSON(w, http.StatusOK, rep)
}
