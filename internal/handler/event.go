package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/ebarrios/citasync/internal/model"
	"github.com/ebarrios/citasync/internal/store"
	"github.com/ebarrios/citasync/internal/websocket"
)

type EventHandler struct {
	events *store.EventStore
	hub    *websocket.Hub
	logger *slog.Logger
	// window supplies the default listing range when the query omits one.
	window func() model.Window
}

func NewEventHandler(events *store.EventStore, hub *websocket.Hub, window func() model.Window, logger *slog.Logger) *EventHandler {
	return &EventHandler{events: events, hub: hub, window: window, logger: logger}
}

func (h *EventHandler) broadcast(msg websocket.Message) {
	if h.hub != nil {
		h.hub.Broadcast(msg)
	}
}

// List returns stored events in a time range, optionally filtered by category.
func (h *EventHandler) List(w http.ResponseWriter, r *http.Request) {
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

	var (
		events []model.CalendarEvent
		err    error
	)
	if raw := q.Get("category"); raw != "" {
		c := model.Category(raw)
		if !model.ValidCategory(c) {
			writeError(w, http.StatusBadRequest, "unknown category")
			return
		}
		events, err = h.events.ListByCategory(r.Context(), win, c)
	} else {
		raw := q.Get("include_excluded")
		includeExcluded := raw == "1" || raw == "true"
		events, err = h.events.ListByWindow(r.Context(), win, includeExcluded)
	}
	if err != nil {
		h.logger.Error("list events", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list events")
		return
	}
	if events == nil {
		events = []model.CalendarEvent{}
	}
	writeJSON(w, http.StatusOK, events)
}

// derivedRequest carries a partial derived-field override. Fields absent from
// the body stay untouched; an explicit null clears the field.
type derivedRequest struct {
	Category        *string  `json:"category"`
	TreatmentStage  *string  `json:"treatment_stage"`
	DosageValue     *float64 `json:"dosage_value"`
	DosageUnit      *string  `json:"dosage_unit"`
	AmountExpected  *int64   `json:"amount_expected"`
	AmountPaid      *int64   `json:"amount_paid"`
	Attended        *bool    `json:"attended"`
	ControlIncluded *bool    `json:"control_included"`
	PaymentRef      *string  `json:"payment_ref"`
}

// UpdateDerived applies a manual override to an event's derived fields.
func (h *EventHandler) UpdateDerived(w http.ResponseWriter, r *http.Request) {
	calendarID := r.PathValue("calendar_id")
	eventID := r.PathValue("event_id")

	body, err := readBody(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}
	var req derivedRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	var present map[string]json.RawMessage
	if err := json.Unmarshal(body, &present); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if len(present) == 0 {
		writeError(w, http.StatusBadRequest, "no fields to update")
		return
	}

	existing, err := h.events.GetByKey(r.Context(), calendarID, eventID)
	if err != nil {
		h.logger.Error("get event", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to get event")
		return
	}
	if existing == nil {
		writeError(w, http.StatusNotFound, "event not found")
		return
	}

	d := existing.Derived
	if err := applyOverride(&d, req, present); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.events.UpdateDerived(r.Context(), calendarID, eventID, d, existing.ClassifiedHash); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "event not found")
			return
		}
		h.logger.Error("update derived fields", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to update event")
		return
	}

	updated, err := h.events.GetByKey(r.Context(), calendarID, eventID)
	if err != nil || updated == nil {
		h.logger.Error("reload event", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to reload event")
		return
	}

	h.broadcast(websocket.NewMessage("event", "updated", eventID, map[string]any{
		"calendar_id": calendarID,
	}))

	writeJSON(w, http.StatusOK, updated)
}

func applyOverride(d *model.DerivedFields, req derivedRequest, present map[string]json.RawMessage) error {
	if _, ok := present["category"]; ok {
		if req.Category == nil {
			d.Category = nil
		} else {
			c := model.Category(*req.Category)
			if !model.ValidCategory(c) {
				return errors.New("unknown category")
			}
			d.Category = &c
		}
	}
	if _, ok := present["treatment_stage"]; ok {
		if req.TreatmentStage == nil {
			d.TreatmentStage = nil
		} else {
			s := model.TreatmentStage(*req.TreatmentStage)
			if s != model.StageInicio && s != model.StageMantenimiento {
				return errors.New("unknown treatment stage")
			}
			d.TreatmentStage = &s
		}
	}
	if _, ok := present["dosage_value"]; ok {
		d.DosageValue = req.DosageValue
	}
	if _, ok := present["dosage_unit"]; ok {
		d.DosageUnit = req.DosageUnit
	}
	if _, ok := present["amount_expected"]; ok {
		if req.AmountExpected != nil && *req.AmountExpected < 0 {
			return errors.New("amount_expected must not be negative")
		}
		d.AmountExpected = req.AmountExpected
	}
	if _, ok := present["amount_paid"]; ok {
		if req.AmountPaid != nil && *req.AmountPaid < 0 {
			return errors.New("amount_paid must not be negative")
		}
		d.AmountPaid = req.AmountPaid
	}
	if _, ok := present["attended"]; ok {
		d.Attended = req.Attended
	}
	if _, ok := present["control_included"]; ok {
		d.ControlIncluded = req.ControlIncluded
	}
	if _, ok := present["payment_ref"]; ok {
		if req.PaymentRef == nil {
			d.PaymentRef = nil
		} else {
			ref, err := model.ParseTxnRef(*req.PaymentRef)
			if err != nil {
				return err
			}
			d.PaymentRef = &ref
		}
	}
	return nil
}
