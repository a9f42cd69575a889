// Package reconcile computes the minimal set of inserts, updates, and
// excludes needed to make the local store match a remote snapshot.
package reconcile

import (
	"fmt"
	"time"

	"github.com/ebarrios/citasync/internal/classify"
	"github.com/ebarrios/citasync/internal/model"
)

// ClassifyFunc derives business fields for an event. The default is
// classify.Classify; tests substitute their own.
type ClassifyFunc func(raw model.RawEvent, existing model.DerivedFields, now time.Time) model.DerivedFields

// ChangeItem is one reconciliation decision. Event carries the row to write
// for inserts and updates; for excludes only the key fields are meaningful.
type ChangeItem struct {
	Event   model.CalendarEvent
	Summary string
	Changes []string
}

// Result partitions a diff into its three write classes. SkippedInvalid
// counts remote items rejected for missing identity fields.
type Result struct {
	Inserts        []ChangeItem
	Updates        []ChangeItem
	Excludes       []ChangeItem
	SkippedInvalid int
}

// Total is the number of writes the diff will attempt.
func (r Result) Total() int {
	return len(r.Inserts) + len(r.Updates) + len(r.Excludes)
}

type key struct {
	calendarID string
	eventID    string
}

// classification-relevant source fields: when one of these changes, the
// classifier re-runs over the existing derived fields; otherwise derived
// fields are copied forward untouched.
var classificationRelevant = map[string]bool{
	"title":       true,
	"description": true,
	"start_time":  true,
	"end_time":    true,
	"status":      true,
}

// Diff compares a remote snapshot against the stored snapshot for the same
// window. Remote items missing an event ID are skipped and counted, never
// fatal. Stored events absent from the remote snapshot are excluded only
// when their start time lies inside the window the snapshot covers.
func Diff(remote []model.RawEvent, stored []model.CalendarEvent, window model.Window, classifier ClassifyFunc, now time.Time) Result {
	if classifier == nil {
		classifier = classify.Classify
	}

	var res Result

	byKey := make(map[key]model.CalendarEvent, len(stored))
	for _, ev := range stored {
		byKey[key{ev.CalendarID, ev.EventID}] = ev
	}

	seen := make(map[key]bool, len(remote))
	for _, raw := range remote {
		if raw.EventID == "" || raw.CalendarID == "" {
			res.SkippedInvalid++
			continue
		}
		k := key{raw.CalendarID, raw.EventID}
		if seen[k] {
			// Provider sent a duplicate; first occurrence wins.
			continue
		}
		seen[k] = true

		prev, exists := byKey[k]
		if !exists {
			res.Inserts = append(res.Inserts, buildInsert(raw, classifier, now))
			continue
		}

		if item, changed := buildUpdate(raw, prev, classifier, now); changed {
			res.Updates = append(res.Updates, item)
		}
	}

	for _, ev := range stored {
		k := key{ev.CalendarID, ev.EventID}
		if seen[k] || ev.ExcludedAt != nil {
			continue
		}
		// Window safety: never exclude an event the snapshot did not cover.
		if !window.Contains(ev.StartTime) {
			continue
		}
		res.Excludes = append(res.Excludes, ChangeItem{
			Event:   ev,
			Summary: summarize(ev.StartTime, ev.Title, ev.EventID),
		})
	}

	return res
}

func buildInsert(raw model.RawEvent, classifier ClassifyFunc, now time.Time) ChangeItem {
	ev := fromRaw(raw)
	ev.Derived = classifier(raw, model.DerivedFields{}, now)
	ev.ClassifiedHash = classify.SourceHash(raw)
	return ChangeItem{
		Event:   ev,
		Summary: summarize(raw.StartTime, raw.Title, raw.EventID),
	}
}

func buildUpdate(raw model.RawEvent, prev model.CalendarEvent, classifier ClassifyFunc, now time.Time) (ChangeItem, bool) {
	changes := sourceFieldChanges(raw, prev)
	restored := prev.ExcludedAt != nil
	if len(changes) == 0 && !restored {
		return ChangeItem{}, false
	}

	ev := fromRaw(raw)
	ev.CreatedAt = prev.CreatedAt

	relevant := restored
	for _, c := range changes {
		if classificationRelevant[c] {
			relevant = true
		}
	}

	if relevant {
		ev.Derived = classifier(raw, prev.Derived, now)
		ev.ClassifiedHash = classify.SourceHash(raw)
		changes = append(changes, derivedFieldChanges(prev.Derived, ev.Derived)...)
	} else {
		ev.Derived = prev.Derived
		ev.ClassifiedHash = prev.ClassifiedHash
	}

	if restored {
		changes = append(changes, "restored")
	}

	return ChangeItem{
		Event:   ev,
		Summary: summarize(raw.StartTime, raw.Title, raw.EventID),
		Changes: changes,
	}, true
}

// sourceFieldChanges lists the source-of-truth fields that differ between
// the remote item and the stored row. Timestamps compare at second
// granularity to tolerate provider round-tripping.
func sourceFieldChanges(raw model.RawEvent, prev model.CalendarEvent) []string {
	var changes []string
	if raw.Title != prev.Title {
		changes = append(changes, "title")
	}
	if raw.Description != prev.Description {
		changes = append(changes, "description")
	}
	if !sameSecond(raw.StartTime, prev.StartTime) {
		changes = append(changes, "start_time")
	}
	if !sameSecond(raw.EndTime, prev.EndTime) {
		changes = append(changes, "end_time")
	}
	if raw.Status != prev.Status {
		changes = append(changes, "status")
	}
	if raw.Location != prev.Location {
		changes = append(changes, "location")
	}
	return changes
}

// derivedFieldChanges lists the derived fields the classifier actually
// changed, so change summaries surface e.g. an attendance flip caused by a
// new "no asiste" in the description.
func derivedFieldChanges(before, after model.DerivedFields) []string {
	var changes []string
	if !eqPtr(before.Category, after.Category) {
		changes = append(changes, "category")
	}
	if !eqPtr(before.TreatmentStage, after.TreatmentStage) {
		changes = append(changes, "treatment_stage")
	}
	if !eqPtr(before.DosageValue, after.DosageValue) || !eqPtr(before.DosageUnit, after.DosageUnit) {
		changes = append(changes, "dosage")
	}
	if !eqPtr(before.AmountExpected, after.AmountExpected) {
		changes = append(changes, "amount_expected")
	}
	if !eqPtr(before.AmountPaid, after.AmountPaid) {
		changes = append(changes, "amount_paid")
	}
	if !eqPtr(before.Attended, after.Attended) {
		changes = append(changes, "attended")
	}
	if !eqPtr(before.ControlIncluded, after.ControlIncluded) {
		changes = append(changes, "control_included")
	}
	return changes
}

func eqPtr[T comparable](a, b *T) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func sameSecond(a, b time.Time) bool {
	return a.UTC().Truncate(time.Second).Equal(b.UTC().Truncate(time.Second))
}

func fromRaw(raw model.RawEvent) model.CalendarEvent {
	return model.CalendarEvent{
		CalendarID:  raw.CalendarID,
		EventID:     raw.EventID,
		Title:       raw.Title,
		Description: raw.Description,
		StartTime:   raw.StartTime,
		EndTime:     raw.EndTime,
		Status:      raw.Status,
		Location:    raw.Location,
		Payload:     raw.Payload,
	}
}

func summarize(start time.Time, title, eventID string) string {
	if title == "" {
		title = "(sin título)"
	}
	return fmt.Sprintf("%s %s (%s)", start.Format("2006-01-02 15:04"), title, eventID)
}

// Details renders the diff into the SyncLog wire shape.
func (r Result) Details() model.ChangeDetails {
	d := model.ChangeDetails{
		Inserted: make([]string, 0, len(r.Inserts)),
		Updated:  make([]model.UpdatedItem, 0, len(r.Updates)),
		Excluded: make([]string, 0, len(r.Excludes)),
	}
	for _, it := range r.Inserts {
		d.Inserted = append(d.Inserted, it.Summary)
	}
	for _, it := range r.Updates {
		d.Updated = append(d.Updated, model.UpdatedItem{Summary: it.Summary, Changes: it.Changes})
	}
	for _, it := range r.Excludes {
		d.Excluded = append(d.Excluded, it.Summary)
	}
	return d
}
