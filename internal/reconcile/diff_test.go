package reconcile

import (
	"testing"
	"time"

	"github.com/ebarrios/citasync/internal/model"
)

var (
	now    = time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)
	window = model.Window{
		Start: time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC),
	}
)

func raw(id, title, desc string, day int) model.RawEvent {
	return model.RawEvent{
		CalendarID:  "clinic",
		EventID:     id,
		Title:       title,
		Description: desc,
		StartTime:   time.Date(2026, 4, day, 10, 0, 0, 0, time.UTC),
		EndTime:     time.Date(2026, 4, day, 10, 30, 0, 0, time.UTC),
	}
}

func storedFrom(r model.RawEvent) model.CalendarEvent {
	res := Diff([]model.RawEvent{r}, nil, window, nil, now)
	ev := res.Inserts[0].Event
	ev.CreatedAt = now
	ev.UpdatedAt = now
	return ev
}

func TestDiffEmptyStoreAllInserts(t *testing.T) {
	remote := []model.RawEvent{
		raw("a", "Consulta Ana", "", 5),
		raw("b", "Pruebas Benito", "", 6),
		raw("c", "Control Carla", "", 7),
	}

	res := Diff(remote, nil, window, nil, now)

	if len(res.Inserts) != 3 || len(res.Updates) != 0 || len(res.Excludes) != 0 {
		t.Fatalf("got %d/%d/%d, want 3 inserts only", len(res.Inserts), len(res.Updates), len(res.Excludes))
	}
	if d := res.Details(); len(d.Inserted) != 3 {
		t.Fatalf("change details inserted = %d, want 3", len(d.Inserted))
	}
}

func TestDiffIdempotent(t *testing.T) {
	remote := []model.RawEvent{
		raw("a", "Consulta Ana", "algo", 5),
		raw("b", "Inmunoterapia subcutánea", "dosis 0,5 ml", 6),
	}

	var stored []model.CalendarEvent
	first := Diff(remote, nil, window, nil, now)
	for _, it := range first.Inserts {
		stored = append(stored, it.Event)
	}

	second := Diff(remote, stored, window, nil, now)
	if second.Total() != 0 {
		t.Fatalf("second run over unchanged snapshot produced %d changes, want 0", second.Total())
	}
}

func TestDiffUpdateEnumeratesChangedFields(t *testing.T) {
	r := raw("a", "Consulta Ana", "", 5)
	stored := storedFrom(r)

	r.Location = "Box 3"
	r.EndTime = r.EndTime.Add(15 * time.Minute)

	res := Diff([]model.RawEvent{r}, []model.CalendarEvent{stored}, window, nil, now)
	if len(res.Updates) != 1 {
		t.Fatalf("got %d updates, want 1", len(res.Updates))
	}

	changes := res.Updates[0].Changes
	if !contains(changes, "location") || !contains(changes, "end_time") {
		t.Fatalf("changes = %v, want location and end_time", changes)
	}
}

func TestDiffSecondGranularityTolerated(t *testing.T) {
	r := raw("a", "Consulta Ana", "", 5)
	stored := storedFrom(r)

	r.StartTime = r.StartTime.Add(300 * time.Millisecond)

	res := Diff([]model.RawEvent{r}, []model.CalendarEvent{stored}, window, nil, now)
	if res.Total() != 0 {
		t.Fatalf("sub-second drift produced %d changes, want 0", res.Total())
	}
}

func TestDiffNegationAddedFlipsAttendance(t *testing.T) {
	r := raw("a", "Consulta Ana", "", 2)
	stored := storedFrom(r)
	attended := true
	stored.Derived.Attended = &attended

	r.Description = "no asiste"

	res := Diff([]model.RawEvent{r}, []model.CalendarEvent{stored}, window, nil, now)
	if len(res.Updates) != 1 {
		t.Fatalf("got %d updates, want 1", len(res.Updates))
	}

	up := res.Updates[0]
	if !contains(up.Changes, "attended") {
		t.Fatalf("changes = %v, want attended listed", up.Changes)
	}
	if up.Event.Derived.Attended == nil || *up.Event.Derived.Attended {
		t.Fatal("attended should be false after negation text appears")
	}
}

func TestDiffNoClobberManualCategory(t *testing.T) {
	r := raw("a", "Cita Ana", "texto sin categoría", 5)
	stored := storedFrom(r)
	manual := model.CategoryPruebas
	stored.Derived.Category = &manual

	// Unchanged remote snapshot: derived fields must survive untouched.
	res := Diff([]model.RawEvent{r}, []model.CalendarEvent{stored}, window, nil, now)
	if res.Total() != 0 {
		t.Fatalf("unchanged event produced %d changes, want 0", res.Total())
	}

	// Non-classification-relevant change: derived fields copy forward.
	r.Location = "Box 1"
	res = Diff([]model.RawEvent{r}, []model.CalendarEvent{stored}, window, nil, now)
	if len(res.Updates) != 1 {
		t.Fatalf("got %d updates, want 1", len(res.Updates))
	}
	got := res.Updates[0].Event.Derived.Category
	if got == nil || *got != model.CategoryPruebas {
		t.Fatal("manual category must survive a location-only update")
	}
}

func TestDiffExcludeInsideWindow(t *testing.T) {
	stored := storedFrom(raw("b", "Consulta Benito", "", 10))

	res := Diff(nil, []model.CalendarEvent{stored}, window, nil, now)
	if len(res.Excludes) != 1 {
		t.Fatalf("got %d excludes, want 1", len(res.Excludes))
	}
	if d := res.Details(); len(d.Excluded) != 1 {
		t.Fatalf("change details excluded = %d, want 1", len(d.Excluded))
	}
}

func TestDiffWindowSafetyNoExcludeOutside(t *testing.T) {
	stored := storedFrom(raw("b", "Consulta Benito", "", 10))
	stored.StartTime = time.Date(2026, 6, 10, 10, 0, 0, 0, time.UTC)

	res := Diff(nil, []model.CalendarEvent{stored}, window, nil, now)
	if len(res.Excludes) != 0 {
		t.Fatal("event outside the sync window must never be excluded")
	}
}

func TestDiffAlreadyExcludedStaysQuiet(t *testing.T) {
	stored := storedFrom(raw("b", "Consulta Benito", "", 10))
	excluded := now.Add(-time.Hour)
	stored.ExcludedAt = &excluded

	res := Diff(nil, []model.CalendarEvent{stored}, window, nil, now)
	if res.Total() != 0 {
		t.Fatal("an already-excluded absent event should produce no changes")
	}
}

func TestDiffReappearingEventRestored(t *testing.T) {
	r := raw("b", "Consulta Benito", "", 10)
	stored := storedFrom(r)
	excluded := now.Add(-time.Hour)
	stored.ExcludedAt = &excluded

	res := Diff([]model.RawEvent{r}, []model.CalendarEvent{stored}, window, nil, now)
	if len(res.Updates) != 1 {
		t.Fatalf("got %d updates, want 1 restore", len(res.Updates))
	}
	if !contains(res.Updates[0].Changes, "restored") {
		t.Fatalf("changes = %v, want restored", res.Updates[0].Changes)
	}
}

func TestDiffSkipsMissingEventID(t *testing.T) {
	remote := []model.RawEvent{
		{CalendarID: "clinic", Title: "Sin ID"},
		raw("a", "Consulta Ana", "", 5),
	}

	res := Diff(remote, nil, window, nil, now)
	if res.SkippedInvalid != 1 {
		t.Fatalf("skipped = %d, want 1", res.SkippedInvalid)
	}
	if len(res.Inserts) != 1 {
		t.Fatalf("inserts = %d, want 1", len(res.Inserts))
	}
}

func TestDiffDuplicateRemoteItemFirstWins(t *testing.T) {
	remote := []model.RawEvent{
		raw("a", "Consulta Ana", "", 5),
		raw("a", "Consulta Ana duplicada", "", 5),
	}

	res := Diff(remote, nil, window, nil, now)
	if len(res.Inserts) != 1 {
		t.Fatalf("inserts = %d, want 1", len(res.Inserts))
	}
	if res.Inserts[0].Event.Title != "Consulta Ana" {
		t.Errorf("title = %q, want first occurrence", res.Inserts[0].Event.Title)
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
