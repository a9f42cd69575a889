package remote

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ebarrios/citasync/internal/model"
)

var testWindow = model.Window{
	Start: time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC),
	End:   time.Date(2026, 4, 8, 0, 0, 0, 0, time.UTC),
}

const icsFixture = `BEGIN:VCALENDAR
VERSION:2.0
PRODID:-//clinic//ES
BEGIN:VEVENT
UID:cita-1@clinic
DTSTART:20260402T100000Z
DTEND:20260402T103000Z
SUMMARY:Consulta Ana López
DESCRIPTION:valor $15.000
LOCATION:Box 2
END:VEVENT
BEGIN:VEVENT
UID:fuera-de-ventana@clinic
DTSTART:20260510T100000Z
DTEND:20260510T103000Z
SUMMARY:Consulta fuera de ventana
END:VEVENT
END:VCALENDAR
`

const icsRecurringFixture = `BEGIN:VCALENDAR
VERSION:2.0
PRODID:-//clinic//ES
BEGIN:VEVENT
UID:vacuna-semanal@clinic
DTSTART:20260401T090000Z
DTEND:20260401T091500Z
RRULE:FREQ=DAILY;COUNT=3
SUMMARY:Inmunoterapia subcutánea
END:VEVENT
END:VCALENDAR
`

func TestICSParse(t *testing.T) {
	s := NewICSSource("clinic", "http://unused")
	events, err := s.parse([]byte(icsFixture), testWindow)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1 (out-of-window filtered)", len(events))
	}

	ev := events[0]
	if ev.EventID != "cita-1@clinic" {
		t.Errorf("event id = %q", ev.EventID)
	}
	if ev.Title != "Consulta Ana López" {
		t.Errorf("title = %q", ev.Title)
	}
	if !strings.Contains(ev.Description, "15.000") {
		t.Errorf("description = %q", ev.Description)
	}
	if !ev.StartTime.Equal(time.Date(2026, 4, 2, 10, 0, 0, 0, time.UTC)) {
		t.Errorf("start = %v", ev.StartTime)
	}
	if !strings.Contains(ev.Payload, "BEGIN:VEVENT") || !strings.Contains(ev.Payload, "UID:cita-1@clinic") {
		t.Errorf("payload should be the re-serialized VEVENT, got %q", ev.Payload)
	}
	if !strings.Contains(ev.Payload, "\r\n") {
		t.Errorf("payload should use CRLF line endings, got %q", ev.Payload)
	}
}

func TestICSRecurringExpansion(t *testing.T) {
	s := NewICSSource("clinic", "http://unused")
	events, err := s.parse([]byte(icsRecurringFixture), testWindow)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("got %d occurrences, want 3", len(events))
	}

	ids := map[string]bool{}
	for _, ev := range events {
		if !strings.HasPrefix(ev.EventID, "vacuna-semanal@clinic/") {
			t.Errorf("instance id = %q, want uid-prefixed", ev.EventID)
		}
		if ids[ev.EventID] {
			t.Errorf("duplicate instance id %q", ev.EventID)
		}
		ids[ev.EventID] = true
		if got := ev.EndTime.Sub(ev.StartTime); got != 15*time.Minute {
			t.Errorf("duration = %v, want 15m", got)
		}
	}
}

func TestICSFetchHTTP(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(icsFixture))
	}))
	defer srv.Close()

	s := NewICSSource("clinic", srv.URL)
	events, err := s.Fetch(context.Background(), testWindow)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
}

func TestICSFetchServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer srv.Close()

	s := NewICSSource("clinic", srv.URL)
	// Plain client: no point retrying a deterministic 502 in a test.
	s.client = srv.Client()

	if _, err := s.Fetch(context.Background(), testWindow); err == nil {
		t.Fatal("fetch should surface the upstream error")
	}
}

func TestRESTParse(t *testing.T) {
	body := `{"events": [
		{"id": "e-1", "title": "Consulta", "description": "no asiste",
		 "start": "2026-04-03T10:00:00Z", "end": "2026-04-03T10:30:00Z",
		 "status": "confirmed", "location": "Box 1"},
		{"id": "e-2", "title": "Fuera de ventana",
		 "start": "2026-06-01T10:00:00Z", "end": "2026-06-01T10:30:00Z"}
	]}`

	s := NewRESTSource("clinic", "http://unused")
	events, err := s.parse([]byte(body), testWindow)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}

	ev := events[0]
	if ev.EventID != "e-1" || ev.Description != "no asiste" || ev.Location != "Box 1" {
		t.Errorf("event = %+v", ev)
	}
	if !strings.Contains(ev.Payload, `"id": "e-1"`) {
		t.Errorf("payload should keep the provider item, got %q", ev.Payload)
	}
}

func TestRESTParseMalformed(t *testing.T) {
	s := NewRESTSource("clinic", "http://unused")
	if _, err := s.parse([]byte("not json"), testWindow); err == nil {
		t.Fatal("malformed body should fail")
	}
	if _, err := s.parse([]byte(`{"items": []}`), testWindow); err == nil {
		t.Fatal("missing events array should fail")
	}
}

func TestRESTFetchSendsWindow(t *testing.T) {
	var gotStart, gotEnd string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotStart = r.URL.Query().Get("start")
		gotEnd = r.URL.Query().Get("end")
		w.Write([]byte(`{"events": []}`))
	}))
	defer srv.Close()

	s := NewRESTSource("clinic", srv.URL)
	if _, err := s.Fetch(context.Background(), testWindow); err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if gotStart != "2026-04-01T00:00:00Z" || gotEnd != "2026-04-08T00:00:00Z" {
		t.Errorf("window params = %q .. %q", gotStart, gotEnd)
	}
}

type stubSource struct {
	events []model.RawEvent
	err    error
}

func (s stubSource) Fetch(context.Context, model.Window) ([]model.RawEvent, error) {
	return s.events, s.err
}

func TestMultiConcatenates(t *testing.T) {
	m := Multi{
		stubSource{events: []model.RawEvent{{CalendarID: "a", EventID: "1"}}},
		stubSource{events: []model.RawEvent{{CalendarID: "b", EventID: "2"}}},
	}
	events, err := m.Fetch(context.Background(), testWindow)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}
}

func TestMultiFailsWhole(t *testing.T) {
	m := Multi{
		stubSource{events: []model.RawEvent{{CalendarID: "a", EventID: "1"}}},
		stubSource{err: context.DeadlineExceeded},
	}
	if _, err := m.Fetch(context.Background(), testWindow); err == nil {
		t.Fatal("one failing source must fail the whole fetch")
	}
}
