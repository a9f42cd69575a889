package remote

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"
	"github.com/teambition/rrule-go"

	"github.com/ebarrios/citasync/internal/model"
)

// occurrence cap per recurring event, so a malformed RRULE cannot blow up a
// sync run.
const maxOccurrences = 1000

// icsSerialConfig re-serializes a VEVENT for the stored raw payload using
// the standard RFC 5545 folding (75 octets, CRLF).
var icsSerialConfig = &ical.SerializationConfiguration{
	MaxLength:         75,
	PropertyMaxLength: 75,
	NewLine:           "\r\n",
}

// ICSSource fetches an iCalendar feed and maps its VEVENTs into raw events.
// Recurring events are expanded into concrete instances inside the window,
// each with a deterministic per-instance event ID.
type ICSSource struct {
	calendarID string
	url        string
	client     *http.Client
}

func NewICSSource(calendarID, url string) *ICSSource {
	return &ICSSource{
		calendarID: calendarID,
		url:        url,
		client:     newHTTPClient(),
	}
}

func (s *ICSSource) Fetch(ctx context.Context, window model.Window) ([]model.RawEvent, error) {
	body, err := fetchBody(ctx, s.client, s.url)
	if err != nil {
		return nil, err
	}
	return s.parse(body, window)
}

// parse maps an ICS payload onto raw events within the window. Split out
// from Fetch so tests can run it over fixture payloads without a server.
func (s *ICSSource) parse(body []byte, window model.Window) ([]model.RawEvent, error) {
	cal, err := ical.ParseCalendar(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse ics: %w", err)
	}

	var events []model.RawEvent
	for _, ve := range cal.Events() {
		parsed, err := s.parseVEvent(ve, window)
		if err != nil {
			// A single malformed VEVENT is skipped; reconciliation counts
			// identity-less items separately.
			continue
		}
		events = append(events, parsed...)
	}
	return events, nil
}

func (s *ICSSource) parseVEvent(ve *ical.VEvent, window model.Window) ([]model.RawEvent, error) {
	uid := ""
	if p := ve.GetProperty(ical.ComponentPropertyUniqueId); p != nil {
		uid = p.Value
	}

	start, err := ve.GetStartAt()
	if err != nil {
		return nil, fmt.Errorf("vevent %s: missing DTSTART: %w", uid, err)
	}
	end, err := ve.GetEndAt()
	if err != nil || end.Before(start) {
		end = start.Add(30 * time.Minute)
	}

	base := model.RawEvent{
		CalendarID: s.calendarID,
		EventID:    uid,
		StartTime:  start,
		EndTime:    end,
		Status:     "confirmed",
		Payload:    ve.Serialize(icsSerialConfig),
	}
	if p := ve.GetProperty(ical.ComponentPropertySummary); p != nil {
		base.Title = p.Value
	}
	if p := ve.GetProperty(ical.ComponentPropertyDescription); p != nil {
		base.Description = p.Value
	}
	if p := ve.GetProperty(ical.ComponentPropertyLocation); p != nil {
		base.Location = p.Value
	}
	if p := ve.GetProperty(ical.ComponentPropertyStatus); p != nil {
		base.Status = strings.ToLower(p.Value)
	}

	rawRRule := ""
	if p := ve.GetProperty(ical.ComponentPropertyRrule); p != nil {
		rawRRule = p.Value
	}

	if rawRRule == "" {
		if !window.Contains(base.StartTime) {
			return nil, nil
		}
		return []model.RawEvent{base}, nil
	}

	return expandRecurring(base, rawRRule, window)
}

// expandRecurring expands an RRULE into per-instance raw events inside the
// window. Instance IDs are "<uid>/<start RFC3339>" so every occurrence
// reconciles independently.
func expandRecurring(base model.RawEvent, rawRRule string, window model.Window) ([]model.RawEvent, error) {
	opt, err := rrule.StrToROption(rawRRule)
	if err != nil {
		return nil, fmt.Errorf("parse rrule %q: %w", rawRRule, err)
	}
	opt.Dtstart = base.StartTime

	rule, err := rrule.NewRRule(*opt)
	if err != nil {
		return nil, fmt.Errorf("build rrule %q: %w", rawRRule, err)
	}

	duration := base.EndTime.Sub(base.StartTime)
	starts := rule.Between(window.Start, window.End, true)
	if len(starts) > maxOccurrences {
		starts = starts[:maxOccurrences]
	}

	events := make([]model.RawEvent, 0, len(starts))
	for _, occStart := range starts {
		if !window.Contains(occStart) {
			continue
		}
		ev := base
		ev.EventID = fmt.Sprintf("%s/%s", base.EventID, occStart.UTC().Format(time.RFC3339))
		ev.StartTime = occStart
		ev.EndTime = occStart.Add(duration)
		events = append(events, ev)
	}
	return events, nil
}

func readAll(resp *http.Response) ([]byte, error) {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	return body, nil
}
