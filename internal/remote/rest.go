package remote

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/tidwall/gjson"

	"github.com/ebarrios/citasync/internal/model"
)

// RESTSource fetches a JSON calendar API of the form
// GET <base>?start=<RFC3339>&end=<RFC3339> returning
// {"events": [{"id": ..., "title": ..., "start": ..., ...}, ...]}.
// Each item's raw JSON is preserved as the event payload.
type RESTSource struct {
	calendarID string
	baseURL    string
	client     *http.Client
}

func NewRESTSource(calendarID, baseURL string) *RESTSource {
	return &RESTSource{
		calendarID: calendarID,
		baseURL:    baseURL,
		client:     newHTTPClient(),
	}
}

func (s *RESTSource) Fetch(ctx context.Context, window model.Window) ([]model.RawEvent, error) {
	u, err := url.Parse(s.baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	q := u.Query()
	q.Set("start", window.Start.UTC().Format(time.RFC3339))
	q.Set("end", window.End.UTC().Format(time.RFC3339))
	u.RawQuery = q.Encode()

	body, err := fetchBody(ctx, s.client, u.String())
	if err != nil {
		return nil, err
	}
	return s.parse(body, window)
}

func (s *RESTSource) parse(body []byte, window model.Window) ([]model.RawEvent, error) {
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("parse calendar response: malformed json")
	}

	items := gjson.GetBytes(body, "events")
	if !items.Exists() || !items.IsArray() {
		return nil, fmt.Errorf("parse calendar response: missing events array")
	}

	var events []model.RawEvent
	var parseErr error
	items.ForEach(func(_, item gjson.Result) bool {
		start, err := time.Parse(time.RFC3339, item.Get("start").String())
		if err != nil {
			parseErr = fmt.Errorf("parse event start %q: %w", item.Get("start").String(), err)
			return false
		}
		end, err := time.Parse(time.RFC3339, item.Get("end").String())
		if err != nil {
			end = start.Add(30 * time.Minute)
		}

		if !window.Contains(start) {
			return true
		}

		events = append(events, model.RawEvent{
			CalendarID:  s.calendarID,
			EventID:     item.Get("id").String(),
			Title:       item.Get("title").String(),
			Description: item.Get("description").String(),
			StartTime:   start,
			EndTime:     end,
			Status:      item.Get("status").String(),
			Location:    item.Get("location").String(),
			Payload:     item.Raw,
		})
		return true
	})
	if parseErr != nil {
		return nil, parseErr
	}
	return events, nil
}
