// Package remote fetches event snapshots from external calendar providers.
package remote

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/ebarrios/citasync/internal/model"
)

// Source returns all events falling inside the window. A snapshot is
// authoritative for its window: events the provider omits are gone.
// Errors are transient from the caller's point of view and end the sync run
// as a whole; no partial diff is attempted.
type Source interface {
	Fetch(ctx context.Context, window model.Window) ([]model.RawEvent, error)
}

// Multi fans a fetch out over several sources and concatenates the results.
// Any single failure fails the whole fetch, keeping the snapshot coherent.
type Multi []Source

func (m Multi) Fetch(ctx context.Context, window model.Window) ([]model.RawEvent, error) {
	var all []model.RawEvent
	for _, src := range m {
		events, err := src.Fetch(ctx, window)
		if err != nil {
			return nil, err
		}
		all = append(all, events...)
	}
	return all, nil
}

// newHTTPClient builds the retrying HTTP client both provider types share.
func newHTTPClient() *http.Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 3
	rc.RetryWaitMin = 500 * time.Millisecond
	rc.RetryWaitMax = 5 * time.Second
	rc.HTTPClient.Timeout = 30 * time.Second
	rc.Logger = nil
	return rc.StandardClient()
}

func fetchBody(ctx context.Context, client *http.Client, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch remote calendar: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch remote calendar: unexpected status %s", resp.Status)
	}

	return readAll(resp)
}
