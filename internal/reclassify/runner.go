// Package reclassify re-applies the classification engine over stored
// events in bounded pages, reporting progress through the job registry.
package reclassify

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.uber.org/multierr"

	"github.com/ebarrios/citasync/internal/classify"
	"github.com/ebarrios/citasync/internal/job"
	"github.com/ebarrios/citasync/internal/model"
)

// Mode selects which events a batch touches.
type Mode string

const (
	// ModePending selects only events whose derived fields are incomplete
	// per the configured required-fields set. The selection is a query-side
	// filter, not a full scan.
	ModePending Mode = "pending"
	// ModeForceAll reclassifies every event, overwriting derived fields.
	ModeForceAll Mode = "force_all"
)

const defaultPageSize = 100

// EventSource is the slice of the event store the runner needs.
type EventSource interface {
	CountPending(ctx context.Context, required []string) (int, error)
	ListPendingPage(ctx context.Context, required []string, cursor int64, limit int) ([]model.CalendarEvent, int64, error)
	CountAll(ctx context.Context) (int, error)
	ListPage(ctx context.Context, cursor int64, limit int) ([]model.CalendarEvent, int64, error)
	UpdateDerived(ctx context.Context, calendarID, eventID string, d model.DerivedFields, classifiedHash string) error
}

// Config tunes a runner.
type Config struct {
	// RequiredFields is the set of derived fields that make an event
	// "complete"; anything missing one of them is pending.
	RequiredFields []string
	PageSize       int
}

// Runner drives reclassification batches.
type Runner struct {
	events  EventSource
	jobs    *job.Registry
	cfg     Config
	logger  *slog.Logger
	now     func() time.Time
	baseCtx context.Context
	cancel  context.CancelFunc
	running sync.WaitGroup
}

func New(ctx context.Context, events EventSource, jobs *job.Registry, cfg Config, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = defaultPageSize
	}
	if len(cfg.RequiredFields) == 0 {
		cfg.RequiredFields = []string{"category"}
	}
	baseCtx, cancel := context.WithCancel(ctx)
	return &Runner{
		events:  events,
		jobs:    jobs,
		cfg:     cfg,
		logger:  logger,
		now:     time.Now,
		baseCtx: baseCtx,
		cancel:  cancel,
	}
}

// Stop cancels in-flight batches and waits for them to finalize their jobs.
func (r *Runner) Stop() {
	r.cancel()
	r.running.Wait()
}

// RunBatch counts the selection, submits a job sized to it, and processes
// the batch in the background. The returned total is what the caller
// reports to its client immediately.
func (r *Runner) RunBatch(ctx context.Context, mode Mode) (jobID string, total int, err error) {
	switch mode {
	case ModePending:
		total, err = r.events.CountPending(ctx, r.cfg.RequiredFields)
	case ModeForceAll:
		total, err = r.events.CountAll(ctx)
	default:
		return "", 0, fmt.Errorf("unknown reclassification mode %q", mode)
	}
	if err != nil {
		return "", 0, fmt.Errorf("count %s events: %w", mode, err)
	}

	j := r.jobs.Submit("reclassify", total)
	r.logger.Info("reclassification started", "job_id", j.ID, "mode", string(mode), "total", total)

	r.running.Add(1)
	go func() {
		defer r.running.Done()
		r.run(r.baseCtx, j.ID, mode, total)
	}()

	return j.ID, total, nil
}

func (r *Runner) run(ctx context.Context, jobID string, mode Mode, total int) {
	r.jobs.Start(jobID)

	var (
		processed int
		itemErrs  error
		errCount  int
		cursor    int64
	)

	for {
		if ctx.Err() != nil {
			r.jobs.Fail(jobID, fmt.Sprintf("cancelled after %d/%d events", processed, total))
			return
		}

		page, nextCursor, err := r.fetchPage(ctx, mode, cursor)
		if err != nil {
			// The store is unreachable: systemic, the whole job fails.
			r.logger.Error("reclassification page fetch", "job_id", jobID, "error", err)
			r.jobs.Fail(jobID, fmt.Sprintf("store error after %d/%d events: %v", processed, total, err))
			return
		}
		if len(page) == 0 {
			break
		}
		cursor = nextCursor

		for _, ev := range page {
			if err := r.reclassifyOne(ctx, ev, mode); err != nil {
				if isSystemic(err) {
					r.jobs.Fail(jobID, fmt.Sprintf("store error after %d/%d events: %v", processed, total, err))
					return
				}
				errCount++
				itemErrs = multierr.Append(itemErrs, fmt.Errorf("event %s/%s: %w", ev.CalendarID, ev.EventID, err))
			}
		}

		processed += len(page)
		r.jobs.Advance(jobID, len(page), fmt.Sprintf("reclassified %d/%d events", processed, total))
	}

	if errCount > 0 {
		r.logger.Warn("reclassification finished with item errors", "job_id", jobID, "errors", errCount, "detail", itemErrs)
	}
	r.jobs.Complete(jobID, fmt.Sprintf("reclassified %d events, %d errors", processed, errCount))
	r.logger.Info("reclassification finished", "job_id", jobID, "processed", processed, "errors", errCount)
}

func (r *Runner) fetchPage(ctx context.Context, mode Mode, cursor int64) ([]model.CalendarEvent, int64, error) {
	if mode == ModePending {
		return r.events.ListPendingPage(ctx, r.cfg.RequiredFields, cursor, r.cfg.PageSize)
	}
	return r.events.ListPage(ctx, cursor, r.cfg.PageSize)
}

func (r *Runner) reclassifyOne(ctx context.Context, ev model.CalendarEvent, mode Mode) error {
	existing := ev.Derived
	if mode == ModeForceAll {
		existing = model.DerivedFields{}
	}

	raw := ev.Raw()
	derived := classify.Classify(raw, existing, r.now())
	if mode == ModePending && derived.Equal(ev.Derived) {
		// No new signal; skip the write.
		return nil
	}
	return r.events.UpdateDerived(ctx, ev.CalendarID, ev.EventID, derived, classify.SourceHash(raw))
}

// isSystemic separates store-unreachable faults from per-item failures.
// A row that vanished mid-batch, or a write that stayed locked past its
// retries, is an item-level condition: count it, keep going.
func isSystemic(err error) bool {
	return errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, sql.ErrConnDone) ||
		errors.Is(err, driver.ErrBadConn)
}
