// Package syncer orchestrates one reconciliation run end to end: fetch,
// diff, classify, apply, finalize. At most one sync is in flight at a time.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ebarrios/citasync/internal/job"
	"github.com/ebarrios/citasync/internal/model"
	"github.com/ebarrios/citasync/internal/reconcile"
	"github.com/ebarrios/citasync/internal/remote"
	"github.com/ebarrios/citasync/internal/store"
)

// ErrSyncInProgress is returned when a sync is already running and its log
// is not yet stale.
var ErrSyncInProgress = errors.New("a sync is already running")

// DefaultStaleLock is how long a RUNNING log blocks new syncs. A crashed
// worker leaves its log RUNNING forever; past this window the log stops
// counting for single-flight but is never rewritten.
const DefaultStaleLock = 15 * time.Minute

// EventStore is the slice of the store the controller needs.
type EventStore interface {
	ListByWindow(ctx context.Context, w model.Window, includeExcluded bool) ([]model.CalendarEvent, error)
	ApplyDiff(ctx context.Context, diff reconcile.Result, progress func(done int)) (store.DiffCounts, error)
}

// SyncLogStore is the slice of the log store the controller needs.
type SyncLogStore interface {
	Create(ctx context.Context, triggerSource string, triggerUserID *string) (*model.SyncLog, error)
	Finalize(ctx context.Context, id int64, in store.FinalizeInput) error
	LatestRunning(ctx context.Context) (*model.SyncLog, error)
}

// Config tunes a controller.
type Config struct {
	// Window half-widths: the sync window is [today-PastDays, today+FutureDays).
	PastDays   int
	FutureDays int
	// StaleLock overrides DefaultStaleLock when positive.
	StaleLock time.Duration
}

// Controller starts and runs sync jobs.
type Controller struct {
	remote    remote.Source
	events    EventStore
	logs      SyncLogStore
	jobs      *job.Registry
	cfg       Config
	staleLock time.Duration
	logger    *slog.Logger
	now       func() time.Time

	mu      sync.Mutex
	baseCtx context.Context
	cancel  context.CancelFunc
	running sync.WaitGroup
}

// New creates a controller. Background runs are children of ctx; cancelling
// it (via Stop) makes in-flight runs finalize with partial counters.
func New(ctx context.Context, src remote.Source, events EventStore, logs SyncLogStore, jobs *job.Registry, cfg Config, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	staleLock := cfg.StaleLock
	if staleLock <= 0 {
		staleLock = DefaultStaleLock
	}
	baseCtx, cancel := context.WithCancel(ctx)
	return &Controller{
		remote:    src,
		events:    events,
		logs:      logs,
		jobs:      jobs,
		cfg:       cfg,
		staleLock: staleLock,
		logger:    logger,
		now:       time.Now,
		baseCtx:   baseCtx,
		cancel:    cancel,
	}
}

// Window computes the date range the next sync run will cover.
func (c *Controller) Window() model.Window {
	day := c.now().UTC().Truncate(24 * time.Hour)
	return model.Window{
		Start: day.AddDate(0, 0, -c.cfg.PastDays),
		End:   day.AddDate(0, 0, c.cfg.FutureDays+1),
	}
}

// Start begins a sync run in the background and returns its job ID
// immediately. It fails fast with ErrSyncInProgress while another run's log
// is RUNNING and fresher than the stale-lock window; a stale RUNNING log is
// ignored for this check but left untouched in history.
func (c *Controller) Start(ctx context.Context, triggerSource string, triggerUserID *string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	running, err := c.logs.LatestRunning(ctx)
	if err != nil {
		return "", fmt.Errorf("check running sync: %w", err)
	}
	if running != nil && c.now().Sub(running.StartedAt) < c.staleLock {
		return "", ErrSyncInProgress
	}
	if running != nil {
		c.logger.Warn("ignoring stale running sync log", "sync_log_id", running.ID, "started_at", running.StartedAt)
	}

	syncLog, err := c.logs.Create(ctx, triggerSource, triggerUserID)
	if err != nil {
		return "", fmt.Errorf("create sync log: %w", err)
	}

	j := c.jobs.Submit("sync", 0)
	c.logger.Info("sync started", "sync_log_id", syncLog.ID, "job_id", j.ID, "trigger", triggerSource)

	c.running.Add(1)
	go func() {
		defer c.running.Done()
		c.run(c.baseCtx, syncLog.ID, j.ID)
	}()

	return j.ID, nil
}

// Stop cancels in-flight runs and waits for them to finalize their logs.
func (c *Controller) Stop() {
	c.cancel()
	c.running.Wait()
}

func (c *Controller) run(ctx context.Context, syncLogID int64, jobID string) {
	window := c.Window()
	c.jobs.Start(jobID)
	c.jobs.Advance(jobID, 0, "fetching remote calendar")

	remoteEvents, err := c.remote.Fetch(ctx, window)
	if err != nil {
		c.fail(syncLogID, jobID, nil, store.DiffCounts{}, model.ChangeDetails{}, fmt.Errorf("remote fetch: %w", err))
		return
	}
	fetchedAt := c.now().UTC()

	stored, err := c.events.ListByWindow(ctx, window, true)
	if err != nil {
		c.fail(syncLogID, jobID, &fetchedAt, store.DiffCounts{}, model.ChangeDetails{}, fmt.Errorf("load stored snapshot: %w", err))
		return
	}

	diff := reconcile.Diff(remoteEvents, stored, window, nil, c.now())
	details := diff.Details()
	total := diff.Total()
	c.jobs.SetTotal(jobID, total)
	c.jobs.Advance(jobID, 0, fmt.Sprintf("applying %d changes", total))

	var lastDone int
	counts, err := c.events.ApplyDiff(ctx, diff, func(done int) {
		delta := done - lastDone
		lastDone = done
		c.jobs.Advance(jobID, delta, fmt.Sprintf("applied %d/%d changes", done, total))
	})
	if err != nil {
		// Partial application: the counters reflect exactly what committed.
		c.fail(syncLogID, jobID, &fetchedAt, counts, details, fmt.Errorf("apply diff: %w", err))
		return
	}

	err = c.logs.Finalize(ctx, syncLogID, store.FinalizeInput{
		Status:        model.SyncSuccess,
		FetchedAt:     &fetchedAt,
		Counts:        counts,
		ChangeDetails: details,
	})
	if err != nil {
		c.logger.Error("finalize sync log", "sync_log_id", syncLogID, "error", err)
	}

	msg := fmt.Sprintf("sync complete: %d inserted, %d updated, %d excluded, %d skipped",
		counts.Inserted, counts.Updated, counts.Excluded, counts.Skipped)
	c.jobs.Complete(jobID, msg)
	c.logger.Info("sync finished", "sync_log_id", syncLogID,
		"inserted", counts.Inserted, "updated", counts.Updated,
		"excluded", counts.Excluded, "skipped", counts.Skipped)
}

// fail finalizes both the sync log and the job with the run's error.
// Finalization uses a fresh context: the run context may already be dead,
// and a cancelled run must still leave a terminal log behind.
func (c *Controller) fail(syncLogID int64, jobID string, fetchedAt *time.Time, counts store.DiffCounts, details model.ChangeDetails, runErr error) {
	c.logger.Error("sync failed", "sync_log_id", syncLogID, "error", runErr)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := c.logs.Finalize(ctx, syncLogID, store.FinalizeInput{
		Status:        model.SyncError,
		FetchedAt:     fetchedAt,
		Counts:        counts,
		ChangeDetails: details,
		ErrorMessage:  runErr.Error(),
	})
	if err != nil {
		c.logger.Error("finalize failed sync log", "sync_log_id", syncLogID, "error", err)
	}

	c.jobs.Fail(jobID, runErr.Error())
}
