// Package job tracks long-running operations as addressable, pollable
// records. The registry is an injected component, not a package-level map,
// so a persistent backing store can replace it without touching callers.
package job

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ebarrios/citasync/internal/model"
)

// ErrNotFound is returned when polling an unknown or evicted job.
var ErrNotFound = errors.New("job not found")

const defaultTTL = 30 * time.Minute

// UpdateFunc is invoked after every job mutation, outside the registry lock.
// The server wires it to the WebSocket hub for live progress.
type UpdateFunc func(model.Job)

// Registry holds in-flight and recently finished jobs. Terminal jobs are
// evicted after their TTL elapses; pollers then get ErrNotFound.
type Registry struct {
	mu       sync.Mutex
	jobs     map[string]*model.Job
	ttl      time.Duration
	now      func() time.Time
	onUpdate UpdateFunc
	logger   *slog.Logger
}

// NewRegistry creates a registry with the given eviction TTL for terminal
// jobs. A non-positive ttl falls back to the default.
func NewRegistry(ttl time.Duration, onUpdate UpdateFunc, logger *slog.Logger) *Registry {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		jobs:     make(map[string]*model.Job),
		ttl:      ttl,
		now:      time.Now,
		onUpdate: onUpdate,
		logger:   logger,
	}
}

// Submit registers a new pending job and returns it immediately. The caller
// owns driving it through Start/Advance/Complete/Fail.
func (r *Registry) Submit(kind string, total int) model.Job {
	j := model.Job{
		ID:        uuid.NewString(),
		Kind:      kind,
		Status:    model.JobPending,
		Total:     total,
		CreatedAt: r.now().UTC(),
	}

	r.mu.Lock()
	r.evictLocked()
	r.jobs[j.ID] = &j
	snapshot := j
	r.mu.Unlock()

	r.logger.Info("job submitted", "job_id", j.ID, "kind", kind, "total", total)
	r.notify(snapshot)
	return snapshot
}

// Poll returns a copy of the job's current state. It is side-effect-free
// apart from TTL eviction of other, long-terminal jobs.
func (r *Registry) Poll(id string) (model.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.evictLocked()
	j, ok := r.jobs[id]
	if !ok {
		return model.Job{}, fmt.Errorf("poll %q: %w", id, ErrNotFound)
	}
	return *j, nil
}

// Start moves a pending job to in_progress.
func (r *Registry) Start(id string) {
	r.mutate(id, func(j *model.Job) {
		if j.Status == model.JobPending {
			j.Status = model.JobInProgress
		}
	})
}

// SetTotal fixes the planned unit count once it is known.
func (r *Registry) SetTotal(id string, total int) {
	r.mutate(id, func(j *model.Job) {
		j.Total = total
	})
}

// Advance adds delta processed units and replaces the status message.
// Progress is monotonic: a non-positive delta only updates the message.
func (r *Registry) Advance(id string, delta int, message string) {
	r.mutate(id, func(j *model.Job) {
		if delta > 0 {
			j.Progress += delta
		}
		j.Message = message
	})
}

// Complete finalizes the job successfully.
func (r *Registry) Complete(id string, message string) {
	r.finalize(id, model.JobCompleted, message)
}

// Fail finalizes the job with an error message.
func (r *Registry) Fail(id string, message string) {
	r.finalize(id, model.JobError, message)
}

func (r *Registry) finalize(id string, status model.JobStatus, message string) {
	r.mutate(id, func(j *model.Job) {
		j.Status = status
		j.Message = message
		t := r.now().UTC()
		j.FinishedAt = &t
	})
}

// mutate applies fn under the lock, refusing to touch terminal jobs, and
// notifies listeners with the resulting snapshot.
func (r *Registry) mutate(id string, fn func(*model.Job)) {
	r.mu.Lock()
	j, ok := r.jobs[id]
	if !ok || j.Status.Terminal() {
		r.mu.Unlock()
		return
	}
	fn(j)
	snapshot := *j
	r.mu.Unlock()

	r.notify(snapshot)
}

func (r *Registry) notify(j model.Job) {
	if r.onUpdate != nil {
		r.onUpdate(j)
	}
}

// evictLocked drops terminal jobs whose TTL has elapsed. Callers hold r.mu.
func (r *Registry) evictLocked() {
	cutoff := r.now().Add(-r.ttl)
	for id, j := range r.jobs {
		if j.Status.Terminal() && j.FinishedAt != nil && j.FinishedAt.Before(cutoff) {
			delete(r.jobs, id)
		}
	}
}
