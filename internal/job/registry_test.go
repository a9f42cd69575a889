package job

import (
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/ebarrios/citasync/internal/model"
)

func newTestRegistry(onUpdate UpdateFunc) *Registry {
	return NewRegistry(time.Minute, onUpdate, slog.Default())
}

func TestSubmitAndPoll(t *testing.T) {
	r := newTestRegistry(nil)

	j := r.Submit("sync", 10)
	if j.ID == "" {
		t.Fatal("job id should be assigned")
	}
	if j.Status != model.JobPending {
		t.Errorf("status = %q, want pending", j.Status)
	}

	got, err := r.Poll(j.ID)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if got.Total != 10 {
		t.Errorf("total = %d, want 10", got.Total)
	}
}

func TestPollUnknown(t *testing.T) {
	r := newTestRegistry(nil)
	if _, err := r.Poll("nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestLifecycle(t *testing.T) {
	r := newTestRegistry(nil)
	j := r.Submit("reclassify", 0)

	r.Start(j.ID)
	r.SetTotal(j.ID, 60)
	r.Advance(j.ID, 25, "processed 25/60")
	r.Advance(j.ID, 35, "processed 60/60")
	r.Complete(j.ID, "done, 0 errors")

	got, err := r.Poll(j.ID)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if got.Status != model.JobCompleted {
		t.Errorf("status = %q, want completed", got.Status)
	}
	if got.Progress != 60 || got.Total != 60 {
		t.Errorf("progress = %d/%d, want 60/60", got.Progress, got.Total)
	}
	if got.FinishedAt == nil {
		t.Error("finished_at should be set")
	}
}

func TestProgressMonotonic(t *testing.T) {
	r := newTestRegistry(nil)
	j := r.Submit("sync", 5)
	r.Start(j.ID)
	r.Advance(j.ID, 3, "3")
	r.Advance(j.ID, -2, "bogus negative delta")
	r.Advance(j.ID, 0, "zero")

	got, _ := r.Poll(j.ID)
	if got.Progress != 3 {
		t.Fatalf("progress = %d, want 3 (never decreasing)", got.Progress)
	}
	if got.Message != "zero" {
		t.Errorf("message = %q, want zero", got.Message)
	}
}

func TestTerminalIsImmutable(t *testing.T) {
	r := newTestRegistry(nil)
	j := r.Submit("sync", 2)
	r.Start(j.ID)
	r.Advance(j.ID, 2, "done")
	r.Complete(j.ID, "completed")

	// None of these may take effect after the terminal transition.
	r.Fail(j.ID, "too late")
	r.Advance(j.ID, 5, "late progress")
	r.Start(j.ID)

	got, _ := r.Poll(j.ID)
	if got.Status != model.JobCompleted {
		t.Errorf("status = %q, want completed", got.Status)
	}
	if got.Progress != 2 {
		t.Errorf("progress = %d, want 2", got.Progress)
	}
	if got.Message != "completed" {
		t.Errorf("message = %q, want completed", got.Message)
	}
}

func TestTTLEviction(t *testing.T) {
	r := newTestRegistry(nil)

	current := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return current }

	j := r.Submit("sync", 1)
	r.Complete(j.ID, "done")

	// Inside the TTL the job is still pollable.
	current = current.Add(30 * time.Second)
	if _, err := r.Poll(j.ID); err != nil {
		t.Fatalf("poll inside ttl: %v", err)
	}

	// Past the TTL the job is evicted.
	current = current.Add(2 * time.Minute)
	if _, err := r.Poll(j.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound after eviction", err)
	}
}

func TestRunningJobNeverEvicted(t *testing.T) {
	r := newTestRegistry(nil)
	current := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return current }

	j := r.Submit("sync", 1)
	r.Start(j.ID)

	current = current.Add(24 * time.Hour)
	if _, err := r.Poll(j.ID); err != nil {
		t.Fatalf("in-progress job must survive any TTL: %v", err)
	}
}

func TestUpdateCallback(t *testing.T) {
	var seen []model.JobStatus
	r := newTestRegistry(func(j model.Job) {
		seen = append(seen, j.Status)
	})

	j := r.Submit("sync", 1)
	r.Start(j.ID)
	r.Complete(j.ID, "done")

	want := []model.JobStatus{model.JobPending, model.JobInProgress, model.JobCompleted}
	if len(seen) != len(want) {
		t.Fatalf("callbacks = %v, want %v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Errorf("callback %d = %q, want %q", i, seen[i], want[i])
		}
	}
}
