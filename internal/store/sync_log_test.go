package store

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/ebarrios/citasync/internal/database"
	"github.com/ebarrios/citasync/internal/model"
)

func setupSyncLogStore(t *testing.T) *SyncLogStore {
	t.Helper()
	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewSyncLogStore(db)
}

func TestCreateAndLatestRunning(t *testing.T) {
	s := setupSyncLogStore(t)
	ctx := context.Background()

	userID := "u-1"
	log, err := s.Create(ctx, "manual", &userID)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if log.Status != model.SyncRunning {
		t.Errorf("status = %q, want RUNNING", log.Status)
	}

	running, err := s.LatestRunning(ctx)
	if err != nil {
		t.Fatalf("latest running: %v", err)
	}
	if running == nil || running.ID != log.ID {
		t.Fatal("latest running should return the created log")
	}
	if running.TriggerUserID == nil || *running.TriggerUserID != "u-1" {
		t.Errorf("trigger user = %v, want u-1", running.TriggerUserID)
	}
}

func TestLatestRunningEmpty(t *testing.T) {
	s := setupSyncLogStore(t)
	running, err := s.LatestRunning(context.Background())
	if err != nil {
		t.Fatalf("latest running: %v", err)
	}
	if running != nil {
		t.Fatal("expected nil with no logs")
	}
}

func TestFinalizeSuccess(t *testing.T) {
	s := setupSyncLogStore(t)
	ctx := context.Background()

	log, err := s.Create(ctx, "manual", nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	fetchedAt := time.Now().UTC()
	err = s.Finalize(ctx, log.ID, FinalizeInput{
		Status:    model.SyncSuccess,
		FetchedAt: &fetchedAt,
		Counts:    DiffCounts{Inserted: 3, Updated: 1, Excluded: 2},
		ChangeDetails: model.ChangeDetails{
			Inserted: []string{"x", "y", "z"},
			Updated:  []model.UpdatedItem{{Summary: "w", Changes: []string{"title"}}},
			Excluded: []string{"p", "q"},
		},
	})
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}

	logs, err := s.List(ctx, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(logs) != 1 {
		t.Fatalf("got %d logs, want 1", len(logs))
	}

	got := logs[0]
	if got.Status != model.SyncSuccess {
		t.Errorf("status = %q, want SUCCESS", got.Status)
	}
	if got.Inserted != 3 || got.Updated != 1 || got.Excluded != 2 {
		t.Errorf("counters = %d/%d/%d, want 3/1/2", got.Inserted, got.Updated, got.Excluded)
	}
	if got.FinishedAt == nil || got.FetchedAt == nil {
		t.Error("finished_at and fetched_at should be set")
	}
	if len(got.ChangeDetails.Inserted) != 3 || len(got.ChangeDetails.Updated) != 1 {
		t.Errorf("change details = %+v", got.ChangeDetails)
	}
	if got.ChangeDetails.Updated[0].Changes[0] != "title" {
		t.Errorf("updated changes = %v, want [title]", got.ChangeDetails.Updated[0].Changes)
	}
}

func TestFinalizeError(t *testing.T) {
	s := setupSyncLogStore(t)
	ctx := context.Background()

	log, _ := s.Create(ctx, "scheduled", nil)
	err := s.Finalize(ctx, log.ID, FinalizeInput{
		Status:       model.SyncError,
		ErrorMessage: "remote unreachable",
	})
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}

	logs, _ := s.List(ctx, 1)
	if logs[0].ErrorMessage == nil || *logs[0].ErrorMessage != "remote unreachable" {
		t.Errorf("error message = %v, want remote unreachable", logs[0].ErrorMessage)
	}
}

func TestFinalizeTerminalLogRejected(t *testing.T) {
	s := setupSyncLogStore(t)
	ctx := context.Background()

	log, _ := s.Create(ctx, "manual", nil)
	if err := s.Finalize(ctx, log.ID, FinalizeInput{Status: model.SyncSuccess}); err != nil {
		t.Fatalf("first finalize: %v", err)
	}

	err := s.Finalize(ctx, log.ID, FinalizeInput{Status: model.SyncError, ErrorMessage: "late"})
	if err == nil {
		t.Fatal("second finalize must fail: terminal logs are immutable")
	}
	if !strings.Contains(err.Error(), "not running") {
		t.Errorf("err = %v, want not-running failure", err)
	}

	logs, _ := s.List(ctx, 1)
	if logs[0].Status != model.SyncSuccess {
		t.Error("terminal status must not change")
	}
}

func TestFinalizeNonTerminalStatusRejected(t *testing.T) {
	s := setupSyncLogStore(t)
	log, _ := s.Create(context.Background(), "manual", nil)
	if err := s.Finalize(context.Background(), log.ID, FinalizeInput{Status: model.SyncRunning}); err == nil {
		t.Fatal("finalizing to RUNNING must be rejected")
	}
}

func TestListMostRecentFirst(t *testing.T) {
	s := setupSyncLogStore(t)
	ctx := context.Background()

	first, _ := s.Create(ctx, "manual", nil)
	s.Finalize(ctx, first.ID, FinalizeInput{Status: model.SyncSuccess})
	second, _ := s.Create(ctx, "scheduled", nil)
	s.Finalize(ctx, second.ID, FinalizeInput{Status: model.SyncError, ErrorMessage: "x"})

	logs, err := s.List(ctx, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(logs) != 2 {
		t.Fatalf("got %d logs, want 2", len(logs))
	}
	if logs[0].ID != second.ID {
		t.Error("most recent log should come first")
	}

	limited, _ := s.List(ctx, 1)
	if len(limited) != 1 {
		t.Fatalf("limit ignored, got %d", len(limited))
	}
}
