package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ebarrios/citasync/internal/model"
)

// SyncLogStore persists sync run history. A log is created RUNNING and
// finalized exactly once; the finalize statement refuses to touch a log that
// already reached a terminal status.
type SyncLogStore struct {
	db *sql.DB
}

func NewSyncLogStore(db *sql.DB) *SyncLogStore {
	return &SyncLogStore{db: db}
}

// Create inserts a new RUNNING log for a sync that is about to start.
func (s *SyncLogStore) Create(ctx context.Context, triggerSource string, triggerUserID *string) (*model.SyncLog, error) {
	startedAt := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO sync_logs (status, started_at, trigger_source, trigger_user_id)
		 VALUES (?, ?, ?, ?)`,
		string(model.SyncRunning), startedAt, triggerSource, nullableString(triggerUserID),
	)
	if err != nil {
		return nil, fmt.Errorf("insert sync log: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("last insert id: %w", err)
	}

	return &model.SyncLog{
		ID:            id,
		Status:        model.SyncRunning,
		StartedAt:     startedAt,
		TriggerSource: triggerSource,
		TriggerUserID: triggerUserID,
	}, nil
}

// FinalizeInput carries everything a terminal transition records.
type FinalizeInput struct {
	Status        model.SyncStatus
	FetchedAt     *time.Time
	Counts        DiffCounts
	ChangeDetails model.ChangeDetails
	ErrorMessage  string
}

// Finalize moves a RUNNING log to SUCCESS or ERROR. Finalizing a log that is
// already terminal is an error; terminal logs are immutable.
func (s *SyncLogStore) Finalize(ctx context.Context, id int64, in FinalizeInput) error {
	if in.Status != model.SyncSuccess && in.Status != model.SyncError {
		return fmt.Errorf("finalize sync log %d: %q is not a terminal status", id, in.Status)
	}

	details, err := json.Marshal(in.ChangeDetails)
	if err != nil {
		return fmt.Errorf("marshal change details: %w", err)
	}

	var errMsg any
	if in.ErrorMessage != "" {
		errMsg = in.ErrorMessage
	}

	var fetchedAt any
	if in.FetchedAt != nil {
		fetchedAt = in.FetchedAt.UTC()
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE sync_logs SET
		 status = ?, finished_at = ?, fetched_at = ?,
		 inserted = ?, updated = ?, skipped = ?, excluded = ?,
		 change_details = ?, error_message = ?
		 WHERE id = ? AND status = ?`,
		string(in.Status), time.Now().UTC(), fetchedAt,
		in.Counts.Inserted, in.Counts.Updated, in.Counts.Skipped, in.Counts.Excluded,
		string(details), errMsg,
		id, string(model.SyncRunning),
	)
	if err != nil {
		return fmt.Errorf("finalize sync log: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("finalize sync log %d: not running", id)
	}
	return nil
}

// LatestRunning returns the most recent RUNNING log, or (nil, nil) when no
// sync is in flight. The sync controller uses it for the single-flight and
// stale-lock checks.
func (s *SyncLogStore) LatestRunning(ctx context.Context) (*model.SyncLog, error) {
	row := s.db.QueryRowContext(ctx,
		selectSyncLog+` WHERE status = ? ORDER BY started_at DESC, id DESC LIMIT 1`,
		string(model.SyncRunning),
	)
	log, err := scanSyncLog(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query running sync log: %w", err)
	}
	return log, nil
}

// List returns sync history, most recent first.
func (s *SyncLogStore) List(ctx context.Context, limit int) ([]model.SyncLog, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := s.db.QueryContext(ctx,
		selectSyncLog+` ORDER BY started_at DESC, id DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query sync logs: %w", err)
	}
	defer rows.Close()

	var logs []model.SyncLog
	for rows.Next() {
		log, err := scanSyncLog(rows)
		if err != nil {
			return nil, fmt.Errorf("scan sync log: %w", err)
		}
		logs = append(logs, *log)
	}
	return logs, rows.Err()
}

const selectSyncLog = `SELECT id, status, started_at, finished_at, fetched_at,
 inserted, updated, skipped, excluded, change_details, trigger_source, trigger_user_id, error_message
 FROM sync_logs`

func scanSyncLog(sc rowScanner) (*model.SyncLog, error) {
	var (
		log        model.SyncLog
		status     string
		finishedAt sql.NullTime
		fetchedAt  sql.NullTime
		details    string
		userID     sql.NullString
		errMsg     sql.NullString
	)

	err := sc.Scan(&log.ID, &status, &log.StartedAt, &finishedAt, &fetchedAt,
		&log.Inserted, &log.Updated, &log.Skipped, &log.Excluded,
		&details, &log.TriggerSource, &userID, &errMsg)
	if err != nil {
		return nil, err
	}

	log.Status = model.SyncStatus(status)
	if finishedAt.Valid {
		t := finishedAt.Time
		log.FinishedAt = &t
	}
	if fetchedAt.Valid {
		t := fetchedAt.Time
		log.FetchedAt = &t
	}
	if userID.Valid {
		log.TriggerUserID = &userID.String
	}
	if errMsg.Valid {
		log.ErrorMessage = &errMsg.String
	}
	if details != "" && details != "{}" {
		if err := json.Unmarshal([]byte(details), &log.ChangeDetails); err != nil {
			return nil, fmt.Errorf("unmarshal change details: %w", err)
		}
	}

	return &log, nil
}
