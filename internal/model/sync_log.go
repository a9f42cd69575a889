package model

import (
	"encoding/json"
	"time"
)

// SyncStatus is the lifecycle state of a sync run.
type SyncStatus string

const (
	SyncRunning SyncStatus = "RUNNING"
	SyncSuccess SyncStatus = "SUCCESS"
	SyncError   SyncStatus = "ERROR"
)

// UpdatedItem is one updated event in a change summary. On the wire it is
// either a plain summary string or {"summary": ..., "changes": [...]} when
// the list of changed field names is known.
type UpdatedItem struct {
	Summary string   `json:"summary"`
	Changes []string `json:"changes,omitempty"`
}

func (u UpdatedItem) MarshalJSON() ([]byte, error) {
	if len(u.Changes) == 0 {
		return json.Marshal(u.Summary)
	}
	type alias UpdatedItem
	return json.Marshal(alias(u))
}

func (u *UpdatedItem) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		u.Summary = s
		u.Changes = nil
		return nil
	}
	type alias UpdatedItem
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*u = UpdatedItem(a)
	return nil
}

// ChangeDetails is the structured, human-readable diff recorded on a SyncLog.
type ChangeDetails struct {
	Inserted []string      `json:"inserted"`
	Updated  []UpdatedItem `json:"updated"`
	Excluded []string      `json:"excluded"`
}

// SyncLog records one reconciliation run. Created RUNNING at sync start and
// finalized exactly once as SUCCESS or ERROR; immutable thereafter.
type SyncLog struct {
	ID            int64         `json:"id"`
	Status        SyncStatus    `json:"status"`
	StartedAt     time.Time     `json:"started_at"`
	FinishedAt    *time.Time    `json:"finished_at,omitempty"`
	FetchedAt     *time.Time    `json:"fetched_at,omitempty"`
	Inserted      int           `json:"inserted"`
	Updated       int           `json:"updated"`
	Skipped       int           `json:"skipped"`
	Excluded      int           `json:"excluded"`
	ChangeDetails ChangeDetails `json:"change_details"`
	TriggerSource string        `json:"trigger_source"`
	TriggerUserID *string       `json:"trigger_user_id,omitempty"`
	ErrorMessage  *string       `json:"error_message,omitempty"`
}
