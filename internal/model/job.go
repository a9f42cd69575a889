package model

import "time"

// JobStatus is the lifecycle state of a background job.
type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobInProgress JobStatus = "in_progress"
	JobCompleted  JobStatus = "completed"
	JobError      JobStatus = "error"
)

// Terminal reports whether the status is final. Terminal jobs are immutable
// and a job never regresses to a non-terminal state.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobError
}

// Job is a pollable record of a long-running operation (sync or batch
// reclassification). It is mutated only by the owning background task;
// pollers receive copies.
type Job struct {
	ID         string     `json:"job_id"`
	Kind       string     `json:"kind"`
	Status     JobStatus  `json:"status"`
	Progress   int        `json:"progress"`
	Total      int        `json:"total"`
	Message    string     `json:"message"`
	CreatedAt  time.Time  `json:"created_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}
