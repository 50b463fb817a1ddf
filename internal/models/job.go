package models

import (
	"time"

	"github.com/google/uuid"
)

// JobStatus is the queue state of a job row.
type JobStatus string

const (
	JobStatusQueued  JobStatus = "queued"
	JobStatusRunning JobStatus = "running"
	JobStatusDone    JobStatus = "done"
	JobStatusFailed  JobStatus = "failed"
	JobStatusDead    JobStatus = "dead"
)

// Job is a persisted unit of background work.
type Job struct {
	ID        uuid.UUID  `json:"id"`
	Type      string     `json:"type"`
	Payload   []byte     `json:"payload"`
	RunAt     time.Time  `json:"run_at"`
	Attempts  int        `json:"attempts"`
	LockedAt  *time.Time `json:"locked_at,omitempty"`
	LockedBy  *string    `json:"locked_by,omitempty"`
	Status    JobStatus  `json:"status"`
	Error     *string    `json:"error,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}
