package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/celestiaorg/provisioner/internal/types"
)

// Column names used in hand-written queries
const (
	JobIDField             = "id"
	JobQueueField          = "queue"
	JobStatusField         = "status"
	JobPriorityField       = "priority"
	JobNextRunAtField      = "next_run_at"
	JobLockedByField       = "locked_by"
	JobLeaseExpiresAtField = "lease_expires_at"
	JobAttemptsField       = "attempts"
	JobCreatedAtField      = "created_at"
	JobFinishedAtField     = "finished_at"
	JobIdempotencyKeyField = "idempotency_key"
)

// ActiveIdempotencyIndex is the partial unique index that keeps at most one
// active job per idempotency key.
const ActiveIdempotencyIndex = "ux_jobs_active_idempotency_key"

// Job is a unit of work in a named queue
type Job struct {
	ID                    uuid.UUID       `json:"id" gorm:"type:uuid;primaryKey"`
	Type                  types.JobType   `json:"type" gorm:"size:64;not null;index"`
	Queue                 string          `json:"queue" gorm:"size:64;not null;index:idx_jobs_lease,priority:1"`
	Status                types.JobStatus `json:"status" gorm:"size:32;not null;index:idx_jobs_lease,priority:2"`
	Priority              int             `json:"priority" gorm:"not null;default:0"`
	Payload               datatypes.JSON  `json:"payload"`
	Attempts              int             `json:"attempts" gorm:"not null;default:0"`
	MaxAttempts           int             `json:"max_attempts" gorm:"not null"`
	NextRunAt             *time.Time      `json:"next_run_at,omitempty" gorm:"index:idx_jobs_lease,priority:3"`
	IdempotencyKey        *string         `json:"idempotency_key,omitempty" gorm:"size:255"`
	LockedBy              string          `json:"locked_by,omitempty" gorm:"size:128"`
	LeaseExpiresAt        *time.Time      `json:"lease_expires_at,omitempty" gorm:"index"`
	StartedAt             *time.Time      `json:"started_at,omitempty"`
	FinishedAt            *time.Time      `json:"finished_at,omitempty"`
	ProcessingMS          int64           `json:"processing_ms"`
	CancelRequested       bool            `json:"cancel_requested" gorm:"not null;default:false"`
	RequiresManualCleanup bool            `json:"requires_manual_cleanup" gorm:"not null;default:false"`
	Result                datatypes.JSON  `json:"result,omitempty"`
	LastError             string          `json:"last_error,omitempty"`
	CreatedAt             time.Time       `json:"created_at" gorm:"index"`
	UpdatedAt             time.Time       `json:"updated_at"`
}

// TableName pins the table name
func (Job) TableName() string {
	return "jobs"
}

// BeforeCreate assigns an id when the caller did not
func (j *Job) BeforeCreate(_ *gorm.DB) error {
	if j.ID == uuid.Nil {
		j.ID = uuid.New()
	}
	return nil
}

// Key returns the idempotency key or the empty string
func (j *Job) Key() string {
	if j.IdempotencyKey == nil {
		return ""
	}
	return *j.IdempotencyKey
}

// DecodePayload unmarshals the payload into v
func (j *Job) DecodePayload(v interface{}) error {
	return json.Unmarshal(j.Payload, v)
}

// HeldBy reports whether workerID currently holds a live lease on the job
func (j *Job) HeldBy(workerID string, now time.Time) bool {
	return j.Status == types.JobStatusProcessing &&
		j.LockedBy == workerID &&
		j.LeaseExpiresAt != nil &&
		j.LeaseExpiresAt.After(now)
}

// JobFilter narrows job listings
type JobFilter struct {
	Queue  string
	Type   types.JobType
	Status types.JobStatus
}
