package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/celestiaorg/provisioner/internal/types"
)

// ArchivedJob is a terminal job moved out of the hot jobs table
type ArchivedJob struct {
	ID             uuid.UUID       `json:"id" gorm:"type:uuid;primaryKey"`
	Type           types.JobType   `json:"type" gorm:"size:64;not null"`
	Queue          string          `json:"queue" gorm:"size:64;not null"`
	Status         types.JobStatus `json:"status" gorm:"size:32;not null"`
	Attempts       int             `json:"attempts"`
	IdempotencyKey *string         `json:"idempotency_key,omitempty" gorm:"size:255;index"`
	Payload        datatypes.JSON  `json:"payload"`
	Result         datatypes.JSON  `json:"result,omitempty"`
	LastError      string          `json:"last_error,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	FinishedAt     *time.Time      `json:"finished_at,omitempty"`
	ArchivedAt     time.Time       `json:"archived_at" gorm:"index"`
}

// TableName pins the table name
func (ArchivedJob) TableName() string {
	return "archived_jobs"
}

// NewArchivedJob copies the fields of a terminal job
func NewArchivedJob(j *Job, at time.Time) *ArchivedJob {
	return &ArchivedJob{
		ID:             j.ID,
		Type:           j.Type,
		Queue:          j.Queue,
		Status:         j.Status,
		Attempts:       j.Attempts,
		IdempotencyKey: j.IdempotencyKey,
		Payload:        j.Payload,
		Result:         j.Result,
		LastError:      j.LastError,
		CreatedAt:      j.CreatedAt,
		FinishedAt:     j.FinishedAt,
		ArchivedAt:     at,
	}
}
