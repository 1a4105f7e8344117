package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/celestiaorg/provisioner/internal/types"
)

// JobStep records the outcome of one pipeline step for one job
type JobStep struct {
	ID         uint              `json:"-" gorm:"primaryKey"`
	JobID      uuid.UUID         `json:"job_id" gorm:"type:uuid;not null;uniqueIndex:ux_job_steps_job_name,priority:1"`
	Seq        int               `json:"seq" gorm:"not null"`
	Name       string            `json:"name" gorm:"size:64;not null;uniqueIndex:ux_job_steps_job_name,priority:2"`
	Status     types.StepStatus  `json:"status" gorm:"size:32;not null"`
	Attempts   int               `json:"attempts" gorm:"not null;default:0"`
	Output     datatypes.JSONMap `json:"output,omitempty"`
	Error      string            `json:"error,omitempty"`
	StartedAt  *time.Time        `json:"started_at,omitempty"`
	FinishedAt *time.Time        `json:"finished_at,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
	UpdatedAt  time.Time         `json:"updated_at"`
}

// TableName pins the table name
func (JobStep) TableName() string {
	return "job_steps"
}
