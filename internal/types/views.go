package types

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// EnqueueJobRequest is the body of POST /jobs
type EnqueueJobRequest struct {
	// ResourceType is "hosting", "cloudpod" or a job type such as CLOUDPOD_RESIZE
	ResourceType   string          `json:"resource_type" validate:"required"`
	ResourceID     string          `json:"resource_id,omitempty"`
	Payload        json.RawMessage `json:"payload" validate:"required"`
	IdempotencyKey string          `json:"idempotency_key,omitempty" validate:"omitempty,max=255"`
	Priority       int             `json:"priority,omitempty"`
	// Delay postpones the first run, e.g. "10m"
	Delay string `json:"delay,omitempty"`
}

// Validate checks the request fields
func (r *EnqueueJobRequest) Validate() error {
	if err := ValidateStruct(r); err != nil {
		return err
	}
	if r.Delay != "" {
		d, err := time.ParseDuration(r.Delay)
		if err != nil {
			return NewValidationError("delay", "invalid duration %q", r.Delay)
		}
		if d < 0 {
			return NewValidationError("delay", "must not be negative")
		}
	}
	return nil
}

// EnqueueJobResponse is returned for an accepted job
type EnqueueJobResponse struct {
	JobID uuid.UUID `json:"job_id"`
}

// DuplicateJobResponse is the data of a 409 response
type DuplicateJobResponse struct {
	IdempotencyKey string    `json:"idempotency_key"`
	ExistingJobID  uuid.UUID `json:"existing_job_id"`
}

// StepResult is the recorded outcome of one pipeline step
type StepResult struct {
	Name       string                 `json:"name"`
	Seq        int                    `json:"seq"`
	Status     StepStatus             `json:"status"`
	Attempts   int                    `json:"attempts"`
	Output     map[string]interface{} `json:"output,omitempty"`
	Error      string                 `json:"error,omitempty"`
	StartedAt  *time.Time             `json:"started_at,omitempty"`
	FinishedAt *time.Time             `json:"finished_at,omitempty"`
}

// JobStatusView is what collaborators see of a job
type JobStatusView struct {
	ID                    uuid.UUID       `json:"id"`
	Type                  JobType         `json:"type"`
	Queue                 string          `json:"queue"`
	Status                JobStatus       `json:"status"`
	Attempts              int             `json:"attempts"`
	MaxAttempts           int             `json:"max_attempts,omitempty"`
	IdempotencyKey        string          `json:"idempotency_key,omitempty"`
	LastError             string          `json:"last_error,omitempty"`
	RequiresManualCleanup bool            `json:"requires_manual_cleanup"`
	CancelRequested       bool            `json:"cancel_requested"`
	Archived              bool            `json:"archived"`
	Result                json.RawMessage `json:"result,omitempty"`
	NextRunAt             *time.Time      `json:"next_run_at,omitempty"`
	StartedAt             *time.Time      `json:"started_at,omitempty"`
	FinishedAt            *time.Time      `json:"finished_at,omitempty"`
	CreatedAt             time.Time       `json:"created_at"`
	StepResults           []StepResult    `json:"step_results"`
}

// ListJobsResponse is a page of jobs
type ListJobsResponse struct {
	Rows       []JobStatusView    `json:"rows"`
	Pagination PaginationResponse `json:"pagination"`
}
