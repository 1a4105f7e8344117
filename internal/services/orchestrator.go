package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/celestiaorg/provisioner/internal/db/models"
	"github.com/celestiaorg/provisioner/internal/logger"
	"github.com/celestiaorg/provisioner/internal/queue"
	"github.com/celestiaorg/provisioner/internal/types"
)

// Resource types accepted in place of a job type
const (
	ResourceHosting  = "hosting"
	ResourceCloudPod = "cloudpod"
)

// resourceFields names the payload field that carries the resource id of
// each job type
var resourceFields = map[types.JobType]string{
	types.JobTypeHostingProvision:  "subscription_id",
	types.JobTypeCloudPodProvision: "pod_id",
	types.JobTypeCloudPodResize:    "pod_id",
	types.JobTypeCloudPodSuspend:   "pod_id",
	types.JobTypeCloudPodResume:    "pod_id",
	types.JobTypeCloudPodDelete:    "pod_id",
	types.JobTypeSuspendService:    "subscription_id",
	types.JobTypeSSLRenew:          "certificate_id",
	types.JobTypeBackupCleanup:     "resource_id",
	types.JobTypeRenewalInvoice:    "subscription_id",
}

// EnqueueRequest is a full enqueue call
type EnqueueRequest struct {
	ResourceType   string
	ResourceID     string
	Payload        json.RawMessage
	IdempotencyKey string
	Priority       int
	Delay          time.Duration
}

// Orchestrator is the API other services use to drive provisioning
type Orchestrator struct {
	dispatcher *queue.Dispatcher
}

// NewOrchestrator creates a new orchestrator over the dispatcher
func NewOrchestrator(d *queue.Dispatcher) *Orchestrator {
	return &Orchestrator{dispatcher: d}
}

// EnqueueProvisioningJob validates and queues a job for a resource. A
// conflicting idempotency key returns a *types.DuplicateJobError carrying
// the id of the active job.
func (o *Orchestrator) EnqueueProvisioningJob(ctx context.Context, resourceType, resourceID string, payload json.RawMessage, idempotencyKey string) (uuid.UUID, error) {
	return o.Enqueue(ctx, EnqueueRequest{
		ResourceType:   resourceType,
		ResourceID:     resourceID,
		Payload:        payload,
		IdempotencyKey: idempotencyKey,
	})
}

// Enqueue is EnqueueProvisioningJob with priority and delay
func (o *Orchestrator) Enqueue(ctx context.Context, req EnqueueRequest) (uuid.UUID, error) {
	jobType, err := ResolveJobType(req.ResourceType)
	if err != nil {
		return uuid.Nil, err
	}
	payload, err := withResourceID(jobType, req.ResourceID, req.Payload)
	if err != nil {
		return uuid.Nil, err
	}

	job, err := o.dispatcher.Enqueue(ctx, jobType, payload, queue.EnqueueOptions{
		IdempotencyKey: req.IdempotencyKey,
		Priority:       req.Priority,
		Delay:          req.Delay,
	})
	if err != nil {
		return uuid.Nil, err
	}
	return job.ID, nil
}

// ResolveJobType maps a resource type or a job type name to a job type
func ResolveJobType(resourceType string) (types.JobType, error) {
	switch strings.ToLower(resourceType) {
	case ResourceHosting:
		return types.JobTypeHostingProvision, nil
	case ResourceCloudPod:
		return types.JobTypeCloudPodProvision, nil
	}
	t, err := types.ParseJobType(strings.ToUpper(resourceType))
	if err != nil {
		return "", types.NewValidationError("resource_type", "unknown resource type %q", resourceType)
	}
	return t, nil
}

// withResourceID fills the resource id into the payload when the caller left
// it out, and rejects a payload that names a different resource.
func withResourceID(jobType types.JobType, resourceID string, payload json.RawMessage) (json.RawMessage, error) {
	field, ok := resourceFields[jobType]
	if resourceID == "" || !ok {
		return payload, nil
	}

	fields := map[string]interface{}{}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &fields); err != nil {
			return nil, types.NewValidationError("payload", "payload must be a JSON object: %v", err)
		}
	}
	if existing, ok := fields[field]; ok && existing != nil {
		if fmt.Sprint(existing) != resourceID {
			return nil, types.NewValidationError(field, "payload %s %v does not match resource id %q", field, existing, resourceID)
		}
		return payload, nil
	}
	fields[field] = resourceID

	out, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("failed to encode payload: %w", err)
	}
	return out, nil
}

// GetJobStatus returns the job with its step results. Jobs that have been
// archived are still found, without step details.
func (o *Orchestrator) GetJobStatus(ctx context.Context, jobID uuid.UUID) (*types.JobStatusView, error) {
	job, err := o.dispatcher.Get(ctx, jobID)
	if errors.Is(err, types.ErrJobNotFound) {
		archived, aerr := o.dispatcher.GetArchived(ctx, jobID)
		if aerr != nil {
			return nil, aerr
		}
		return archivedView(archived), nil
	}
	if err != nil {
		return nil, err
	}

	steps, err := o.dispatcher.Steps(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to load steps of job %s: %w", jobID, err)
	}
	view := jobView(job)
	view.StepResults = stepResults(steps)
	return view, nil
}

// RetryJob re-queues a failed or dead-lettered job
func (o *Orchestrator) RetryJob(ctx context.Context, jobID uuid.UUID) (*types.JobStatusView, error) {
	job, err := o.dispatcher.Retry(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return jobView(job), nil
}

// CancelJob cancels a pending job or asks a running one to stop
func (o *Orchestrator) CancelJob(ctx context.Context, jobID uuid.UUID) (*types.JobStatusView, error) {
	job, err := o.dispatcher.Cancel(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status == types.JobStatusProcessing {
		logger.Infof("Job %s will stop at its next step", jobID)
	}
	return jobView(job), nil
}

// ListQueueStats returns stats for every queue
func (o *Orchestrator) ListQueueStats(ctx context.Context) ([]*queue.QueueStats, error) {
	return o.dispatcher.ListStats(ctx)
}

// ListJobs returns a page of jobs without step details
func (o *Orchestrator) ListJobs(ctx context.Context, filter models.JobFilter, opts *models.ListOptions) ([]types.JobStatusView, int64, error) {
	if filter.Queue != "" && !types.IsValidQueue(filter.Queue) {
		return nil, 0, types.NewValidationError("queue", "unknown queue %q", filter.Queue)
	}
	if opts == nil {
		opts = &models.ListOptions{}
	}
	opts.Normalize()

	jobs, total, err := o.dispatcher.List(ctx, filter, opts)
	if err != nil {
		return nil, 0, err
	}
	views := make([]types.JobStatusView, 0, len(jobs))
	for i := range jobs {
		views = append(views, *jobView(&jobs[i]))
	}
	return views, total, nil
}

func jobView(job *models.Job) *types.JobStatusView {
	return &types.JobStatusView{
		ID:                    job.ID,
		Type:                  job.Type,
		Queue:                 job.Queue,
		Status:                job.Status,
		Attempts:              job.Attempts,
		MaxAttempts:           job.MaxAttempts,
		IdempotencyKey:        job.Key(),
		LastError:             job.LastError,
		RequiresManualCleanup: job.RequiresManualCleanup,
		CancelRequested:       job.CancelRequested,
		Result:                json.RawMessage(job.Result),
		NextRunAt:             job.NextRunAt,
		StartedAt:             job.StartedAt,
		FinishedAt:            job.FinishedAt,
		CreatedAt:             job.CreatedAt,
		StepResults:           []types.StepResult{},
	}
}

func archivedView(job *models.ArchivedJob) *types.JobStatusView {
	key := ""
	if job.IdempotencyKey != nil {
		key = *job.IdempotencyKey
	}
	return &types.JobStatusView{
		ID:             job.ID,
		Type:           job.Type,
		Queue:          job.Queue,
		Status:         job.Status,
		Attempts:       job.Attempts,
		IdempotencyKey: key,
		LastError:      job.LastError,
		Archived:       true,
		Result:         json.RawMessage(job.Result),
		FinishedAt:     job.FinishedAt,
		CreatedAt:      job.CreatedAt,
		StepResults:    []types.StepResult{},
	}
}

func stepResults(steps []models.JobStep) []types.StepResult {
	out := make([]types.StepResult, 0, len(steps))
	for _, s := range steps {
		out = append(out, types.StepResult{
			Name:       s.Name,
			Seq:        s.Seq,
			Status:     s.Status,
			Attempts:   s.Attempts,
			Output:     map[string]interface{}(s.Output),
			Error:      s.Error,
			StartedAt:  s.StartedAt,
			FinishedAt: s.FinishedAt,
		})
	}
	return out
}
