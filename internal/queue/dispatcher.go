// Package queue implements the dispatcher that owns every job status
// transition: enqueue, lease, ack, fail, sweep, cancel and retry.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/celestiaorg/provisioner/internal/db"
	"github.com/celestiaorg/provisioner/internal/db/models"
	"github.com/celestiaorg/provisioner/internal/db/repos"
	"github.com/celestiaorg/provisioner/internal/events"
	"github.com/celestiaorg/provisioner/internal/logger"
	"github.com/celestiaorg/provisioner/internal/types"
)

// Defaults
const (
	DefaultMaxAttempts = 5
	DefaultSweepBatch  = 100
)

// Options configures a Dispatcher
type Options struct {
	Backoff     Backoff
	MaxAttempts int
	Bus         *events.Bus
	Alerter     Alerter
	// Now overrides the clock, mostly for tests
	Now func() time.Time
}

// Dispatcher is the single entry point for job state changes
type Dispatcher struct {
	jobs        *repos.JobRepository
	steps       *repos.JobStepRepository
	backoff     Backoff
	maxAttempts int
	bus         *events.Bus
	alerter     Alerter
	now         func() time.Time
}

// NewDispatcher creates a dispatcher over the given store
func NewDispatcher(jobs *repos.JobRepository, steps *repos.JobStepRepository, opts Options) *Dispatcher {
	if opts.Backoff.Base <= 0 {
		opts.Backoff = DefaultBackoff()
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.Alerter == nil {
		opts.Alerter = LogAlerter{}
	}
	if opts.Now == nil {
		opts.Now = db.Now
	}
	return &Dispatcher{
		jobs:        jobs,
		steps:       steps,
		backoff:     opts.Backoff,
		maxAttempts: opts.MaxAttempts,
		bus:         opts.Bus,
		alerter:     opts.Alerter,
		now:         opts.Now,
	}
}

// EnqueueOptions tune a single enqueue call
type EnqueueOptions struct {
	// Queue defaults to the job type's queue
	Queue    string
	Priority int
	Delay    time.Duration
	// IdempotencyKey, when set, rejects the enqueue while another job with
	// the same key is pending or processing
	IdempotencyKey string
	MaxAttempts    int
}

// Enqueue validates and stores a new pending job. A conflicting active
// idempotency key yields a *types.DuplicateJobError.
func (d *Dispatcher) Enqueue(ctx context.Context, jobType types.JobType, payload interface{}, opts EnqueueOptions) (*models.Job, error) {
	if !jobType.Valid() {
		return nil, types.NewValidationError("type", "unknown job type %q", jobType)
	}

	raw, err := marshalPayload(payload)
	if err != nil {
		return nil, err
	}
	if err := types.ValidatePayload(jobType, raw); err != nil {
		return nil, err
	}

	queue := opts.Queue
	if queue == "" {
		queue = jobType.DefaultQueue()
	}
	if !types.IsValidQueue(queue) {
		return nil, types.NewValidationError("queue", "unknown queue %q", queue)
	}

	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = d.maxAttempts
	}
	if opts.Delay < 0 {
		return nil, types.NewValidationError("delay", "must not be negative")
	}

	now := d.now()
	runAt := now.Add(opts.Delay)
	job := &models.Job{
		ID:          uuid.New(),
		Type:        jobType,
		Queue:       queue,
		Status:      types.JobStatusPending,
		Priority:    opts.Priority,
		Payload:     datatypes.JSON(raw),
		MaxAttempts: maxAttempts,
		NextRunAt:   &runAt,
	}
	if opts.IdempotencyKey != "" {
		key := opts.IdempotencyKey
		job.IdempotencyKey = &key
	}

	if err := d.jobs.Create(ctx, job); err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) && job.IdempotencyKey != nil {
			return nil, d.duplicate(ctx, *job.IdempotencyKey)
		}
		return nil, err
	}

	logger.InfoWithFields("Job enqueued", map[string]interface{}{
		"job_id":          job.ID,
		"job_type":        job.Type,
		"queue":           job.Queue,
		"idempotency_key": job.Key(),
	})
	d.publish(events.EventJobEnqueued, job, "")
	return job, nil
}

func (d *Dispatcher) duplicate(ctx context.Context, key string) error {
	dup := &types.DuplicateJobError{IdempotencyKey: key}
	existing, err := d.jobs.GetActiveByIdempotencyKey(ctx, key)
	if err != nil {
		logger.Warnf("Failed to look up job holding idempotency key %s: %v", key, err)
	} else if existing != nil {
		dup.ExistingJobID = existing.ID
	}
	return dup
}

func marshalPayload(payload interface{}) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return json.RawMessage("{}"), nil
	case json.RawMessage:
		return p, nil
	case []byte:
		return json.RawMessage(p), nil
	default:
		raw, err := json.Marshal(p)
		if err != nil {
			return nil, types.NewValidationError("payload", "cannot encode payload: %v", err)
		}
		return raw, nil
	}
}

// Lease claims the next eligible job of queue for workerID, or returns nil
// when the queue has nothing due.
func (d *Dispatcher) Lease(ctx context.Context, queue, workerID string, leaseDuration time.Duration) (*models.Job, error) {
	return d.jobs.ClaimNext(ctx, queue, workerID, d.now(), leaseDuration)
}

// Extend renews the lease of a running job
func (d *Dispatcher) Extend(ctx context.Context, jobID uuid.UUID, workerID string, leaseDuration time.Duration) error {
	return d.jobs.ExtendLease(ctx, jobID, workerID, d.now().Add(leaseDuration))
}

// Ack marks a leased job completed with the given result
func (d *Dispatcher) Ack(ctx context.Context, job *models.Job, workerID string, result interface{}) error {
	var raw datatypes.JSON
	if result != nil {
		b, err := json.Marshal(result)
		if err != nil {
			return fmt.Errorf("failed to marshal result of job %s: %w", job.ID, err)
		}
		raw = b
	}

	now := d.now()
	if err := d.jobs.Complete(ctx, job.ID, workerID, now, elapsedMS(job, now), raw); err != nil {
		return err
	}
	job.Status = types.JobStatusCompleted
	d.publish(events.EventJobCompleted, job, "")
	return nil
}

// Fail records a failed attempt and decides what happens next:
//   - permanent errors end the job as failed
//   - cancellation ends it as cancelled
//   - a lost lease writes nothing, the new holder or the sweep owns the job
//   - anything else is retried with backoff until attempts reach
//     max_attempts, after which the job is dead-lettered
//
// The resulting status is returned.
func (d *Dispatcher) Fail(ctx context.Context, job *models.Job, workerID string, cause error) (types.JobStatus, error) {
	now := d.now()
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}

	fields := map[string]interface{}{
		"job_id":    job.ID,
		"job_type":  job.Type,
		"queue":     job.Queue,
		"worker_id": workerID,
		"attempts":  job.Attempts,
		"error":     msg,
	}

	switch {
	case errors.Is(cause, types.ErrLeaseLost):
		logger.WarnWithFields("Lease lost, abandoning job result", fields)
		return job.Status, nil

	case errors.Is(cause, types.ErrJobCancelled):
		if err := d.jobs.Finish(ctx, job.ID, workerID, types.JobStatusCancelled, now, elapsedMS(job, now), msg); err != nil {
			return "", err
		}
		job.Status = types.JobStatusCancelled
		logger.InfoWithFields("Job cancelled", fields)
		d.publish(events.EventJobCancelled, job, msg)
		return job.Status, nil

	case types.IsPermanent(cause):
		if err := d.jobs.Finish(ctx, job.ID, workerID, types.JobStatusFailed, now, elapsedMS(job, now), msg); err != nil {
			return "", err
		}
		job.Status = types.JobStatusFailed
		logger.ErrorWithFields("Job failed permanently", fields)
		d.publish(events.EventJobFailed, job, msg)
		return job.Status, nil
	}

	if job.Attempts < job.MaxAttempts {
		attempts := job.Attempts + 1
		next := now.Add(d.backoff.Delay(attempts))
		if err := d.jobs.Reschedule(ctx, job.ID, workerID, attempts, next, msg); err != nil {
			return "", err
		}
		job.Status = types.JobStatusPending
		job.Attempts = attempts
		job.NextRunAt = &next
		fields["attempts"] = attempts
		fields["next_run_at"] = next
		logger.WarnWithFields("Job attempt failed, retry scheduled", fields)
		d.publish(events.EventJobRetryScheduled, job, msg)
		return job.Status, nil
	}

	if err := d.jobs.Finish(ctx, job.ID, workerID, types.JobStatusDeadLettered, now, elapsedMS(job, now), msg); err != nil {
		return "", err
	}
	job.Status = types.JobStatusDeadLettered
	job.NextRunAt = nil
	d.alerter.DeadLettered(ctx, job, cause)
	d.publish(events.EventJobDeadLettered, job, msg)
	return job.Status, nil
}

// SweepExpiredLeases reclaims processing jobs whose lease ran out. Each
// reclaimed job counts as a failed attempt: it goes back to pending with
// backoff, or is dead-lettered if it already used all attempts.
func (d *Dispatcher) SweepExpiredLeases(ctx context.Context) (int, error) {
	now := d.now()
	expired, err := d.jobs.ListExpiredLeases(ctx, now, DefaultSweepBatch)
	if err != nil {
		return 0, err
	}

	reclaimed := 0
	for i := range expired {
		job := &expired[i]
		msg := fmt.Sprintf("lease held by %s expired", job.LockedBy)

		var (
			updates map[string]interface{}
			status  types.JobStatus
		)
		if job.Attempts < job.MaxAttempts {
			attempts := job.Attempts + 1
			status = types.JobStatusPending
			updates = map[string]interface{}{
				models.JobStatusField:         status,
				models.JobAttemptsField:       attempts,
				models.JobNextRunAtField:      now.Add(d.backoff.Delay(attempts)),
				models.JobLockedByField:       "",
				models.JobLeaseExpiresAtField: nil,
				"last_error":                  msg,
			}
			job.Attempts = attempts
		} else {
			status = types.JobStatusDeadLettered
			updates = map[string]interface{}{
				models.JobStatusField:         status,
				models.JobNextRunAtField:      nil,
				models.JobLeaseExpiresAtField: nil,
				models.JobFinishedAtField:     now,
				"last_error":                  msg,
			}
		}

		ok, err := d.jobs.ReclaimExpired(ctx, job, now, updates)
		if err != nil {
			return reclaimed, err
		}
		if !ok {
			continue
		}
		reclaimed++
		job.Status = status

		logger.WarnWithFields("Reclaimed expired lease", map[string]interface{}{
			"job_id":    job.ID,
			"job_type":  job.Type,
			"queue":     job.Queue,
			"worker_id": job.LockedBy,
			"status":    status,
		})
		d.publish(events.EventLeaseReclaimed, job, msg)
		if status == types.JobStatusDeadLettered {
			d.alerter.DeadLettered(ctx, job, errors.New(msg))
			d.publish(events.EventJobDeadLettered, job, msg)
		}
	}
	return reclaimed, nil
}

// Cancel stops a job. Pending jobs that never created anything are cancelled
// at once. Processing jobs, and pending jobs with succeeded steps left by an
// earlier attempt, get the cooperative cancel flag; a worker then undoes the
// steps and ends the job cancelled.
func (d *Dispatcher) Cancel(ctx context.Context, jobID uuid.UUID) (*models.Job, error) {
	job, err := d.jobs.GetByID(ctx, jobID)
	if err != nil {
		return nil, err
	}

	switch job.Status {
	case types.JobStatusPending:
		partial, err := d.hasSucceededSteps(ctx, jobID)
		if err != nil {
			return nil, err
		}
		if partial {
			ok, err := d.jobs.RequestCancelPending(ctx, jobID, d.now())
			if err != nil {
				return nil, err
			}
			if ok {
				logger.InfoWithFields("Cancel requested for partially provisioned job", map[string]interface{}{"job_id": jobID})
				return d.jobs.GetByID(ctx, jobID)
			}
		} else {
			ok, err := d.jobs.CancelPending(ctx, jobID, d.now())
			if err != nil {
				return nil, err
			}
			if ok {
				job.Status = types.JobStatusCancelled
				d.publish(events.EventJobCancelled, job, "")
				return d.jobs.GetByID(ctx, jobID)
			}
		}
		// leased in the meantime
		fallthrough
	case types.JobStatusProcessing:
		ok, err := d.jobs.RequestCancel(ctx, jobID)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("job %s: %w", jobID, types.ErrJobNotCancellable)
		}
		logger.InfoWithFields("Cancel requested for running job", map[string]interface{}{"job_id": jobID})
		return d.jobs.GetByID(ctx, jobID)
	default:
		return nil, fmt.Errorf("job %s is %s: %w", jobID, job.Status, types.ErrJobNotCancellable)
	}
}

// Retry manually re-queues a failed or dead-lettered job with a fresh
// attempt budget.
func (d *Dispatcher) Retry(ctx context.Context, jobID uuid.UUID) (*models.Job, error) {
	job, err := d.jobs.GetByID(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status != types.JobStatusFailed && job.Status != types.JobStatusDeadLettered {
		return nil, fmt.Errorf("job %s is %s: %w", jobID, job.Status, types.ErrJobNotRetryable)
	}

	if err := d.jobs.ResetForRetry(ctx, jobID, d.now()); err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) && job.IdempotencyKey != nil {
			return nil, d.duplicate(ctx, *job.IdempotencyKey)
		}
		return nil, err
	}

	job, err = d.jobs.GetByID(ctx, jobID)
	if err != nil {
		return nil, err
	}
	logger.InfoWithFields("Job manually retried", map[string]interface{}{"job_id": jobID, "job_type": job.Type})
	d.publish(events.EventJobEnqueued, job, "")
	return job, nil
}

// Archive moves terminal jobs older than retention into archived_jobs
func (d *Dispatcher) Archive(ctx context.Context, retention time.Duration, batch int) (int, error) {
	if batch <= 0 {
		batch = 500
	}
	now := d.now()
	return d.jobs.ArchiveTerminal(ctx, now.Add(-retention), batch, now)
}

// Get returns a job
func (d *Dispatcher) Get(ctx context.Context, jobID uuid.UUID) (*models.Job, error) {
	return d.jobs.GetByID(ctx, jobID)
}

// GetArchived returns a job that has been moved to the archive
func (d *Dispatcher) GetArchived(ctx context.Context, jobID uuid.UUID) (*models.ArchivedJob, error) {
	return d.jobs.GetArchived(ctx, jobID)
}

// List returns jobs matching filter with the total count
func (d *Dispatcher) List(ctx context.Context, filter models.JobFilter, opts *models.ListOptions) ([]models.Job, int64, error) {
	jobs, err := d.jobs.List(ctx, filter, opts)
	if err != nil {
		return nil, 0, err
	}
	total, err := d.jobs.Count(ctx, filter)
	if err != nil {
		return nil, 0, err
	}
	return jobs, total, nil
}

// Steps returns the recorded step results of a job
func (d *Dispatcher) Steps(ctx context.Context, jobID uuid.UUID) ([]models.JobStep, error) {
	return d.steps.ListByJob(ctx, jobID)
}

func (d *Dispatcher) hasSucceededSteps(ctx context.Context, jobID uuid.UUID) (bool, error) {
	steps, err := d.steps.ListByJob(ctx, jobID)
	if err != nil {
		return false, err
	}
	for _, step := range steps {
		if step.Status == types.StepStatusSucceeded {
			return true, nil
		}
	}
	return false, nil
}

// SaveStep persists a step result under workerID's lease
func (d *Dispatcher) SaveStep(ctx context.Context, workerID string, step *models.JobStep) error {
	return d.steps.Save(ctx, workerID, step)
}

// CancelRequested reads the cooperative cancel flag
func (d *Dispatcher) CancelRequested(ctx context.Context, jobID uuid.UUID) (bool, error) {
	return d.jobs.IsCancelRequested(ctx, jobID)
}

// MarkManualCleanup flags a job whose compensation failed
func (d *Dispatcher) MarkManualCleanup(ctx context.Context, job *models.Job, workerID string) error {
	if err := d.jobs.MarkManualCleanup(ctx, job.ID, workerID); err != nil {
		return err
	}
	job.RequiresManualCleanup = true
	d.publish(events.EventManualCleanupRequired, job, "")
	return nil
}

func (d *Dispatcher) publish(t events.EventType, job *models.Job, msg string) {
	d.bus.Publish(events.Event{
		Type:     t,
		JobID:    job.ID,
		JobType:  job.Type,
		Queue:    job.Queue,
		Status:   job.Status,
		Attempts: job.Attempts,
		Error:    msg,
	})
}

func elapsedMS(job *models.Job, now time.Time) int64 {
	if job.StartedAt == nil {
		return 0
	}
	return now.Sub(*job.StartedAt).Milliseconds()
}
