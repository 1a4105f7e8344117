// Package repos implements the job store on top of gorm.
package repos

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/celestiaorg/provisioner/internal/db/models"
	"github.com/celestiaorg/provisioner/internal/types"
)

// claimRetries bounds how many candidates a single lease call will try when
// another worker wins the conditional update first.
const claimRetries = 5

// JobRepository provides access to the jobs table
type JobRepository struct {
	db *gorm.DB
}

// NewJobRepository creates a new job repository instance
func NewJobRepository(db *gorm.DB) *JobRepository {
	return &JobRepository{db: db}
}

// Create inserts a new job. A violation of the active idempotency key index
// surfaces as gorm.ErrDuplicatedKey.
func (r *JobRepository) Create(ctx context.Context, job *models.Job) error {
	if err := r.db.WithContext(ctx).Create(job).Error; err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}
	return nil
}

// GetByID retrieves a job by its ID
func (r *JobRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	var job models.Job
	err := r.db.WithContext(ctx).Where(models.JobIDField+" = ?", id).First(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("job %s: %w", id, types.ErrJobNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return &job, nil
}

// GetActiveByIdempotencyKey returns the pending or processing job holding key,
// or nil when there is none.
func (r *JobRepository) GetActiveByIdempotencyKey(ctx context.Context, key string) (*models.Job, error) {
	var jobs []models.Job
	err := r.db.WithContext(ctx).
		Where("idempotency_key = ? AND status IN ?", key, types.ActiveStatuses).
		Limit(1).
		Find(&jobs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to get job by idempotency key: %w", err)
	}
	if len(jobs) == 0 {
		return nil, nil
	}
	return &jobs[0], nil
}

// List returns jobs matching the filter, newest first
func (r *JobRepository) List(ctx context.Context, filter models.JobFilter, opts *models.ListOptions) ([]models.Job, error) {
	if opts == nil {
		opts = &models.ListOptions{}
	}
	opts.Normalize()

	var jobs []models.Job
	err := r.filtered(ctx, filter).
		Limit(opts.Limit).Offset(opts.Offset).
		Order(models.JobCreatedAtField + " DESC").
		Find(&jobs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	return jobs, nil
}

// Count returns the number of jobs matching the filter
func (r *JobRepository) Count(ctx context.Context, filter models.JobFilter) (int64, error) {
	var count int64
	err := r.filtered(ctx, filter).Count(&count).Error
	return count, err
}

func (r *JobRepository) filtered(ctx context.Context, filter models.JobFilter) *gorm.DB {
	q := r.db.WithContext(ctx).Model(&models.Job{})
	if filter.Queue != "" {
		q = q.Where(models.JobQueueField+" = ?", filter.Queue)
	}
	if filter.Type != "" {
		q = q.Where("type = ?", filter.Type)
	}
	if filter.Status != "" {
		q = q.Where(models.JobStatusField+" = ?", filter.Status)
	}
	return q
}

// ClaimNext atomically leases the next eligible job of queue for workerID.
// It returns nil when nothing is eligible.
//
// The candidate is selected with FOR UPDATE SKIP LOCKED and then claimed with
// an update conditional on the job still being pending, so two workers can
// never both see their claim succeed.
func (r *JobRepository) ClaimNext(ctx context.Context, queue, workerID string, now time.Time, lease time.Duration) (*models.Job, error) {
	for attempt := 0; attempt < claimRetries; attempt++ {
		var (
			claimed *models.Job
			raced   bool
		)
		err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var candidates []models.Job
			err := tx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
				Where("queue = ? AND status = ? AND (next_run_at IS NULL OR next_run_at <= ?)",
					queue, types.JobStatusPending, now).
				Order(models.JobPriorityField + " DESC").
				Order(models.JobCreatedAtField + " ASC").
				Limit(1).
				Find(&candidates).Error
			if err != nil {
				return err
			}
			if len(candidates) == 0 {
				return nil
			}

			job := candidates[0]
			expires := now.Add(lease)
			res := tx.Model(&models.Job{}).
				Where("id = ? AND status = ?", job.ID, types.JobStatusPending).
				Updates(map[string]interface{}{
					models.JobStatusField:         types.JobStatusProcessing,
					models.JobLockedByField:       workerID,
					models.JobLeaseExpiresAtField: expires,
					"started_at":                  now,
				})
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected != 1 {
				raced = true
				return nil
			}

			job.Status = types.JobStatusProcessing
			job.LockedBy = workerID
			job.LeaseExpiresAt = &expires
			job.StartedAt = &now
			claimed = &job
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("failed to lease job from %s: %w", queue, err)
		}
		if claimed != nil || !raced {
			return claimed, nil
		}
	}
	return nil, nil
}

// UpdateHeld applies updates only while workerID holds the processing lease.
// It returns a *types.LeaseLostError when the condition no longer matches.
func (r *JobRepository) UpdateHeld(ctx context.Context, id uuid.UUID, workerID string, updates map[string]interface{}) error {
	return updateHeld(r.db.WithContext(ctx), id, workerID, updates)
}

func updateHeld(tx *gorm.DB, id uuid.UUID, workerID string, updates map[string]interface{}) error {
	res := tx.Model(&models.Job{}).
		Where("id = ? AND locked_by = ? AND status = ?", id, workerID, types.JobStatusProcessing).
		Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("failed to update job %s: %w", id, res.Error)
	}
	if res.RowsAffected != 1 {
		return &types.LeaseLostError{JobID: id, WorkerID: workerID}
	}
	return nil
}

// ExtendLease pushes the lease expiry forward for the holder
func (r *JobRepository) ExtendLease(ctx context.Context, id uuid.UUID, workerID string, until time.Time) error {
	return r.UpdateHeld(ctx, id, workerID, map[string]interface{}{
		models.JobLeaseExpiresAtField: until,
	})
}

// Complete marks a held job completed
func (r *JobRepository) Complete(ctx context.Context, id uuid.UUID, workerID string, now time.Time, processingMS int64, result datatypes.JSON) error {
	return r.UpdateHeld(ctx, id, workerID, map[string]interface{}{
		models.JobStatusField:         types.JobStatusCompleted,
		models.JobFinishedAtField:     now,
		models.JobLeaseExpiresAtField: nil,
		"processing_ms":               processingMS,
		"result":                      result,
		"last_error":                  "",
	})
}

// Reschedule puts a held job back to pending for a later attempt
func (r *JobRepository) Reschedule(ctx context.Context, id uuid.UUID, workerID string, attempts int, nextRunAt time.Time, lastErr string) error {
	return r.UpdateHeld(ctx, id, workerID, map[string]interface{}{
		models.JobStatusField:         types.JobStatusPending,
		models.JobAttemptsField:       attempts,
		models.JobNextRunAtField:      nextRunAt,
		models.JobLockedByField:       "",
		models.JobLeaseExpiresAtField: nil,
		"last_error":                  lastErr,
	})
}

// Finish moves a held job to a terminal status
func (r *JobRepository) Finish(ctx context.Context, id uuid.UUID, workerID string, status types.JobStatus, now time.Time, processingMS int64, lastErr string) error {
	if !status.IsTerminal() {
		return fmt.Errorf("finish job %s with %s: %w", id, status, types.ErrInvalidTransition)
	}
	return r.UpdateHeld(ctx, id, workerID, map[string]interface{}{
		models.JobStatusField:         status,
		models.JobFinishedAtField:     now,
		models.JobNextRunAtField:      nil,
		models.JobLeaseExpiresAtField: nil,
		"processing_ms":               processingMS,
		"last_error":                  lastErr,
	})
}

// MarkManualCleanup flags a job whose compensation did not fully succeed
func (r *JobRepository) MarkManualCleanup(ctx context.Context, id uuid.UUID, workerID string) error {
	return r.UpdateHeld(ctx, id, workerID, map[string]interface{}{
		"requires_manual_cleanup": true,
	})
}

// ListExpiredLeases returns processing jobs whose lease ran out before now
func (r *JobRepository) ListExpiredLeases(ctx context.Context, now time.Time, limit int) ([]models.Job, error) {
	var jobs []models.Job
	err := r.db.WithContext(ctx).
		Where("status = ? AND lease_expires_at < ?", types.JobStatusProcessing, now).
		Order(models.JobLeaseExpiresAtField + " ASC").
		Limit(limit).
		Find(&jobs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list expired leases: %w", err)
	}
	return jobs, nil
}

// ReclaimExpired applies updates to job only if its lease is still the
// expired one that was observed. It reports whether the row was reclaimed.
func (r *JobRepository) ReclaimExpired(ctx context.Context, job *models.Job, now time.Time, updates map[string]interface{}) (bool, error) {
	res := r.db.WithContext(ctx).Model(&models.Job{}).
		Where("id = ? AND status = ? AND locked_by = ? AND lease_expires_at < ?",
			job.ID, types.JobStatusProcessing, job.LockedBy, now).
		Updates(updates)
	if res.Error != nil {
		return false, fmt.Errorf("failed to reclaim job %s: %w", job.ID, res.Error)
	}
	return res.RowsAffected == 1, nil
}

// CancelPending cancels a job that has not been leased yet
func (r *JobRepository) CancelPending(ctx context.Context, id uuid.UUID, now time.Time) (bool, error) {
	res := r.db.WithContext(ctx).Model(&models.Job{}).
		Where("id = ? AND status = ?", id, types.JobStatusPending).
		Updates(map[string]interface{}{
			models.JobStatusField:     types.JobStatusCancelled,
			models.JobFinishedAtField: now,
			models.JobNextRunAtField:  nil,
			"last_error":              "cancelled before start",
		})
	if res.Error != nil {
		return false, fmt.Errorf("failed to cancel job %s: %w", id, res.Error)
	}
	return res.RowsAffected == 1, nil
}

// RequestCancel sets the cooperative cancel flag on a processing job
func (r *JobRepository) RequestCancel(ctx context.Context, id uuid.UUID) (bool, error) {
	res := r.db.WithContext(ctx).Model(&models.Job{}).
		Where("id = ? AND status = ?", id, types.JobStatusProcessing).
		Update("cancel_requested", true)
	if res.Error != nil {
		return false, fmt.Errorf("failed to request cancel for job %s: %w", id, res.Error)
	}
	return res.RowsAffected == 1, nil
}

// RequestCancelPending flags a pending job for cancel and makes it due now so
// a worker picks it up and undoes what earlier attempts created
func (r *JobRepository) RequestCancelPending(ctx context.Context, id uuid.UUID, now time.Time) (bool, error) {
	res := r.db.WithContext(ctx).Model(&models.Job{}).
		Where("id = ? AND status = ?", id, types.JobStatusPending).
		Updates(map[string]interface{}{
			"cancel_requested":       true,
			models.JobNextRunAtField: now,
		})
	if res.Error != nil {
		return false, fmt.Errorf("failed to request cancel for job %s: %w", id, res.Error)
	}
	return res.RowsAffected == 1, nil
}

// IsCancelRequested reads the cancel flag
func (r *JobRepository) IsCancelRequested(ctx context.Context, id uuid.UUID) (bool, error) {
	var flags []bool
	err := r.db.WithContext(ctx).Model(&models.Job{}).
		Where("id = ?", id).
		Limit(1).
		Pluck("cancel_requested", &flags).Error
	if err != nil {
		return false, fmt.Errorf("failed to read cancel flag: %w", err)
	}
	if len(flags) == 0 {
		return false, fmt.Errorf("job %s: %w", id, types.ErrJobNotFound)
	}
	return flags[0], nil
}

// ResetForRetry returns a failed or dead-lettered job to pending with a fresh
// attempt budget and clears its step results.
func (r *JobRepository) ResetForRetry(ctx context.Context, id uuid.UUID, now time.Time) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.Job{}).
			Where("id = ? AND status IN ?", id, []types.JobStatus{types.JobStatusFailed, types.JobStatusDeadLettered}).
			Updates(map[string]interface{}{
				models.JobStatusField:         types.JobStatusPending,
				models.JobAttemptsField:       0,
				models.JobNextRunAtField:      now,
				models.JobLockedByField:       "",
				models.JobLeaseExpiresAtField: nil,
				models.JobFinishedAtField:     nil,
				"started_at":                  nil,
				"cancel_requested":            false,
				"requires_manual_cleanup":     false,
				"processing_ms":               0,
			})
		if res.Error != nil {
			return fmt.Errorf("failed to reset job %s: %w", id, res.Error)
		}
		if res.RowsAffected != 1 {
			return fmt.Errorf("job %s: %w", id, types.ErrJobNotRetryable)
		}
		if err := tx.Where("job_id = ?", id).Delete(&models.JobStep{}).Error; err != nil {
			return fmt.Errorf("failed to reset steps of job %s: %w", id, err)
		}
		return nil
	})
}

// StatusCount is one row of a per-status aggregate
type StatusCount struct {
	Status types.JobStatus
	Count  int64
}

// CountByStatus groups the jobs of a queue by status
func (r *JobRepository) CountByStatus(ctx context.Context, queue string) (map[types.JobStatus]int64, error) {
	var rows []StatusCount
	err := r.db.WithContext(ctx).Model(&models.Job{}).
		Select("status, COUNT(*) AS count").
		Where("queue = ?", queue).
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to count jobs in %s: %w", queue, err)
	}

	counts := make(map[types.JobStatus]int64, len(types.AllStatuses))
	for _, s := range types.AllStatuses {
		counts[s] = 0
	}
	for _, row := range rows {
		counts[row.Status] = row.Count
	}
	return counts, nil
}

// AvgProcessingMS is the mean processing time of completed jobs in a queue
func (r *JobRepository) AvgProcessingMS(ctx context.Context, queue string) (float64, error) {
	var avg float64
	err := r.db.WithContext(ctx).Model(&models.Job{}).
		Select("COALESCE(AVG(processing_ms), 0)").
		Where("queue = ? AND status = ?", queue, types.JobStatusCompleted).
		Row().Scan(&avg)
	if err != nil {
		return 0, fmt.Errorf("failed to average processing time in %s: %w", queue, err)
	}
	return avg, nil
}

// ArchiveTerminal moves up to batch terminal jobs finished before cutoff into
// archived_jobs and returns how many were moved.
func (r *JobRepository) ArchiveTerminal(ctx context.Context, cutoff time.Time, batch int, now time.Time) (int, error) {
	terminal := []types.JobStatus{
		types.JobStatusCompleted,
		types.JobStatusFailed,
		types.JobStatusDeadLettered,
		types.JobStatusCancelled,
	}

	moved := 0
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var jobs []models.Job
		err := tx.Where("status IN ? AND finished_at < ?", terminal, cutoff).
			Order(models.JobFinishedAtField + " ASC").
			Limit(batch).
			Find(&jobs).Error
		if err != nil || len(jobs) == 0 {
			return err
		}

		archived := make([]*models.ArchivedJob, 0, len(jobs))
		ids := make([]uuid.UUID, 0, len(jobs))
		for i := range jobs {
			archived = append(archived, models.NewArchivedJob(&jobs[i], now))
			ids = append(ids, jobs[i].ID)
		}

		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).CreateInBatches(archived, 100).Error; err != nil {
			return fmt.Errorf("failed to insert archived jobs: %w", err)
		}
		if err := tx.Where("job_id IN ?", ids).Delete(&models.JobStep{}).Error; err != nil {
			return fmt.Errorf("failed to delete archived job steps: %w", err)
		}
		res := tx.Where("id IN ?", ids).Delete(&models.Job{})
		if res.Error != nil {
			return fmt.Errorf("failed to delete archived jobs: %w", res.Error)
		}
		moved = int(res.RowsAffected)
		return nil
	})
	return moved, err
}

// GetArchived looks up a job that has been moved to the archive
func (r *JobRepository) GetArchived(ctx context.Context, id uuid.UUID) (*models.ArchivedJob, error) {
	var job models.ArchivedJob
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("archived job %s: %w", id, types.ErrJobNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get archived job: %w", err)
	}
	return &job, nil
}
