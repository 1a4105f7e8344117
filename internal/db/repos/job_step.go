package repos

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/celestiaorg/provisioner/internal/db/models"
)

// JobStepRepository persists pipeline step results
type JobStepRepository struct {
	db *gorm.DB
}

// NewJobStepRepository creates a new step repository
func NewJobStepRepository(db *gorm.DB) *JobStepRepository {
	return &JobStepRepository{db: db}
}

// ListByJob returns the steps of a job in execution order
func (r *JobStepRepository) ListByJob(ctx context.Context, jobID uuid.UUID) ([]models.JobStep, error) {
	var steps []models.JobStep
	err := r.db.WithContext(ctx).
		Where("job_id = ?", jobID).
		Order("seq ASC").
		Find(&steps).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list steps of job %s: %w", jobID, err)
	}
	return steps, nil
}

// Save upserts a step result. The write only happens while workerID still
// holds the lease on the owning job; otherwise a *types.LeaseLostError is
// returned and nothing is written.
func (r *JobStepRepository) Save(ctx context.Context, workerID string, step *models.JobStep) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// touching updated_at doubles as the lease check
		if err := updateHeld(tx, step.JobID, workerID, map[string]interface{}{"updated_at": tx.NowFunc()}); err != nil {
			return err
		}

		row := *step
		row.ID = 0
		err := tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "job_id"}, {Name: "name"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"seq", "status", "attempts", "output", "error", "started_at", "finished_at", "updated_at",
			}),
		}).Create(&row).Error
		if err != nil {
			return fmt.Errorf("failed to save step %s of job %s: %w", step.Name, step.JobID, err)
		}
		return nil
	})
}
