package repos

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/celestiaorg/provisioner/internal/db/models"
)

// WatermarkRepository stores the last run of each scheduler task
type WatermarkRepository struct {
	db *gorm.DB
}

// NewWatermarkRepository creates a new WatermarkRepository
func NewWatermarkRepository(db *gorm.DB) *WatermarkRepository {
	return &WatermarkRepository{db: db}
}

// Get returns the watermark of a task, creating an empty one on first use
func (r *WatermarkRepository) Get(ctx context.Context, task string) (*models.SchedulerWatermark, error) {
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&models.SchedulerWatermark{TaskName: task}).Error
	if err != nil {
		return nil, fmt.Errorf("failed to init watermark %s: %w", task, err)
	}

	var wm models.SchedulerWatermark
	err = r.db.WithContext(ctx).Where("task_name = ?", task).First(&wm).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("watermark %s vanished", task)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get watermark %s: %w", task, err)
	}
	return &wm, nil
}

// Claim advances the watermark if nobody else did since it was read with
// expectedRuns. Only the instance that gets true should run the task.
func (r *WatermarkRepository) Claim(ctx context.Context, task string, expectedRuns int64, now time.Time) (bool, error) {
	res := r.db.WithContext(ctx).Model(&models.SchedulerWatermark{}).
		Where("task_name = ? AND runs = ?", task, expectedRuns).
		Updates(map[string]interface{}{
			"last_run_at": now,
			"runs":        expectedRuns + 1,
		})
	if res.Error != nil {
		return false, fmt.Errorf("failed to claim watermark %s: %w", task, res.Error)
	}
	return res.RowsAffected == 1, nil
}

// RecordResult stores the outcome of the last run. An empty message clears
// the previous error.
func (r *WatermarkRepository) RecordResult(ctx context.Context, task, errMsg string) error {
	return r.db.WithContext(ctx).Model(&models.SchedulerWatermark{}).
		Where("task_name = ?", task).
		Update("last_error", errMsg).Error
}

// List returns all watermarks
func (r *WatermarkRepository) List(ctx context.Context) ([]models.SchedulerWatermark, error) {
	var out []models.SchedulerWatermark
	err := r.db.WithContext(ctx).Order("task_name ASC").Find(&out).Error
	return out, err
}
