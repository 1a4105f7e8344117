package repos

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/celestiaorg/provisioner/internal/db/models"
	"github.com/celestiaorg/provisioner/internal/types"
)

// ErrCloudPodNotFound is returned when a pod id is unknown
var ErrCloudPodNotFound = errors.New("cloud pod not found")

// CloudPodRepository handles database operations for cloud pods
type CloudPodRepository struct {
	db *gorm.DB
}

// NewCloudPodRepository creates a new CloudPodRepository
func NewCloudPodRepository(db *gorm.DB) *CloudPodRepository {
	return &CloudPodRepository{db: db}
}

// Create inserts a pod record
func (r *CloudPodRepository) Create(ctx context.Context, pod *models.CloudPod) error {
	return r.db.WithContext(ctx).Create(pod).Error
}

// GetByID retrieves a pod
func (r *CloudPodRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.CloudPod, error) {
	var pod models.CloudPod
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&pod).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("pod %s: %w", id, ErrCloudPodNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get cloud pod: %w", err)
	}
	return &pod, nil
}

// Transition moves a pod from one status to another, applying extra column
// updates in the same statement. The state machine is checked first and the
// update is conditional on the pod still being in from.
func (r *CloudPodRepository) Transition(ctx context.Context, id uuid.UUID, from, to types.CloudPodStatus, fields map[string]interface{}) error {
	if from != to && !from.CanTransition(to) {
		return fmt.Errorf("pod %s %s -> %s: %w", id, from, to, types.ErrInvalidTransition)
	}

	updates := map[string]interface{}{"status": to}
	for k, v := range fields {
		updates[k] = v
	}

	res := r.db.WithContext(ctx).Model(&models.CloudPod{}).
		Where("id = ? AND status = ?", id, from).
		Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("failed to update cloud pod %s: %w", id, res.Error)
	}
	if res.RowsAffected != 1 {
		return fmt.Errorf("pod %s is no longer %s: %w", id, from, types.ErrInvalidTransition)
	}
	return nil
}

// Update writes non-status columns
func (r *CloudPodRepository) Update(ctx context.Context, id uuid.UUID, fields map[string]interface{}) error {
	return r.db.WithContext(ctx).Model(&models.CloudPod{}).Where("id = ?", id).Updates(fields).Error
}

// ListBySubscription returns the pods of a subscription
func (r *CloudPodRepository) ListBySubscription(ctx context.Context, subscriptionID string) ([]models.CloudPod, error) {
	var pods []models.CloudPod
	err := r.db.WithContext(ctx).Where("subscription_id = ?", subscriptionID).Order("created_at ASC").Find(&pods).Error
	return pods, err
}
