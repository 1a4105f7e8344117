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

// ResourceRepository tracks external resources created by pipelines
type ResourceRepository struct {
	db *gorm.DB
}

// NewResourceRepository creates a new ResourceRepository
func NewResourceRepository(db *gorm.DB) *ResourceRepository {
	return &ResourceRepository{db: db}
}

// Upsert records a resource, replacing ref, status and expiry of an existing
// row with the same subscription, kind and name.
func (r *ResourceRepository) Upsert(ctx context.Context, res *models.ProvisionedResource) error {
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "subscription_id"}, {Name: "kind"}, {Name: "name"}},
		DoUpdates: clause.AssignmentColumns([]string{"external_ref", "status", "expires_at", "updated_at"}),
	}).Create(res).Error
	if err != nil {
		return fmt.Errorf("failed to upsert %s %s: %w", res.Kind, res.Name, err)
	}
	return nil
}

// Get finds a resource or returns nil
func (r *ResourceRepository) Get(ctx context.Context, subscriptionID string, kind models.ResourceKind, name string) (*models.ProvisionedResource, error) {
	var res models.ProvisionedResource
	err := r.db.WithContext(ctx).
		Where("subscription_id = ? AND kind = ? AND name = ?", subscriptionID, kind, name).
		First(&res).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get resource: %w", err)
	}
	return &res, nil
}

// GetByID finds a resource by primary key
func (r *ResourceRepository) GetByID(ctx context.Context, id uint) (*models.ProvisionedResource, error) {
	var res models.ProvisionedResource
	if err := r.db.WithContext(ctx).First(&res, id).Error; err != nil {
		return nil, fmt.Errorf("failed to get resource %d: %w", id, err)
	}
	return &res, nil
}

// SetStatus updates the status of one resource
func (r *ResourceRepository) SetStatus(ctx context.Context, subscriptionID string, kind models.ResourceKind, name string, status models.ResourceStatus) error {
	return r.db.WithContext(ctx).Model(&models.ProvisionedResource{}).
		Where("subscription_id = ? AND kind = ? AND name = ?", subscriptionID, kind, name).
		Update("status", status).Error
}

// Renew updates the reference and expiry of a certificate
func (r *ResourceRepository) Renew(ctx context.Context, id uint, ref string, expiresAt time.Time) error {
	return r.db.WithContext(ctx).Model(&models.ProvisionedResource{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{"external_ref": ref, "expires_at": expiresAt}).Error
}

// ListExpiring returns active resources of kind expiring before the cutoff
func (r *ResourceRepository) ListExpiring(ctx context.Context, kind models.ResourceKind, before time.Time) ([]models.ProvisionedResource, error) {
	var out []models.ProvisionedResource
	err := r.db.WithContext(ctx).
		Where("kind = ? AND status = ? AND expires_at IS NOT NULL AND expires_at < ?", kind, models.ResourceActive, before).
		Order("expires_at ASC").
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list expiring %s: %w", kind, err)
	}
	return out, nil
}

// ListBySubscription returns every resource recorded for a subscription
func (r *ResourceRepository) ListBySubscription(ctx context.Context, subscriptionID string) ([]models.ProvisionedResource, error) {
	var out []models.ProvisionedResource
	err := r.db.WithContext(ctx).Where("subscription_id = ?", subscriptionID).Order("id ASC").Find(&out).Error
	return out, err
}
