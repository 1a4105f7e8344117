package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/celestiaorg/provisioner/internal/types"
)

// CloudPod is a hypervisor-backed VM sold as a product
type CloudPod struct {
	ID             uuid.UUID            `json:"id" gorm:"type:uuid;primaryKey"`
	SubscriptionID string               `json:"subscription_id" gorm:"size:64;not null;index"`
	Name           string               `json:"name" gorm:"size:128;not null"`
	Template       string               `json:"template" gorm:"size:128;not null"`
	CPU            int                  `json:"cpu"`
	MemoryMB       int                  `json:"memory_mb"`
	DiskGB         int                  `json:"disk_gb"`
	Status         types.CloudPodStatus `json:"status" gorm:"size:32;not null;index"`
	VMID           string               `json:"vm_id,omitempty" gorm:"size:128"`
	IP             string               `json:"ip,omitempty" gorm:"size:64"`
	LastError      string               `json:"last_error,omitempty"`
	CreatedAt      time.Time            `json:"created_at"`
	UpdatedAt      time.Time            `json:"updated_at"`
}

// TableName pins the table name
func (CloudPod) TableName() string {
	return "cloud_pods"
}

// BeforeCreate assigns an id when the caller did not
func (p *CloudPod) BeforeCreate(_ *gorm.DB) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	return nil
}
