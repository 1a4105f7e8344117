package models

import "time"

// ResourceKind is the kind of external resource the pipeline created
type ResourceKind string

// Resource kinds
const (
	ResourceHostingAccount ResourceKind = "hosting_account"
	ResourceDNSZone        ResourceKind = "dns_zone"
	ResourceSSLCertificate ResourceKind = "ssl_certificate"
	ResourceMailbox        ResourceKind = "mailbox"
	ResourceDatabase       ResourceKind = "database"
)

// ResourceStatus is the status of a provisioned resource
type ResourceStatus string

// Resource statuses
const (
	ResourceActive    ResourceStatus = "active"
	ResourceSuspended ResourceStatus = "suspended"
	ResourceDeleted   ResourceStatus = "deleted"
)

// ProvisionedResource records an external resource owned by a subscription
type ProvisionedResource struct {
	ID             uint           `json:"id" gorm:"primaryKey"`
	SubscriptionID string         `json:"subscription_id" gorm:"size:64;not null;uniqueIndex:ux_resources_sub_kind_name,priority:1"`
	Kind           ResourceKind   `json:"kind" gorm:"size:32;not null;uniqueIndex:ux_resources_sub_kind_name,priority:2;index:idx_resources_kind_expiry,priority:1"`
	Name           string         `json:"name" gorm:"size:255;not null;uniqueIndex:ux_resources_sub_kind_name,priority:3"`
	ExternalRef    string         `json:"external_ref" gorm:"size:255"`
	Status         ResourceStatus `json:"status" gorm:"size:32;not null"`
	ExpiresAt      *time.Time     `json:"expires_at,omitempty" gorm:"index:idx_resources_kind_expiry,priority:2"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// TableName pins the table name
func (ProvisionedResource) TableName() string {
	return "provisioned_resources"
}
