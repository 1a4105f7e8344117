// Package models defines the gorm models of the job store.
package models

const (
	// DefaultLimit is the max number of rows that are retrieved from the DB per listing API call
	DefaultLimit = 50
	// MaxLimit caps caller-supplied limits
	MaxLimit = 500
)

// ListOptions represents pagination and filtering options for list operations
type ListOptions struct {
	Limit  int `json:"limit"`  // Number of items to return
	Offset int `json:"offset"` // Number of items to skip
}

// Normalize applies the default and maximum limit
func (o *ListOptions) Normalize() {
	if o.Limit <= 0 {
		o.Limit = DefaultLimit
	}
	if o.Limit > MaxLimit {
		o.Limit = MaxLimit
	}
	if o.Offset < 0 {
		o.Offset = 0
	}
}

// All returns every model that belongs in the schema, in dependency order.
func All() []interface{} {
	return []interface{}{
		&Job{},
		&JobStep{},
		&CloudPod{},
		&ProvisionedResource{},
		&SchedulerWatermark{},
		&ArchivedJob{},
	}
}
