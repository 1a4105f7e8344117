package models

import "time"

// SchedulerWatermark stores when a recurring task last ran
type SchedulerWatermark struct {
	TaskName  string     `json:"task_name" gorm:"primaryKey;size:64"`
	LastRunAt *time.Time `json:"last_run_at,omitempty"`
	LastError string     `json:"last_error,omitempty"`
	Runs      int64      `json:"runs" gorm:"not null;default:0"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// TableName pins the table name
func (SchedulerWatermark) TableName() string {
	return "scheduler_watermarks"
}
