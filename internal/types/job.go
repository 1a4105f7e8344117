// Package types holds the job vocabulary shared by the store, the dispatcher,
// the worker pool and the pipeline executor.
package types

import (
	"encoding/json"
	"fmt"
)

// JobType identifies which handler processes a job
type JobType string

// Job types
const (
	JobTypeHostingProvision  JobType = "HOSTING_PROVISION"
	JobTypeCloudPodProvision JobType = "CLOUDPOD_PROVISION"
	JobTypeCloudPodResize    JobType = "CLOUDPOD_RESIZE"
	JobTypeCloudPodSuspend   JobType = "CLOUDPOD_SUSPEND"
	JobTypeCloudPodResume    JobType = "CLOUDPOD_RESUME"
	JobTypeCloudPodDelete    JobType = "CLOUDPOD_DELETE"
	JobTypeSuspendService    JobType = "SUSPEND_SERVICE"
	JobTypeSSLRenew          JobType = "SSL_RENEW"
	JobTypeBackupCleanup     JobType = "BACKUP_CLEANUP"
	JobTypeRenewalInvoice    JobType = "RENEWAL_INVOICE"
	JobTypeSendEmail         JobType = "SEND_EMAIL"
)

// Queue names
const (
	QueueProvisioning = "provisioning"
	QueueEmail        = "email"
	QueueInvoice      = "invoice"
	QueueBackup       = "backup"
	QueueCloudPod     = "cloudpod-lifecycle"
)

// AllQueues lists every queue the dispatcher knows about, in display order.
var AllQueues = []string{QueueProvisioning, QueueCloudPod, QueueEmail, QueueInvoice, QueueBackup}

var defaultQueues = map[JobType]string{
	JobTypeHostingProvision:  QueueProvisioning,
	JobTypeSuspendService:    QueueProvisioning,
	JobTypeSSLRenew:          QueueProvisioning,
	JobTypeCloudPodProvision: QueueCloudPod,
	JobTypeCloudPodResize:    QueueCloudPod,
	JobTypeCloudPodSuspend:   QueueCloudPod,
	JobTypeCloudPodResume:    QueueCloudPod,
	JobTypeCloudPodDelete:    QueueCloudPod,
	JobTypeBackupCleanup:     QueueBackup,
	JobTypeRenewalInvoice:    QueueInvoice,
	JobTypeSendEmail:         QueueEmail,
}

// DefaultQueue returns the queue a job type is routed to when the caller
// does not pick one.
func (t JobType) DefaultQueue() string {
	if q, ok := defaultQueues[t]; ok {
		return q
	}
	return QueueProvisioning
}

// Valid reports whether t is a known job type
func (t JobType) Valid() bool {
	_, ok := defaultQueues[t]
	return ok
}

func (t JobType) String() string {
	return string(t)
}

// ParseJobType converts a string to a JobType
func ParseJobType(str string) (JobType, error) {
	t := JobType(str)
	if !t.Valid() {
		return "", fmt.Errorf("invalid job type: %s", str)
	}
	return t, nil
}

// IsValidQueue reports whether q is one of the known queues
func IsValidQueue(q string) bool {
	for _, known := range AllQueues {
		if known == q {
			return true
		}
	}
	return false
}

// JobStatus represents the current state of a job in the store
type JobStatus string

// Job status constants
const (
	JobStatusPending      JobStatus = "pending"
	JobStatusProcessing   JobStatus = "processing"
	JobStatusCompleted    JobStatus = "completed"
	JobStatusFailed       JobStatus = "failed"
	JobStatusDeadLettered JobStatus = "dead_lettered"
	JobStatusCancelled    JobStatus = "cancelled"
)

// ActiveStatuses are the statuses covered by the idempotency key uniqueness rule.
var ActiveStatuses = []JobStatus{JobStatusPending, JobStatusProcessing}

// AllStatuses lists every job status
var AllStatuses = []JobStatus{
	JobStatusPending,
	JobStatusProcessing,
	JobStatusCompleted,
	JobStatusFailed,
	JobStatusDeadLettered,
	JobStatusCancelled,
}

// String returns the string representation of the job status
func (s JobStatus) String() string {
	return string(s)
}

// IsTerminal reports whether no further automatic transition can happen.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusDeadLettered, JobStatusCancelled:
		return true
	default:
		return false
	}
}

// IsActive reports whether s is pending or processing
func (s JobStatus) IsActive() bool {
	return s == JobStatusPending || s == JobStatusProcessing
}

// ParseJobStatus converts a string to a JobStatus type
func ParseJobStatus(str string) (JobStatus, error) {
	for _, s := range AllStatuses {
		if string(s) == str {
			return s, nil
		}
	}
	return "", fmt.Errorf("invalid job status: %s", str)
}

// UnmarshalJSON implements json.Unmarshaler for JobStatus
func (s *JobStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}

	status, err := ParseJobStatus(str)
	if err != nil {
		return err
	}

	*s = status
	return nil
}

// StepStatus is the state of a single pipeline step inside a job
type StepStatus string

// Step status constants
const (
	StepStatusPending            StepStatus = "pending"
	StepStatusRunning            StepStatus = "running"
	StepStatusSucceeded          StepStatus = "succeeded"
	StepStatusFailed             StepStatus = "failed"
	StepStatusCompensated        StepStatus = "compensated"
	StepStatusCompensationFailed StepStatus = "compensation_failed"
	StepStatusSkipped            StepStatus = "skipped"
)

// CloudPodStatus is the lifecycle state of a hypervisor-backed pod
type CloudPodStatus string

// CloudPod statuses
const (
	CloudPodProvisioning CloudPodStatus = "PROVISIONING"
	CloudPodActive       CloudPodStatus = "ACTIVE"
	CloudPodSuspended    CloudPodStatus = "SUSPENDED"
	CloudPodDeleted      CloudPodStatus = "DELETED"
	CloudPodFailed       CloudPodStatus = "FAILED"
)

var cloudPodTransitions = map[CloudPodStatus][]CloudPodStatus{
	CloudPodProvisioning: {CloudPodActive},
	CloudPodActive:       {CloudPodSuspended, CloudPodDeleted},
	CloudPodSuspended:    {CloudPodActive, CloudPodDeleted},
}

// CanTransition reports whether a pod may move from s to next. Any
// non-terminal state may fail.
func (s CloudPodStatus) CanTransition(next CloudPodStatus) bool {
	if s.IsTerminal() {
		return false
	}
	if next == CloudPodFailed {
		return true
	}
	for _, allowed := range cloudPodTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// IsTerminal reports whether the pod can no longer change state
func (s CloudPodStatus) IsTerminal() bool {
	return s == CloudPodDeleted || s == CloudPodFailed
}
