// Package types contains PUBLIC aliases for internal request/response structs.
//
// NOTE: This package uses type aliases to internal definitions so that
// callers outside this module can name what pkg/api/v1/client returns.
package types

import (
	"github.com/celestiaorg/provisioner/internal/queue"
	internaltypes "github.com/celestiaorg/provisioner/internal/types"
)

// SlugResponse represents a response containing a slug and potentially data (public alias).
type SlugResponse = internaltypes.SlugResponse

// Slug is a type alias for internaltypes.Slug.
type Slug = internaltypes.Slug

// Slug constants (public aliases)
const (
	SuccessSlug      Slug = internaltypes.SuccessSlug
	ErrorSlug        Slug = internaltypes.ErrorSlug
	InvalidInputSlug Slug = internaltypes.InvalidInputSlug
	NotFoundSlug     Slug = internaltypes.NotFoundSlug
	ConflictSlug     Slug = internaltypes.ConflictSlug
	ServerErrorSlug  Slug = internaltypes.ServerErrorSlug
)

// EnqueueJobRequest is the body of POST /api/v1/jobs (public alias).
type EnqueueJobRequest = internaltypes.EnqueueJobRequest

// EnqueueJobResponse carries the id of a created job (public alias).
type EnqueueJobResponse = internaltypes.EnqueueJobResponse

// DuplicateJobResponse is the data of a 409 on a taken idempotency key (public alias).
type DuplicateJobResponse = internaltypes.DuplicateJobResponse

// JobStatusView is a job with its step results (public alias).
type JobStatusView = internaltypes.JobStatusView

// StepResult is the recorded outcome of one pipeline step (public alias).
type StepResult = internaltypes.StepResult

// ListJobsResponse is a page of jobs (public alias).
type ListJobsResponse = internaltypes.ListJobsResponse

// QueueStats summarises one queue (public alias).
type QueueStats = queue.QueueStats

// JobType names a pipeline (public alias).
type JobType = internaltypes.JobType

// Job types (public aliases)
const (
	JobTypeHostingProvision  JobType = internaltypes.JobTypeHostingProvision
	JobTypeCloudPodProvision JobType = internaltypes.JobTypeCloudPodProvision
	JobTypeCloudPodResize    JobType = internaltypes.JobTypeCloudPodResize
	JobTypeCloudPodSuspend   JobType = internaltypes.JobTypeCloudPodSuspend
	JobTypeCloudPodResume    JobType = internaltypes.JobTypeCloudPodResume
	JobTypeCloudPodDelete    JobType = internaltypes.JobTypeCloudPodDelete
	JobTypeSuspendService    JobType = internaltypes.JobTypeSuspendService
	JobTypeSSLRenew          JobType = internaltypes.JobTypeSSLRenew
	JobTypeBackupCleanup     JobType = internaltypes.JobTypeBackupCleanup
	JobTypeRenewalInvoice    JobType = internaltypes.JobTypeRenewalInvoice
	JobTypeSendEmail         JobType = internaltypes.JobTypeSendEmail
)

// JobStatus is the lifecycle state of a job (public alias).
type JobStatus = internaltypes.JobStatus

// Job statuses (public aliases)
const (
	JobStatusPending      JobStatus = internaltypes.JobStatusPending
	JobStatusProcessing   JobStatus = internaltypes.JobStatusProcessing
	JobStatusCompleted    JobStatus = internaltypes.JobStatusCompleted
	JobStatusFailed       JobStatus = internaltypes.JobStatusFailed
	JobStatusDeadLettered JobStatus = internaltypes.JobStatusDeadLettered
	JobStatusCancelled    JobStatus = internaltypes.JobStatusCancelled
)

// StepStatus is the state of one pipeline step (public alias).
type StepStatus = internaltypes.StepStatus

// AllQueues lists every queue in display order.
var AllQueues = internaltypes.AllQueues

// Job sentinels matched by client.APIError with errors.Is
var (
	ErrJobNotFound  = internaltypes.ErrJobNotFound
	ErrDuplicateJob = internaltypes.ErrDuplicateJob
)
