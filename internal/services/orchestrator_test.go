package services

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/celestiaorg/provisioner/internal/db"
	"github.com/celestiaorg/provisioner/internal/db/models"
	"github.com/celestiaorg/provisioner/internal/db/repos"
	"github.com/celestiaorg/provisioner/internal/queue"
	"github.com/celestiaorg/provisioner/internal/types"
)

// TestSetup holds the store and services a test needs
type TestSetup struct {
	DB           *gorm.DB
	Dispatcher   *queue.Dispatcher
	Orchestrator *Orchestrator
	now          time.Time
	ctx          context.Context
}

// NewTestSetup creates an orchestrator over a fresh in-memory database
func NewTestSetup(t *testing.T) *TestSetup {
	gdb, err := db.OpenSQLiteMemory("services-" + uuid.NewString())
	require.NoError(t, err, "Failed to create in-memory database")

	ts := &TestSetup{
		DB:  gdb,
		now: time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC),
		ctx: context.Background(),
	}
	ts.Dispatcher = queue.NewDispatcher(repos.NewJobRepository(gdb), repos.NewJobStepRepository(gdb), queue.Options{
		MaxAttempts: 3,
		Now:         func() time.Time { return ts.now },
	})
	ts.Orchestrator = NewOrchestrator(ts.Dispatcher)
	return ts
}

// CleanUp cleans up resources after test
func (ts *TestSetup) CleanUp() {
	sqlDB, err := ts.DB.DB()
	if err == nil && sqlDB != nil {
		_ = sqlDB.Close()
	}
}

func (ts *TestSetup) lease(t *testing.T, queueName string) *models.Job {
	job, err := ts.Dispatcher.Lease(ts.ctx, queueName, "worker-1", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, job)
	return job
}

const hostingPayload = `{
	"domain": "example.com",
	"plan": "basic",
	"username": "testuser",
	"contact_email": "owner@example.com"
}`

func TestOrchestrator_EnqueueProvisioningJob(t *testing.T) {
	ts := NewTestSetup(t)
	defer ts.CleanUp()

	id, err := ts.Orchestrator.EnqueueProvisioningJob(ts.ctx, ResourceHosting, "sub-1", json.RawMessage(hostingPayload), "order-1")
	require.NoError(t, err)

	job, err := ts.Dispatcher.Get(ts.ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.JobTypeHostingProvision, job.Type)
	assert.Equal(t, types.QueueProvisioning, job.Queue)
	assert.Equal(t, types.JobStatusPending, job.Status)
	assert.Equal(t, "order-1", job.Key())

	var payload types.HostingProvisionPayload
	require.NoError(t, job.DecodePayload(&payload))
	assert.Equal(t, "sub-1", payload.SubscriptionID, "resource id is filled into the payload")
}

func TestOrchestrator_EnqueueByJobType(t *testing.T) {
	ts := NewTestSetup(t)
	defer ts.CleanUp()

	podID := uuid.NewString()
	id, err := ts.Orchestrator.Enqueue(ts.ctx, EnqueueRequest{
		ResourceType: "cloudpod_resize",
		ResourceID:   podID,
		Payload:      json.RawMessage(`{"cpu": 2, "memory_mb": 2048, "disk_gb": 40}`),
		Priority:     5,
		Delay:        time.Minute,
	})
	require.NoError(t, err)

	job, err := ts.Dispatcher.Get(ts.ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.JobTypeCloudPodResize, job.Type)
	assert.Equal(t, types.QueueCloudPod, job.Queue)
	assert.Equal(t, 5, job.Priority)
	require.NotNil(t, job.NextRunAt)
	assert.True(t, job.NextRunAt.Equal(ts.now.Add(time.Minute)))
}

func TestOrchestrator_EnqueueRejectsBadInput(t *testing.T) {
	ts := NewTestSetup(t)
	defer ts.CleanUp()

	tests := []struct {
		name         string
		resourceType string
		resourceID   string
		payload      string
		field        string
	}{
		{"unknown resource type", "mainframe", "", hostingPayload, "resource_type"},
		{"resource id mismatch", ResourceHosting, "sub-1", `{"subscription_id": "sub-2"}`, "subscription_id"},
		{"payload not an object", ResourceHosting, "sub-1", `[1, 2]`, "payload"},
		{"invalid email", ResourceHosting, "sub-1", `{"domain": "example.com", "plan": "basic", "username": "testuser", "contact_email": "nope"}`, "contact_email"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ts.Orchestrator.EnqueueProvisioningJob(ts.ctx, tt.resourceType, tt.resourceID, json.RawMessage(tt.payload), "")
			require.Error(t, err)
			assert.True(t, types.IsValidationError(err), "got %v", err)
			assert.Contains(t, err.Error(), tt.field)
		})
	}

	jobs, total, err := ts.Orchestrator.ListJobs(ts.ctx, models.JobFilter{}, nil)
	require.NoError(t, err)
	assert.Empty(t, jobs)
	assert.Zero(t, total)
}

func TestOrchestrator_DuplicateKey(t *testing.T) {
	ts := NewTestSetup(t)
	defer ts.CleanUp()

	first, err := ts.Orchestrator.EnqueueProvisioningJob(ts.ctx, ResourceHosting, "sub-1", json.RawMessage(hostingPayload), "order-1")
	require.NoError(t, err)

	_, err = ts.Orchestrator.EnqueueProvisioningJob(ts.ctx, ResourceHosting, "sub-1", json.RawMessage(hostingPayload), "order-1")
	require.ErrorIs(t, err, types.ErrDuplicateJob)
	var dup *types.DuplicateJobError
	require.True(t, errors.As(err, &dup))
	assert.Equal(t, first, dup.ExistingJobID)
}

func TestOrchestrator_GetJobStatus(t *testing.T) {
	ts := NewTestSetup(t)
	defer ts.CleanUp()

	id, err := ts.Orchestrator.EnqueueProvisioningJob(ts.ctx, ResourceHosting, "sub-1", json.RawMessage(hostingPayload), "")
	require.NoError(t, err)

	view, err := ts.Orchestrator.GetJobStatus(ts.ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusPending, view.Status)
	assert.Empty(t, view.StepResults)

	job := ts.lease(t, types.QueueProvisioning)
	require.NoError(t, ts.Dispatcher.SaveStep(ts.ctx, "worker-1", &models.JobStep{
		JobID:    job.ID,
		Seq:      1,
		Name:     "create_account",
		Status:   types.StepStatusSucceeded,
		Attempts: 1,
		Output:   map[string]interface{}{"username": "testuser"},
	}))
	_, err = ts.Dispatcher.Fail(ts.ctx, job, "worker-1", errors.New("dns timed out"))
	require.NoError(t, err)

	view, err = ts.Orchestrator.GetJobStatus(ts.ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusPending, view.Status)
	assert.Equal(t, 1, view.Attempts)
	assert.Equal(t, "dns timed out", view.LastError)
	assert.False(t, view.RequiresManualCleanup)
	require.Len(t, view.StepResults, 1)
	assert.Equal(t, "create_account", view.StepResults[0].Name)
	assert.Equal(t, types.StepStatusSucceeded, view.StepResults[0].Status)
	assert.Equal(t, "testuser", view.StepResults[0].Output["username"])

	_, err = ts.Orchestrator.GetJobStatus(ts.ctx, uuid.New())
	assert.ErrorIs(t, err, types.ErrJobNotFound)
}

func TestOrchestrator_GetArchivedJob(t *testing.T) {
	ts := NewTestSetup(t)
	defer ts.CleanUp()

	id, err := ts.Orchestrator.EnqueueProvisioningJob(ts.ctx, types.JobTypeSendEmail.String(), "",
		json.RawMessage(`{"template": "welcome", "recipient": "a@example.com"}`), "welcome-a")
	require.NoError(t, err)
	job := ts.lease(t, types.QueueEmail)
	require.NoError(t, ts.Dispatcher.Ack(ts.ctx, job, "worker-1", map[string]string{"sent": "yes"}))

	ts.now = ts.now.Add(48 * time.Hour)
	n, err := ts.Dispatcher.Archive(ts.ctx, time.Hour, 10)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	view, err := ts.Orchestrator.GetJobStatus(ts.ctx, id)
	require.NoError(t, err)
	assert.True(t, view.Archived)
	assert.Equal(t, types.JobStatusCompleted, view.Status)
	assert.Equal(t, "welcome-a", view.IdempotencyKey)
	assert.JSONEq(t, `{"sent": "yes"}`, string(view.Result))
}

func TestOrchestrator_CancelJob(t *testing.T) {
	ts := NewTestSetup(t)
	defer ts.CleanUp()

	pending, err := ts.Orchestrator.EnqueueProvisioningJob(ts.ctx, ResourceHosting, "sub-1", json.RawMessage(hostingPayload), "")
	require.NoError(t, err)
	view, err := ts.Orchestrator.CancelJob(ts.ctx, pending)
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusCancelled, view.Status)

	_, err = ts.Orchestrator.CancelJob(ts.ctx, pending)
	assert.ErrorIs(t, err, types.ErrJobNotCancellable)

	running, err := ts.Orchestrator.EnqueueProvisioningJob(ts.ctx, ResourceHosting, "sub-2", json.RawMessage(hostingPayload), "")
	require.NoError(t, err)
	ts.lease(t, types.QueueProvisioning)
	view, err = ts.Orchestrator.CancelJob(ts.ctx, running)
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusProcessing, view.Status)
	assert.True(t, view.CancelRequested)

	_, err = ts.Orchestrator.CancelJob(ts.ctx, uuid.New())
	assert.ErrorIs(t, err, types.ErrJobNotFound)
}

func TestOrchestrator_RetryJob(t *testing.T) {
	ts := NewTestSetup(t)
	defer ts.CleanUp()

	id, err := ts.Orchestrator.EnqueueProvisioningJob(ts.ctx, ResourceHosting, "sub-1", json.RawMessage(hostingPayload), "order-1")
	require.NoError(t, err)

	_, err = ts.Orchestrator.RetryJob(ts.ctx, id)
	assert.ErrorIs(t, err, types.ErrJobNotRetryable, "pending jobs are not retryable")

	job := ts.lease(t, types.QueueProvisioning)
	status, err := ts.Dispatcher.Fail(ts.ctx, job, "worker-1", types.Permanent(errors.New("domain taken")))
	require.NoError(t, err)
	require.Equal(t, types.JobStatusFailed, status)

	view, err := ts.Orchestrator.RetryJob(ts.ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusPending, view.Status)
	assert.Equal(t, 0, view.Attempts)
}

func TestOrchestrator_ListQueueStats(t *testing.T) {
	ts := NewTestSetup(t)
	defer ts.CleanUp()

	for _, sub := range []string{"sub-1", "sub-2"} {
		_, err := ts.Orchestrator.EnqueueProvisioningJob(ts.ctx, ResourceHosting, sub, json.RawMessage(hostingPayload), "")
		require.NoError(t, err)
	}
	job := ts.lease(t, types.QueueProvisioning)
	require.NoError(t, ts.Dispatcher.Ack(ts.ctx, job, "worker-1", nil))

	stats, err := ts.Orchestrator.ListQueueStats(ts.ctx)
	require.NoError(t, err)
	require.Len(t, stats, len(types.AllQueues))

	byQueue := map[string]*queue.QueueStats{}
	for _, s := range stats {
		byQueue[s.Queue] = s
	}
	prov := byQueue[types.QueueProvisioning]
	require.NotNil(t, prov)
	assert.EqualValues(t, 1, prov.Depth)
	assert.EqualValues(t, 1, prov.Counts[types.JobStatusCompleted])
	assert.Equal(t, 1.0, prov.SuccessRate)
	assert.Zero(t, byQueue[types.QueueEmail].SuccessRate)
}

func TestOrchestrator_ListJobs(t *testing.T) {
	ts := NewTestSetup(t)
	defer ts.CleanUp()

	for _, sub := range []string{"sub-1", "sub-2", "sub-3"} {
		_, err := ts.Orchestrator.EnqueueProvisioningJob(ts.ctx, ResourceHosting, sub, json.RawMessage(hostingPayload), "")
		require.NoError(t, err)
	}
	job := ts.lease(t, types.QueueProvisioning)
	_, err := ts.Dispatcher.Fail(ts.ctx, job, "worker-1", types.Permanent(errors.New("nope")))
	require.NoError(t, err)

	failed, total, err := ts.Orchestrator.ListJobs(ts.ctx, models.JobFilter{Status: types.JobStatusFailed}, nil)
	require.NoError(t, err)
	assert.EqualValues(t, 1, total)
	require.Len(t, failed, 1)
	assert.Equal(t, job.ID, failed[0].ID)

	page, total, err := ts.Orchestrator.ListJobs(ts.ctx, models.JobFilter{Queue: types.QueueProvisioning}, &models.ListOptions{Limit: 2})
	require.NoError(t, err)
	assert.EqualValues(t, 3, total)
	assert.Len(t, page, 2)

	_, _, err = ts.Orchestrator.ListJobs(ts.ctx, models.JobFilter{Queue: "nowhere"}, nil)
	assert.True(t, types.IsValidationError(err))
}

func TestResolveJobType(t *testing.T) {
	tests := map[string]types.JobType{
		"hosting":            types.JobTypeHostingProvision,
		"CloudPod":           types.JobTypeCloudPodProvision,
		"CLOUDPOD_DELETE":    types.JobTypeCloudPodDelete,
		"ssl_renew":          types.JobTypeSSLRenew,
		"SEND_EMAIL":         types.JobTypeSendEmail,
		"RENEWAL_INVOICE":    types.JobTypeRenewalInvoice,
		"cloudpod_provision": types.JobTypeCloudPodProvision,
	}
	for in, want := range tests {
		got, err := ResolveJobType(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ResolveJobType("")
	assert.True(t, types.IsValidationError(err))
}
