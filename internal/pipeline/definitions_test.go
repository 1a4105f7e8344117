package pipeline

import (
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/celestiaorg/provisioner/internal/adapters"
	"github.com/celestiaorg/provisioner/internal/adapters/fake"
	"github.com/celestiaorg/provisioner/internal/db/models"
	"github.com/celestiaorg/provisioner/internal/events"
	"github.com/celestiaorg/provisioner/internal/types"
)

func podPayload(id uuid.UUID) types.CloudPodProvisionPayload {
	return types.CloudPodProvisionPayload{
		PodID:          id.String(),
		SubscriptionID: "sub-pod",
		Name:           "pod-" + id.String()[:8],
		Template:       "ubuntu-24-04",
		CPU:            2,
		MemoryMB:       2048,
		DiskGB:         20,
	}
}

// runJob leases, runs and settles a job, returning the Run error
func (s *PipelineTestSuite) runJob(jobType types.JobType, payload interface{}) (*models.Job, error) {
	job := s.lease(jobType, payload)
	out, err := s.executor.Run(s.ctx, job, testWorker)
	if err != nil {
		_, ferr := s.dispatcher.Fail(s.ctx, job, testWorker, err)
		s.Require().NoError(ferr)
		return job, err
	}
	s.Require().NoError(s.dispatcher.Ack(s.ctx, job, testWorker, out))
	return job, nil
}

func (s *PipelineTestSuite) pod(id uuid.UUID) *models.CloudPod {
	pod, err := s.pods.GetByID(s.ctx, id)
	s.Require().NoError(err)
	return pod
}

func (s *PipelineTestSuite) TestCloudPodLifecycle() {
	id := uuid.New()
	_, err := s.runJob(types.JobTypeCloudPodProvision, podPayload(id))
	s.Require().NoError(err)

	pod := s.pod(id)
	s.Equal(types.CloudPodActive, pod.Status)
	s.NotEmpty(pod.VMID)
	s.NotEmpty(pod.IP)
	vmID := pod.VMID

	action := types.CloudPodActionPayload{PodID: id.String()}

	_, err = s.runJob(types.JobTypeCloudPodSuspend, action)
	s.Require().NoError(err)
	s.Equal(types.CloudPodSuspended, s.pod(id).Status)
	s.True(s.fake.IsSuspended(vmID))

	resize := types.CloudPodResizePayload{PodID: id.String(), CPU: 4, MemoryMB: 4096, DiskGB: 40}
	_, err = s.runJob(types.JobTypeCloudPodResize, resize)
	s.Require().Error(err)
	s.True(types.IsPermanent(err), "suspended pods cannot be resized")
	s.ErrorIs(err, types.ErrInvalidTransition)

	_, err = s.runJob(types.JobTypeCloudPodResume, action)
	s.Require().NoError(err)
	s.Equal(types.CloudPodActive, s.pod(id).Status)

	_, err = s.runJob(types.JobTypeCloudPodResize, resize)
	s.Require().NoError(err)
	pod = s.pod(id)
	s.Equal(4, pod.CPU)
	s.Equal(4096, pod.MemoryMB)
	s.Equal(40, pod.DiskGB)

	_, err = s.runJob(types.JobTypeCloudPodDelete, action)
	s.Require().NoError(err)
	s.Equal(types.CloudPodDeleted, s.pod(id).Status)
	s.Zero(s.fake.VMCount())

	job, err := s.runJob(types.JobTypeCloudPodSuspend, action)
	s.Require().Error(err)
	s.True(types.IsPermanent(err))
	stored, err := s.dispatcher.Get(s.ctx, job.ID)
	s.Require().NoError(err)
	s.Equal(types.JobStatusFailed, stored.Status)
}

func (s *PipelineTestSuite) TestCloudPodProvisionIsRepeatable() {
	id := uuid.New()
	_, err := s.runJob(types.JobTypeCloudPodProvision, podPayload(id))
	s.Require().NoError(err)
	_, err = s.runJob(types.JobTypeCloudPodProvision, podPayload(id))
	s.Require().NoError(err)

	s.Equal(1, s.fake.CallCount(fake.OpCreateVM))
	s.Equal(types.CloudPodActive, s.pod(id).Status)
}

func (s *PipelineTestSuite) TestCloudPodPermanentFailureMarksPodFailed() {
	s.fake.FailAlways(fake.OpCreateVM, types.PermanentAdapterError("hypervisor", "CreateVM", errors.New("template not found")))
	id := uuid.New()

	job, err := s.runJob(types.JobTypeCloudPodProvision, podPayload(id))
	s.Require().Error(err)

	pod := s.pod(id)
	s.Equal(types.CloudPodFailed, pod.Status)
	s.Contains(pod.LastError, "template not found")

	stored, err := s.dispatcher.Get(s.ctx, job.ID)
	s.Require().NoError(err)
	s.Equal(types.JobStatusFailed, stored.Status)
}

func (s *PipelineTestSuite) TestCloudPodTransientFailureLeavesPodProvisioning() {
	s.fake.FailAlways(fake.OpCreateVM, errors.New("hypervisor busy"))
	id := uuid.New()

	job, err := s.runJob(types.JobTypeCloudPodProvision, podPayload(id))
	s.Require().Error(err)
	s.True(types.IsRetryable(err))
	s.Equal(types.CloudPodProvisioning, s.pod(id).Status)

	handler := s.provisioners.PodDeadLetterHandler(s.dispatcher)
	s.Require().NoError(handler(s.ctx, events.Event{
		Type:    events.EventJobDeadLettered,
		JobID:   job.ID,
		JobType: types.JobTypeCloudPodProvision,
		Error:   "hypervisor busy",
	}))

	pod := s.pod(id)
	s.Equal(types.CloudPodFailed, pod.Status)
	s.Equal("hypervisor busy", pod.LastError)
}

func (s *PipelineTestSuite) TestPodDeadLetterHandlerIgnoresOtherJobs() {
	handler := s.provisioners.PodDeadLetterHandler(s.dispatcher)
	s.NoError(handler(s.ctx, events.Event{
		Type:    events.EventJobDeadLettered,
		JobID:   uuid.New(),
		JobType: types.JobTypeSendEmail,
	}))
}

func (s *PipelineTestSuite) TestSuspendHostingService() {
	_, err := s.runJob(types.JobTypeHostingProvision, hostingPayloadFor("test.com", "testuser"))
	s.Require().NoError(err)

	_, err = s.runJob(types.JobTypeSuspendService, types.SuspendServicePayload{
		InvoiceID:      "inv-456",
		SubscriptionID: "sub-123",
		ResourceType:   "hosting",
		ResourceRef:    "testuser",
	})
	s.Require().NoError(err)

	s.True(s.fake.IsSuspended("testuser"))
	res, err := s.resources.Get(s.ctx, "sub-123", models.ResourceHostingAccount, "testuser")
	s.Require().NoError(err)
	s.Equal(models.ResourceSuspended, res.Status)
}

func (s *PipelineTestSuite) TestSuspendMissingAccountIsPermanent() {
	_, err := s.runJob(types.JobTypeSuspendService, types.SuspendServicePayload{
		InvoiceID:      "inv-1",
		SubscriptionID: "sub-1",
		ResourceType:   "hosting",
		ResourceRef:    "nobody",
	})
	s.Require().Error(err)
	s.True(types.IsPermanent(err))
}

func (s *PipelineTestSuite) TestSuspendCloudPodService() {
	id := uuid.New()
	_, err := s.runJob(types.JobTypeCloudPodProvision, podPayload(id))
	s.Require().NoError(err)

	_, err = s.runJob(types.JobTypeSuspendService, types.SuspendServicePayload{
		InvoiceID:      "inv-9",
		SubscriptionID: "sub-pod",
		ResourceType:   "cloudpod",
		ResourceRef:    id.String(),
	})
	s.Require().NoError(err)
	s.Equal(types.CloudPodSuspended, s.pod(id).Status)
}

func (s *PipelineTestSuite) TestSSLRenew() {
	now := time.Now().UTC()
	s.fake.SetClock(func() time.Time { return now })
	_, err := s.runJob(types.JobTypeHostingProvision, hostingPayloadFor("test.com", "testuser"))
	s.Require().NoError(err)

	before, err := s.resources.Get(s.ctx, "sub-123", models.ResourceSSLCertificate, "test.com")
	s.Require().NoError(err)
	s.Require().NotNil(before.ExpiresAt)

	now = now.Add(80 * 24 * time.Hour)
	payload := types.SSLRenewPayload{CertificateID: strconv.FormatUint(uint64(before.ID), 10), Domain: "test.com"}
	_, err = s.runJob(types.JobTypeSSLRenew, payload)
	s.Require().NoError(err)

	after, err := s.resources.Get(s.ctx, "sub-123", models.ResourceSSLCertificate, "test.com")
	s.Require().NoError(err)
	s.NotEqual(before.ExternalRef, after.ExternalRef)
	s.True(after.ExpiresAt.After(*before.ExpiresAt))
	s.Equal(2, s.fake.CallCount(fake.OpIssueCertificate))
}

func (s *PipelineTestSuite) TestSSLRenewReusesCertificateFromEarlierAttempt() {
	_, err := s.runJob(types.JobTypeHostingProvision, hostingPayloadFor("test.com", "testuser"))
	s.Require().NoError(err)
	rec, err := s.resources.Get(s.ctx, "sub-123", models.ResourceSSLCertificate, "test.com")
	s.Require().NoError(err)

	// an attempt that issued but crashed before recording
	cert, err := s.fake.IssueCertificate(s.ctx, "test.com")
	s.Require().NoError(err)

	payload := types.SSLRenewPayload{CertificateID: strconv.FormatUint(uint64(rec.ID), 10), Domain: "test.com"}
	_, err = s.runJob(types.JobTypeSSLRenew, payload)
	s.Require().NoError(err)

	after, err := s.resources.Get(s.ctx, "sub-123", models.ResourceSSLCertificate, "test.com")
	s.Require().NoError(err)
	s.Equal(cert.Ref, after.ExternalRef)
	s.Equal(2, s.fake.CallCount(fake.OpIssueCertificate))
}

func (s *PipelineTestSuite) TestSSLRenewUnknownCertificateIsPermanent() {
	_, err := s.runJob(types.JobTypeSSLRenew, types.SSLRenewPayload{CertificateID: "999", Domain: "test.com"})
	s.Require().Error(err)
	s.True(types.IsPermanent(err))
}

func (s *PipelineTestSuite) TestBackupCleanup() {
	old := time.Now().UTC().Add(-60 * 24 * time.Hour)
	s.fake.AddBackup(adapters.Backup{ID: "bk-1", ResourceID: "site-1", CreatedAt: old})
	s.fake.AddBackup(adapters.Backup{ID: "bk-2", ResourceID: "site-1", CreatedAt: old.Add(time.Hour)})

	_, err := s.runJob(types.JobTypeBackupCleanup, types.BackupCleanupPayload{
		BackupID:   "bk-1",
		ResourceID: "site-1",
		OlderThan:  time.Now().UTC().Add(-30 * 24 * time.Hour),
	})
	s.Require().NoError(err)
	s.Equal(1, s.fake.CallCount(fake.OpPruneBackups))

	stale, err := s.fake.StaleBackups(s.ctx, time.Now().UTC())
	s.Require().NoError(err)
	s.Empty(stale)
}

func (s *PipelineTestSuite) TestRenewalInvoiceAndEmail() {
	renews := time.Date(2026, 11, 1, 0, 0, 0, 0, time.UTC)
	_, err := s.runJob(types.JobTypeRenewalInvoice, types.RenewalInvoicePayload{SubscriptionID: "sub-7", RenewsAt: renews})
	s.Require().NoError(err)
	s.Equal(1, s.fake.CallCount(fake.OpCreateRenewalInvoice))

	_, err = s.runJob(types.JobTypeSendEmail, types.SendEmailPayload{
		Template:  "invoice-reminder",
		Recipient: "owner@test.com",
		Data:      map[string]string{"invoice": "inv-1"},
	})
	s.Require().NoError(err)
	emails := s.fake.Emails()
	s.Require().Len(emails, 1)
	s.Equal("invoice-reminder", emails[0].Template)
}
