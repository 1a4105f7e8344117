package repos

import (
	"time"

	"gorm.io/datatypes"

	"github.com/celestiaorg/provisioner/internal/db"
	"github.com/celestiaorg/provisioner/internal/db/models"
	"github.com/celestiaorg/provisioner/internal/types"
)

func (s *DBRepositoryTestSuite) TestStepSaveRequiresLease() {
	s.createTestJob(types.QueueProvisioning, 0, "")
	job := s.leaseJob(types.QueueProvisioning, "w1")

	step := &models.JobStep{
		JobID:  job.ID,
		Seq:    0,
		Name:   "allocateServer",
		Status: types.StepStatusSucceeded,
		Output: datatypes.JSONMap{"username": "acme01"},
	}
	s.Require().NoError(s.stepRepo.Save(s.ctx, "w1", step))

	step.Status = types.StepStatusCompensated
	s.Require().NoError(s.stepRepo.Save(s.ctx, "w1", step))

	s.ErrorIs(s.stepRepo.Save(s.ctx, "intruder", &models.JobStep{
		JobID: job.ID, Seq: 1, Name: "createDNSZone", Status: types.StepStatusSucceeded,
	}), types.ErrLeaseLost)

	steps, err := s.stepRepo.ListByJob(s.ctx, job.ID)
	s.Require().NoError(err)
	s.Require().Len(steps, 1)
	s.Equal(types.StepStatusCompensated, steps[0].Status)
	s.Equal("acme01", steps[0].Output["username"])
}

func (s *DBRepositoryTestSuite) TestCloudPodTransitions() {
	pod := &models.CloudPod{
		SubscriptionID: "sub-9",
		Name:           "pod-1",
		Template:       "ubuntu-22-04",
		CPU:            2,
		MemoryMB:       2048,
		DiskGB:         40,
		Status:         types.CloudPodProvisioning,
	}
	s.Require().NoError(s.podRepo.Create(s.ctx, pod))

	s.ErrorIs(s.podRepo.Transition(s.ctx, pod.ID, types.CloudPodProvisioning, types.CloudPodSuspended, nil), types.ErrInvalidTransition)
	s.Require().NoError(s.podRepo.Transition(s.ctx, pod.ID, types.CloudPodProvisioning, types.CloudPodActive, map[string]interface{}{
		"vm_id": "vm-1",
		"ip":    "203.0.113.5",
	}))

	// stale "from" loses
	s.ErrorIs(s.podRepo.Transition(s.ctx, pod.ID, types.CloudPodProvisioning, types.CloudPodActive, nil), types.ErrInvalidTransition)

	got, err := s.podRepo.GetByID(s.ctx, pod.ID)
	s.Require().NoError(err)
	s.Equal(types.CloudPodActive, got.Status)
	s.Equal("vm-1", got.VMID)

	s.Require().NoError(s.podRepo.Transition(s.ctx, pod.ID, types.CloudPodActive, types.CloudPodDeleted, nil))
	s.ErrorIs(s.podRepo.Transition(s.ctx, pod.ID, types.CloudPodDeleted, types.CloudPodActive, nil), types.ErrInvalidTransition)
}

func (s *DBRepositoryTestSuite) TestResourcesUpsertAndExpiry() {
	soon := db.Now().Add(10 * 24 * time.Hour)
	later := db.Now().Add(90 * 24 * time.Hour)

	s.Require().NoError(s.resourceRepo.Upsert(s.ctx, &models.ProvisionedResource{
		SubscriptionID: "sub-1", Kind: models.ResourceSSLCertificate, Name: "a.example.com",
		ExternalRef: "cert-1", Status: models.ResourceActive, ExpiresAt: &soon,
	}))
	s.Require().NoError(s.resourceRepo.Upsert(s.ctx, &models.ProvisionedResource{
		SubscriptionID: "sub-2", Kind: models.ResourceSSLCertificate, Name: "b.example.com",
		ExternalRef: "cert-2", Status: models.ResourceActive, ExpiresAt: &later,
	}))

	expiring, err := s.resourceRepo.ListExpiring(s.ctx, models.ResourceSSLCertificate, db.Now().Add(30*24*time.Hour))
	s.Require().NoError(err)
	s.Require().Len(expiring, 1)
	s.Equal("a.example.com", expiring[0].Name)

	// upsert with the same identity replaces the ref
	s.Require().NoError(s.resourceRepo.Upsert(s.ctx, &models.ProvisionedResource{
		SubscriptionID: "sub-1", Kind: models.ResourceSSLCertificate, Name: "a.example.com",
		ExternalRef: "cert-1b", Status: models.ResourceActive, ExpiresAt: &later,
	}))
	got, err := s.resourceRepo.Get(s.ctx, "sub-1", models.ResourceSSLCertificate, "a.example.com")
	s.Require().NoError(err)
	s.Equal("cert-1b", got.ExternalRef)

	missing, err := s.resourceRepo.Get(s.ctx, "sub-1", models.ResourceMailbox, "nope")
	s.Require().NoError(err)
	s.Nil(missing)
}

func (s *DBRepositoryTestSuite) TestWatermarkClaimIsCompareAndSet() {
	wm, err := s.watermarkRepo.Get(s.ctx, "invoices-overdue")
	s.Require().NoError(err)
	s.EqualValues(0, wm.Runs)
	s.Nil(wm.LastRunAt)

	ok, err := s.watermarkRepo.Claim(s.ctx, "invoices-overdue", wm.Runs, db.Now())
	s.Require().NoError(err)
	s.True(ok)

	// a second instance that read the same watermark loses
	ok, err = s.watermarkRepo.Claim(s.ctx, "invoices-overdue", wm.Runs, db.Now())
	s.Require().NoError(err)
	s.False(ok)

	s.Require().NoError(s.watermarkRepo.RecordResult(s.ctx, "invoices-overdue", "billing timeout"))
	wm, err = s.watermarkRepo.Get(s.ctx, "invoices-overdue")
	s.Require().NoError(err)
	s.EqualValues(1, wm.Runs)
	s.NotNil(wm.LastRunAt)
	s.Equal("billing timeout", wm.LastError)
}
