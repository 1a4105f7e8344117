package repos

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/celestiaorg/provisioner/internal/db"
	"github.com/celestiaorg/provisioner/internal/db/models"
	"github.com/celestiaorg/provisioner/internal/types"
)

func (s *DBRepositoryTestSuite) TestCreateAndGet() {
	job := s.createTestJob(types.QueueProvisioning, 0, "sub-1-hosting")
	s.NotEqual(uuid.Nil, job.ID)

	got, err := s.jobRepo.GetByID(s.ctx, job.ID)
	s.Require().NoError(err)
	s.Equal(types.JobStatusPending, got.Status)
	s.Equal("sub-1-hosting", got.Key())

	_, err = s.jobRepo.GetByID(s.ctx, uuid.New())
	s.ErrorIs(err, types.ErrJobNotFound)
}

func (s *DBRepositoryTestSuite) TestActiveIdempotencyKeyIsUnique() {
	first := s.createTestJob(types.QueueProvisioning, 0, "invoice-456-suspend")

	key := "invoice-456-suspend"
	dup := &models.Job{
		Type:           types.JobTypeSuspendService,
		Queue:          types.QueueProvisioning,
		Status:         types.JobStatusPending,
		MaxAttempts:    3,
		IdempotencyKey: &key,
	}
	err := s.jobRepo.Create(s.ctx, dup)
	s.Require().Error(err)
	s.True(errors.Is(err, gorm.ErrDuplicatedKey))
	s.True(db.IsDuplicateKeyError(err))

	active, err := s.jobRepo.GetActiveByIdempotencyKey(s.ctx, key)
	s.Require().NoError(err)
	s.Equal(first.ID, active.ID)

	// once the first job is terminal the key is free again
	leased := s.leaseJob(types.QueueProvisioning, "w1")
	s.Require().NoError(s.jobRepo.Complete(s.ctx, leased.ID, "w1", db.Now(), 10, nil))

	again := &models.Job{
		Type:           types.JobTypeSuspendService,
		Queue:          types.QueueProvisioning,
		Status:         types.JobStatusPending,
		MaxAttempts:    3,
		IdempotencyKey: &key,
	}
	s.Require().NoError(s.jobRepo.Create(s.ctx, again))
}

func (s *DBRepositoryTestSuite) TestJobsWithoutKeyNeverConflict() {
	s.createTestJob(types.QueueEmail, 0, "")
	s.createTestJob(types.QueueEmail, 0, "")

	n, err := s.jobRepo.Count(s.ctx, models.JobFilter{Queue: types.QueueEmail})
	s.Require().NoError(err)
	s.EqualValues(2, n)
}

func (s *DBRepositoryTestSuite) TestClaimNextOrdersByPriorityThenFIFO() {
	low := s.createTestJob(types.QueueProvisioning, 0, "")
	time.Sleep(2 * time.Millisecond)
	high := s.createTestJob(types.QueueProvisioning, 10, "")
	time.Sleep(2 * time.Millisecond)
	lowLater := s.createTestJob(types.QueueProvisioning, 0, "")

	first := s.leaseJob(types.QueueProvisioning, "w1")
	second := s.leaseJob(types.QueueProvisioning, "w1")
	third := s.leaseJob(types.QueueProvisioning, "w1")

	s.Equal(high.ID, first.ID)
	s.Equal(low.ID, second.ID)
	s.Equal(lowLater.ID, third.ID)

	none, err := s.jobRepo.ClaimNext(s.ctx, types.QueueProvisioning, "w1", db.Now(), time.Minute)
	s.Require().NoError(err)
	s.Nil(none)
}

func (s *DBRepositoryTestSuite) TestClaimNextRespectsNextRunAtAndQueue() {
	job := s.createTestJob(types.QueueInvoice, 0, "")
	future := db.Now().Add(time.Hour)
	s.Require().NoError(s.db.Model(&models.Job{}).Where("id = ?", job.ID).Update("next_run_at", future).Error)

	got, err := s.jobRepo.ClaimNext(s.ctx, types.QueueInvoice, "w1", db.Now(), time.Minute)
	s.Require().NoError(err)
	s.Nil(got)

	got, err = s.jobRepo.ClaimNext(s.ctx, types.QueueEmail, "w1", future.Add(time.Second), time.Minute)
	s.Require().NoError(err)
	s.Nil(got)

	got, err = s.jobRepo.ClaimNext(s.ctx, types.QueueInvoice, "w1", future.Add(time.Second), time.Minute)
	s.Require().NoError(err)
	s.Require().NotNil(got)
	s.Equal(types.JobStatusProcessing, got.Status)
	s.Equal("w1", got.LockedBy)
}

func (s *DBRepositoryTestSuite) TestConcurrentClaimsAreExclusive() {
	const jobs = 10
	for i := 0; i < jobs; i++ {
		s.createTestJob(types.QueueProvisioning, 0, "")
	}

	var (
		mu   sync.Mutex
		seen = map[uuid.UUID]string{}
		wg   sync.WaitGroup
	)
	for w := 0; w < 5; w++ {
		worker := uuid.NewString()
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				job, err := s.jobRepo.ClaimNext(s.ctx, types.QueueProvisioning, worker, db.Now().Add(time.Millisecond), time.Minute)
				if err != nil || job == nil {
					return
				}
				mu.Lock()
				if prev, ok := seen[job.ID]; ok {
					s.Failf("job leased twice", "%s leased by %s and %s", job.ID, prev, worker)
				}
				seen[job.ID] = worker
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	s.Len(seen, jobs)
}

func (s *DBRepositoryTestSuite) TestHeldUpdatesRequireLease() {
	s.createTestJob(types.QueueProvisioning, 0, "")
	job := s.leaseJob(types.QueueProvisioning, "w1")

	err := s.jobRepo.Complete(s.ctx, job.ID, "w2", db.Now(), 1, nil)
	var lost *types.LeaseLostError
	s.Require().ErrorAs(err, &lost)
	s.Equal("w2", lost.WorkerID)

	s.Require().NoError(s.jobRepo.ExtendLease(s.ctx, job.ID, "w1", db.Now().Add(time.Hour)))
	s.Require().NoError(s.jobRepo.Complete(s.ctx, job.ID, "w1", db.Now(), 25, nil))

	got, err := s.jobRepo.GetByID(s.ctx, job.ID)
	s.Require().NoError(err)
	s.Equal(types.JobStatusCompleted, got.Status)
	s.EqualValues(25, got.ProcessingMS)
	s.Nil(got.LeaseExpiresAt)

	// a completed job can no longer be touched by its former holder
	s.ErrorIs(s.jobRepo.ExtendLease(s.ctx, job.ID, "w1", db.Now()), types.ErrLeaseLost)
}

func (s *DBRepositoryTestSuite) TestRescheduleAndFinish() {
	s.createTestJob(types.QueueProvisioning, 0, "")
	job := s.leaseJob(types.QueueProvisioning, "w1")

	next := db.Now().Add(30 * time.Second)
	s.Require().NoError(s.jobRepo.Reschedule(s.ctx, job.ID, "w1", 1, next, "dns 503"))

	got, err := s.jobRepo.GetByID(s.ctx, job.ID)
	s.Require().NoError(err)
	s.Equal(types.JobStatusPending, got.Status)
	s.Equal(1, got.Attempts)
	s.Equal("dns 503", got.LastError)
	s.Empty(got.LockedBy)

	again, err := s.jobRepo.ClaimNext(s.ctx, types.QueueProvisioning, "w1", db.Now(), time.Minute)
	s.Require().NoError(err)
	s.Nil(again, "rescheduled job must wait for next_run_at")
}

func (s *DBRepositoryTestSuite) TestFinishRejectsNonTerminal() {
	s.createTestJob(types.QueueProvisioning, 0, "")
	job := s.leaseJob(types.QueueProvisioning, "w1")

	s.ErrorIs(s.jobRepo.Finish(s.ctx, job.ID, "w1", types.JobStatusPending, db.Now(), 0, ""), types.ErrInvalidTransition)
	s.Require().NoError(s.jobRepo.Finish(s.ctx, job.ID, "w1", types.JobStatusDeadLettered, db.Now(), 0, "boom"))

	got, err := s.jobRepo.GetByID(s.ctx, job.ID)
	s.Require().NoError(err)
	s.Equal(types.JobStatusDeadLettered, got.Status)
	s.Nil(got.NextRunAt)
}

func (s *DBRepositoryTestSuite) TestExpiredLeases() {
	s.createTestJob(types.QueueProvisioning, 0, "")
	job, err := s.jobRepo.ClaimNext(s.ctx, types.QueueProvisioning, "w1", db.Now().Add(time.Millisecond), time.Millisecond)
	s.Require().NoError(err)
	s.Require().NotNil(job)

	later := db.Now().Add(time.Second)
	expired, err := s.jobRepo.ListExpiredLeases(s.ctx, later, 10)
	s.Require().NoError(err)
	s.Require().Len(expired, 1)

	ok, err := s.jobRepo.ReclaimExpired(s.ctx, &expired[0], later, map[string]interface{}{
		"status":           types.JobStatusPending,
		"locked_by":        "",
		"lease_expires_at": nil,
	})
	s.Require().NoError(err)
	s.True(ok)

	// reclaiming twice is a no-op
	ok, err = s.jobRepo.ReclaimExpired(s.ctx, &expired[0], later, map[string]interface{}{"status": types.JobStatusPending})
	s.Require().NoError(err)
	s.False(ok)
}

func (s *DBRepositoryTestSuite) TestCancelAndRetry() {
	pending := s.createTestJob(types.QueueEmail, 0, "")
	ok, err := s.jobRepo.CancelPending(s.ctx, pending.ID, db.Now())
	s.Require().NoError(err)
	s.True(ok)

	s.createTestJob(types.QueueProvisioning, 0, "")
	running := s.leaseJob(types.QueueProvisioning, "w1")
	ok, err = s.jobRepo.CancelPending(s.ctx, running.ID, db.Now())
	s.Require().NoError(err)
	s.False(ok)
	ok, err = s.jobRepo.RequestCancel(s.ctx, running.ID)
	s.Require().NoError(err)
	s.True(ok)
	flag, err := s.jobRepo.IsCancelRequested(s.ctx, running.ID)
	s.Require().NoError(err)
	s.True(flag)

	s.ErrorIs(s.jobRepo.ResetForRetry(s.ctx, running.ID, db.Now()), types.ErrJobNotRetryable)

	s.Require().NoError(s.jobRepo.Finish(s.ctx, running.ID, "w1", types.JobStatusFailed, db.Now(), 5, "permanent"))
	s.Require().NoError(s.jobRepo.ResetForRetry(s.ctx, running.ID, db.Now()))

	got, err := s.jobRepo.GetByID(s.ctx, running.ID)
	s.Require().NoError(err)
	s.Equal(types.JobStatusPending, got.Status)
	s.Equal(0, got.Attempts)
	s.False(got.CancelRequested)
}

func (s *DBRepositoryTestSuite) TestStats() {
	for i := 0; i < 3; i++ {
		s.createTestJob(types.QueueProvisioning, 0, "")
	}
	a := s.leaseJob(types.QueueProvisioning, "w1")
	s.Require().NoError(s.jobRepo.Complete(s.ctx, a.ID, "w1", db.Now(), 100, nil))
	b := s.leaseJob(types.QueueProvisioning, "w1")
	s.Require().NoError(s.jobRepo.Complete(s.ctx, b.ID, "w1", db.Now(), 300, nil))

	counts, err := s.jobRepo.CountByStatus(s.ctx, types.QueueProvisioning)
	s.Require().NoError(err)
	s.EqualValues(2, counts[types.JobStatusCompleted])
	s.EqualValues(1, counts[types.JobStatusPending])
	s.EqualValues(0, counts[types.JobStatusDeadLettered])

	avg, err := s.jobRepo.AvgProcessingMS(s.ctx, types.QueueProvisioning)
	s.Require().NoError(err)
	s.InDelta(200.0, avg, 0.001)

	avg, err = s.jobRepo.AvgProcessingMS(s.ctx, types.QueueBackup)
	s.Require().NoError(err)
	s.Zero(avg)
}

func (s *DBRepositoryTestSuite) TestArchiveTerminal() {
	s.createTestJob(types.QueueProvisioning, 0, "")
	s.createTestJob(types.QueueProvisioning, 0, "")
	done := s.leaseJob(types.QueueProvisioning, "w1")
	s.Require().NoError(s.jobRepo.Complete(s.ctx, done.ID, "w1", db.Now().Add(-48*time.Hour), 1, nil))

	moved, err := s.jobRepo.ArchiveTerminal(s.ctx, db.Now().Add(-24*time.Hour), 100, db.Now())
	s.Require().NoError(err)
	s.Equal(1, moved)

	_, err = s.jobRepo.GetByID(s.ctx, done.ID)
	s.ErrorIs(err, types.ErrJobNotFound)
	archived, err := s.jobRepo.GetArchived(s.ctx, done.ID)
	s.Require().NoError(err)
	s.Equal(types.JobStatusCompleted, archived.Status)

	n, err := s.jobRepo.Count(s.ctx, models.JobFilter{})
	s.Require().NoError(err)
	s.EqualValues(1, n)
}
