package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/suite"
	"gorm.io/gorm"

	"github.com/celestiaorg/provisioner/internal/adapters/fake"
	"github.com/celestiaorg/provisioner/internal/db"
	"github.com/celestiaorg/provisioner/internal/db/models"
	"github.com/celestiaorg/provisioner/internal/db/repos"
	"github.com/celestiaorg/provisioner/internal/queue"
	"github.com/celestiaorg/provisioner/internal/types"
)

const testWorker = "worker-1"

// hookStore lets a test react to step writes, e.g. to cancel mid-pipeline
type hookStore struct {
	*queue.Dispatcher
	afterSave func(step *models.JobStep)
}

func (h *hookStore) SaveStep(ctx context.Context, workerID string, step *models.JobStep) error {
	err := h.Dispatcher.SaveStep(ctx, workerID, step)
	if err == nil && h.afterSave != nil {
		h.afterSave(step)
	}
	return err
}

type PipelineTestSuite struct {
	suite.Suite
	ctx          context.Context
	db           *gorm.DB
	fake         *fake.Adapters
	dispatcher   *queue.Dispatcher
	store        *hookStore
	executor     *Executor
	provisioners *Provisioners
	resources    *repos.ResourceRepository
	pods         *repos.CloudPodRepository
}

func (s *PipelineTestSuite) SetupTest() {
	gdb, err := db.OpenSQLiteMemory("pipeline-" + uuid.NewString())
	s.Require().NoError(err)

	s.ctx = context.Background()
	s.db = gdb
	s.fake = fake.New()
	s.resources = repos.NewResourceRepository(gdb)
	s.pods = repos.NewCloudPodRepository(gdb)
	s.dispatcher = queue.NewDispatcher(repos.NewJobRepository(gdb), repos.NewJobStepRepository(gdb), queue.Options{MaxAttempts: 3})
	s.store = &hookStore{Dispatcher: s.dispatcher}
	s.executor = NewExecutor(s.store, Options{
		StepAttempts: 3,
		StepBackoff:  queue.Backoff{Base: time.Millisecond, Factor: 1, Cap: time.Millisecond},
	})
	s.provisioners = NewProvisioners(s.fake.Set(), s.resources, s.pods)
	s.executor.Register(s.provisioners.Definitions()...)
}

func (s *PipelineTestSuite) TearDownTest() {
	if sqlDB, err := s.db.DB(); err == nil {
		_ = sqlDB.Close()
	}
}

func hostingPayloadFor(domain, username string) types.HostingProvisionPayload {
	return types.HostingProvisionPayload{
		SubscriptionID: "sub-123",
		Domain:         domain,
		Plan:           "basic",
		Username:       username,
		ContactEmail:   "owner@" + domain,
	}
}

// lease enqueues a job and leases it for testWorker
func (s *PipelineTestSuite) lease(jobType types.JobType, payload interface{}) *models.Job {
	job, err := s.dispatcher.Enqueue(s.ctx, jobType, payload, queue.EnqueueOptions{})
	s.Require().NoError(err)
	leased, err := s.dispatcher.Lease(s.ctx, job.Queue, testWorker, time.Minute)
	s.Require().NoError(err)
	s.Require().NotNil(leased)
	s.Require().Equal(job.ID, leased.ID)
	return leased
}

func (s *PipelineTestSuite) steps(jobID uuid.UUID) map[string]models.JobStep {
	rows, err := s.dispatcher.Steps(s.ctx, jobID)
	s.Require().NoError(err)
	out := make(map[string]models.JobStep, len(rows))
	for _, r := range rows {
		out[r.Name] = r
	}
	return out
}

var undoOps = map[string]bool{
	fake.OpDeleteAccount: true,
	fake.OpDeleteZone:    true,
	fake.OpRevoke:        true,
	fake.OpDeleteMailbox: true,
	fake.OpDropDatabase:  true,
	fake.OpDeleteVM:      true,
}

func (s *PipelineTestSuite) undoCalls() []string {
	var out []string
	for _, c := range s.fake.Calls() {
		if undoOps[c] {
			out = append(out, c)
		}
	}
	return out
}

func (s *PipelineTestSuite) TestHostingProvisionSucceeds() {
	job := s.lease(types.JobTypeHostingProvision, hostingPayloadFor("test.com", "testuser"))

	out, err := s.executor.Run(s.ctx, job, testWorker)
	s.Require().NoError(err)
	s.Require().NoError(s.dispatcher.Ack(s.ctx, job, testWorker, out))

	steps := s.steps(job.ID)
	s.Len(steps, 6)
	for name, st := range steps {
		s.Equal(types.StepStatusSucceeded, st.Status, name)
		s.Equal(1, st.Attempts, name)
	}

	res, err := s.resources.ListBySubscription(s.ctx, "sub-123")
	s.Require().NoError(err)
	s.Len(res, 5)

	emails := s.fake.Emails()
	s.Require().Len(emails, 1)
	s.Equal("owner@test.com", emails[0].Recipient)

	stored, err := s.dispatcher.Get(s.ctx, job.ID)
	s.Require().NoError(err)
	s.Equal(types.JobStatusCompleted, stored.Status)
}

func (s *PipelineTestSuite) TestPermanentFailureCompensatesInReverseOrder() {
	s.fake.FailAlways(fake.OpIssueCertificate, types.PermanentAdapterError("ssl", "Issue", errors.New("domain not allowed")))
	job := s.lease(types.JobTypeHostingProvision, hostingPayloadFor("test.com", "testuser"))

	_, err := s.executor.Run(s.ctx, job, testWorker)
	s.Require().Error(err)
	s.True(types.IsPermanent(err))

	s.Equal([]string{fake.OpDeleteZone, fake.OpDeleteAccount}, s.undoCalls())
	s.Equal(1, s.fake.CallCount(fake.OpIssueCertificate), "permanent failures are not retried")

	steps := s.steps(job.ID)
	s.Equal(types.StepStatusCompensated, steps[StepAllocateServer].Status)
	s.Equal(types.StepStatusCompensated, steps[StepCreateDNSZone].Status)
	s.Equal(types.StepStatusFailed, steps[StepIssueSSL].Status)
	s.NotContains(steps, StepCreateMailbox)

	status, err := s.dispatcher.Fail(s.ctx, job, testWorker, err)
	s.Require().NoError(err)
	s.Equal(types.JobStatusFailed, status)

	_, ok := s.fake.Account("testuser")
	s.False(ok)
}

func (s *PipelineTestSuite) TestTransientStepFailureIsRetried() {
	transient := types.TransientAdapterError("dns", "CreateZone", errors.New("503"))
	s.fake.FailNext(fake.OpCreateZone, transient, transient)
	job := s.lease(types.JobTypeHostingProvision, hostingPayloadFor("test.com", "testuser"))

	_, err := s.executor.Run(s.ctx, job, testWorker)
	s.Require().NoError(err)

	steps := s.steps(job.ID)
	s.Equal(3, steps[StepCreateDNSZone].Attempts)
	s.Equal(types.StepStatusSucceeded, steps[StepCreateDNSZone].Status)
	s.Empty(s.undoCalls())
}

func (s *PipelineTestSuite) TestExhaustedTransientFailureIsRetryable() {
	s.fake.FailAlways(fake.OpCreateMailbox, errors.New("connection reset"))
	job := s.lease(types.JobTypeHostingProvision, hostingPayloadFor("test.com", "testuser"))

	_, err := s.executor.Run(s.ctx, job, testWorker)
	s.Require().Error(err)
	s.True(types.IsRetryable(err))
	s.Equal(3, s.fake.CallCount(fake.OpCreateMailbox))
	s.Equal([]string{fake.OpRevoke, fake.OpDeleteZone, fake.OpDeleteAccount}, s.undoCalls())

	status, err := s.dispatcher.Fail(s.ctx, job, testWorker, err)
	s.Require().NoError(err)
	s.Equal(types.JobStatusPending, status)
}

func (s *PipelineTestSuite) TestCancelBetweenSteps() {
	job := s.lease(types.JobTypeHostingProvision, hostingPayloadFor("test.com", "testuser"))
	s.store.afterSave = func(step *models.JobStep) {
		if step.Name == StepCreateDNSZone && step.Status == types.StepStatusSucceeded {
			_, err := s.dispatcher.Cancel(s.ctx, step.JobID)
			s.Require().NoError(err)
		}
	}

	_, err := s.executor.Run(s.ctx, job, testWorker)
	s.Require().Error(err)
	s.ErrorIs(err, types.ErrJobCancelled)

	s.Zero(s.fake.CallCount(fake.OpIssueCertificate))
	s.Equal([]string{fake.OpDeleteZone, fake.OpDeleteAccount}, s.undoCalls())

	status, err := s.dispatcher.Fail(s.ctx, job, testWorker, err)
	s.Require().NoError(err)
	s.Equal(types.JobStatusCancelled, status)
}

func (s *PipelineTestSuite) TestCancelPendingJobUndoesEarlierAttempt() {
	job := s.lease(types.JobTypeHostingProvision, hostingPayloadFor("test.com", "testuser"))

	ctx, cancel := context.WithCancel(s.ctx)
	s.store.afterSave = func(step *models.JobStep) {
		if step.Name == StepCreateDNSZone && step.Status == types.StepStatusSucceeded {
			cancel()
		}
	}
	_, err := s.executor.Run(ctx, job, testWorker)
	s.Require().Error(err)
	s.store.afterSave = nil

	status, err := s.dispatcher.Fail(s.ctx, job, testWorker, errors.New("worker shutting down"))
	s.Require().NoError(err)
	s.Require().Equal(types.JobStatusPending, status)

	requested, err := s.dispatcher.Cancel(s.ctx, job.ID)
	s.Require().NoError(err)
	s.Equal(types.JobStatusPending, requested.Status)

	again, err := s.dispatcher.Lease(s.ctx, job.Queue, testWorker, time.Minute)
	s.Require().NoError(err)
	s.Require().NotNil(again)

	_, err = s.executor.Run(s.ctx, again, testWorker)
	s.ErrorIs(err, types.ErrJobCancelled)
	s.Equal([]string{fake.OpDeleteZone, fake.OpDeleteAccount}, s.undoCalls())

	status, err = s.dispatcher.Fail(s.ctx, again, testWorker, err)
	s.Require().NoError(err)
	s.Equal(types.JobStatusCancelled, status)
	steps := s.steps(job.ID)
	s.Equal(types.StepStatusCompensated, steps[StepAllocateServer].Status)
	s.Equal(types.StepStatusCompensated, steps[StepCreateDNSZone].Status)
}

func (s *PipelineTestSuite) TestCompensationFailureFlagsManualCleanup() {
	s.fake.FailAlways(fake.OpIssueCertificate, types.PermanentAdapterError("ssl", "Issue", errors.New("rejected")))
	s.fake.FailAlways(fake.OpDeleteZone, errors.New("dns api down"))
	job := s.lease(types.JobTypeHostingProvision, hostingPayloadFor("test.com", "testuser"))

	_, err := s.executor.Run(s.ctx, job, testWorker)
	s.Require().Error(err)

	steps := s.steps(job.ID)
	s.Equal(types.StepStatusCompensationFailed, steps[StepCreateDNSZone].Status)
	s.Contains(steps[StepCreateDNSZone].Error, "dns api down")
	s.Equal(types.StepStatusCompensated, steps[StepAllocateServer].Status, "compensation continues past a failed undo")

	_, err = s.dispatcher.Fail(s.ctx, job, testWorker, err)
	s.Require().NoError(err)
	stored, err := s.dispatcher.Get(s.ctx, job.ID)
	s.Require().NoError(err)
	s.True(stored.RequiresManualCleanup)
	s.Equal(types.JobStatusFailed, stored.Status)
}

func (s *PipelineTestSuite) TestRerunSkipsSucceededSteps() {
	job := s.lease(types.JobTypeHostingProvision, hostingPayloadFor("test.com", "testuser"))

	ctx, cancel := context.WithCancel(s.ctx)
	s.store.afterSave = func(step *models.JobStep) {
		if step.Name == StepCreateDNSZone && step.Status == types.StepStatusSucceeded {
			cancel()
		}
	}
	_, err := s.executor.Run(ctx, job, testWorker)
	s.Require().Error(err)
	s.Empty(s.undoCalls(), "an interrupted run leaves its steps for the next attempt")

	s.store.afterSave = nil
	out, err := s.executor.Run(s.ctx, job, testWorker)
	s.Require().NoError(err)

	s.Equal(1, s.fake.CallCount(fake.OpCreateAccount))
	s.Equal(1, s.fake.CallCount(fake.OpCreateZone))
	outputs, ok := out.(map[string]map[string]interface{})
	s.Require().True(ok)
	zone, _ := s.fake.Zone("test.com")
	s.Equal(zone, outputs[StepCreateDNSZone]["zone_id"])
}

func (s *PipelineTestSuite) TestStepsAreIdempotent() {
	job := s.lease(types.JobTypeHostingProvision, hostingPayloadFor("test.com", "testuser"))

	first := s.provisioners.allocateServer(s.ctx, newState(job, testWorker))
	second := s.provisioners.allocateServer(s.ctx, newState(job, testWorker))
	s.Require().Equal(KindOK, first.Kind)
	s.Require().Equal(KindOK, second.Kind)
	s.Equal(first.Output["credentials_ref"], second.Output["credentials_ref"])

	st := newState(job, testWorker)
	zone1 := s.provisioners.createDNSZone(s.ctx, st)
	zone2 := s.provisioners.createDNSZone(s.ctx, st)
	s.Equal(zone1.Output["zone_id"], zone2.Output["zone_id"])
	s.Equal(1, s.fake.CallCount(fake.OpCreateZone))
}

func (s *PipelineTestSuite) TestStepTimeout() {
	s.executor.opts.StepTimeout = 20 * time.Millisecond
	s.executor.opts.StepAttempts = 2
	s.fake.Delay(fake.OpCreateZone, time.Second)
	job := s.lease(types.JobTypeHostingProvision, hostingPayloadFor("test.com", "testuser"))

	_, err := s.executor.Run(s.ctx, job, testWorker)
	s.Require().Error(err)
	s.True(types.IsTimeout(err))
	s.True(types.IsRetryable(err))
	s.Equal(2, s.steps(job.ID)[StepCreateDNSZone].Attempts)
	s.Equal([]string{fake.OpDeleteAccount}, s.undoCalls())
}

func (s *PipelineTestSuite) TestInvalidPayloadIsPermanent() {
	job := s.lease(types.JobTypeHostingProvision, hostingPayloadFor("test.com", "testuser"))
	job.Payload = []byte(`{"domain":"not a domain"}`)

	_, err := s.executor.Run(s.ctx, job, testWorker)
	s.True(types.IsPermanent(err))
}

func (s *PipelineTestSuite) TestUnknownJobType() {
	job := s.lease(types.JobTypeSendEmail, types.SendEmailPayload{Template: "t", Recipient: "a@example.com"})
	bare := NewExecutor(s.store, Options{})

	_, err := bare.Run(s.ctx, job, testWorker)
	s.True(types.IsPermanent(err))
	s.ErrorIs(err, types.ErrUnknownJobType)
}

func (s *PipelineTestSuite) TestPanickingStepIsTransient() {
	def := &Definition{
		Type: types.JobTypeSendEmail,
		Steps: []Step{{
			Name: "explode",
			Run:  func(context.Context, *State) Result { panic("boom") },
		}},
	}
	s.executor.Register(def)
	job := s.lease(types.JobTypeSendEmail, types.SendEmailPayload{Template: "t", Recipient: "a@example.com"})

	_, err := s.executor.Run(s.ctx, job, testWorker)
	s.Require().Error(err)
	s.True(types.IsRetryable(err))
	s.Contains(err.Error(), "panicked")
}

func (s *PipelineTestSuite) TestLostLeaseAbandonsRun() {
	job := s.lease(types.JobTypeHostingProvision, hostingPayloadFor("test.com", "testuser"))

	_, err := s.executor.Run(s.ctx, job, "someone-else")
	s.ErrorIs(err, types.ErrLeaseLost)
	s.Zero(s.fake.CallCount(fake.OpCreateAccount))
}

func TestPipeline(t *testing.T) {
	suite.Run(t, new(PipelineTestSuite))
}

func TestFromError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{name: "nil", err: nil, want: KindOK},
		{name: "plain", err: errors.New("reset"), want: KindTransient},
		{name: "transient adapter", err: types.TransientAdapterError("dns", "x", errors.New("503")), want: KindTransient},
		{name: "permanent adapter", err: types.PermanentAdapterError("dns", "x", errors.New("400")), want: KindPermanent},
		{name: "validation", err: types.NewValidationError("domain", "bad"), want: KindPermanent},
		{name: "deadline", err: context.DeadlineExceeded, want: KindTimeout},
		{name: "invalid transition", err: types.ErrInvalidTransition, want: KindPermanent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, FromError(tt.err).Kind)
		})
	}
}
