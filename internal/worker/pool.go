// Package worker leases jobs from the queue and runs their handlers.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/celestiaorg/provisioner/internal/db/models"
	"github.com/celestiaorg/provisioner/internal/logger"
	"github.com/celestiaorg/provisioner/internal/types"
)

// Pool defaults
const (
	DefaultPollInterval    = 2 * time.Second
	DefaultLeaseDuration   = 5 * time.Minute
	DefaultJobTimeout      = 30 * time.Minute
	DefaultShutdownTimeout = 30 * time.Second
	DefaultSweepInterval   = 30 * time.Second
	DefaultMaxStoreErrors  = 10
)

// ErrStoreUnavailable is returned by Run after too many consecutive job store
// errors. The process is expected to exit and be restarted.
var ErrStoreUnavailable = errors.New("job store unavailable")

// Handler processes one leased job and returns its result
type Handler interface {
	Handle(ctx context.Context, job *models.Job, workerID string) (interface{}, error)
}

// HandlerFunc adapts a function to Handler
type HandlerFunc func(ctx context.Context, job *models.Job, workerID string) (interface{}, error)

// Handle calls f
func (f HandlerFunc) Handle(ctx context.Context, job *models.Job, workerID string) (interface{}, error) {
	return f(ctx, job, workerID)
}

// Queue is the part of the dispatcher the pool drives
type Queue interface {
	Lease(ctx context.Context, queue, workerID string, lease time.Duration) (*models.Job, error)
	Extend(ctx context.Context, jobID uuid.UUID, workerID string, lease time.Duration) error
	Ack(ctx context.Context, job *models.Job, workerID string, result interface{}) error
	Fail(ctx context.Context, job *models.Job, workerID string, cause error) (types.JobStatus, error)
	SweepExpiredLeases(ctx context.Context) (int, error)
}

// QueueConfig sizes the slots of one queue
type QueueConfig struct {
	Concurrency  int
	PollInterval time.Duration
}

// Config configures a Pool
type Config struct {
	WorkerID        string
	Queues          map[string]QueueConfig
	LeaseDuration   time.Duration
	JobTimeout      time.Duration
	ShutdownTimeout time.Duration
	// SweepInterval of zero disables the expired lease sweeper
	SweepInterval  time.Duration
	MaxStoreErrors int
}

func (c Config) withDefaults() Config {
	if c.LeaseDuration <= 0 {
		c.LeaseDuration = DefaultLeaseDuration
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = DefaultJobTimeout
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
	if c.MaxStoreErrors <= 0 {
		c.MaxStoreErrors = DefaultMaxStoreErrors
	}
	queues := make(map[string]QueueConfig, len(c.Queues))
	for name, qc := range c.Queues {
		if qc.PollInterval <= 0 {
			qc.PollInterval = DefaultPollInterval
		}
		queues[name] = qc
	}
	c.Queues = queues
	return c
}

// Pool runs a fixed number of slots per queue. Slots share nothing but the
// queue; coordination with other processes happens through the lease.
type Pool struct {
	queue Queue
	cfg   Config

	mu       sync.RWMutex
	handlers map[types.JobType]Handler

	storeErrors atomic.Int32
	fatal       chan error
	running     atomic.Bool
}

// NewPool creates a pool. Handlers must be registered before Run.
func NewPool(queue Queue, cfg Config) *Pool {
	return &Pool{
		queue:    queue,
		cfg:      cfg.withDefaults(),
		handlers: make(map[types.JobType]Handler),
		fatal:    make(chan error, 1),
	}
}

// Register sets the handler for a job type
func (p *Pool) Register(jobType types.JobType, h Handler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[jobType] = h
}

func (p *Pool) handler(jobType types.JobType) (Handler, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	h, ok := p.handlers[jobType]
	return h, ok
}

// Run leases and processes jobs until ctx is done or the job store has been
// unreachable for MaxStoreErrors consecutive calls. On shutdown it stops
// leasing and waits up to ShutdownTimeout for in-flight jobs; jobs still
// running after that are abandoned to the lease sweep.
func (p *Pool) Run(ctx context.Context) error {
	if !p.running.CompareAndSwap(false, true) {
		return errors.New("worker pool already running")
	}
	defer p.running.Store(false)

	slots := 0
	for _, qc := range p.cfg.Queues {
		slots += qc.Concurrency
	}
	if slots == 0 {
		return errors.New("worker pool has no queue slots configured")
	}

	loopCtx, stopLeasing := context.WithCancel(ctx)
	defer stopLeasing()
	// in-flight jobs outlive ctx until the shutdown timeout
	jobCtx, cancelJobs := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelJobs()

	var wg sync.WaitGroup
	names := make([]string, 0, len(p.cfg.Queues))
	for name := range p.cfg.Queues {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		qc := p.cfg.Queues[name]
		for i := 0; i < qc.Concurrency; i++ {
			wg.Add(1)
			go func(slot int) {
				defer wg.Done()
				p.slot(loopCtx, jobCtx, name, slot, qc.PollInterval)
			}(i)
		}
		logger.Infof("👷 Worker %s polling queue %s with %d slots", p.cfg.WorkerID, name, qc.Concurrency)
	}

	if p.cfg.SweepInterval > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.sweep(loopCtx)
		}()
	}

	var err error
	select {
	case <-ctx.Done():
		logger.Info("Worker pool received shutdown signal, stopping...")
	case err = <-p.fatal:
		logger.Errorf("❌ Worker pool stopping: %v", err)
	}
	stopLeasing()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(p.cfg.ShutdownTimeout)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		logger.Warnf("Shutdown timeout of %s reached, abandoning in-flight jobs", p.cfg.ShutdownTimeout)
		cancelJobs()
		<-done
	}

	logger.Info("Worker pool stopped")
	return err
}

func (p *Pool) slot(loopCtx, jobCtx context.Context, queue string, slot int, poll time.Duration) {
	for loopCtx.Err() == nil {
		job, err := p.queue.Lease(loopCtx, queue, p.cfg.WorkerID, p.cfg.LeaseDuration)
		if err != nil {
			if loopCtx.Err() != nil {
				return
			}
			p.storeFailed(fmt.Errorf("lease from %s: %w", queue, err))
			wait(loopCtx, poll)
			continue
		}
		p.storeOK()

		if job == nil {
			wait(loopCtx, poll)
			continue
		}
		// re-poll right away after a job
		p.process(jobCtx, job, slot)
	}
}

// process runs a leased job and settles it with Ack or Fail
func (p *Pool) process(ctx context.Context, job *models.Job, slot int) {
	fields := map[string]interface{}{
		"job_id":    job.ID,
		"job_type":  job.Type,
		"queue":     job.Queue,
		"worker_id": p.cfg.WorkerID,
		"slot":      slot,
		"attempt":   job.Attempts + 1,
	}
	logger.InfoWithFields("Job leased", fields)

	runCtx, cancel := context.WithTimeout(ctx, p.cfg.JobTimeout)
	defer cancel()

	var lost atomic.Bool
	hbCtx, stopHeartbeat := context.WithCancel(runCtx)
	hbDone := make(chan struct{})
	go func() {
		defer close(hbDone)
		p.heartbeat(hbCtx, job, cancel, &lost)
	}()

	result, err := p.invoke(runCtx, job)
	stopHeartbeat()
	<-hbDone

	if lost.Load() {
		logger.WarnWithFields("Lease lost, abandoning job result", fields)
		return
	}
	if ctx.Err() != nil {
		logger.WarnWithFields("Shutdown interrupted job, leaving it to the lease sweep", fields)
		return
	}

	if err == nil {
		if err := p.queue.Ack(ctx, job, p.cfg.WorkerID, result); err != nil {
			p.settleFailed(err, fields)
			return
		}
		p.storeOK()
		logger.InfoWithFields("✅ Job completed", fields)
		return
	}

	var timeoutErr *types.TimeoutError
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) && !errors.As(err, &timeoutErr) {
		err = &types.TimeoutError{Scope: "job", Err: err}
	}
	status, ferr := p.queue.Fail(ctx, job, p.cfg.WorkerID, err)
	if ferr != nil {
		p.settleFailed(ferr, fields)
		return
	}
	p.storeOK()
	fields["status"] = status
	fields["error"] = err.Error()
	logger.WarnWithFields("Job attempt failed", fields)
}

// invoke calls the handler; panics become transient failures
func (p *Pool) invoke(ctx context.Context, job *models.Job) (result interface{}, err error) {
	h, ok := p.handler(job.Type)
	if !ok {
		return nil, types.Permanent(fmt.Errorf("%w: %s", types.ErrUnknownJobType, job.Type))
	}

	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("❌ Handler for job %s panicked: %v", job.ID, r)
			result, err = nil, fmt.Errorf("handler for %s panicked: %v", job.Type, r)
		}
	}()
	return h.Handle(ctx, job, p.cfg.WorkerID)
}

// heartbeat extends the lease every lease/3 and cancels the job when the
// lease is gone
func (p *Pool) heartbeat(ctx context.Context, job *models.Job, cancel context.CancelFunc, lost *atomic.Bool) {
	ticker := time.NewTicker(p.cfg.LeaseDuration / 3)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := p.queue.Extend(ctx, job.ID, p.cfg.WorkerID, p.cfg.LeaseDuration)
			switch {
			case err == nil:
				logger.Debugf("Extended lease on job %s", job.ID)
			case errors.Is(err, types.ErrLeaseLost):
				lost.Store(true)
				cancel()
				return
			case ctx.Err() == nil:
				logger.Warnf("Failed to extend lease on job %s: %v", job.ID, err)
			}
		}
	}
}

func (p *Pool) settleFailed(err error, fields map[string]interface{}) {
	fields["error"] = err.Error()
	if errors.Is(err, types.ErrLeaseLost) {
		logger.WarnWithFields("Lease lost before the job was settled", fields)
		return
	}
	logger.ErrorWithFields("Failed to settle job", fields)
	p.storeFailed(err)
}

func (p *Pool) sweep(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := p.queue.SweepExpiredLeases(ctx)
			if err != nil {
				if ctx.Err() == nil {
					p.storeFailed(fmt.Errorf("sweep expired leases: %w", err))
				}
				continue
			}
			p.storeOK()
			if n > 0 {
				logger.Infof("🧹 Reclaimed %d expired leases", n)
			}
		}
	}
}

func (p *Pool) storeOK() {
	p.storeErrors.Store(0)
}

func (p *Pool) storeFailed(err error) {
	n := p.storeErrors.Add(1)
	logger.Errorf("Job store error (%d/%d): %v", n, p.cfg.MaxStoreErrors, err)
	if int(n) < p.cfg.MaxStoreErrors {
		return
	}
	select {
	case p.fatal <- fmt.Errorf("%w: %d consecutive errors, last: %v", ErrStoreUnavailable, n, err):
	default:
	}
}

func wait(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
