// Package scheduler enqueues recurring maintenance jobs. Every pass is safe
// to repeat: records map to deterministic idempotency keys, so a second
// instance or a replayed tick finds the job already queued.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/celestiaorg/provisioner/internal/adapters"
	"github.com/celestiaorg/provisioner/internal/db"
	"github.com/celestiaorg/provisioner/internal/db/models"
	"github.com/celestiaorg/provisioner/internal/db/repos"
	"github.com/celestiaorg/provisioner/internal/logger"
	"github.com/celestiaorg/provisioner/internal/queue"
	"github.com/celestiaorg/provisioner/internal/types"
)

// Dispatcher is the part of the queue the scheduler writes to
type Dispatcher interface {
	Enqueue(ctx context.Context, jobType types.JobType, payload interface{}, opts queue.EnqueueOptions) (*models.Job, error)
	Archive(ctx context.Context, retention time.Duration, batch int) (int, error)
}

// Sources are where the tasks find due records
type Sources struct {
	Billing   adapters.BillingAdapter
	Backup    adapters.BackupAdapter
	Resources *repos.ResourceRepository
	// Pods, when set, lets the overdue pass skip pods already suspended
	Pods *repos.CloudPodRepository
}

// Config tunes the windows and intervals of the tasks
type Config struct {
	Tick              time.Duration
	RenewalWindow     time.Duration
	InvoiceGrace      time.Duration
	CertificateWindow time.Duration
	BackupRetention   time.Duration
	JobRetention      time.Duration
	ArchiveBatch      int
	// Intervals overrides the default interval of a task by name
	Intervals map[string]time.Duration
}

// DefaultConfig returns the production windows
func DefaultConfig() Config {
	return Config{
		Tick:              time.Minute,
		RenewalWindow:     7 * 24 * time.Hour,
		InvoiceGrace:      3 * 24 * time.Hour,
		CertificateWindow: 30 * 24 * time.Hour,
		BackupRetention:   30 * 24 * time.Hour,
		JobRetention:      30 * 24 * time.Hour,
		ArchiveBatch:      500,
	}
}

// Task is one recurring job producer
type Task struct {
	Name     string
	Interval time.Duration
	// Run returns how many jobs it enqueued
	Run func(ctx context.Context, now time.Time) (int, error)
}

// Scheduler runs its tasks when their interval has passed since the last
// claimed run
type Scheduler struct {
	dispatcher Dispatcher
	watermarks *repos.WatermarkRepository
	sources    Sources
	cfg        Config
	locker     Locker
	now        func() time.Time
	tasks      []Task

	mu sync.Mutex
}

// Option configures a Scheduler
type Option func(*Scheduler)

// WithLocker sets the leader election lock
func WithLocker(l Locker) Option {
	return func(s *Scheduler) { s.locker = l }
}

// WithClock replaces the wall clock
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// New creates a scheduler with the standard tasks
func New(d Dispatcher, watermarks *repos.WatermarkRepository, sources Sources, cfg Config, opts ...Option) *Scheduler {
	def := DefaultConfig()
	if cfg.Tick <= 0 {
		cfg.Tick = def.Tick
	}
	if cfg.RenewalWindow <= 0 {
		cfg.RenewalWindow = def.RenewalWindow
	}
	if cfg.InvoiceGrace <= 0 {
		cfg.InvoiceGrace = def.InvoiceGrace
	}
	if cfg.CertificateWindow <= 0 {
		cfg.CertificateWindow = def.CertificateWindow
	}
	if cfg.BackupRetention <= 0 {
		cfg.BackupRetention = def.BackupRetention
	}
	if cfg.JobRetention <= 0 {
		cfg.JobRetention = def.JobRetention
	}
	if cfg.ArchiveBatch <= 0 {
		cfg.ArchiveBatch = def.ArchiveBatch
	}

	s := &Scheduler{
		dispatcher: d,
		watermarks: watermarks,
		sources:    sources,
		cfg:        cfg,
		locker:     NoopLocker{},
		now:        db.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.tasks = s.standardTasks()
	return s
}

// Tasks lists the registered tasks
func (s *Scheduler) Tasks() []Task {
	return append([]Task(nil), s.tasks...)
}

// Start runs a pass every Tick until ctx is done, then releases the lock
func (s *Scheduler) Start(ctx context.Context) {
	logger.Infof("⏰ Scheduler started with %d tasks, tick %s", len(s.tasks), s.cfg.Tick)
	ticker := time.NewTicker(s.cfg.Tick)
	defer ticker.Stop()

	s.RunDue(ctx)
	for {
		select {
		case <-ctx.Done():
			unlockCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			if err := s.locker.Unlock(unlockCtx); err != nil {
				logger.Warnf("Failed to release scheduler lock: %v", err)
			}
			cancel()
			logger.Info("Scheduler stopped")
			return
		case <-ticker.C:
			s.RunDue(ctx)
		}
	}
}

// RunDue runs every task whose interval has elapsed. It returns the names of
// the tasks this instance ran.
func (s *Scheduler) RunDue(ctx context.Context) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	leader, err := s.locker.TryLock(ctx)
	if err != nil {
		logger.Warnf("Scheduler lock unavailable: %v", err)
		return nil
	}
	if !leader {
		logger.Debug("Another instance holds the scheduler lock")
		return nil
	}

	var ran []string
	for _, task := range s.tasks {
		if ctx.Err() != nil {
			break
		}
		ok, err := s.claim(ctx, task)
		if err != nil {
			logger.Errorf("Failed to claim scheduler task %s: %v", task.Name, err)
			continue
		}
		if !ok {
			continue
		}
		s.execute(ctx, task)
		ran = append(ran, task.Name)
	}
	return ran
}

// RunTask runs a task immediately, ignoring its interval
func (s *Scheduler) RunTask(ctx context.Context, name string) (int, error) {
	for _, task := range s.tasks {
		if task.Name == name {
			return s.execute(ctx, task)
		}
	}
	return 0, fmt.Errorf("unknown scheduler task %q", name)
}

// claim advances the task's watermark when its interval has elapsed. Only
// the instance whose compare-and-set succeeds runs the task.
func (s *Scheduler) claim(ctx context.Context, task Task) (bool, error) {
	wm, err := s.watermarks.Get(ctx, task.Name)
	if err != nil {
		return false, err
	}
	now := s.now()
	if wm.LastRunAt != nil && now.Sub(*wm.LastRunAt) < task.Interval {
		return false, nil
	}
	return s.watermarks.Claim(ctx, task.Name, wm.Runs, now)
}

// execute runs a task in isolation and records the outcome in its watermark
func (s *Scheduler) execute(ctx context.Context, task Task) (n int, err error) {
	started := time.Now()
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("task %s panicked: %v", task.Name, r)
			}
		}()
		n, err = task.Run(ctx, s.now())
	}()

	fields := map[string]interface{}{
		"task":     task.Name,
		"enqueued": n,
		"duration": time.Since(started).String(),
	}
	msg := ""
	if err != nil {
		msg = err.Error()
		fields["error"] = msg
		logger.ErrorWithFields("Scheduler task failed", fields)
	} else {
		logger.InfoWithFields("Scheduler task finished", fields)
	}

	if rerr := s.watermarks.RecordResult(context.WithoutCancel(ctx), task.Name, msg); rerr != nil {
		logger.Warnf("Failed to record result of task %s: %v", task.Name, rerr)
	}
	return n, err
}

// enqueue submits one job for a due record. An active job with the same key
// means it is already queued.
func (s *Scheduler) enqueue(ctx context.Context, jobType types.JobType, key string, payload interface{}) (bool, error) {
	_, err := s.dispatcher.Enqueue(ctx, jobType, payload, queue.EnqueueOptions{IdempotencyKey: key})
	if errors.Is(err, types.ErrDuplicateJob) {
		logger.Debugf("Job %s already queued", key)
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("enqueue %s: %w", key, err)
	}
	return true, nil
}
