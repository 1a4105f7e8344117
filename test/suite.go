package test

import (
	"context"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"gorm.io/gorm"

	"github.com/celestiaorg/provisioner/internal/adapters/fake"
	"github.com/celestiaorg/provisioner/internal/app"
	"github.com/celestiaorg/provisioner/internal/config"
	"github.com/celestiaorg/provisioner/internal/db"
	"github.com/celestiaorg/provisioner/internal/queue"
	"github.com/celestiaorg/provisioner/pkg/api/v1/client"
)

// DefaultTestTimeout is the default timeout for test suites.
const DefaultTestTimeout = 30 * time.Second

// testEnv is the configuration every suite starts from. Retries are short so
// failure paths finish within a test.
var testEnv = map[string]string{
	"DB_DRIVER":               "sqlite",
	"SCHEDULER_ENABLED":       "false",
	"SCHEDULER_LOCK":          "none",
	"WORKER_ID":               "test-worker",
	"WORKER_CONCURRENCY":      "provisioning:2,cloudpod-lifecycle:1,email:1,invoice:1,backup:1",
	"WORKER_POLL_INTERVAL":    "1s",
	"WORKER_SWEEP_INTERVAL":   "1s",
	"WORKER_LEASE_DURATION":   "30s",
	"WORKER_SHUTDOWN_TIMEOUT": "5s",
	"RETRY_BASE":              "10ms",
	"RETRY_CAP":               "50ms",
	"RETRY_MAX_ATTEMPTS":      "2",
}

// Suite encapsulates all components needed for integration testing.
// It provides a complete test setup with:
//   - In-memory database
//   - Real dispatcher, pipelines and worker pool
//   - Real API server
//   - Real API client
//   - Fake external adapters
type Suite struct {
	t *testing.T // The testing.T instance for this suite

	// Process components
	Process    *app.App
	Dispatcher *queue.Dispatcher

	// Server components
	App    *fiber.App
	Server *httptest.Server

	// Client components
	APIClient client.Client

	// Database components
	DB *gorm.DB

	// Adapters records every external call and can inject failures
	Adapters *fake.Adapters

	// Context management
	ctx        context.Context
	cancelFunc context.CancelFunc

	workersOnce sync.Once
	workers     sync.WaitGroup

	// Cleanup function
	cleanup func()
}

// SetS sets the suite instance for this suite
func (s *Suite) SetS(_ suite.TestingSuite) {
	// This method is required by suite.TestingSuite but we don't need to do anything here
}

// SetT sets the testing.T instance for this suite
func (s *Suite) SetT(t *testing.T) {
	s.t = t
}

// T returns the testing.T instance for this suite
func (s *Suite) T() *testing.T {
	return s.t
}

// NewSuite creates a new test suite. env overrides entries of the default
// configuration. The suite must be cleaned up after use by calling Cleanup.
func NewSuite(t *testing.T, env ...map[string]string) *Suite {
	t.Helper()

	// Create suite with default timeout
	ctx, cancel := context.WithTimeout(context.Background(), DefaultTestTimeout)

	s := &Suite{
		t:          t,
		ctx:        ctx,
		cancelFunc: cancel,
	}

	// Initialize cleanup function
	s.cleanup = func() {
		if s.cancelFunc != nil {
			s.cancelFunc()
		}
		s.workers.Wait()
		// Close database if it exists
		if s.DB != nil {
			sqlDB, err := s.DB.DB()
			if err == nil && sqlDB != nil {
				_ = sqlDB.Close()
			}
		}
	}

	vars := make(map[string]string, len(testEnv))
	for k, v := range testEnv {
		vars[k] = v
	}
	for _, e := range env {
		for k, v := range e {
			vars[k] = v
		}
	}
	cfg, err := config.LoadFrom(ctx, vars)
	s.Require().NoError(err, "Failed to load test configuration")

	gdb, err := db.OpenSQLiteMemory("suite-" + uuid.NewString())
	s.Require().NoError(err, "Failed to open test database")
	s.DB = gdb

	s.Adapters = fake.New()
	s.Process, err = app.New(cfg, app.WithDB(gdb), app.WithAdapters(s.Adapters.Set()))
	s.Require().NoError(err, "Failed to build process")
	s.Dispatcher = s.Process.Dispatcher

	// Setup server by default
	SetupServer(s)

	return s
}

// StartWorkers runs the event bus and the worker pool until the suite is
// cleaned up. Without it enqueued jobs stay pending.
func (s *Suite) StartWorkers() {
	s.workersOnce.Do(func() {
		s.Process.Bus.Start(s.ctx)
		s.workers.Add(1)
		go func() {
			defer s.workers.Done()
			if err := s.Process.Pool.Run(s.ctx); err != nil {
				s.t.Errorf("worker pool stopped: %v", err)
			}
		}()
	})
}

// Cleanup tears down the test suite, releasing all resources.
// This should be deferred immediately after creating the suite.
func (s *Suite) Cleanup() {
	if s.cleanup != nil {
		s.cleanup()
	}
}

// Context returns the suite's context, which is automatically
// canceled when the suite is cleaned up.
func (s *Suite) Context() context.Context {
	return s.ctx
}

// Require returns a require.Assertions instance for this suite.
// This is a convenience method to avoid passing t around.
func (s *Suite) Require() *require.Assertions {
	return require.New(s.t)
}

// Retry retries a function until it succeeds or the number of retries is reached.
func (s *Suite) Retry(fn func() error, retries int, interval time.Duration) (err error) {
	for i := 0; i < retries; i++ {
		err = fn()
		if err == nil {
			return nil
		}
		time.Sleep(interval)
	}
	return
}
