// Package app assembles the orchestrator process: job store, dispatcher,
// pipelines, worker pool, scheduler and the HTTP API.
package app

import (
	"context"
	"errors"
	"fmt"
	"sync"

	fiber "github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/celestiaorg/provisioner/internal/adapters"
	"github.com/celestiaorg/provisioner/internal/adapters/digitalocean"
	"github.com/celestiaorg/provisioner/internal/adapters/fake"
	"github.com/celestiaorg/provisioner/internal/api/v1/middleware"
	"github.com/celestiaorg/provisioner/internal/config"
	"github.com/celestiaorg/provisioner/internal/db"
	"github.com/celestiaorg/provisioner/internal/db/repos"
	"github.com/celestiaorg/provisioner/internal/events"
	"github.com/celestiaorg/provisioner/internal/logger"
	"github.com/celestiaorg/provisioner/internal/metrics"
	"github.com/celestiaorg/provisioner/internal/pipeline"
	"github.com/celestiaorg/provisioner/internal/queue"
	"github.com/celestiaorg/provisioner/internal/scheduler"
	"github.com/celestiaorg/provisioner/internal/services"
	"github.com/celestiaorg/provisioner/internal/worker"
	"github.com/celestiaorg/provisioner/pkg/api/v1/handlers"
	"github.com/celestiaorg/provisioner/pkg/api/v1/routes"
)

// App is one orchestrator process
type App struct {
	cfg *config.Config

	DB           *gorm.DB
	Bus          *events.Bus
	Adapters     adapters.Set
	Dispatcher   *queue.Dispatcher
	Executor     *pipeline.Executor
	Pool         *worker.Pool
	Scheduler    *scheduler.Scheduler
	Orchestrator *services.Orchestrator
	HTTP         *fiber.App

	redis  *redis.Client
	ownsDB bool
}

// Option customises New
type Option func(*App)

// WithDB uses an already open store instead of connecting from the config.
// The caller keeps ownership of it.
func WithDB(gdb *gorm.DB) Option {
	return func(a *App) { a.DB = gdb }
}

// WithAdapters replaces the adapters chosen by the config
func WithAdapters(set adapters.Set) Option {
	return func(a *App) { a.Adapters = set }
}

// New builds every component. Nothing runs until Run is called.
func New(cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{cfg: cfg}
	for _, opt := range opts {
		opt(a)
	}

	if a.DB == nil {
		gdb, err := db.New(db.Options{
			Driver:      cfg.DB.Driver,
			Host:        cfg.DB.Host,
			User:        cfg.DB.User,
			Password:    cfg.DB.Password,
			DBName:      cfg.DB.Name,
			Port:        cfg.DB.Port,
			SSLEnabled:  cfg.DB.SSLEnabled,
			SQLitePath:  cfg.DB.SQLitePath,
			LogLevel:    db.ParseLogLevel(cfg.DB.LogLevel),
			AutoMigrate: cfg.DB.AutoMigrate,
			MaxRetries:  cfg.DB.MaxRetries,
			RetryDelay:  cfg.DB.RetryDelay,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to open job store: %w", err)
		}
		a.DB = gdb
		a.ownsDB = true
	}

	if a.Adapters.Hosting == nil {
		set, err := newAdapters(cfg.Adapters)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.Adapters = set
	}
	if err := a.Adapters.Validate(); err != nil {
		a.Close()
		return nil, err
	}

	a.Bus = events.NewBus()
	a.Dispatcher = queue.NewDispatcher(repos.NewJobRepository(a.DB), repos.NewJobStepRepository(a.DB), queue.Options{
		Backoff: queue.Backoff{
			Base:   cfg.Retry.Base,
			Factor: cfg.Retry.Factor,
			Cap:    cfg.Retry.Cap,
		},
		MaxAttempts: cfg.Retry.MaxAttempts,
		Bus:         a.Bus,
		Alerter:     queue.EmailAlerter{Sender: a.Adapters.Notification, Recipient: cfg.AlertEmail},
	})

	resources := repos.NewResourceRepository(a.DB)
	pods := repos.NewCloudPodRepository(a.DB)
	provisioners := pipeline.NewProvisioners(a.Adapters, resources, pods)
	a.Executor = pipeline.NewExecutor(a.Dispatcher, pipeline.Options{StepTimeout: cfg.Worker.StepTimeout})
	a.Executor.Register(provisioners.Definitions()...)
	a.Bus.Subscribe(events.EventJobDeadLettered, provisioners.PodDeadLetterHandler(a.Dispatcher))

	a.Pool = worker.NewPool(a.Dispatcher, poolConfig(cfg.Worker))
	for _, jobType := range a.Executor.Types() {
		a.Pool.Register(jobType, worker.HandlerFunc(a.Executor.Run))
	}

	if cfg.Scheduler.Enabled {
		locker, err := a.locker()
		if err != nil {
			a.Close()
			return nil, err
		}
		schedCfg := scheduler.DefaultConfig()
		schedCfg.Tick = cfg.Scheduler.Tick
		schedCfg.JobRetention = cfg.JobRetention
		a.Scheduler = scheduler.New(a.Dispatcher, repos.NewWatermarkRepository(a.DB), scheduler.Sources{
			Billing:   a.Adapters.Billing,
			Backup:    a.Adapters.Backup,
			Resources: resources,
			Pods:      pods,
		}, schedCfg, scheduler.WithLocker(locker))
	}

	a.Orchestrator = services.NewOrchestrator(a.Dispatcher)

	counters := metrics.NewEventCounters()
	counters.Subscribe(a.Bus)
	registry := metrics.NewRegistry(a.Dispatcher, counters)

	a.HTTP = fiber.New(fiber.Config{
		DisableStartupMessage: true,
		ErrorHandler:          handlers.ErrorHandler,
	})
	a.HTTP.Use(middleware.Logger())
	routes.RegisterRoutes(
		a.HTTP,
		handlers.NewJobHandler(a.Orchestrator),
		handlers.NewQueueHandler(a.Orchestrator),
		adaptor.HTTPHandler(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})),
	)
	return a, nil
}

func newAdapters(cfg config.AdapterConfig) (adapters.Set, error) {
	set := fake.New().Set()
	switch cfg.Kind {
	case "fake":
		logger.Warn("Using in-memory fake adapters, nothing is provisioned for real")
	case "digitalocean":
		hv, err := digitalocean.New(cfg.DigitalOceanToken, digitalocean.Options{
			Region:   cfg.DORegion,
			SSHKeyID: cfg.DOSSHKeyID,
		})
		if err != nil {
			return adapters.Set{}, fmt.Errorf("failed to create DigitalOcean adapter: %w", err)
		}
		set.Hypervisor = hv
		logger.Infof("Cloud pods run on DigitalOcean in %s; other adapters are fakes", cfg.DORegion)
	default:
		return adapters.Set{}, fmt.Errorf("unknown adapters kind %q", cfg.Kind)
	}
	return set, nil
}

func poolConfig(cfg config.WorkerConfig) worker.Config {
	queues := make(map[string]worker.QueueConfig, len(cfg.Concurrency))
	for name, n := range cfg.Concurrency {
		if n == 0 {
			continue
		}
		queues[name] = worker.QueueConfig{Concurrency: n, PollInterval: cfg.PollInterval}
	}
	return worker.Config{
		WorkerID:        cfg.ID,
		Queues:          queues,
		LeaseDuration:   cfg.LeaseDuration,
		JobTimeout:      cfg.JobTimeout,
		ShutdownTimeout: cfg.ShutdownTimeout,
		SweepInterval:   cfg.SweepInterval,
		MaxStoreErrors:  cfg.MaxStoreErrors,
	}
}

func (a *App) locker() (scheduler.Locker, error) {
	switch a.cfg.Scheduler.Lock {
	case "none":
		return scheduler.NoopLocker{}, nil
	case "postgres":
		return scheduler.NewPostgresLocker(a.DB, scheduler.DefaultAdvisoryKey), nil
	case "redis":
		a.redis = redis.NewClient(&redis.Options{Addr: a.cfg.RedisAddr})
		// the lock outlives a few missed ticks before another instance takes over
		return scheduler.NewRedisLocker(a.redis, "", a.cfg.Worker.ID, 3*a.cfg.Scheduler.Tick), nil
	default:
		return nil, fmt.Errorf("unknown scheduler lock %q", a.cfg.Scheduler.Lock)
	}
}

// Run starts the bus, the worker pool, the scheduler and the API server and
// blocks until ctx is done or one of them fails. Shutdown drains in-flight
// jobs for up to the worker shutdown timeout.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	a.Bus.Start(ctx)

	errCh := make(chan error, 2)
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := a.Pool.Run(ctx); err != nil {
			errCh <- fmt.Errorf("worker pool: %w", err)
		}
	}()

	if a.Scheduler != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.Scheduler.Start(ctx)
		}()
	}

	go func() {
		logger.Infof("🚀 API server listening on %s", a.cfg.APIAddr)
		if err := a.HTTP.Listen(a.cfg.APIAddr); err != nil {
			errCh <- fmt.Errorf("api server: %w", err)
		}
	}()

	var err error
	select {
	case <-ctx.Done():
		logger.Info("Shutting down...")
	case err = <-errCh:
		logger.Errorf("❌ %v", err)
	}
	cancel()

	if shutdownErr := a.HTTP.ShutdownWithTimeout(a.cfg.Worker.ShutdownTimeout); shutdownErr != nil {
		logger.Warnf("API server shutdown: %v", shutdownErr)
	}
	wg.Wait()
	a.Bus.Wait()
	return err
}

// Close releases the connections New opened
func (a *App) Close() {
	var errs []error
	if a.redis != nil {
		errs = append(errs, a.redis.Close())
	}
	if a.ownsDB && a.DB != nil {
		if sqlDB, err := a.DB.DB(); err == nil {
			errs = append(errs, sqlDB.Close())
		}
	}
	if err := errors.Join(errs...); err != nil {
		logger.Warnf("Failed to close connections: %v", err)
	}
}
