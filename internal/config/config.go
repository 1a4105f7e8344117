// Package config loads the orchestrator configuration from the environment.
package config

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sethvargo/go-envconfig"

	"github.com/celestiaorg/provisioner/internal/logger"
	"github.com/celestiaorg/provisioner/internal/types"
)

// Config is the full process configuration
type Config struct {
	LogLevel  string          `env:"LOG_LEVEL, default=info"`
	APIAddr   string          `env:"API_ADDR, default=:8080"`
	DB        DBConfig        `env:", prefix=DB_"`
	Worker    WorkerConfig    `env:", prefix=WORKER_"`
	Retry     RetryConfig     `env:", prefix=RETRY_"`
	Scheduler SchedulerConfig `env:", prefix=SCHEDULER_"`
	Adapters  AdapterConfig
	RedisAddr string          `env:"REDIS_ADDR, default=localhost:6379"`
	// JobRetention is how long terminal jobs stay in the jobs table before archival
	JobRetention time.Duration `env:"JOB_RETENTION, default=720h"`
	AlertEmail   string        `env:"ALERT_EMAIL"`
}

// DBConfig holds the job store connection settings
type DBConfig struct {
	Driver     string        `env:"DRIVER, default=postgres"`
	Host       string        `env:"HOST, default=localhost"`
	Port       int           `env:"PORT, default=5432"`
	User       string        `env:"USER, default=postgres"`
	Password   string        `env:"PASSWORD, default=postgres"`
	Name       string        `env:"NAME, default=provisioner"`
	SSLEnabled bool          `env:"SSL_ENABLED, default=false"`
	SQLitePath string        `env:"SQLITE_PATH, default=provisioner.db"`
	MaxRetries int           `env:"MAX_RETRIES, default=10"`
	RetryDelay time.Duration `env:"RETRY_DELAY, default=2s"`
	LogLevel   string        `env:"LOG_LEVEL, default=warn"`
	// AutoMigrate lets the server create the schema itself instead of
	// relying on cmd/migrate
	AutoMigrate bool `env:"AUTO_MIGRATE, default=true"`
}

// WorkerConfig holds the worker pool settings
type WorkerConfig struct {
	ID              string         `env:"ID"`
	Concurrency     map[string]int `env:"CONCURRENCY, default=provisioning:4,cloudpod-lifecycle:2,email:4,invoice:2,backup:1"`
	PollInterval    time.Duration  `env:"POLL_INTERVAL, default=2s"`
	LeaseDuration   time.Duration  `env:"LEASE_DURATION, default=5m"`
	JobTimeout      time.Duration  `env:"JOB_TIMEOUT, default=30m"`
	StepTimeout     time.Duration  `env:"STEP_TIMEOUT, default=5m"`
	ShutdownTimeout time.Duration  `env:"SHUTDOWN_TIMEOUT, default=30s"`
	SweepInterval   time.Duration  `env:"SWEEP_INTERVAL, default=30s"`
	MaxStoreErrors  int            `env:"MAX_STORE_ERRORS, default=10"`
}

// RetryConfig is the job-level backoff policy
type RetryConfig struct {
	Base        time.Duration `env:"BASE, default=30s"`
	Factor      float64       `env:"FACTOR, default=2"`
	Cap         time.Duration `env:"CAP, default=30m"`
	MaxAttempts int           `env:"MAX_ATTEMPTS, default=5"`
}

// SchedulerConfig controls the recurring tasks
type SchedulerConfig struct {
	Enabled bool          `env:"ENABLED, default=true"`
	Tick    time.Duration `env:"TICK, default=1m"`
	Lock    string        `env:"LOCK, default=postgres"`
}

// AdapterConfig picks the external system implementations
type AdapterConfig struct {
	Kind              string `env:"ADAPTERS, default=fake"`
	DigitalOceanToken string `env:"DIGITALOCEAN_TOKEN"`
	DORegion          string `env:"DO_REGION, default=nyc3"`
	DOSSHKeyID        int    `env:"DO_SSH_KEY_ID"`
}

// to help with testing
var envProcess = envconfig.Process

// Load reads an optional .env file and then the process environment.
func Load(ctx context.Context) (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		logger.Warnf("Failed to load .env file: %v", err)
	}

	var cfg Config
	if err := envProcess(ctx, &cfg); err != nil {
		return nil, fmt.Errorf("failed to process env config: %w", err)
	}

	if err := cfg.finalize(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// LoadFrom builds a Config from an explicit lookup map instead of the
// process environment.
func LoadFrom(ctx context.Context, env map[string]string) (*Config, error) {
	var cfg Config
	if err := envconfig.ProcessWith(ctx, &envconfig.Config{
		Target:   &cfg,
		Lookuper: envconfig.MapLookuper(env),
	}); err != nil {
		return nil, fmt.Errorf("failed to process env config: %w", err)
	}

	if err := cfg.finalize(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

func (c *Config) finalize() error {
	if c.Worker.ID == "" {
		host, err := os.Hostname()
		if err != nil || host == "" {
			host = "worker"
		}
		c.Worker.ID = fmt.Sprintf("%s-%d", host, os.Getpid())
	}
	return c.Validate()
}

// Validate checks cross-field constraints that tags cannot express
func (c *Config) Validate() error {
	var errs []string

	switch c.DB.Driver {
	case "postgres":
		if strings.TrimSpace(c.DB.Host) == "" {
			errs = append(errs, "DB_HOST is required")
		}
		if c.DB.Port < 1 || c.DB.Port > 65535 {
			errs = append(errs, "DB_PORT must be between 1 and 65535")
		}
		if strings.TrimSpace(c.DB.Name) == "" {
			errs = append(errs, "DB_NAME is required")
		}
	case "sqlite":
		if strings.TrimSpace(c.DB.SQLitePath) == "" {
			errs = append(errs, "DB_SQLITE_PATH is required")
		}
	default:
		errs = append(errs, fmt.Sprintf("DB_DRIVER must be postgres or sqlite, got %q", c.DB.Driver))
	}

	for queue, n := range c.Worker.Concurrency {
		if !types.IsValidQueue(queue) {
			errs = append(errs, fmt.Sprintf("WORKER_CONCURRENCY: unknown queue %q", queue))
		}
		if n < 0 {
			errs = append(errs, fmt.Sprintf("WORKER_CONCURRENCY: %s must be non-negative", queue))
		}
	}

	if c.Worker.PollInterval < time.Second || c.Worker.PollInterval > 5*time.Second {
		errs = append(errs, "WORKER_POLL_INTERVAL must be between 1s and 5s")
	}
	if c.Worker.LeaseDuration <= 0 {
		errs = append(errs, "WORKER_LEASE_DURATION must be positive")
	}
	if c.Worker.JobTimeout <= 0 || c.Worker.StepTimeout <= 0 {
		errs = append(errs, "WORKER_JOB_TIMEOUT and WORKER_STEP_TIMEOUT must be positive")
	}
	if c.Worker.MaxStoreErrors < 1 {
		errs = append(errs, "WORKER_MAX_STORE_ERRORS must be at least 1")
	}

	if c.Retry.Base <= 0 || c.Retry.Cap < c.Retry.Base {
		errs = append(errs, "RETRY_BASE must be positive and not exceed RETRY_CAP")
	}
	if c.Retry.Factor < 1 {
		errs = append(errs, "RETRY_FACTOR must be at least 1")
	}
	if c.Retry.MaxAttempts < 1 {
		errs = append(errs, "RETRY_MAX_ATTEMPTS must be at least 1")
	}

	switch c.Scheduler.Lock {
	case "none", "postgres", "redis":
	default:
		errs = append(errs, fmt.Sprintf("SCHEDULER_LOCK must be none, postgres or redis, got %q", c.Scheduler.Lock))
	}
	if c.Scheduler.Lock == "postgres" && c.DB.Driver != "postgres" {
		errs = append(errs, "SCHEDULER_LOCK=postgres requires DB_DRIVER=postgres")
	}

	switch c.Adapters.Kind {
	case "fake":
	case "digitalocean":
		if c.Adapters.DigitalOceanToken == "" {
			errs = append(errs, "DIGITALOCEAN_TOKEN is required when ADAPTERS=digitalocean")
		}
	default:
		errs = append(errs, fmt.Sprintf("ADAPTERS must be fake or digitalocean, got %q", c.Adapters.Kind))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// DSN returns the postgres connection string
func (d DBConfig) DSN() string {
	sslMode := "disable"
	if d.SSLEnabled {
		sslMode = "require"
	}
	return fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%d sslmode=%s",
		d.Host, d.User, d.Password, d.Name, d.Port, sslMode)
}

// URL returns the postgres URL form golang-migrate expects
func (d DBConfig) URL() string {
	sslMode := "disable"
	if d.SSLEnabled {
		sslMode = "require"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.Name, sslMode)
}
