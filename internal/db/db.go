// Package db provides database connectivity for the job store
package db

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/celestiaorg/provisioner/internal/db/models"
	applog "github.com/celestiaorg/provisioner/internal/logger"
)

// Supported drivers
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Database configuration constants
const (
	DefaultHost       = "localhost"
	DefaultPort       = 5432
	DefaultUser       = "postgres"
	DefaultPassword   = "postgres"
	DefaultDBName     = "provisioner"
	DefaultMaxRetries = 10
	DefaultRetryDelay = 2 * time.Second
)

// Options represents database connection configuration options
type Options struct {
	Driver      string
	Host        string
	User        string
	Password    string
	DBName      string
	Port        int
	SSLEnabled  bool
	SQLitePath  string
	LogLevel    logger.LogLevel
	AutoMigrate bool
	MaxRetries  int
	RetryDelay  time.Duration
}

// New creates a new database connection with the given options
func New(opts Options) (*gorm.DB, error) {
	opts = setDefaults(opts)

	// Configure custom logger to ignore record not found errors
	newLogger := logger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		logger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  opts.LogLevel,
			IgnoreRecordNotFoundError: true,
		},
	)

	config := &gorm.Config{
		Logger:         newLogger,
		TranslateError: true,
		NowFunc:        Now,
	}

	var (
		db  *gorm.DB
		err error
	)
	switch opts.Driver {
	case DriverSQLite:
		db, err = openSQLite(opts.SQLitePath, config)
	case DriverPostgres:
		db, err = openPostgres(opts, config)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", opts.Driver)
	}
	if err != nil {
		return nil, err
	}

	if opts.AutoMigrate {
		if err := Migrate(db); err != nil {
			return nil, err
		}
	}
	return db, nil
}

func openPostgres(opts Options, config *gorm.Config) (*gorm.DB, error) {
	sslMode := "disable"
	if opts.SSLEnabled {
		sslMode = "require"
	}
	dsn := fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%d sslmode=%s",
		opts.Host, opts.User, opts.Password, opts.DBName, opts.Port, sslMode)

	var lastErr error
	for i := 0; i < opts.MaxRetries; i++ {
		db, err := gorm.Open(postgres.Open(dsn), config)
		if err == nil {
			if err = ping(db); err == nil {
				sqlDB, _ := db.DB()
				sqlDB.SetMaxIdleConns(10)
				sqlDB.SetMaxOpenConns(50)
				sqlDB.SetConnMaxLifetime(time.Hour)
				return db, nil
			}
		}
		lastErr = err
		applog.Warnf("Database connection attempt %d/%d failed: %s", i+1, opts.MaxRetries, simplifyDBError(err))
		time.Sleep(opts.RetryDelay)
	}
	return nil, fmt.Errorf("database connection failed after %d attempts: %w", opts.MaxRetries, lastErr)
}

// openSQLite opens a sqlite store. A single connection serializes writers so
// the lease claim stays atomic without row locks.
func openSQLite(path string, config *gorm.Config) (*gorm.DB, error) {
	dsn := path
	if !strings.Contains(dsn, "?") {
		dsn += "?_busy_timeout=5000&_json=1"
	}
	db, err := gorm.Open(sqlite.Open(dsn), config)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)
	return db, nil
}

// OpenSQLiteMemory opens a private in-memory sqlite store with the schema
// applied. Used by tests and the single-node dev mode.
func OpenSQLiteMemory(name string) (*gorm.DB, error) {
	config := &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
		NowFunc:        Now,
	}
	db, err := openSQLite(fmt.Sprintf("file:%s?mode=memory&cache=shared&_json=1", name), config)
	if err != nil {
		return nil, err
	}
	if err := Migrate(db); err != nil {
		return nil, err
	}
	return db, nil
}

// Now is the store clock: UTC with the microsecond precision postgres keeps.
func Now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}

func ping(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return sqlDB.PingContext(ctx)
}

// Migrate creates or updates the schema with gorm and adds the partial unique
// index that gorm tags cannot express.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(models.All()...); err != nil {
		return fmt.Errorf("auto-migration failed: %w", err)
	}

	stmt := fmt.Sprintf(
		"CREATE UNIQUE INDEX IF NOT EXISTS %s ON jobs (idempotency_key) WHERE status IN ('pending', 'processing') AND idempotency_key IS NOT NULL",
		models.ActiveIdempotencyIndex,
	)
	if err := db.Exec(stmt).Error; err != nil {
		return fmt.Errorf("failed to create %s: %w", models.ActiveIdempotencyIndex, err)
	}
	return nil
}

// IsDuplicateKeyError checks if the given error is a unique constraint violation
func IsDuplicateKeyError(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	return errors.Is(postgres.Dialector{}.Translate(err), gorm.ErrDuplicatedKey)
}

func setDefaults(opts Options) Options {
	if opts.Driver == "" {
		opts.Driver = DriverPostgres
	}
	if opts.Host == "" {
		opts.Host = DefaultHost
	}
	if opts.User == "" {
		opts.User = DefaultUser
	}
	if opts.Password == "" {
		opts.Password = DefaultPassword
	}
	if opts.DBName == "" {
		opts.DBName = DefaultDBName
	}
	if opts.Port == 0 {
		opts.Port = DefaultPort
	}
	if opts.LogLevel == 0 {
		opts.LogLevel = logger.Warn
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = DefaultMaxRetries
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = DefaultRetryDelay
	}
	return opts
}

// ParseLogLevel converts a level name to a gorm log level
func ParseLogLevel(levelStr string) logger.LogLevel {
	switch strings.ToLower(levelStr) {
	case "silent":
		return logger.Silent
	case "error":
		return logger.Error
	case "info":
		return logger.Info
	default:
		return logger.Warn
	}
}

func simplifyDBError(err error) string {
	if err == nil {
		return "unknown error"
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "password authentication failed"):
		return "invalid database credentials"
	case strings.Contains(msg, "timeout"):
		return "database connection timed out"
	case strings.Contains(msg, "connect"):
		return "cannot reach database server"
	}
	return "database error"
}
