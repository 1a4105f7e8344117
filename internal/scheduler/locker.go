package scheduler

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

// Locker elects a single scheduler leader. Holding the lock is an
// optimisation; the watermark claim and idempotency keys keep a pass correct
// without it.
type Locker interface {
	// TryLock acquires or keeps the lock and reports whether it is held
	TryLock(ctx context.Context) (bool, error)
	Unlock(ctx context.Context) error
}

// NoopLocker always holds the lock
type NoopLocker struct{}

// TryLock implements Locker
func (NoopLocker) TryLock(context.Context) (bool, error) { return true, nil }

// Unlock implements Locker
func (NoopLocker) Unlock(context.Context) error { return nil }

// DefaultAdvisoryKey is the pg_advisory_lock key of the scheduler
const DefaultAdvisoryKey int64 = 42

// PostgresLocker holds a session-level advisory lock on a dedicated
// connection for as long as this process stays leader.
type PostgresLocker struct {
	db  *gorm.DB
	key int64

	mu   sync.Mutex
	conn *sql.Conn
}

// NewPostgresLocker creates an advisory locker over the job store connection
func NewPostgresLocker(db *gorm.DB, key int64) *PostgresLocker {
	return &PostgresLocker{db: db, key: key}
}

// TryLock implements Locker
func (l *PostgresLocker) TryLock(ctx context.Context) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.conn != nil {
		if err := l.conn.PingContext(ctx); err == nil {
			return true, nil
		}
		// the session died and took the lock with it
		_ = l.conn.Close()
		l.conn = nil
	}

	sqlDB, err := l.db.DB()
	if err != nil {
		return false, fmt.Errorf("failed to get sql db: %w", err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to get connection for advisory lock: %w", err)
	}

	var ok bool
	if err := conn.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", l.key).Scan(&ok); err != nil {
		_ = conn.Close()
		return false, fmt.Errorf("failed to try advisory lock %d: %w", l.key, err)
	}
	if !ok {
		_ = conn.Close()
		return false, nil
	}
	l.conn = conn
	return true, nil
}

// Unlock implements Locker
func (l *PostgresLocker) Unlock(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.conn == nil {
		return nil
	}
	_, err := l.conn.ExecContext(ctx, "SELECT pg_advisory_unlock($1)", l.key)
	closeErr := l.conn.Close()
	l.conn = nil
	if err != nil {
		return fmt.Errorf("failed to release advisory lock %d: %w", l.key, err)
	}
	return closeErr
}

// DefaultRedisLockKey is the key the redis locker sets
const DefaultRedisLockKey = "provisioner:scheduler:leader"

var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// RedisLocker elects a leader with SET NX and a TTL. The holder refreshes
// the TTL on every TryLock; a crashed holder loses the lock when it expires.
type RedisLocker struct {
	client redis.UniversalClient
	key    string
	token  string
	ttl    time.Duration
}

// NewRedisLocker creates a redis locker. token identifies this instance.
func NewRedisLocker(client redis.UniversalClient, key, token string, ttl time.Duration) *RedisLocker {
	if key == "" {
		key = DefaultRedisLockKey
	}
	return &RedisLocker{client: client, key: key, token: token, ttl: ttl}
}

// TryLock implements Locker
func (l *RedisLocker) TryLock(ctx context.Context) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.key, l.token, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to set redis lock %s: %w", l.key, err)
	}
	if ok {
		return true, nil
	}

	holder, err := l.client.Get(ctx, l.key).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read redis lock %s: %w", l.key, err)
	}
	if holder != l.token {
		return false, nil
	}
	if err := l.client.Expire(ctx, l.key, l.ttl).Err(); err != nil {
		return false, fmt.Errorf("failed to refresh redis lock %s: %w", l.key, err)
	}
	return true, nil
}

// Unlock implements Locker. Only the holder's own lock is removed.
func (l *RedisLocker) Unlock(ctx context.Context) error {
	if err := releaseScript.Run(ctx, l.client, []string{l.key}, l.token).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("failed to release redis lock %s: %w", l.key, err)
	}
	return nil
}
