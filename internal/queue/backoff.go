package queue

import (
	"math"
	"math/rand"
	"time"
)

// Default job-level retry policy
const (
	DefaultBackoffBase   = 30 * time.Second
	DefaultBackoffFactor = 2.0
	DefaultBackoffCap    = 30 * time.Minute
)

// Backoff computes exponential, capped retry delays
type Backoff struct {
	Base   time.Duration
	Factor float64
	Cap    time.Duration
	// Jitter spreads each delay by up to ±Jitter (0.1 = 10%). Zero disables it.
	Jitter float64
}

// DefaultBackoff returns the default job retry policy
func DefaultBackoff() Backoff {
	return Backoff{
		Base:   DefaultBackoffBase,
		Factor: DefaultBackoffFactor,
		Cap:    DefaultBackoffCap,
	}
}

// Delay returns the wait before the given attempt, attempt starting at 1:
// base * factor^(attempt-1), never above the cap.
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	factor := b.Factor
	if factor < 1 {
		factor = 1
	}

	delay := float64(b.Base) * math.Pow(factor, float64(attempt-1))
	if b.Cap > 0 && delay > float64(b.Cap) {
		delay = float64(b.Cap)
	}
	if b.Jitter > 0 {
		delay += delay * b.Jitter * (2*rand.Float64() - 1) // nolint:gosec
		if b.Cap > 0 && delay > float64(b.Cap) {
			delay = float64(b.Cap)
		}
	}
	return time.Duration(delay)
}
