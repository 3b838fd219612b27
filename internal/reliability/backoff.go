package reliability

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"sync"
	"time"
)

// ErrMaxAttemptsExceeded is returned by Retry once a bounded policy gives up
var ErrMaxAttemptsExceeded = errors.New("retry: maximum attempts exceeded")

// ExponentialBackoff computes reconnect delays that grow geometrically up to a cap,
// with ±15% jitter when enabled. MaxAttempts of zero means retry forever.
type ExponentialBackoff struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	MaxAttempts     int
	Jitter          bool

	mu   sync.Mutex
	rand *rand.Rand
}

// NewExponentialBackoff creates a jittered backoff policy
func NewExponentialBackoff(initial, max time.Duration, multiplier float64, maxAttempts int) *ExponentialBackoff {
	return &ExponentialBackoff{
		InitialInterval: initial,
		MaxInterval:     max,
		Multiplier:      multiplier,
		MaxAttempts:     maxAttempts,
		Jitter:          true,
	}
}

// ReconnectBackoff is the broker reconnect policy: 1s doubling to 2m, jittered, unlimited
func ReconnectBackoff() *ExponentialBackoff {
	return NewExponentialBackoff(time.Second, 2*time.Minute, 2.0, 0)
}

// Seed makes the jitter sequence deterministic
func (e *ExponentialBackoff) Seed(seed int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rand = rand.New(rand.NewSource(seed))
}

// Allows reports whether another attempt is permitted after attempt failures
func (e *ExponentialBackoff) Allows(attempt int) bool {
	return e.MaxAttempts <= 0 || attempt < e.MaxAttempts
}

// NextDelay returns the wait before retry number attempt (zero-based)
func (e *ExponentialBackoff) NextDelay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	multiplier := e.Multiplier
	if multiplier < 1 {
		multiplier = 1
	}

	delay := float64(e.InitialInterval) * math.Pow(multiplier, float64(attempt))
	if e.MaxInterval > 0 && delay > float64(e.MaxInterval) {
		delay = float64(e.MaxInterval)
	}

	if e.Jitter {
		delay += (e.float64() - 0.5) * 0.3 * delay
	}
	return time.Duration(delay)
}

func (e *ExponentialBackoff) float64() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.rand == nil {
		return rand.Float64()
	}
	return e.rand.Float64()
}

// Retry calls fn until it succeeds, the policy gives up, or ctx ends. The first call
// happens immediately; every later call waits NextDelay first. attempt is one-based.
func Retry(ctx context.Context, policy *ExponentialBackoff, fn func(attempt int) error) error {
	var lastErr error
	for attempt := 1; ; attempt++ {
		if attempt > 1 {
			if !policy.Allows(attempt - 1) {
				return errors.Join(ErrMaxAttemptsExceeded, lastErr)
			}
			timer := time.NewTimer(policy.NextDelay(attempt - 2))
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}

		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = fn(attempt)
		if lastErr == nil {
			return nil
		}
	}
}
