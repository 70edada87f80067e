// Package resilience provides retry and circuit breaker primitives for
// calls that leave the process: the legacy source systems, Redis, the
// message broker, and object storage.
package resilience

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/drivelinehq/driveline/common"
	"github.com/drivelinehq/driveline/errs"
)

// RetryConfig tunes Retry. The zero value is not usable; start from
// DefaultRetryConfig.
type RetryConfig struct {
	// MaxAttempts includes the first try.
	MaxAttempts int

	// InitialDelay is the wait before the second attempt.
	InitialDelay time.Duration

	// MaxDelay caps the backoff growth.
	MaxDelay time.Duration

	// Multiplier grows the delay between attempts.
	Multiplier float64

	// Jitter adds up to this fraction of the delay as random noise so
	// that parallel callers do not retry in lockstep.
	Jitter float64
}

// DefaultRetryConfig retries three times with exponential backoff
// starting at 500ms.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  3,
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		Jitter:       0.2,
	}
}

// Retry runs fn until it succeeds, returns a non-retryable error, or
// the attempt budget is spent. Classification follows the error
// taxonomy: only errors marked retryable are tried again. Context
// cancellation aborts the wait between attempts.
func Retry(ctx context.Context, cfg RetryConfig, operation string, fn func(ctx context.Context) error) error {
	logger := common.ServiceLogger("resilience").WithField("operation", operation)

	delay := cfg.InitialDelay
	var lastErr error

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if !errs.IsRetryable(lastErr) {
			return lastErr
		}
		if attempt == cfg.MaxAttempts {
			break
		}

		wait := delay
		if cfg.Jitter > 0 {
			wait += time.Duration(rand.Float64() * cfg.Jitter * float64(delay))
		}
		logger.WithField("attempt", attempt).WithField("wait", wait.String()).
			WithError(lastErr).Warn("operation failed, retrying")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}

		delay = time.Duration(float64(delay) * cfg.Multiplier)
		if delay > cfg.MaxDelay {
			delay = cfg.MaxDelay
		}
	}

	return lastErr
}

// BreakerRegistry hands out one circuit breaker per named dependency.
// Breakers are created lazily and shared between callers.
type BreakerRegistry struct {
	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// NewBreakerRegistry creates an empty registry.
func NewBreakerRegistry() *BreakerRegistry {
	return &BreakerRegistry{breakers: make(map[string]*gobreaker.CircuitBreaker)}
}

// Get returns the breaker for name, creating it on first use. The
// breaker opens after five consecutive failures and probes again after
// 30 seconds.
func (r *BreakerRegistry) Get(name string) *gobreaker.CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cb, ok := r.breakers[name]; ok {
		return cb
	}

	logger := common.ServiceLogger("resilience").WithField("breaker", name)
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    name,
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(_ string, from, to gobreaker.State) {
			logger.WithField("from", from.String()).WithField("to", to.String()).
				Warn("circuit breaker state changed")
		},
	})
	r.breakers[name] = cb
	return cb
}

// Execute runs fn through the named breaker. An open breaker returns a
// service unavailable error without invoking fn.
func (r *BreakerRegistry) Execute(name string, fn func() error) error {
	_, err := r.Get(name).Execute(func() (interface{}, error) {
		return nil, fn()
	})
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return errs.Unavailable("circuit breaker open for " + name)
	}
	return err
}
