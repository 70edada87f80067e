package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drivelinehq/driveline/errs"
)

func fastRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  3,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2.0,
	}
}

func TestRetrySucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), fastRetryConfig(), "flaky", func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errs.Network("connection reset", errors.New("reset"))
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryStopsOnNonRetryableError(t *testing.T) {
	calls := 0
	want := errs.Validation("bad input", nil)
	err := Retry(context.Background(), fastRetryConfig(), "validate", func(ctx context.Context) error {
		calls++
		return want
	})
	assert.Equal(t, want, err)
	assert.Equal(t, 1, calls, "non-retryable errors must not be retried")
}

func TestRetryExhaustsBudget(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), fastRetryConfig(), "down", func(ctx context.Context) error {
		calls++
		return errs.Unavailable("still down")
	})
	require.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, errs.CodeUnavailable, errs.Code(err))
}

func TestRetryHonorsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	cfg := fastRetryConfig()
	cfg.InitialDelay = time.Hour // would block forever without cancellation

	done := make(chan error, 1)
	go func() {
		done <- Retry(ctx, cfg, "slow", func(ctx context.Context) error {
			calls++
			return errs.Unavailable("down")
		})
	}()
	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, 1, calls)
	case <-time.After(time.Second):
		t.Fatal("retry did not abort on cancellation")
	}
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	reg := NewBreakerRegistry()
	boom := errors.New("boom")

	for i := 0; i < 5; i++ {
		err := reg.Execute("legacy-db", func() error { return boom })
		assert.Equal(t, boom, err)
	}

	// Breaker is open now; fn must not run.
	called := false
	err := reg.Execute("legacy-db", func() error {
		called = true
		return nil
	})
	require.Error(t, err)
	assert.False(t, called)
	assert.Equal(t, errs.CodeUnavailable, errs.Code(err))
}

func TestBreakerIsolatesByName(t *testing.T) {
	reg := NewBreakerRegistry()
	boom := errors.New("boom")

	for i := 0; i < 5; i++ {
		_ = reg.Execute("redis", func() error { return boom })
	}

	// A different dependency still works.
	err := reg.Execute("storage", func() error { return nil })
	assert.NoError(t, err)
}

func TestBreakerRegistryReturnsSameInstance(t *testing.T) {
	reg := NewBreakerRegistry()
	assert.Same(t, reg.Get("broker"), reg.Get("broker"))
	assert.NotSame(t, reg.Get("broker"), reg.Get("redis"))
}
