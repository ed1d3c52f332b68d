package governance

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noSleep(context.Context, time.Duration) error { return nil }

func TestRetryPolicyRetriesTransientFailures(t *testing.T) {
	rp := NewRetryPolicy(RetryConfig{MaxRetries: 3})
	rp.sleep = noSleep

	attempts := 0
	err := rp.Do(context.Background(), func(_ context.Context, attempt int) error {
		attempts++
		if attempt < 2 {
			return &StatusError{StatusCode: http.StatusServiceUnavailable}
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestRetryPolicyStopsOnPermanentErrors(t *testing.T) {
	rp := NewRetryPolicy(RetryConfig{MaxRetries: 3})
	rp.sleep = noSleep

	attempts := 0
	boom := errors.New("bad payload")
	err := rp.Do(context.Background(), func(context.Context, int) error {
		attempts++
		return Permanent(boom)
	})
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 1, attempts)

	attempts = 0
	err = rp.Do(context.Background(), func(context.Context, int) error {
		attempts++
		return &StatusError{StatusCode: http.StatusBadRequest}
	})
	require.Error(t, err)
	assert.Equal(t, 1, attempts)
}

func TestRetryPolicyExhaustsAttempts(t *testing.T) {
	rp := NewRetryPolicy(RetryConfig{MaxRetries: 2})
	rp.sleep = noSleep

	attempts := 0
	err := rp.Do(context.Background(), func(context.Context, int) error {
		attempts++
		return errors.New("connection refused")
	})
	require.ErrorIs(t, err, ErrMaxRetriesExceeded)
	assert.Contains(t, err.Error(), "connection refused")
	assert.Equal(t, 3, attempts)
}

func TestRetryPolicyHonoursContext(t *testing.T) {
	rp := NewRetryPolicy(RetryConfig{MaxRetries: 5, InitialBackoff: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())

	err := rp.Do(ctx, func(context.Context, int) error {
		cancel()
		return errors.New("transient")
	})
	require.ErrorIs(t, err, context.Canceled)
}

func TestRetryPolicyBackoff(t *testing.T) {
	rp := NewRetryPolicy(RetryConfig{InitialBackoff: 10 * time.Millisecond, MaxBackoff: 50 * time.Millisecond})
	assert.Equal(t, 10*time.Millisecond, rp.Backoff(0))
	assert.Equal(t, 20*time.Millisecond, rp.Backoff(1))
	assert.Equal(t, 50*time.Millisecond, rp.Backoff(5))

	jittery := NewRetryPolicy(RetryConfig{InitialBackoff: 100 * time.Millisecond, Jitter: true})
	for i := 0; i < 20; i++ {
		d := jittery.Backoff(0)
		assert.GreaterOrEqual(t, d, 100*time.Millisecond)
		assert.Less(t, d, 125*time.Millisecond)
	}
}

func TestIsRetryable(t *testing.T) {
	assert.False(t, IsRetryable(nil))
	assert.False(t, IsRetryable(context.Canceled))
	assert.False(t, IsRetryable(ErrCircuitOpen))
	assert.True(t, IsRetryable(context.DeadlineExceeded))
	assert.True(t, IsRetryable(&StatusError{StatusCode: http.StatusTooManyRequests}))
	assert.False(t, IsRetryable(&StatusError{StatusCode: http.StatusInternalServerError}))
}

func TestCircuitBreakerLifecycle(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cb := newCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 2, OpenTimeout: time.Minute}, func() time.Time { return now })
	ctx := context.Background()
	fail := func(context.Context) error { return errors.New("down") }
	ok := func(context.Context) error { return nil }

	require.Error(t, cb.Execute(ctx, fail))
	assert.Equal(t, StateClosed, cb.State())
	require.Error(t, cb.Execute(ctx, fail))
	assert.Equal(t, StateOpen, cb.State())

	called := false
	err := cb.Execute(ctx, func(context.Context) error { called = true; return nil })
	require.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, called)

	now = now.Add(time.Minute)
	assert.Equal(t, StateHalfOpen, cb.State())
	require.Error(t, cb.Execute(ctx, fail))
	assert.Equal(t, StateOpen, cb.State())

	now = now.Add(time.Minute)
	require.NoError(t, cb.Execute(ctx, ok))
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreakerIgnoresCancellation(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 1})
	err := cb.Execute(context.Background(), func(context.Context) error { return context.Canceled })
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreakerCancelledTrialIsNeutral(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cb := newCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 1, OpenTimeout: time.Minute}, func() time.Time { return now })
	ctx := context.Background()

	require.Error(t, cb.Execute(ctx, func(context.Context) error { return errors.New("down") }))
	now = now.Add(time.Minute)

	err := cb.Execute(ctx, func(context.Context) error { return context.Canceled })
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateHalfOpen, cb.State(), "cancelled trial call must not close the circuit")

	// The trial slot was released, so the next trial call runs.
	require.NoError(t, cb.Execute(ctx, func(context.Context) error { return nil }))
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreakerPanickingTrialReleasesSlot(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cb := newCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 1, OpenTimeout: time.Minute}, func() time.Time { return now })
	ctx := context.Background()

	require.Error(t, cb.Execute(ctx, func(context.Context) error { return errors.New("down") }))
	now = now.Add(time.Minute)

	assert.Panics(t, func() {
		_ = cb.Execute(ctx, func(context.Context) error { panic("decoder bug") })
	})
	assert.Equal(t, StateOpen, cb.State())

	now = now.Add(time.Minute)
	require.NoError(t, cb.Execute(ctx, func(context.Context) error { return nil }))
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreakerPanicCountsAsFailure(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 1})
	assert.Panics(t, func() {
		_ = cb.Execute(context.Background(), func(context.Context) error { panic("boom") })
	})
	assert.Equal(t, StateOpen, cb.State())
}

func TestCircuitBreakerDisabled(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{})
	for i := 0; i < 10; i++ {
		_ = cb.Execute(context.Background(), func(context.Context) error { return errors.New("down") })
	}
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreakerManager(t *testing.T) {
	m := NewCircuitBreakerManager(CircuitBreakerConfig{FailureThreshold: 1})
	east := m.Get("east")
	assert.Same(t, east, m.Get("east"))
	assert.NotSame(t, east, m.Get("west"))

	_ = east.Execute(context.Background(), func(context.Context) error { return errors.New("down") })
	states := m.States()
	assert.Equal(t, StateOpen, states["east"])
	assert.Equal(t, StateClosed, states["west"])

	east.Reset()
	assert.Equal(t, StateClosed, east.State())
}
