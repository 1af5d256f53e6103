package resilience

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatcart/chatcart/pkg/errors"
)

func TestRetrier_SucceedsFirstAttempt(t *testing.T) {
	r := NewRetrier(DefaultRetryConfig())

	calls := 0
	err := r.Execute(context.Background(), func(ctx context.Context) error {
		calls++
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestRetrier_RetriesRetryableErrors(t *testing.T) {
	r := NewRetrier(RetryConfig{
		MaxAttempts:  3,
		InitialDelay: time.Millisecond,
		MaxDelay:     10 * time.Millisecond,
		Jitter:       false,
	})

	calls := 0
	err := r.Execute(context.Background(), func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errors.NewConnectionError("refused")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetrier_DoesNotRetryValidationErrors(t *testing.T) {
	r := NewRetrier(RetryConfig{
		MaxAttempts:  5,
		InitialDelay: time.Millisecond,
	})

	calls := 0
	err := r.Execute(context.Background(), func(ctx context.Context) error {
		calls++
		return errors.NewValidationError("bad input")
	})

	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestRetrier_DoesNotRetryCircuitOpen(t *testing.T) {
	r := NewRetrier(RetryConfig{
		MaxAttempts:  5,
		InitialDelay: time.Millisecond,
	})

	calls := 0
	err := r.Execute(context.Background(), func(ctx context.Context) error {
		calls++
		return errors.NewCircuitOpenError("graph-api", "OPEN")
	})

	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.True(t, errors.IsType(err, errors.ErrorTypeCircuitOpen))
}

func TestRetrier_SurfacesFinalError(t *testing.T) {
	r := NewRetrier(RetryConfig{
		MaxAttempts:  2,
		InitialDelay: time.Millisecond,
		Jitter:       false,
	})

	calls := 0
	err := r.Execute(context.Background(), func(ctx context.Context) error {
		calls++
		return errors.NewTimeoutError("graph call")
	})

	require.Error(t, err)
	assert.Equal(t, 2, calls)
	assert.True(t, errors.IsType(err, errors.ErrorTypeTimeout))
}

func TestRetrier_HonorsServerResetTime(t *testing.T) {
	r := NewRetrier(RetryConfig{
		MaxAttempts:  2,
		InitialDelay: time.Millisecond,
		Jitter:       false,
	})

	resetAt := time.Now().Add(50 * time.Millisecond)
	calls := 0
	start := time.Now()

	err := r.Execute(context.Background(), func(ctx context.Context) error {
		calls++
		if calls == 1 {
			return errors.NewRateLimitError("throttled", resetAt)
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	// The retry waited for the server-provided reset, not the 1ms schedule
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
}

func TestRetrier_ContextCancellation(t *testing.T) {
	r := NewRetrier(RetryConfig{
		MaxAttempts:  10,
		InitialDelay: 50 * time.Millisecond,
		Jitter:       false,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := r.Execute(ctx, func(ctx context.Context) error {
		return errors.NewConnectionError("refused")
	})

	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRetrier_OnRetryCallback(t *testing.T) {
	var attempts []int
	r := NewRetrier(RetryConfig{
		MaxAttempts:  3,
		InitialDelay: time.Millisecond,
		Jitter:       false,
		OnRetry: func(attempt int, err error, delay time.Duration) {
			attempts = append(attempts, attempt)
		},
	})

	_ = r.Execute(context.Background(), func(ctx context.Context) error {
		return errors.NewConnectionError("refused")
	})

	assert.Equal(t, []int{1, 2}, attempts)
}
