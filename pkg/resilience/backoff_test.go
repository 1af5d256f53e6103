package resilience

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testBackoffConfig() BackoffConfig {
	return BackoffConfig{
		Base:              50 * time.Millisecond,
		Max:               time.Second,
		MaxJitter:         1, // effectively no jitter for deterministic tests
		ReduceThreshold:   75,
		CriticalThreshold: 90,
	}
}

func TestBackoffController_InactiveByDefault(t *testing.T) {
	b := NewBackoffController(testBackoffConfig())

	state := b.ShouldBackOff()
	assert.False(t, state.Active)
	assert.NoError(t, b.WaitForBackoff(context.Background()))
}

func TestBackoffController_HighUsageTriggersBaseCooldown(t *testing.T) {
	b := NewBackoffController(testBackoffConfig())

	b.RecordUsageSignal(UsageSignal{
		Dimensions: map[string]float64{"app_usage": 80},
	})

	state := b.ShouldBackOff()
	require.True(t, state.Active)
	assert.Contains(t, state.Reason, "high_usage")
	assert.LessOrEqual(t, state.Duration, 50*time.Millisecond+time.Millisecond)
}

func TestBackoffController_CriticalUsageDoublesCooldown(t *testing.T) {
	b := NewBackoffController(testBackoffConfig())

	b.RecordUsageSignal(UsageSignal{
		Dimensions: map[string]float64{"app_usage": 60, "business_usage": 95},
	})

	state := b.ShouldBackOff()
	require.True(t, state.Active)
	assert.Contains(t, state.Reason, "critical_usage:business_usage")
	assert.GreaterOrEqual(t, state.Duration, 100*time.Millisecond)
}

func TestBackoffController_ModerateUsageDoesNothing(t *testing.T) {
	b := NewBackoffController(testBackoffConfig())

	b.RecordUsageSignal(UsageSignal{
		Dimensions: map[string]float64{"app_usage": 50},
	})

	assert.False(t, b.ShouldBackOff().Active)
	usage := b.CurrentUsage()
	assert.Equal(t, 50.0, usage.Dimensions["app_usage"])
	assert.False(t, usage.ObservedAt.IsZero())
}

func TestBackoffController_RetryAfterOverrides(t *testing.T) {
	b := NewBackoffController(testBackoffConfig())

	b.RecordUsageSignal(UsageSignal{
		Dimensions: map[string]float64{"app_usage": 10},
		RetryAfter: 200 * time.Millisecond,
	})

	state := b.ShouldBackOff()
	require.True(t, state.Active)
	assert.Equal(t, "server_retry_after", state.Reason)
	assert.GreaterOrEqual(t, state.Duration, 200*time.Millisecond)
}

func TestBackoffController_CooldownSelfClears(t *testing.T) {
	b := NewBackoffController(testBackoffConfig())

	b.ForceBackoff(20*time.Millisecond, "test")
	require.True(t, b.ShouldBackOff().Active)

	time.Sleep(30 * time.Millisecond)
	assert.False(t, b.ShouldBackOff().Active)
}

func TestBackoffController_DurationCappedAtMax(t *testing.T) {
	b := NewBackoffController(testBackoffConfig())

	b.ForceBackoff(time.Hour, "test")
	state := b.ShouldBackOff()
	require.True(t, state.Active)
	assert.LessOrEqual(t, state.Duration, time.Second)
}

func TestBackoffController_LaterCooldownWins(t *testing.T) {
	b := NewBackoffController(testBackoffConfig())

	b.ForceBackoff(500*time.Millisecond, "long")
	longUntil := b.ShouldBackOff().Until

	// A shorter cooldown must not shorten the active window
	b.ForceBackoff(10*time.Millisecond, "short")
	state := b.ShouldBackOff()
	assert.Equal(t, "long", state.Reason)
	assert.Equal(t, longUntil, state.Until)
}

func TestBackoffController_OnCooldownHook(t *testing.T) {
	type cooldown struct {
		reason   string
		duration time.Duration
	}
	var fired []cooldown

	cfg := testBackoffConfig()
	cfg.OnCooldown = func(reason string, duration time.Duration) {
		fired = append(fired, cooldown{reason: reason, duration: duration})
	}
	b := NewBackoffController(cfg)

	b.ForceBackoff(500*time.Millisecond, "long")
	require.Len(t, fired, 1)
	assert.Equal(t, "long", fired[0].reason)
	assert.GreaterOrEqual(t, fired[0].duration, 500*time.Millisecond)

	// An ignored shorter cooldown must not fire the hook
	b.ForceBackoff(10*time.Millisecond, "short")
	assert.Len(t, fired, 1)

	// Extending the window fires again
	b.ForceBackoff(900*time.Millisecond, "extended")
	require.Len(t, fired, 2)
	assert.Equal(t, "extended", fired[1].reason)
}

func TestBackoffController_WaitForBackoff(t *testing.T) {
	b := NewBackoffController(testBackoffConfig())

	b.ForceBackoff(30*time.Millisecond, "test")

	start := time.Now()
	require.NoError(t, b.WaitForBackoff(context.Background()))
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
	assert.False(t, b.ShouldBackOff().Active)
}

func TestBackoffController_WaitForBackoffCancellable(t *testing.T) {
	b := NewBackoffController(testBackoffConfig())

	b.ForceBackoff(time.Second, "test")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := b.WaitForBackoff(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
