package resilience

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/chatcart/chatcart/pkg/logging"
)

// UsageSignal is a quota snapshot parsed from a downstream response.
// Dimensions map a resource-specific quota category (e.g. "app_usage",
// "business_usage", "request_budget") to a 0-100 percentage.
type UsageSignal struct {
	Dimensions map[string]float64 `json:"dimensions"`
	// RetryAfter is a server-provided throttle duration, when present
	RetryAfter time.Duration `json:"retry_after,omitempty"`
	ObservedAt time.Time     `json:"observed_at"`
}

// BackoffState describes whether outbound calls should currently be
// suppressed
type BackoffState struct {
	Active   bool          `json:"active"`
	Until    time.Time     `json:"until"`
	Duration time.Duration `json:"duration"`
	Reason   string        `json:"reason"`
}

// BackoffConfig holds configuration for the backoff controller
type BackoffConfig struct {
	// Base is the cooldown applied when usage crosses the reduce threshold
	Base time.Duration
	// Max caps every cooldown, jitter included
	Max time.Duration
	// MaxJitter bounds the random jitter added to each cooldown
	MaxJitter time.Duration
	// ReduceThreshold is the usage percentage that triggers a 1x cooldown
	ReduceThreshold float64
	// CriticalThreshold is the usage percentage that triggers a 2x cooldown
	CriticalThreshold float64
	// OnCooldown is called whenever a cooldown is activated or extended
	OnCooldown func(reason string, duration time.Duration)
}

// DefaultBackoffConfig returns the default controller configuration
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		Base:              60 * time.Second,
		Max:               15 * time.Minute,
		MaxJitter:         5 * time.Second,
		ReduceThreshold:   75.0,
		CriticalThreshold: 90.0,
	}
}

// BackoffController tracks usage signals from a protected resource and
// decides whether outbound calls should be suppressed. It is resource
// agnostic: the same policy serves the Redis connection manager and the
// Graph API client.
type BackoffController struct {
	config BackoffConfig

	mu           sync.Mutex
	currentUsage UsageSignal
	state        BackoffState

	logger *logging.Logger
}

// NewBackoffController creates a backoff controller. Zero config values
// fall back to defaults.
func NewBackoffController(config BackoffConfig) *BackoffController {
	defaults := DefaultBackoffConfig()
	if config.Base <= 0 {
		config.Base = defaults.Base
	}
	if config.Max <= 0 {
		config.Max = defaults.Max
	}
	if config.MaxJitter < 0 {
		config.MaxJitter = defaults.MaxJitter
	}
	if config.ReduceThreshold <= 0 {
		config.ReduceThreshold = defaults.ReduceThreshold
	}
	if config.CriticalThreshold <= 0 {
		config.CriticalThreshold = defaults.CriticalThreshold
	}

	return &BackoffController{
		config: config,
		logger: logging.GetLogger(),
	}
}

// RecordUsageSignal ingests a quota snapshot. Any dimension at or above the
// critical threshold forces a 2x base cooldown; at or above the reduce
// threshold, a 1x base cooldown. An explicit server-provided retry duration
// takes precedence over the computed one.
func (b *BackoffController) RecordUsageSignal(signal UsageSignal) {
	if signal.ObservedAt.IsZero() {
		signal.ObservedAt = time.Now()
	}

	b.mu.Lock()
	b.currentUsage = signal
	b.mu.Unlock()

	if signal.RetryAfter > 0 {
		b.ForceBackoff(signal.RetryAfter, "server_retry_after")
		return
	}

	worstDim, worstPct := "", 0.0
	for dim, pct := range signal.Dimensions {
		if pct > worstPct {
			worstDim, worstPct = dim, pct
		}
	}

	switch {
	case worstPct >= b.config.CriticalThreshold:
		b.logger.LogQuotaEvent("usage_critical", signal.Dimensions, nil)
		b.ForceBackoff(2*b.config.Base, "critical_usage:"+worstDim)
	case worstPct >= b.config.ReduceThreshold:
		b.logger.LogQuotaEvent("usage_high", signal.Dimensions, nil)
		b.ForceBackoff(b.config.Base, "high_usage:"+worstDim)
	}
}

// ShouldBackOff reports the current cooldown state. An expired cooldown
// self-clears here, so callers never observe Active with a past Until.
func (b *BackoffController) ShouldBackOff() BackoffState {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state.Active && !time.Now().Before(b.state.Until) {
		b.state = BackoffState{}
	}
	return b.state
}

// ForceBackoff activates a cooldown of roughly the given duration, with
// random jitter added and the configured maximum enforced. Extending an
// already-active cooldown to a later time is safe; shortening is ignored.
func (b *BackoffController) ForceBackoff(duration time.Duration, reason string) {
	if duration <= 0 {
		return
	}

	duration += b.jitter()
	if duration > b.config.Max {
		duration = b.config.Max
	}

	now := time.Now()
	until := now.Add(duration)

	b.mu.Lock()
	if b.state.Active && now.Before(b.state.Until) && b.state.Until.After(until) {
		b.mu.Unlock()
		return
	}

	b.state = BackoffState{
		Active:   true,
		Until:    until,
		Duration: duration,
		Reason:   reason,
	}
	b.mu.Unlock()

	if b.config.OnCooldown != nil {
		b.config.OnCooldown(reason, duration)
	}

	b.logger.Warn("Backoff activated",
		"reason", reason,
		"duration", duration.String(),
		"until", until.Format(time.RFC3339),
	)
}

// WaitForBackoff suspends the caller until the active cooldown expires or
// the context is cancelled. Returns immediately when no cooldown is active.
func (b *BackoffController) WaitForBackoff(ctx context.Context) error {
	state := b.ShouldBackOff()
	if !state.Active {
		return nil
	}

	remaining := time.Until(state.Until)
	if remaining <= 0 {
		return nil
	}

	timer := time.NewTimer(remaining)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CurrentUsage returns the last observed quota snapshot
func (b *BackoffController) CurrentUsage() UsageSignal {
	b.mu.Lock()
	defer b.mu.Unlock()

	usage := b.currentUsage
	if usage.Dimensions != nil {
		dims := make(map[string]float64, len(usage.Dimensions))
		for k, v := range usage.Dimensions {
			dims[k] = v
		}
		usage.Dimensions = dims
	}
	return usage
}

// Clear deactivates any cooldown. Used by tests and administrative resets.
func (b *BackoffController) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = BackoffState{}
}

func (b *BackoffController) jitter() time.Duration {
	if b.config.MaxJitter <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(b.config.MaxJitter)))
}
