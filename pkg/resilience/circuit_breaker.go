package resilience

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/chatcart/chatcart/pkg/errors"
	"github.com/chatcart/chatcart/pkg/logging"
)

// CircuitState represents the state of the circuit breaker
type CircuitState int

const (
	// StateClosed - circuit is closed, requests are allowed
	StateClosed CircuitState = iota
	// StateOpen - circuit is open, requests are rejected
	StateOpen
	// StateHalfOpen - circuit is half-open, limited trial requests are allowed
	StateHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// BreakerConfig holds configuration for the circuit breaker.
// Zero values are replaced with defaults at construction; the config is
// immutable afterwards.
type BreakerConfig struct {
	// Name of the circuit breaker for logging/metrics
	Name string
	// FailureThreshold is the number of consecutive failures that opens
	// the circuit
	FailureThreshold int
	// RecoveryTimeout is how long the circuit stays open before allowing
	// a half-open trial
	RecoveryTimeout time.Duration
	// CallTimeout bounds each wrapped operation; exceeding it counts as
	// a failure and is tracked separately in stats
	CallTimeout time.Duration
	// HalfOpenMaxCalls is the number of trial calls allowed while half-open
	HalfOpenMaxCalls int
	// OnStateChange is called whenever the state changes
	OnStateChange func(name string, from CircuitState, to CircuitState)
}

// Operation is a unit of work protected by the circuit breaker
type Operation func(ctx context.Context) (interface{}, error)

// Fallback is invoked instead of the operation when the breaker rejects a call
type Fallback func(ctx context.Context) (interface{}, error)

// Result is the outcome of an Execute call. Execute never returns a Go
// error directly so callers can branch without exception-style control flow.
type Result struct {
	Success      bool
	Value        interface{}
	Err          error
	FallbackUsed bool
}

// Stats holds cumulative circuit breaker counters plus derived values
type Stats struct {
	State             string        `json:"state"`
	FailureCount      int           `json:"failure_count"`
	TotalCalls        int64         `json:"total_calls"`
	SuccessCalls      int64         `json:"success_calls"`
	FailedCalls       int64         `json:"failed_calls"`
	RejectedCalls     int64         `json:"rejected_calls"`
	TimeoutCalls      int64         `json:"timeout_calls"`
	TotalResponseTime time.Duration `json:"total_response_time"`
	ErrorRate         float64       `json:"error_rate"`
	Uptime            time.Duration `json:"uptime"`
}

// CircuitBreaker is a state machine that fails fast when a protected
// operation keeps failing. One instance protects one named operation and
// lives for the process lifetime.
type CircuitBreaker struct {
	config BreakerConfig

	mu              sync.Mutex
	state           CircuitState
	failureCount    int
	lastFailureTime time.Time
	openedAt        time.Time
	halfOpenCalls   int

	totalCalls        int64
	successCalls      int64
	failedCalls       int64
	rejectedCalls     int64
	timeoutCalls      int64
	totalResponseTime time.Duration

	startedAt time.Time
	logger    *logging.Logger
}

// NewCircuitBreaker creates a new circuit breaker with the given configuration
func NewCircuitBreaker(config BreakerConfig) *CircuitBreaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.RecoveryTimeout <= 0 {
		config.RecoveryTimeout = 60 * time.Second
	}
	if config.CallTimeout <= 0 {
		config.CallTimeout = 10 * time.Second
	}
	if config.HalfOpenMaxCalls <= 0 {
		config.HalfOpenMaxCalls = 1
	}

	return &CircuitBreaker{
		config:    config,
		state:     StateClosed,
		startedAt: time.Now(),
		logger:    logging.GetLogger(),
	}
}

// Execute runs the operation under the breaker's state machine and call
// timeout. A nil operation fails immediately with an invalid_operation
// error and does not affect breaker state. The fallback, when supplied, is
// invoked only on rejection (open circuit or exhausted half-open budget).
func (cb *CircuitBreaker) Execute(ctx context.Context, operation Operation, fallback Fallback) Result {
	if operation == nil {
		return Result{Err: errors.NewInvalidOperationError("operation is not executable").
			WithDetail("breaker", cb.config.Name)}
	}

	if rejected, result := cb.beforeCall(ctx, fallback); rejected {
		return result
	}

	start := time.Now()
	value, err := cb.runWithTimeout(ctx, operation)
	cb.afterCall(start, err)

	if err != nil {
		return Result{Err: err}
	}
	return Result{Success: true, Value: value}
}

// beforeCall decides whether the call may proceed. When it returns
// rejected=true the accompanying Result is final.
func (cb *CircuitBreaker) beforeCall(ctx context.Context, fallback Fallback) (bool, Result) {
	cb.mu.Lock()

	now := time.Now()
	if cb.state == StateOpen {
		if now.Sub(cb.openedAt) >= cb.config.RecoveryTimeout {
			cb.setState(StateHalfOpen, now)
		} else {
			return true, cb.rejectLocked(ctx, fallback)
		}
	}

	if cb.state == StateHalfOpen {
		if cb.halfOpenCalls >= cb.config.HalfOpenMaxCalls {
			return true, cb.rejectLocked(ctx, fallback)
		}
		cb.halfOpenCalls++
	}

	cb.mu.Unlock()
	return false, Result{}
}

// rejectLocked records a rejection and releases the lock before running
// the fallback.
func (cb *CircuitBreaker) rejectLocked(ctx context.Context, fallback Fallback) Result {
	cb.totalCalls++
	cb.rejectedCalls++
	openErr := errors.NewCircuitOpenError(cb.config.Name, cb.state.String())
	cb.mu.Unlock()

	if fallback != nil {
		value, err := fallback(ctx)
		if err != nil {
			return Result{Err: err, FallbackUsed: true}
		}
		return Result{Success: true, Value: value, FallbackUsed: true}
	}

	return Result{Err: openErr}
}

// runWithTimeout executes the operation under the configured call timeout.
// The operation's own error is propagated untouched so callers can branch
// on root cause; only a timeout is wrapped in a typed error.
func (cb *CircuitBreaker) runWithTimeout(ctx context.Context, operation Operation) (interface{}, error) {
	tctx, cancel := context.WithTimeout(ctx, cb.config.CallTimeout)
	defer cancel()

	type callResult struct {
		value interface{}
		err   error
	}
	done := make(chan callResult, 1)

	go func() {
		// A panic in the operation would unwind this goroutine, not the
		// caller's, and kill the process. Contain it as a failed call.
		defer func() {
			if r := recover(); r != nil {
				done <- callResult{err: errors.NewInternalError(fmt.Sprintf("operation panicked: %v", r)).
					WithDetail("breaker", cb.config.Name)}
			}
		}()
		value, err := operation(tctx)
		done <- callResult{value: value, err: err}
	}()

	select {
	case res := <-done:
		return res.value, res.err
	case <-tctx.Done():
		return nil, errors.NewTimeoutError(cb.config.Name).WithCause(tctx.Err())
	}
}

// afterCall records the outcome and drives state transitions
func (cb *CircuitBreaker) afterCall(start time.Time, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := time.Now()
	cb.totalCalls++

	if err == nil {
		cb.successCalls++
		cb.totalResponseTime += now.Sub(start)
		cb.failureCount = 0
		if cb.state == StateHalfOpen {
			cb.setState(StateClosed, now)
		}
		return
	}

	cb.failedCalls++
	if errors.IsType(err, errors.ErrorTypeTimeout) {
		cb.timeoutCalls++
	}
	cb.failureCount++
	cb.lastFailureTime = now

	switch cb.state {
	case StateHalfOpen:
		cb.setState(StateOpen, now)
	case StateClosed:
		if cb.failureCount >= cb.config.FailureThreshold {
			cb.setState(StateOpen, now)
		}
	}
}

// setState transitions the breaker. Caller must hold the lock.
func (cb *CircuitBreaker) setState(state CircuitState, now time.Time) {
	if cb.state == state {
		return
	}

	prev := cb.state
	cb.state = state

	switch state {
	case StateOpen:
		cb.openedAt = now
	case StateHalfOpen:
		cb.halfOpenCalls = 0
	case StateClosed:
		cb.failureCount = 0
	}

	if cb.config.OnStateChange != nil {
		cb.config.OnStateChange(cb.config.Name, prev, state)
	}

	cb.logger.Info("Circuit breaker state changed",
		"name", cb.config.Name,
		"from", prev.String(),
		"to", state.String(),
		"failure_count", cb.failureCount,
	)
}

// State returns the current state, applying lazy open->half-open expiry
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := time.Now()
	if cb.state == StateOpen && now.Sub(cb.openedAt) >= cb.config.RecoveryTimeout {
		cb.setState(StateHalfOpen, now)
	}
	return cb.state
}

// Name returns the name of the circuit breaker
func (cb *CircuitBreaker) Name() string {
	return cb.config.Name
}

// GetStats returns cumulative counters plus derived error rate and uptime
func (cb *CircuitBreaker) GetStats() Stats {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	errorRate := 0.0
	if cb.totalCalls > 0 {
		errorRate = float64(cb.failedCalls) / float64(cb.totalCalls)
	}

	return Stats{
		State:             cb.state.String(),
		FailureCount:      cb.failureCount,
		TotalCalls:        cb.totalCalls,
		SuccessCalls:      cb.successCalls,
		FailedCalls:       cb.failedCalls,
		RejectedCalls:     cb.rejectedCalls,
		TimeoutCalls:      cb.timeoutCalls,
		TotalResponseTime: cb.totalResponseTime,
		ErrorRate:         errorRate,
		Uptime:            time.Since(cb.startedAt),
	}
}

// Reset forces the breaker closed and zeroes the consecutive failure count.
// Cumulative stats are preserved. Safe to call repeatedly.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.setState(StateClosed, time.Now())
	cb.failureCount = 0
	cb.halfOpenCalls = 0
	cb.lastFailureTime = time.Time{}
	cb.openedAt = time.Time{}
}

// ForceOpen opens the circuit regardless of failure counts. Used for
// administrative overrides and quota-exhaustion handling.
func (cb *CircuitBreaker) ForceOpen() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.setState(StateOpen, time.Now())
}

// IsCircuitOpenError checks if an error is a circuit-open rejection
func IsCircuitOpenError(err error) bool {
	return errors.IsType(err, errors.ErrorTypeCircuitOpen)
}
