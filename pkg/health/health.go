package health

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/chatcart/chatcart/internal/redisconn"
	"github.com/chatcart/chatcart/pkg/logging"
	"github.com/chatcart/chatcart/pkg/resilience"
)

// Status represents the health status of a component
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
	StatusDegraded  Status = "degraded"
	StatusUnknown   Status = "unknown"
)

// Check represents a health check
type Check struct {
	Name      string            `json:"name"`
	Status    Status            `json:"status"`
	Message   string            `json:"message,omitempty"`
	Error     string            `json:"error,omitempty"`
	Duration  time.Duration     `json:"duration"`
	Timestamp time.Time         `json:"timestamp"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// HealthResponse represents the overall health response
type HealthResponse struct {
	Status    Status            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Duration  time.Duration     `json:"duration"`
	Checks    map[string]*Check `json:"checks"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Checker interface for health checks
type Checker interface {
	Check(ctx context.Context) *Check
}

// Service provides health checking functionality
type Service struct {
	checkers map[string]Checker
	logger   *logging.Logger
	metadata map[string]string
	mutex    sync.RWMutex
}

// Config holds health check configuration
type Config struct {
	Timeout  time.Duration     `json:"timeout"`
	Metadata map[string]string `json:"metadata"`
}

// DefaultConfig returns default health check configuration
func DefaultConfig() *Config {
	return &Config{
		Timeout:  5 * time.Second,
		Metadata: make(map[string]string),
	}
}

// NewService creates a new health check service
func NewService(logger *logging.Logger, config *Config) *Service {
	if config == nil {
		config = DefaultConfig()
	}

	return &Service{
		checkers: make(map[string]Checker),
		logger:   logger,
		metadata: config.Metadata,
	}
}

// RegisterChecker registers a health checker
func (s *Service) RegisterChecker(name string, checker Checker) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.checkers[name] = checker
}

// UnregisterChecker unregisters a health checker
func (s *Service) UnregisterChecker(name string) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	delete(s.checkers, name)
}

// CheckHealth performs all health checks
func (s *Service) CheckHealth(ctx context.Context) *HealthResponse {
	start := time.Now()

	s.mutex.RLock()
	checkers := make(map[string]Checker, len(s.checkers))
	for name, checker := range s.checkers {
		checkers[name] = checker
	}
	s.mutex.RUnlock()

	checks := make(map[string]*Check, len(checkers))
	overallStatus := StatusHealthy

	// Run all checks concurrently
	var wg sync.WaitGroup
	var mutex sync.Mutex

	for name, checker := range checkers {
		wg.Add(1)
		go func(name string, checker Checker) {
			defer wg.Done()

			check := checker.Check(ctx)

			mutex.Lock()
			checks[name] = check

			switch check.Status {
			case StatusUnhealthy:
				overallStatus = StatusUnhealthy
			case StatusDegraded:
				if overallStatus == StatusHealthy {
					overallStatus = StatusDegraded
				}
			}
			mutex.Unlock()
		}(name, checker)
	}

	wg.Wait()

	return &HealthResponse{
		Status:    overallStatus,
		Timestamp: time.Now(),
		Duration:  time.Since(start),
		Checks:    checks,
		Metadata:  s.metadata,
	}
}

// Handler returns a Gin handler for health checks
func (s *Service) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 10*time.Second)
		defer cancel()

		health := s.CheckHealth(ctx)

		statusCode := http.StatusOK
		switch health.Status {
		case StatusUnhealthy:
			statusCode = http.StatusServiceUnavailable
		case StatusDegraded:
			statusCode = http.StatusPartialContent
		}

		c.JSON(statusCode, health)
	}
}

// LivenessHandler returns a simple liveness check handler
func (s *Service) LivenessHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "alive",
			"timestamp": time.Now(),
		})
	}
}

// ReadinessHandler returns a readiness check handler
func (s *Service) ReadinessHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
		defer cancel()

		health := s.CheckHealth(ctx)

		statusCode := http.StatusOK
		if health.Status == StatusUnhealthy {
			statusCode = http.StatusServiceUnavailable
		}

		c.JSON(statusCode, gin.H{
			"status":    health.Status,
			"timestamp": health.Timestamp,
			"ready":     health.Status != StatusUnhealthy,
		})
	}
}

// ConnectionChecker reports on the managed Redis connections. A rate-limit
// window or any errored connection degrades the check; it only goes
// unhealthy when the manager itself is gone.
type ConnectionChecker struct {
	manager *redisconn.Manager
	name    string
}

// NewConnectionChecker creates a connection manager health checker
func NewConnectionChecker(manager *redisconn.Manager, name string) *ConnectionChecker {
	return &ConnectionChecker{
		manager: manager,
		name:    name,
	}
}

// Check reports connection manager health
func (cc *ConnectionChecker) Check(ctx context.Context) *Check {
	start := time.Now()
	check := &Check{
		Name:      cc.name,
		Timestamp: start,
	}

	if cc.manager == nil {
		check.Status = StatusUnhealthy
		check.Error = "connection manager is nil"
		check.Duration = time.Since(start)
		return check
	}

	check.Status = StatusHealthy
	check.Message = "connections are healthy"
	check.Metadata = make(map[string]string)

	if resetAt, limited := cc.manager.RateLimitedUntil(); limited {
		check.Status = StatusDegraded
		check.Message = "connection creation disabled by rate limit"
		check.Metadata["rate_limit_reset_at"] = resetAt.Format(time.RFC3339)
	}

	for purpose, info := range cc.manager.AllConnectionInfo() {
		check.Metadata[string(purpose)] = fmt.Sprintf("%s (score %d)", info.Status, info.HealthScore)
		if info.Status == redisconn.StatusError && check.Status == StatusHealthy {
			check.Status = StatusDegraded
			check.Message = "one or more connections are in error"
		}
	}

	check.Duration = time.Since(start)
	return check
}

// BreakerChecker reports on a circuit breaker. An open breaker degrades
// the check rather than failing it; the service is still serving, it is
// shedding load.
type BreakerChecker struct {
	breaker *resilience.CircuitBreaker
	name    string
}

// NewBreakerChecker creates a circuit breaker health checker
func NewBreakerChecker(breaker *resilience.CircuitBreaker, name string) *BreakerChecker {
	return &BreakerChecker{
		breaker: breaker,
		name:    name,
	}
}

// Check reports breaker health
func (bc *BreakerChecker) Check(ctx context.Context) *Check {
	start := time.Now()
	check := &Check{
		Name:      bc.name,
		Timestamp: start,
	}

	if bc.breaker == nil {
		check.Status = StatusUnhealthy
		check.Error = "circuit breaker is nil"
		check.Duration = time.Since(start)
		return check
	}

	stats := bc.breaker.GetStats()
	check.Metadata = map[string]string{
		"state":       stats.State,
		"total_calls": fmt.Sprintf("%d", stats.TotalCalls),
		"error_rate":  fmt.Sprintf("%.2f%%", stats.ErrorRate*100),
	}

	switch bc.breaker.State() {
	case resilience.StateOpen:
		check.Status = StatusDegraded
		check.Message = "circuit is open, calls are being rejected"
	case resilience.StateHalfOpen:
		check.Status = StatusDegraded
		check.Message = "circuit is probing recovery"
	default:
		check.Status = StatusHealthy
		check.Message = "circuit is closed"
	}

	check.Duration = time.Since(start)
	return check
}

// BackoffChecker reports on a backoff controller
type BackoffChecker struct {
	controller *resilience.BackoffController
	name       string
}

// NewBackoffChecker creates a backoff controller health checker
func NewBackoffChecker(controller *resilience.BackoffController, name string) *BackoffChecker {
	return &BackoffChecker{
		controller: controller,
		name:       name,
	}
}

// Check reports backoff state
func (bc *BackoffChecker) Check(ctx context.Context) *Check {
	start := time.Now()
	check := &Check{
		Name:      bc.name,
		Timestamp: start,
	}

	if bc.controller == nil {
		check.Status = StatusUnhealthy
		check.Error = "backoff controller is nil"
		check.Duration = time.Since(start)
		return check
	}

	state := bc.controller.ShouldBackOff()
	if state.Active {
		check.Status = StatusDegraded
		check.Message = "cooldown active: " + state.Reason
		check.Metadata = map[string]string{
			"until": state.Until.Format(time.RFC3339),
		}
	} else {
		check.Status = StatusHealthy
		check.Message = "no active cooldown"
	}

	check.Duration = time.Since(start)
	return check
}

// CustomChecker allows for custom health checks
type CustomChecker struct {
	name     string
	checkFn  func(ctx context.Context) (Status, string, error)
	metadata map[string]string
}

// NewCustomChecker creates a new custom health checker
func NewCustomChecker(name string, checkFn func(ctx context.Context) (Status, string, error)) *CustomChecker {
	return &CustomChecker{
		name:     name,
		checkFn:  checkFn,
		metadata: make(map[string]string),
	}
}

// WithMetadata adds metadata to the custom checker
func (cc *CustomChecker) WithMetadata(metadata map[string]string) *CustomChecker {
	cc.metadata = metadata
	return cc
}

// Check performs custom health check
func (cc *CustomChecker) Check(ctx context.Context) *Check {
	start := time.Now()
	check := &Check{
		Name:      cc.name,
		Timestamp: start,
		Metadata:  cc.metadata,
	}

	status, message, err := cc.checkFn(ctx)
	check.Status = status
	check.Message = message
	check.Duration = time.Since(start)

	if err != nil {
		check.Error = err.Error()
		if check.Status == StatusHealthy {
			check.Status = StatusUnhealthy
		}
	}

	return check
}
