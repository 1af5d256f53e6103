package health

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatcart/chatcart/internal/redisconn"
	"github.com/chatcart/chatcart/pkg/config"
	"github.com/chatcart/chatcart/pkg/logging"
	"github.com/chatcart/chatcart/pkg/resilience"
)

func testLogger() *logging.Logger {
	return logging.GetLogger()
}

func TestService_AggregatesWorstStatus(t *testing.T) {
	svc := NewService(testLogger(), nil)

	svc.RegisterChecker("ok", NewCustomChecker("ok", func(ctx context.Context) (Status, string, error) {
		return StatusHealthy, "fine", nil
	}))
	svc.RegisterChecker("slow", NewCustomChecker("slow", func(ctx context.Context) (Status, string, error) {
		return StatusDegraded, "lagging", nil
	}))

	resp := svc.CheckHealth(context.Background())
	assert.Equal(t, StatusDegraded, resp.Status)
	assert.Len(t, resp.Checks, 2)

	svc.RegisterChecker("down", NewCustomChecker("down", func(ctx context.Context) (Status, string, error) {
		return StatusUnhealthy, "", assert.AnError
	}))

	resp = svc.CheckHealth(context.Background())
	assert.Equal(t, StatusUnhealthy, resp.Status)
	assert.NotEmpty(t, resp.Checks["down"].Error)
}

func TestBreakerChecker(t *testing.T) {
	breaker := resilience.NewCircuitBreaker(resilience.BreakerConfig{
		Name:             "graph-api",
		FailureThreshold: 1,
		RecoveryTimeout:  time.Minute,
		CallTimeout:      time.Second,
	})

	checker := NewBreakerChecker(breaker, "graph-breaker")

	check := checker.Check(context.Background())
	assert.Equal(t, StatusHealthy, check.Status)
	assert.Equal(t, "CLOSED", check.Metadata["state"])

	breaker.ForceOpen()

	check = checker.Check(context.Background())
	assert.Equal(t, StatusDegraded, check.Status)
	assert.Equal(t, "OPEN", check.Metadata["state"])
}

func TestBackoffChecker(t *testing.T) {
	controller := resilience.NewBackoffController(resilience.DefaultBackoffConfig())
	checker := NewBackoffChecker(controller, "graph-backoff")

	check := checker.Check(context.Background())
	assert.Equal(t, StatusHealthy, check.Status)

	controller.ForceBackoff(time.Minute, "quota")

	check = checker.Check(context.Background())
	assert.Equal(t, StatusDegraded, check.Status)
	assert.Contains(t, check.Message, "quota")
}

func TestConnectionChecker(t *testing.T) {
	manager := redisconn.NewManager(
		&config.RedisConfig{Host: "localhost", Port: 6379},
		config.ResilienceConfig{},
		nil,
	)
	t.Cleanup(manager.Close)

	checker := NewConnectionChecker(manager, "redis")

	check := checker.Check(context.Background())
	assert.Equal(t, StatusHealthy, check.Status)

	manager.ActivateRateLimit(time.Now().Add(time.Hour), "quota exhausted")

	check = checker.Check(context.Background())
	assert.Equal(t, StatusDegraded, check.Status)
	assert.Contains(t, check.Metadata, "rate_limit_reset_at")
}

func TestNilComponentsAreUnhealthy(t *testing.T) {
	require.Equal(t, StatusUnhealthy, NewBreakerChecker(nil, "b").Check(context.Background()).Status)
	require.Equal(t, StatusUnhealthy, NewBackoffChecker(nil, "c").Check(context.Background()).Status)
	require.Equal(t, StatusUnhealthy, NewConnectionChecker(nil, "m").Check(context.Background()).Status)
}
