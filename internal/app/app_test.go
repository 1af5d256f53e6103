package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatcart/chatcart/internal/queue"
	"github.com/chatcart/chatcart/pkg/config"
	"github.com/chatcart/chatcart/pkg/errors"
	"github.com/chatcart/chatcart/pkg/logging"
	"github.com/chatcart/chatcart/pkg/metrics"
)

func testConfig() *config.Config {
	return &config.Config{
		Profile: config.ProfileDefault,
		Server: config.ServerConfig{
			Host: "127.0.0.1",
			Port: 0,
		},
		Redis: config.RedisConfig{
			Host: "localhost",
			Port: 6379,
		},
		Graph: config.GraphConfig{
			BaseURL:     "http://localhost:0",
			APIVersion:  "v19.0",
			AccessToken: "test",
			CallTimeout: time.Second,
		},
		Resilience: config.ResilienceConfig{
			BreakerFailureThreshold: 3,
			BreakerRecoveryTimeout:  time.Minute,
			BreakerCallTimeout:      time.Second,
			BreakerHalfOpenMaxCalls: 1,
			BackoffBase:             time.Second,
			BackoffMax:              time.Minute,
			BackoffMaxJitter:        1,
			ConnectionTimeout:       100 * time.Millisecond,
			ProbeTimeout:            50 * time.Millisecond,
		},
		Queue: config.QueueConfig{
			Name:         "outbound",
			Concurrency:  1,
			PollInterval: 10 * time.Millisecond,
			MaxAttempts:  3,
		},
		Logging: config.LoggingConfig{Level: "info"},
	}
}

func newTestApp(t *testing.T) *App {
	t.Helper()
	m := metrics.NewMetrics(&metrics.Config{Enabled: false})
	a := New(testConfig(), logging.GetLogger(), m)
	t.Cleanup(a.Manager.Close)
	return a
}

func TestRespondError_StatusMapping(t *testing.T) {
	gin.SetMode(gin.TestMode)

	tests := []struct {
		err    error
		status int
	}{
		{errors.NewValidationError("bad input"), http.StatusBadRequest},
		{errors.NewNotFoundError("user"), http.StatusNotFound},
		{errors.NewRateLimitError("throttled", time.Now().Add(time.Minute)), http.StatusTooManyRequests},
		{errors.NewCircuitOpenError("graph-api", "OPEN"), http.StatusServiceUnavailable},
		{errors.NewConnectionError("refused"), http.StatusServiceUnavailable},
		{errors.NewTimeoutError("graph-api"), http.StatusGatewayTimeout},
		{errors.NewExternalError("graph", "upstream broke"), http.StatusBadGateway},
		{errors.NewInternalError("oops"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		w := httptest.NewRecorder()
		c, _ := gin.CreateTestContext(w)
		respondError(c, tt.err)
		assert.Equal(t, tt.status, w.Code, "error: %v", tt.err)
	}
}

func TestRespondError_RateLimitCarriesRetryAfter(t *testing.T) {
	gin.SetMode(gin.TestMode)

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	respondError(c, errors.NewRateLimitError("throttled", time.Now().Add(2*time.Minute)))

	require.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
}

func TestParsePriority(t *testing.T) {
	assert.Equal(t, queue.PriorityHigh, parsePriority("high"))
	assert.Equal(t, queue.PriorityLow, parsePriority("low"))
	assert.Equal(t, queue.PriorityNormal, parsePriority("normal"))
	assert.Equal(t, queue.PriorityNormal, parsePriority(""))
}

func TestRouter_HealthAndAdmin(t *testing.T) {
	a := newTestApp(t)
	router := a.NewRouter()

	// Disable backend I/O so the admin snapshot is deterministic
	a.Manager.ActivateRateLimit(time.Now().Add(time.Hour), "test")

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health/live", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/admin/resilience", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "rate_limited_until")
}

func TestRouter_MessageValidation(t *testing.T) {
	a := newTestApp(t)
	router := a.NewRouter()

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/messages", strings.NewReader(`{"text":"hi"}`))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestMetricsWiring_GraphOutcomesAndCooldowns(t *testing.T) {
	m := metrics.NewMetrics(&metrics.Config{Namespace: "wiring_test", Enabled: true})
	a := New(testConfig(), logging.GetLogger(), m)
	t.Cleanup(a.Manager.Close)

	a.GraphBackoff.ForceBackoff(time.Minute, "quota")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CooldownsTotal.WithLabelValues("graph", "quota")))

	start := time.Now()
	a.recordGraphOutcome("send_message", start, nil)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BreakerCalls.WithLabelValues("graph-api", "success")))

	a.recordGraphOutcome("send_message", start,
		errors.NewRateLimitError("throttled", time.Now().Add(time.Minute)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BreakerCalls.WithLabelValues("graph-api", "failure")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RateLimitEvents.WithLabelValues("graph")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ErrorsTotal.WithLabelValues("graph", string(errors.ErrorTypeRateLimit))))

	a.recordGraphOutcome("send_message", start, errors.NewCircuitOpenError("graph-api", "OPEN"))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BreakerCalls.WithLabelValues("graph-api", "rejected")))
}

func TestHandleSendMessageJob_RetriesTransientFailure(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write([]byte(`{"error":{"message":"transient failure","code":2}}`))
			return
		}
		_, _ = w.Write([]byte(`{"recipient_id":"123","message_id":"m1"}`))
	}))
	defer server.Close()

	cfg := testConfig()
	cfg.Graph.BaseURL = server.URL
	m := metrics.NewMetrics(&metrics.Config{Enabled: false})
	a := New(cfg, logging.GetLogger(), m)
	t.Cleanup(a.Manager.Close)

	job, err := queue.NewJob(queue.JobTypeSendMessage, sendMessagePayload{
		RecipientID: "123",
		Text:        "hi",
	}, queue.PriorityNormal, 3)
	require.NoError(t, err)

	require.NoError(t, a.handleSendMessageJob(context.Background(), job))
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestHandleSendMessageJob_ThrottleNotRetriedInJob(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.Header().Set("Retry-After", "60")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"message":"throttled","code":4}}`))
	}))
	defer server.Close()

	cfg := testConfig()
	cfg.Graph.BaseURL = server.URL
	m := metrics.NewMetrics(&metrics.Config{Enabled: false})
	a := New(cfg, logging.GetLogger(), m)
	t.Cleanup(a.Manager.Close)

	job, err := queue.NewJob(queue.JobTypeSendMessage, sendMessagePayload{
		RecipientID: "123",
		Text:        "hi",
	}, queue.PriorityNormal, 3)
	require.NoError(t, err)

	// A throttle pauses the worker instead of sleeping inside the job
	err = a.handleSendMessageJob(context.Background(), job)
	require.Error(t, err)
	assert.True(t, errors.IsRateLimited(err))
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestRouter_EnqueueWhileRateLimited(t *testing.T) {
	a := newTestApp(t)
	router := a.NewRouter()

	a.Manager.ActivateRateLimit(time.Now().Add(time.Hour), "quota exhausted")

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/messages",
		strings.NewReader(`{"recipient_id":"123","text":"hi"}`))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
}
