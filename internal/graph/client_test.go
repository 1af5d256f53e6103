package graph

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatcart/chatcart/pkg/config"
	"github.com/chatcart/chatcart/pkg/errors"
	"github.com/chatcart/chatcart/pkg/resilience"
)

func newTestClient(serverURL string) (*Client, *resilience.CircuitBreaker, *resilience.BackoffController) {
	breaker := resilience.NewCircuitBreaker(resilience.BreakerConfig{
		Name:             "graph-api",
		FailureThreshold: 2,
		RecoveryTimeout:  time.Minute,
		CallTimeout:      time.Second,
	})
	backoff := resilience.NewBackoffController(resilience.BackoffConfig{
		Base:              50 * time.Millisecond,
		Max:               time.Second,
		MaxJitter:         1,
		ReduceThreshold:   75,
		CriticalThreshold: 90,
	})

	client := NewClient(config.GraphConfig{
		BaseURL:     serverURL,
		APIVersion:  "v19.0",
		AccessToken: "test-token",
		CallTimeout: time.Second,
	}, breaker, backoff)

	return client, breaker, backoff
}

func TestClient_SendMessage(t *testing.T) {
	var gotPath, gotToken string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotToken = r.URL.Query().Get("access_token")
		json.NewEncoder(w).Encode(map[string]string{
			"recipient_id": "123",
			"message_id":   "mid.456",
		})
	}))
	defer server.Close()

	client, _, _ := newTestClient(server.URL)

	result, err := client.SendMessage(context.Background(), "123", "hi there")
	require.NoError(t, err)
	assert.Equal(t, "mid.456", result.MessageID)
	assert.Equal(t, "/v19.0/me/messages", gotPath)
	assert.Equal(t, "test-token", gotToken)
}

func TestClient_SendMessageValidation(t *testing.T) {
	client, _, _ := newTestClient("http://unused")

	_, err := client.SendMessage(context.Background(), "", "text")
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))
}

func TestClient_UsageHeadersFeedBackoff(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-App-Usage", `{"call_count":95,"total_time":40,"total_cputime":30}`)
		json.NewEncoder(w).Encode(map[string]string{"recipient_id": "1", "message_id": "m"})
	}))
	defer server.Close()

	client, _, backoff := newTestClient(server.URL)

	_, err := client.SendMessage(context.Background(), "1", "hello")
	require.NoError(t, err)

	usage := backoff.CurrentUsage()
	assert.Equal(t, 95.0, usage.Dimensions["app_call_count"])

	state := backoff.ShouldBackOff()
	require.True(t, state.Active, "critical usage should activate a cooldown")
	assert.Contains(t, state.Reason, "critical_usage")
}

func TestClient_ThrottleResponseClassified(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "120")
		w.WriteHeader(http.StatusTooManyRequests)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"error": map[string]interface{}{
				"message":       "(#4) Application request limit reached",
				"code":          4,
				"error_subcode": 2207051,
			},
		})
	}))
	defer server.Close()

	client, _, backoff := newTestClient(server.URL)

	_, err := client.SendMessage(context.Background(), "1", "hello")
	require.Error(t, err)
	assert.True(t, errors.IsRateLimited(err))

	resetAt, ok := errors.GetResetAt(err)
	require.True(t, ok)
	assert.WithinDuration(t, time.Now().Add(2*time.Minute), resetAt, 5*time.Second)

	appErr := err.(*errors.AppError)
	assert.Equal(t, "4", appErr.Details["code"])

	assert.True(t, backoff.ShouldBackOff().Active)
}

func TestClient_GraphErrorPreservesMetadata(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"error": map[string]interface{}{
				"message":       "Invalid parameter",
				"code":          100,
				"error_subcode": 2018001,
				"fbtrace_id":    "AbCdEf",
			},
		})
	}))
	defer server.Close()

	client, _, _ := newTestClient(server.URL)

	_, err := client.GetUserProfile(context.Background(), "999")
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeExternal))

	appErr := err.(*errors.AppError)
	assert.Equal(t, "100", appErr.Details["code"])
	assert.Equal(t, "2018001", appErr.Details["subcode"])
	assert.Equal(t, "AbCdEf", appErr.Details["fbtrace_id"])
}

func TestClient_BackoffSuppressesCalls(t *testing.T) {
	var requests int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&requests, 1)
		json.NewEncoder(w).Encode(map[string]string{"recipient_id": "1", "message_id": "m"})
	}))
	defer server.Close()

	client, _, backoff := newTestClient(server.URL)
	backoff.ForceBackoff(time.Second, "test")

	_, err := client.SendMessage(context.Background(), "1", "hello")
	require.Error(t, err)
	assert.True(t, errors.IsRateLimited(err))
	assert.Equal(t, int32(0), atomic.LoadInt32(&requests), "no I/O while cooling down")
}

func TestClient_BreakerOpensOnRepeatedFailures(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	client, breaker, _ := newTestClient(server.URL)

	for i := 0; i < 2; i++ {
		_, err := client.GetUserProfile(context.Background(), "1")
		require.Error(t, err)
	}
	assert.Equal(t, resilience.StateOpen, breaker.State())

	_, err := client.GetUserProfile(context.Background(), "1")
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeCircuitOpen))
}
