package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight *prometheus.GaugeVec

	// Resilience metrics
	BreakerState    *prometheus.GaugeVec
	BreakerCalls    *prometheus.CounterVec
	BackoffActive   *prometheus.GaugeVec
	CooldownsTotal  *prometheus.CounterVec
	RateLimitEvents *prometheus.CounterVec

	// Connection metrics
	ConnectionHealth *prometheus.GaugeVec
	ConnectionsUp    *prometheus.GaugeVec

	// Queue metrics
	QueueSize     *prometheus.GaugeVec
	JobsProcessed *prometheus.CounterVec

	// Upstream metrics
	GraphRequestDuration *prometheus.HistogramVec

	// Cache metrics
	CacheOperations *prometheus.CounterVec

	// Error metrics
	ErrorsTotal *prometheus.CounterVec
}

// Config holds metrics configuration
type Config struct {
	Namespace string `json:"namespace"`
	Subsystem string `json:"subsystem"`
	Enabled   bool   `json:"enabled"`
}

// DefaultConfig returns default metrics configuration
func DefaultConfig() *Config {
	return &Config{
		Namespace: "chatcart",
		Subsystem: "",
		Enabled:   true,
	}
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(config *Config) *Metrics {
	if config == nil {
		config = DefaultConfig()
	}

	if !config.Enabled {
		return &Metrics{}
	}

	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "path", "status_code"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path", "status_code"},
		),
		HTTPRequestsInFlight: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "http_requests_in_flight",
				Help:      "Number of HTTP requests currently being processed",
			},
			[]string{"method", "path"},
		),

		BreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "circuit_breaker_state",
				Help:      "Circuit breaker state (0=closed, 1=open, 2=half_open)",
			},
			[]string{"breaker"},
		),
		BreakerCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "circuit_breaker_calls_total",
				Help:      "Total calls routed through a circuit breaker",
			},
			[]string{"breaker", "outcome"},
		),
		BackoffActive: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "backoff_active",
				Help:      "Whether a backoff cooldown is active (0 or 1)",
			},
			[]string{"controller"},
		),
		CooldownsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "backoff_cooldowns_total",
				Help:      "Total backoff cooldowns activated",
			},
			[]string{"controller", "reason"},
		),
		RateLimitEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "rate_limit_events_total",
				Help:      "Total rate limit windows activated",
			},
			[]string{"source"},
		),

		ConnectionHealth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "connection_health_score",
				Help:      "Connection health score (0-100)",
			},
			[]string{"purpose"},
		),
		ConnectionsUp: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "connections_up",
				Help:      "Whether the connection for a purpose is connected (0 or 1)",
			},
			[]string{"purpose"},
		),

		QueueSize: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "queue_size",
				Help:      "Number of pending jobs in queue",
			},
			[]string{"queue"},
		),
		JobsProcessed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "jobs_processed_total",
				Help:      "Total jobs processed by the queue worker",
			},
			[]string{"queue", "status"},
		),

		GraphRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "graph_request_duration_seconds",
				Help:      "Graph API request duration in seconds",
				Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
			},
			[]string{"operation", "status"},
		),

		CacheOperations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "cache_operations_total",
				Help:      "Total cache operations by outcome",
			},
			[]string{"outcome"},
		),

		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "errors_total",
				Help:      "Total number of errors",
			},
			[]string{"component", "error_type"},
		),
	}

	prometheus.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestsInFlight,
		m.BreakerState,
		m.BreakerCalls,
		m.BackoffActive,
		m.CooldownsTotal,
		m.RateLimitEvents,
		m.ConnectionHealth,
		m.ConnectionsUp,
		m.QueueSize,
		m.JobsProcessed,
		m.GraphRequestDuration,
		m.CacheOperations,
		m.ErrorsTotal,
	)

	return m
}

// RecordHTTPRequest records HTTP request metrics
func (m *Metrics) RecordHTTPRequest(method, path string, statusCode int, duration time.Duration) {
	if m.HTTPRequestsTotal == nil {
		return
	}

	statusStr := strconv.Itoa(statusCode)
	m.HTTPRequestsTotal.WithLabelValues(method, path, statusStr).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path, statusStr).Observe(duration.Seconds())
}

// SetBreakerState updates the state gauge for a breaker
func (m *Metrics) SetBreakerState(breaker string, state int) {
	if m.BreakerState == nil {
		return
	}

	m.BreakerState.WithLabelValues(breaker).Set(float64(state))
}

// RecordBreakerCall records one call outcome for a breaker
func (m *Metrics) RecordBreakerCall(breaker, outcome string) {
	if m.BreakerCalls == nil {
		return
	}

	m.BreakerCalls.WithLabelValues(breaker, outcome).Inc()
}

// SetBackoffActive updates the cooldown gauge for a controller
func (m *Metrics) SetBackoffActive(controller string, active bool) {
	if m.BackoffActive == nil {
		return
	}

	value := 0.0
	if active {
		value = 1.0
	}
	m.BackoffActive.WithLabelValues(controller).Set(value)
}

// RecordCooldown records a cooldown activation
func (m *Metrics) RecordCooldown(controller, reason string) {
	if m.CooldownsTotal == nil {
		return
	}

	m.CooldownsTotal.WithLabelValues(controller, reason).Inc()
}

// RecordRateLimitEvent records a rate limit window activation
func (m *Metrics) RecordRateLimitEvent(source string) {
	if m.RateLimitEvents == nil {
		return
	}

	m.RateLimitEvents.WithLabelValues(source).Inc()
}

// UpdateConnection updates the health and liveness gauges for a purpose
func (m *Metrics) UpdateConnection(purpose string, healthScore int, connected bool) {
	if m.ConnectionHealth == nil {
		return
	}

	m.ConnectionHealth.WithLabelValues(purpose).Set(float64(healthScore))
	up := 0.0
	if connected {
		up = 1.0
	}
	m.ConnectionsUp.WithLabelValues(purpose).Set(up)
}

// UpdateQueueSize updates the pending-job gauge
func (m *Metrics) UpdateQueueSize(queue string, size int64) {
	if m.QueueSize == nil {
		return
	}

	m.QueueSize.WithLabelValues(queue).Set(float64(size))
}

// RecordJob records one processed job
func (m *Metrics) RecordJob(queue, status string) {
	if m.JobsProcessed == nil {
		return
	}

	m.JobsProcessed.WithLabelValues(queue, status).Inc()
}

// RecordGraphRequest records a Graph API call
func (m *Metrics) RecordGraphRequest(operation, status string, duration time.Duration) {
	if m.GraphRequestDuration == nil {
		return
	}

	m.GraphRequestDuration.WithLabelValues(operation, status).Observe(duration.Seconds())
}

// RecordCacheOperation records a cache operation by outcome
func (m *Metrics) RecordCacheOperation(outcome string) {
	if m.CacheOperations == nil {
		return
	}

	m.CacheOperations.WithLabelValues(outcome).Inc()
}

// RecordError records error metrics
func (m *Metrics) RecordError(component, errorType string) {
	if m.ErrorsTotal == nil {
		return
	}

	m.ErrorsTotal.WithLabelValues(component, errorType).Inc()
}

// PrometheusMiddleware creates a middleware for Prometheus metrics collection
func (m *Metrics) PrometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if m.HTTPRequestsInFlight != nil {
			m.HTTPRequestsInFlight.WithLabelValues(c.Request.Method, c.FullPath()).Inc()
			defer m.HTTPRequestsInFlight.WithLabelValues(c.Request.Method, c.FullPath()).Dec()
		}

		start := time.Now()
		c.Next()
		duration := time.Since(start)

		m.RecordHTTPRequest(c.Request.Method, c.FullPath(), c.Writer.Status(), duration)
	}
}

// Handler returns the Prometheus metrics HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.Handler()
}
