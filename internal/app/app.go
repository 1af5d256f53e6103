package app

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/chatcart/chatcart/internal/cache"
	"github.com/chatcart/chatcart/internal/graph"
	"github.com/chatcart/chatcart/internal/queue"
	"github.com/chatcart/chatcart/internal/redisconn"
	"github.com/chatcart/chatcart/pkg/config"
	"github.com/chatcart/chatcart/pkg/errors"
	"github.com/chatcart/chatcart/pkg/health"
	"github.com/chatcart/chatcart/pkg/logging"
	"github.com/chatcart/chatcart/pkg/metrics"
	"github.com/chatcart/chatcart/pkg/resilience"
)

// App wires the resilience core together: one backoff controller per
// protected resource, a circuit breaker in front of the Graph API, the
// connection manager, and the components built on top of them. It is the
// single place components are constructed, so nothing reaches for globals.
type App struct {
	cfg     *config.Config
	logger  *logging.Logger
	metrics *metrics.Metrics

	GraphBackoff *resilience.BackoffController
	RedisBackoff *resilience.BackoffController
	GraphBreaker *resilience.CircuitBreaker
	Retrier      *resilience.Retrier

	Manager *redisconn.Manager
	Graph   *graph.Client
	Cache   *cache.Service
	Queue   *queue.Queue
	Worker  *queue.Worker
	Health  *health.Service

	server *http.Server
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New constructs the application from configuration
func New(cfg *config.Config, logger *logging.Logger, m *metrics.Metrics) *App {
	a := &App{
		cfg:     cfg,
		logger:  logger,
		metrics: m,
		stopCh:  make(chan struct{}),
	}

	backoffCfg := resilience.BackoffConfig{
		Base:              cfg.Resilience.BackoffBase,
		Max:               cfg.Resilience.BackoffMax,
		MaxJitter:         cfg.Resilience.BackoffMaxJitter,
		ReduceThreshold:   cfg.Resilience.BackoffReduceThreshold,
		CriticalThreshold: cfg.Resilience.BackoffCriticalThreshold,
	}

	graphBackoffCfg := backoffCfg
	graphBackoffCfg.OnCooldown = func(reason string, duration time.Duration) {
		m.RecordCooldown("graph", reason)
	}
	a.GraphBackoff = resilience.NewBackoffController(graphBackoffCfg)

	redisBackoffCfg := backoffCfg
	redisBackoffCfg.OnCooldown = func(reason string, duration time.Duration) {
		m.RecordCooldown("redis", reason)
	}
	a.RedisBackoff = resilience.NewBackoffController(redisBackoffCfg)

	a.GraphBreaker = resilience.NewCircuitBreaker(resilience.BreakerConfig{
		Name:             "graph-api",
		FailureThreshold: cfg.Resilience.BreakerFailureThreshold,
		RecoveryTimeout:  cfg.Resilience.BreakerRecoveryTimeout,
		CallTimeout:      cfg.Resilience.BreakerCallTimeout,
		HalfOpenMaxCalls: cfg.Resilience.BreakerHalfOpenMaxCalls,
		OnStateChange: func(name string, from, to resilience.CircuitState) {
			m.SetBreakerState(name, int(to))
		},
	})

	a.Retrier = resilience.NewRetrier(resilience.RetryConfig{
		MaxAttempts:       2,
		InitialDelay:      500 * time.Millisecond,
		MaxDelay:          5 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            true,
		// Throttles pause the whole worker instead of sleeping inside a job
		RetryableErrors: func(err error) bool {
			return !errors.IsRateLimited(err) && resilience.DefaultRetryableErrors(err)
		},
	})

	a.Manager = redisconn.NewManager(&cfg.Redis, cfg.Resilience, a.RedisBackoff)
	a.Graph = graph.NewClient(cfg.Graph, a.GraphBreaker, a.GraphBackoff)
	a.Cache = cache.NewService(a.Manager, 10*time.Minute)
	a.Queue = queue.NewQueue(a.Manager, cfg.Queue.Name)

	a.Worker = queue.NewWorker(a.Queue, queue.WorkerConfig{
		Concurrency:  cfg.Queue.Concurrency,
		PollInterval: cfg.Queue.PollInterval,
	})
	a.Worker.RegisterHandler(queue.JobTypeSendMessage, a.handleSendMessageJob)
	a.Worker.RegisterHandler(queue.JobTypeSyncCatalog, a.handleSyncCatalogJob)

	a.Health = health.NewService(logger, nil)
	a.Health.RegisterChecker("redis_connections", health.NewConnectionChecker(a.Manager, "redis_connections"))
	a.Health.RegisterChecker("graph_breaker", health.NewBreakerChecker(a.GraphBreaker, "graph_breaker"))
	a.Health.RegisterChecker("graph_backoff", health.NewBackoffChecker(a.GraphBackoff, "graph_backoff"))

	return a
}

// Start launches the background loops and the HTTP server
func (a *App) Start(ctx context.Context) error {
	a.Manager.StartHealthLoop()
	a.Worker.Start(ctx)

	a.wg.Add(1)
	go a.syncGauges()

	a.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", a.cfg.Server.Host, a.cfg.Server.Port),
		Handler:      a.NewRouter(),
		ReadTimeout:  a.cfg.Server.ReadTimeout,
		WriteTimeout: a.cfg.Server.WriteTimeout,
		IdleTimeout:  a.cfg.Server.IdleTimeout,
	}

	a.logger.Info("Starting API server", "addr", a.server.Addr)
	if err := a.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown stops the server, the worker, and the connection manager
func (a *App) Shutdown(ctx context.Context) error {
	var err error
	if a.server != nil {
		err = a.server.Shutdown(ctx)
	}

	a.Worker.Stop()
	close(a.stopCh)
	a.wg.Wait()
	a.Manager.Close()

	a.logger.Info("Application shut down")
	return err
}

// syncGauges periodically publishes component state to Prometheus
func (a *App) syncGauges() {
	defer a.wg.Done()

	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-a.stopCh:
			return
		case <-ticker.C:
			a.publishGauges()
		}
	}
}

func (a *App) publishGauges() {
	a.metrics.SetBreakerState(a.GraphBreaker.Name(), int(a.GraphBreaker.State()))
	a.metrics.SetBackoffActive("graph", a.GraphBackoff.ShouldBackOff().Active)
	a.metrics.SetBackoffActive("redis", a.RedisBackoff.ShouldBackOff().Active)

	for purpose, info := range a.Manager.AllConnectionInfo() {
		a.metrics.UpdateConnection(string(purpose), info.HealthScore, info.Status == redisconn.StatusConnected)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if size, err := a.Queue.Len(ctx); err == nil {
		a.metrics.UpdateQueueSize(a.cfg.Queue.Name, size)
	}
}

// sendMessagePayload is the payload of a send_message job
type sendMessagePayload struct {
	RecipientID string `json:"recipient_id"`
	Text        string `json:"text"`
}

func (a *App) handleSendMessageJob(ctx context.Context, job *queue.Job) error {
	var payload sendMessagePayload
	if err := job.DecodePayload(&payload); err != nil {
		return err
	}

	start := time.Now()
	err := a.Retrier.Execute(ctx, func(ctx context.Context) error {
		_, sendErr := a.Graph.SendMessage(ctx, payload.RecipientID, payload.Text)
		return sendErr
	})
	a.recordGraphOutcome("send_message", start, err)

	status := "success"
	if err != nil {
		status = "error"
	}
	a.metrics.RecordJob(a.cfg.Queue.Name, status)
	return err
}

// recordGraphOutcome publishes the metrics for one Graph API call: request
// duration, the breaker outcome, and any throttle or error classification.
func (a *App) recordGraphOutcome(operation string, start time.Time, err error) {
	status := "success"
	outcome := "success"
	if err != nil {
		status = "error"
		outcome = "failure"
		if resilience.IsCircuitOpenError(err) {
			outcome = "rejected"
		}
		if errors.IsRateLimited(err) {
			a.metrics.RecordRateLimitEvent("graph")
		}
		a.metrics.RecordError("graph", string(errors.GetType(err)))
	}

	a.metrics.RecordGraphRequest(operation, status, time.Since(start))
	a.metrics.RecordBreakerCall(a.GraphBreaker.Name(), outcome)
}

// catalogItem is one product entry in a sync_catalog job
type catalogItem struct {
	ID    string  `json:"id"`
	Title string  `json:"title"`
	Price float64 `json:"price"`
}

// syncCatalogPayload is the payload of a sync_catalog job
type syncCatalogPayload struct {
	Items []catalogItem `json:"items"`
}

func (a *App) handleSyncCatalogJob(ctx context.Context, job *queue.Job) error {
	var payload syncCatalogPayload
	if err := job.DecodePayload(&payload); err != nil {
		return err
	}

	for _, item := range payload.Items {
		if err := a.Cache.SetJSON(ctx, "catalog:"+item.ID, item, time.Hour); err != nil {
			return err
		}
	}
	a.metrics.RecordJob(a.cfg.Queue.Name, "success")
	return nil
}
