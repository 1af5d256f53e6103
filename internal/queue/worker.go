package queue

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chatcart/chatcart/internal/redisconn"
	"github.com/chatcart/chatcart/pkg/errors"
	"github.com/chatcart/chatcart/pkg/logging"
)

// HandlerFunc processes one job
type HandlerFunc func(ctx context.Context, job *Job) error

// WorkerConfig controls the polling workers
type WorkerConfig struct {
	Concurrency  int
	PollInterval time.Duration
}

// WorkerStats is a snapshot of worker activity
type WorkerStats struct {
	Processed   uint64    `json:"processed"`
	Failed      uint64    `json:"failed"`
	Paused      bool      `json:"paused"`
	PausedUntil time.Time `json:"paused_until,omitempty"`
}

// Worker polls the queue and dispatches jobs to registered handlers. When
// the backend or a handler reports rate limiting, every poller pauses until
// the reset time; an owned timer resumes them when the window elapses.
type Worker struct {
	queue    *Queue
	handlers map[JobType]HandlerFunc
	cfg      WorkerConfig
	logger   *logging.Logger

	mu          sync.Mutex
	running     bool
	paused      bool
	pausedUntil time.Time
	resumeTimer *time.Timer

	stopCh chan struct{}
	wg     sync.WaitGroup

	processed uint64
	failed    uint64
}

// NewWorker creates a worker for the queue
func NewWorker(queue *Queue, cfg WorkerConfig) *Worker {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}

	return &Worker{
		queue:    queue,
		handlers: make(map[JobType]HandlerFunc),
		cfg:      cfg,
		logger:   logging.GetLogger(),
		stopCh:   make(chan struct{}),
	}
}

// RegisterHandler binds a handler to a job type. Must be called before Start.
func (w *Worker) RegisterHandler(jobType JobType, handler HandlerFunc) {
	w.handlers[jobType] = handler
}

// Start launches the polling goroutines
func (w *Worker) Start(ctx context.Context) {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return
	}
	w.running = true
	w.mu.Unlock()

	for i := 0; i < w.cfg.Concurrency; i++ {
		w.wg.Add(1)
		go w.poll(ctx)
	}
	w.logger.Info("Queue worker started",
		"queue", w.queue.name, "concurrency", w.cfg.Concurrency)
}

// Stop halts polling, cancels any pending resume timer, and waits for
// in-flight jobs to finish.
func (w *Worker) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	if w.resumeTimer != nil {
		w.resumeTimer.Stop()
		w.resumeTimer = nil
	}
	w.mu.Unlock()

	close(w.stopCh)
	w.wg.Wait()
	w.logger.Info("Queue worker stopped", "queue", w.queue.name)
}

// Pause suspends polling until the given time. Extending an active pause to
// a later time replaces the resume timer; earlier times are ignored.
func (w *Worker) Pause(until time.Time) {
	now := time.Now()
	if !until.After(now) {
		return
	}

	w.mu.Lock()
	if w.paused && !until.After(w.pausedUntil) {
		w.mu.Unlock()
		return
	}
	w.paused = true
	w.pausedUntil = until
	if w.resumeTimer != nil {
		w.resumeTimer.Stop()
	}
	w.resumeTimer = time.AfterFunc(until.Sub(now), w.Resume)
	w.mu.Unlock()

	w.logger.Warn("Queue worker paused",
		"queue", w.queue.name, "until", until.Format(time.RFC3339))
}

// Resume lifts a pause immediately
func (w *Worker) Resume() {
	w.mu.Lock()
	if !w.paused {
		w.mu.Unlock()
		return
	}
	w.paused = false
	w.pausedUntil = time.Time{}
	if w.resumeTimer != nil {
		w.resumeTimer.Stop()
		w.resumeTimer = nil
	}
	w.mu.Unlock()

	w.logger.Info("Queue worker resumed", "queue", w.queue.name)
}

// IsPaused reports whether polling is suspended and until when
func (w *Worker) IsPaused() (bool, time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.paused, w.pausedUntil
}

// Stats returns a snapshot of worker activity
func (w *Worker) Stats() WorkerStats {
	paused, until := w.IsPaused()
	return WorkerStats{
		Processed:   atomic.LoadUint64(&w.processed),
		Failed:      atomic.LoadUint64(&w.failed),
		Paused:      paused,
		PausedUntil: until,
	}
}

func (w *Worker) poll(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if paused, _ := w.IsPaused(); paused {
				continue
			}
			w.tick(ctx)
		}
	}
}

// tick dequeues and processes at most one job
func (w *Worker) tick(ctx context.Context) {
	job, err := w.queue.Dequeue(ctx)
	if err != nil {
		if errors.IsRateLimited(err) {
			w.pauseForError(err)
			return
		}
		w.logger.Error("Dequeue failed", "queue", w.queue.name, "error", err.Error())
		return
	}
	if job == nil {
		return
	}

	w.process(ctx, job)
}

func (w *Worker) process(ctx context.Context, job *Job) {
	handler, ok := w.handlers[job.Type]
	if !ok {
		atomic.AddUint64(&w.failed, 1)
		w.fail(ctx, job, errors.NewValidationError("no handler registered for job type "+string(job.Type)))
		return
	}

	if err := handler(ctx, job); err != nil {
		atomic.AddUint64(&w.failed, 1)
		if errors.IsRateLimited(err) {
			w.pauseForError(err)
		}
		w.fail(ctx, job, err)
		return
	}

	atomic.AddUint64(&w.processed, 1)
	w.queue.Complete(ctx, job)
}

func (w *Worker) fail(ctx context.Context, job *Job, cause error) {
	if err := w.queue.Fail(ctx, job, cause); err != nil {
		w.logger.Error("Failed to requeue job",
			"queue", w.queue.name, "job_id", job.ID, "error", err.Error())
	}
}

// pauseForError pauses until the error's reset time, falling back to the
// next top of the hour when the error does not carry one.
func (w *Worker) pauseForError(err error) {
	resetAt, ok := errors.GetResetAt(err)
	if !ok {
		resetAt = redisconn.NextHourReset(time.Now())
	}
	w.Pause(resetAt)
}
