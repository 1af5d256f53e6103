package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/chatcart/chatcart/internal/redisconn"
	"github.com/chatcart/chatcart/pkg/errors"
	"github.com/chatcart/chatcart/pkg/logging"
)

// dequeueOrder is highest priority first
var dequeueOrder = []Priority{PriorityHigh, PriorityNormal, PriorityLow}

// Ops is the slice of the connection manager the queue needs
type Ops interface {
	SafeOperation(ctx context.Context, purpose redisconn.Purpose, fn func(ctx context.Context, conn redisconn.Conn) (interface{}, error)) redisconn.Outcome
}

// Queue is a Redis-backed priority job queue. Every operation goes through
// SafeOperation, so a rate-limited backend surfaces as a typed rate_limit
// error instead of raw I/O failures.
type Queue struct {
	ops    Ops
	name   string
	logger *logging.Logger
}

// NewQueue creates a queue on the given connection manager
func NewQueue(ops Ops, name string) *Queue {
	if name == "" {
		name = "default"
	}
	return &Queue{
		ops:    ops,
		name:   name,
		logger: logging.GetLogger(),
	}
}

func (q *Queue) key(priority Priority) string {
	return fmt.Sprintf("queue:%s:p%d", q.name, priority)
}

// Enqueue pushes a job onto its priority list
func (q *Queue) Enqueue(ctx context.Context, job *Job) error {
	if job == nil {
		return errors.NewValidationError("job is required")
	}

	data, err := json.Marshal(job)
	if err != nil {
		return errors.NewInternalError("failed to encode job").WithCause(err)
	}

	out := q.ops.SafeOperation(ctx, redisconn.PurposeQueue, func(ctx context.Context, conn redisconn.Conn) (interface{}, error) {
		return nil, conn.LPush(ctx, q.key(job.Priority), data)
	})
	if !out.OK {
		return out.Err
	}

	q.logger.Debug("Job enqueued", "job_id", job.ID, "type", string(job.Type), "priority", int(job.Priority))
	return nil
}

// Dequeue pops the highest-priority pending job. Returns (nil, nil) when
// every list is empty.
func (q *Queue) Dequeue(ctx context.Context) (*Job, error) {
	for _, priority := range dequeueOrder {
		key := q.key(priority)

		out := q.ops.SafeOperation(ctx, redisconn.PurposeQueue, func(ctx context.Context, conn redisconn.Conn) (interface{}, error) {
			raw, err := conn.RPop(ctx, key)
			if err != nil {
				if errors.IsNotFound(err) {
					return nil, nil
				}
				return nil, err
			}
			return raw, nil
		})
		if !out.OK {
			return nil, out.Err
		}
		if out.Result == nil {
			continue
		}

		var job Job
		if err := json.Unmarshal([]byte(out.Result.(string)), &job); err != nil {
			q.logger.Error("Dropping undecodable job", "queue", q.name, "error", err.Error())
			continue
		}

		job.Status = JobStatusProcessing
		job.Attempts++
		return &job, nil
	}
	return nil, nil
}

// Complete marks a job finished. Jobs are not persisted after completion.
func (q *Queue) Complete(ctx context.Context, job *Job) {
	job.Status = JobStatusCompleted
	q.logger.Debug("Job completed", "job_id", job.ID, "type", string(job.Type), "attempts", job.Attempts)
}

// Fail records a failed attempt, re-enqueueing the job until its attempt
// budget is spent.
func (q *Queue) Fail(ctx context.Context, job *Job, cause error) error {
	job.LastError = cause.Error()

	if job.Attempts >= job.MaxAttempts {
		job.Status = JobStatusFailed
		q.logger.Error("Job exhausted its attempts",
			"job_id", job.ID, "type", string(job.Type), "attempts", job.Attempts, "error", cause.Error())
		return nil
	}

	job.Status = JobStatusPending
	return q.Enqueue(ctx, job)
}

// Len reports the total number of pending jobs across priorities
func (q *Queue) Len(ctx context.Context) (int64, error) {
	var total int64
	for _, priority := range dequeueOrder {
		key := q.key(priority)
		out := q.ops.SafeOperation(ctx, redisconn.PurposeQueue, func(ctx context.Context, conn redisconn.Conn) (interface{}, error) {
			return conn.LLen(ctx, key)
		})
		if !out.OK {
			return 0, out.Err
		}
		total += out.Result.(int64)
	}
	return total, nil
}
