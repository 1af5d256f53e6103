package queue

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/chatcart/chatcart/pkg/errors"
)

// JobType identifies the kind of work a job carries
type JobType string

const (
	JobTypeSendMessage JobType = "send_message"
	JobTypeSyncCatalog JobType = "sync_catalog"
)

// Priority determines dequeue order
type Priority int

const (
	PriorityLow    Priority = 1
	PriorityNormal Priority = 5
	PriorityHigh   Priority = 10
)

// JobStatus tracks a job through its lifecycle
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// Job is one unit of outbound work
type Job struct {
	ID          string          `json:"id"`
	Type        JobType         `json:"type"`
	Payload     json.RawMessage `json:"payload"`
	Priority    Priority        `json:"priority"`
	Status      JobStatus       `json:"status"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	CreatedAt   time.Time       `json:"created_at"`
	LastError   string          `json:"last_error,omitempty"`
}

// NewJob creates a job with a fresh ID and encoded payload
func NewJob(jobType JobType, payload interface{}, priority Priority, maxAttempts int) (*Job, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.NewValidationError("failed to encode job payload").WithCause(err)
	}
	if maxAttempts <= 0 {
		maxAttempts = 3
	}

	return &Job{
		ID:          uuid.New().String(),
		Type:        jobType,
		Payload:     data,
		Priority:    priority,
		Status:      JobStatusPending,
		MaxAttempts: maxAttempts,
		CreatedAt:   time.Now(),
	}, nil
}

// DecodePayload unmarshals the job payload into dest
func (j *Job) DecodePayload(dest interface{}) error {
	if err := json.Unmarshal(j.Payload, dest); err != nil {
		return errors.NewValidationError("failed to decode job payload").WithCause(err)
	}
	return nil
}
