// Package jobs holds the asynchronous work units behind the API: event
// processing runs off the request path, and the grace-period sweep runs on
// a schedule.
package jobs

import (
	"context"
	"time"
)

// JobType represents the type of job to be executed.
type JobType string

const (
	// JobTypeProcessEvent runs a stored raw event through the pipeline.
	JobTypeProcessEvent JobType = "process_event"
)

// JobStatus represents the current status of a job.
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusRetrying  JobStatus = "retrying"
)

// ProcessEventJob asks a worker to run one stored event through the
// pipeline. Processing is idempotent, so redelivery after a crash is safe.
type ProcessEventJob struct {
	JobID   string `json:"job_id"`
	EventID string `json:"event_id"`

	// ForcedKind carries an operator reclassification; empty for normal
	// processing.
	ForcedKind string `json:"forced_kind,omitempty"`

	Status      JobStatus  `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Error       string     `json:"error,omitempty"`

	RetryCount int `json:"retry_count"`
	MaxRetries int `json:"max_retries"`
}

// Publisher enqueues jobs.
type Publisher interface {
	PublishProcessEvent(ctx context.Context, job *ProcessEventJob) error
}

// Handler processes one job.
type Handler func(ctx context.Context, job *ProcessEventJob) error

// Consumer drains the queue with a handler.
type Consumer interface {
	Start(ctx context.Context, handler Handler) error
	Close() error
}

// JobStore persists job state for observability.
type JobStore interface {
	SaveJob(ctx context.Context, job *ProcessEventJob) error
	GetJob(ctx context.Context, jobID string) (*ProcessEventJob, error)
	UpdateJobStatus(ctx context.Context, jobID string, status JobStatus, errMsg string) error
	ListJobs(ctx context.Context, status JobStatus) ([]*ProcessEventJob, error)
}
