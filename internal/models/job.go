package models

import (
	"time"
)

// Job lifecycle states persisted in Postgres.
const (
	StatusWaiting   = "waiting"
	StatusActive    = "active"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	// StatusStalled is only ever reported as an outcome; the row itself goes back to waiting.
	StatusStalled = "stalled"
)

// Named queues, one per job family.
const (
	QueuePushArticle   = "push-article"
	QueuePushAds       = "push-ads"
	QueueInsertContent = "insert-content"
	QueueEmail         = "email"
)

// Job names dispatched by the worker.
const (
	JobPushArticle   = "PUSH_ARTICLE"
	JobPushAds       = "PUSH_ADS"
	JobInsertContent = "INSERT_CONTENT"
	JobEmail         = "EMAIL"
)

// Queues lists every named queue the worker consumes.
var Queues = []string{QueuePushArticle, QueuePushAds, QueueInsertContent, QueueEmail}

// Job represents a unit of asynchronous work persisted in Postgres.
// The queue itself only carries the id.
type Job struct {
	ID          string         `json:"id"`
	Queue       string         `json:"queue"`
	Name        string         `json:"name"`
	Payload     map[string]any `json:"payload"`
	Status      string         `json:"status"`
	Attempts    int            `json:"attempts"`
	MaxAttempts int            `json:"max_attempts"`
	NextRunAt   time.Time      `json:"next_run_at"`
	LastError   *string        `json:"last_error,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// AuditLog is a simple audit event row.
type AuditLog struct {
	JobID    string    `json:"job_id"`
	Event    string    `json:"event"`
	Detail   string    `json:"detail"`
	Recorded time.Time `json:"recorded_at"`
}

// JobOutcome is emitted by the worker on every state transition.
type JobOutcome struct {
	JobID    string
	Queue    string
	Name     string
	State    string
	Attempts int
	Err      error
}
