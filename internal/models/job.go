package models

import (
	"time"
)

// JobStatus enumerates lifecycle states persisted in the jobs table.
type JobStatus string

const (
	JobPending   JobStatus = "PENDING"
	JobRunning   JobStatus = "RUNNING"
	JobSucceeded JobStatus = "SUCCEEDED"
	JobFailed    JobStatus = "FAILED"
)

// JobEventType names one transition recorded in the job_events audit trail.
type JobEventType string

const (
	EventEnqueued       JobEventType = "ENQUEUED"
	EventDeduped        JobEventType = "DEDUPED"
	EventStarted        JobEventType = "STARTED"
	EventSucceeded      JobEventType = "SUCCEEDED"
	EventFailed         JobEventType = "FAILED"
	EventRetryScheduled JobEventType = "RETRY_SCHEDULED"
)

// Job represents a unit of deferred work persisted in the jobs table.
type Job struct {
	ID           string         `json:"id"`
	Type         string         `json:"type"`
	Payload      map[string]any `json:"payload"`
	DedupeKey    *string        `json:"dedupe_key,omitempty"`
	Priority     int            `json:"priority"`
	Status       JobStatus      `json:"status"`
	Attempts     int            `json:"attempts"`
	MaxAttempts  int            `json:"max_attempts"`
	RunAt        time.Time      `json:"run_at"`
	RetryBackoff time.Duration  `json:"retry_backoff"`
	LockedAt     *time.Time     `json:"locked_at,omitempty"`
	LastError    *string        `json:"last_error,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	CompletedAt  *time.Time     `json:"completed_at,omitempty"`
}

// JobEvent is a single append-only audit row for a job.
type JobEvent struct {
	ID        string       `json:"id"`
	JobID     string       `json:"job_id"`
	Type      JobEventType `json:"type"`
	Detail    string       `json:"detail,omitempty"`
	CreatedAt time.Time    `json:"created_at"`
}
