package models

import (
	"time"
)

// Job lifecycle states persisted in Postgres.
const (
	StatusWaiting    = "waiting"
	StatusQueued     = "queued"
	StatusInProgress = "in_progress"
	StatusSucceeded  = "succeeded"
	StatusCancelled  = "cancelled"
	StatusDeadLetter = "dead_lettered"
)

// Job types understood by the worker.
const (
	JobTypePreview = "photo:preview"
	JobTypeArchive = "batch:archive"
)

// Job represents a queued unit of work persisted in Postgres. Redis only carries its ID.
type Job struct {
	ID          string         `json:"id"`
	Type        string         `json:"type"`
	Priority    string         `json:"priority"`
	Payload     map[string]any `json:"payload"`
	Status      string         `json:"status"`
	Attempts    int            `json:"attempts"`
	MaxAttempts int            `json:"max_attempts"`
	NextRunAt   time.Time      `json:"next_run_at"`
	LastError   *string        `json:"last_error,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// PayloadString returns a string payload field, or "" when absent.
func (j Job) PayloadString(key string) string {
	v, _ := j.Payload[key].(string)
	return v
}

// AuditLog is a simple audit event row.
type AuditLog struct {
	JobID    string    `json:"job_id"`
	Event    string    `json:"event"`
	Detail   string    `json:"detail"`
	Recorded time.Time `json:"recorded_at"`
}
