package models

import (
	"time"
)

// JobKindProcess is the only job kind the pipeline currently produces.
const JobKindProcess = "process_item"

// Job outcomes persisted in Postgres. A job leaves the active queue once it
// reaches a terminal outcome; the row is retained for a bounded window.
const (
	OutcomePending   = "pending"
	OutcomeSucceeded = "succeeded"
	OutcomeExhausted = "failed_exhausted"
)

// Job is the durable record of one queued unit of work. Delivery state
// (lease, stall count) lives in Redis; this row carries attempts, backoff
// scheduling, and the terminal outcome for observability.
type Job struct {
	ID          string    `json:"id"`
	ItemID      string    `json:"item_id"`
	Kind        string    `json:"kind"`
	Attempts    int       `json:"attempts"`
	MaxAttempts int       `json:"max_attempts"`
	Outcome     string    `json:"outcome"`
	NextRunAt   time.Time `json:"next_run_at"`
	LastError   *string   `json:"last_error,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}
