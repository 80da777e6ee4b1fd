package models

import (
	"encoding/json"
	"time"
)

// Job states tracked in the queue store.
const (
	JobWaiting   = "waiting"
	JobActive    = "active"
	JobCompleted = "completed"
	JobFailed    = "failed"
	JobDelayed   = "delayed"
)

// Backoff strategies.
const (
	BackoffFixed       = "fixed"
	BackoffExponential = "exponential"
)

// Backoff describes the retry delay policy for a job.
type Backoff struct {
	Type  string        `json:"type"`
	Delay time.Duration `json:"delay"`
	Cap   time.Duration `json:"cap,omitempty"`
}

// DelayFor returns the wait before the given retry attempt (1-based).
func (b Backoff) DelayFor(attempt int) time.Duration {
	if b.Type != BackoffExponential || attempt <= 1 {
		return b.Delay
	}
	d := b.Delay
	for i := 1; i < attempt; i++ {
		d *= 2
		if b.Cap > 0 && d >= b.Cap {
			return b.Cap
		}
	}
	return d
}

// Job is the transient orchestration record owned by exactly one queue.
// The durable relational rows, not the job, are the source of truth for
// user-visible state.
type Job struct {
	ID           string          `json:"id"`
	Queue        string          `json:"queue"`
	Payload      json.RawMessage `json:"payload"`
	State        string          `json:"state"`
	AttemptsMade int             `json:"attempts_made"`
	MaxAttempts  int             `json:"max_attempts"`
	Backoff      Backoff         `json:"backoff"`
	Priority     int             `json:"priority"`
	Result       json.RawMessage `json:"result,omitempty"`
	Error        string          `json:"error,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	ProcessedAt  *time.Time      `json:"processed_at,omitempty"`
	FinishedAt   *time.Time      `json:"finished_at,omitempty"`

	// FinalAttempt is set by the worker before invoking a handler so the
	// handler knows whether a failure will be retried or is terminal.
	FinalAttempt bool `json:"-"`
}

// Terminal reports whether the job has reached a final state.
func (j *Job) Terminal() bool {
	return j.State == JobCompleted || j.State == JobFailed
}

// JobCounts is the per-queue state breakdown.
type JobCounts struct {
	Waiting   int64 `json:"waiting"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Delayed   int64 `json:"delayed"`
}

// QueueStatus is one row of the registry snapshot.
type QueueStatus struct {
	Name   string `json:"name"`
	Paused bool   `json:"paused"`
	JobCounts
}
