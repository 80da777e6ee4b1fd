// Package reconcile merges the ephemeral queue's view of a job with the
// durable relational row into one coherent status. The two stores drift by
// design: the row is updated incrementally during long runs (fresher
// counters), while only the queue knows whether a job is still active versus
// abandoned mid-crash. Merge is a pure function so the precedence rule lives
// in exactly one place.
package reconcile

import (
	"time"

	"reelforge/internal/models"
)

// Activity states of the merged view.
const (
	ActivityPending   = "pending"
	ActivityRunning   = "running"
	ActivityCompleted = "completed"
	ActivityFailed    = "failed"
)

// EntityView is the durable row's contribution: lifecycle fields and
// counters, which the row alone is authoritative for.
type EntityView struct {
	Kind            string     `json:"kind"`
	ID              string     `json:"id"`
	Status          string     `json:"status"`
	Progress        int        `json:"progress"`
	ProgressStage   string     `json:"progress_stage"`
	ProgressMessage string     `json:"progress_message"`
	LastActivityAt  *time.Time `json:"last_activity_at,omitempty"`
	Error           *string    `json:"error,omitempty"`
	Scanned         int        `json:"scanned,omitempty"`
	Found           int        `json:"found,omitempty"`
	Downloaded      int        `json:"downloaded,omitempty"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// JobView is the merged, user-facing job status.
type JobView struct {
	JobID        string     `json:"job_id,omitempty"`
	Queue        string     `json:"queue,omitempty"`
	Activity     string     `json:"activity"`
	AttemptsMade int        `json:"attempts_made,omitempty"`
	Entity       EntityView `json:"entity"`
	Error        string     `json:"error,omitempty"`
}

// Merge combines a live job (nil when the queue no longer holds it) with the
// durable row. Counters and lifecycle fields always come from the row;
// activity state prefers the live job when one exists.
func Merge(live *models.Job, row EntityView) JobView {
	view := JobView{Entity: row}

	if live != nil {
		view.JobID = live.ID
		view.Queue = live.Queue
		view.AttemptsMade = live.AttemptsMade
		view.Activity = activityFromJobState(live.State)
		if live.Error != "" {
			view.Error = live.Error
		}
	} else {
		view.Activity = activityFromEntityStatus(row.Status)
	}

	// The row's error message is the user-facing one when present.
	if row.Error != nil && *row.Error != "" {
		view.Error = *row.Error
	}
	return view
}

func activityFromJobState(state string) string {
	switch state {
	case models.JobWaiting, models.JobDelayed:
		return ActivityPending
	case models.JobActive:
		return ActivityRunning
	case models.JobCompleted:
		return ActivityCompleted
	case models.JobFailed:
		return ActivityFailed
	default:
		return ActivityPending
	}
}

func activityFromEntityStatus(status string) string {
	switch status {
	case models.StatusPending, models.ReelScraped:
		return ActivityPending
	case models.StatusCompleted, models.ReelAnalyzed, models.ReelDownloaded:
		return ActivityCompleted
	case models.StatusFailed:
		return ActivityFailed
	default:
		// Any "-ing" stage status means the last known state was running.
		return ActivityRunning
	}
}
