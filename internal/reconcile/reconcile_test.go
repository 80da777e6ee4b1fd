package reconcile

import (
	"testing"
	"time"

	"reelforge/internal/models"
)

func strPtr(s string) *string { return &s }

func TestMergePrefersLiveJobActivity(t *testing.T) {
	row := EntityView{Kind: models.KindScrapeRun, ID: "run1", Status: models.StatusProcessing, Scanned: 40, Found: 7}

	cases := map[string]string{
		models.JobWaiting:   ActivityPending,
		models.JobDelayed:   ActivityPending,
		models.JobActive:    ActivityRunning,
		models.JobCompleted: ActivityCompleted,
		models.JobFailed:    ActivityFailed,
	}
	for state, want := range cases {
		live := &models.Job{ID: "scrape:run1", Queue: "scrape", State: state, AttemptsMade: 1}
		view := Merge(live, row)
		if view.Activity != want {
			t.Fatalf("state %s: got activity %s want %s", state, view.Activity, want)
		}
		// Counters always come from the row, never the job.
		if view.Entity.Scanned != 40 || view.Entity.Found != 7 {
			t.Fatalf("state %s: row counters lost: %+v", state, view.Entity)
		}
	}
}

func TestMergeFallsBackToRowWhenJobGone(t *testing.T) {
	cases := map[string]string{
		models.StatusPending:   ActivityPending,
		models.StatusCompleted: ActivityCompleted,
		models.StatusFailed:    ActivityFailed,
		"downloading":          ActivityRunning,
		models.ReelAnalyzed:    ActivityCompleted,
	}
	for status, want := range cases {
		view := Merge(nil, EntityView{Status: status})
		if view.Activity != want {
			t.Fatalf("status %s: got %s want %s", status, view.Activity, want)
		}
	}
}

func TestMergeRowErrorWinsOverJobError(t *testing.T) {
	now := time.Now()
	live := &models.Job{State: models.JobFailed, Error: "queue-level message"}
	row := EntityView{Status: models.StatusFailed, Error: strPtr("provider exploded"), UpdatedAt: now}

	view := Merge(live, row)
	if view.Error != "provider exploded" {
		t.Fatalf("row error must be the user-facing one, got %q", view.Error)
	}

	rowNoErr := EntityView{Status: models.StatusFailed, UpdatedAt: now}
	view = Merge(live, rowNoErr)
	if view.Error != "queue-level message" {
		t.Fatalf("job error should surface when the row has none, got %q", view.Error)
	}
}
