package queue

import (
	"time"

	"reelforge/internal/models"
)

// Queue names. Each queue carries one job kind with its own policy.
const (
	QueueScrape          = "scrape"
	QueuePipeline        = "pipeline"
	QueueGeneration      = "generation"
	QueueSceneGeneration = "scene-generation"
	QueueComposite       = "composite-generation"
)

// Policy is the per-queue default enforced at enqueue time. Concurrency is
// the hard upper bound on simultaneously active jobs of the queue's kind
// system-wide; the queue store, not worker memory, is the lock authority.
type Policy struct {
	Concurrency int
	MaxAttempts int
	Backoff     models.Backoff
}

// DefaultPolicies mirrors external provider rate limits: scraping is the most
// fragile and is serialized; composite assembly is serialized because the
// downstream concatenation service is finite.
func DefaultPolicies() map[string]Policy {
	return map[string]Policy{
		QueueScrape: {
			Concurrency: 1,
			MaxAttempts: 2,
			Backoff:     models.Backoff{Type: models.BackoffExponential, Delay: 10 * time.Second, Cap: 5 * time.Minute},
		},
		QueuePipeline: {
			Concurrency: 3,
			MaxAttempts: 3,
			Backoff:     models.Backoff{Type: models.BackoffExponential, Delay: 5 * time.Second, Cap: 5 * time.Minute},
		},
		QueueGeneration: {
			Concurrency: 2,
			MaxAttempts: 2,
			Backoff:     models.Backoff{Type: models.BackoffFixed, Delay: 60 * time.Second},
		},
		QueueSceneGeneration: {
			Concurrency: 3,
			MaxAttempts: 2,
			Backoff:     models.Backoff{Type: models.BackoffFixed, Delay: 60 * time.Second},
		},
		QueueComposite: {
			Concurrency: 1,
			MaxAttempts: 2,
			Backoff:     models.Backoff{Type: models.BackoffFixed, Delay: 30 * time.Second},
		},
	}
}
