package worker

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"reelforge/internal/faults"
	"reelforge/internal/models"
	"reelforge/internal/queue"
	"reelforge/internal/telemetry"
)

// Handler executes one job. The returned value, if any, is attached to the
// job as its result. Handlers own the associated entity's user-visible state:
// on the final attempt (job.FinalAttempt) a failing handler must leave the
// entity in failed with an error message before returning the error.
type Handler func(ctx context.Context, job *models.Job) (any, error)

// Worker binds N execution slots to exactly one queue. Slots are only this
// process's parallelism; the policy's concurrency cap is enforced in Redis at
// dequeue time, so running extra processes never exceeds it. The queue store,
// not worker memory, is likewise authoritative for job existence and terminal
// state, so a crashed worker's leases are reclaimed by any surviving
// maintenance loop.
type Worker struct {
	queue        *queue.Queue
	handler      Handler
	concurrency  int
	pollInterval time.Duration
	log          *slog.Logger

	wg sync.WaitGroup
}

// New builds a worker for a queue. Concurrency defaults to the queue policy.
func New(q *queue.Queue, handler Handler, pollInterval time.Duration, log *slog.Logger) *Worker {
	concurrency := q.Policy().Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	return &Worker{
		queue:        q,
		handler:      handler,
		concurrency:  concurrency,
		pollInterval: pollInterval,
		log:          log.With("queue", q.Name()),
	}
}

// Run starts the maintenance loop and all slots, blocking until the context
// is cancelled and every in-flight job has returned.
func (w *Worker) Run(ctx context.Context) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.maintain(ctx)
	}()

	for i := 0; i < w.concurrency; i++ {
		w.wg.Add(1)
		go func(slot int) {
			defer w.wg.Done()
			w.runSlot(ctx, slot)
		}(i)
	}

	w.wg.Wait()
}

// maintain promotes due delayed jobs and reclaims expired leases on a ticker.
func (w *Worker) maintain(ctx context.Context) {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if _, err := w.queue.PromoteDelayed(ctx, time.Now(), 100); err != nil && ctx.Err() == nil {
			w.log.Warn("promote delayed failed", "err", err)
		}
		reclaimed, err := w.queue.ReclaimExpired(ctx, time.Now(), 100)
		if err != nil && ctx.Err() == nil {
			w.log.Warn("reclaim expired failed", "err", err)
		}
		if len(reclaimed) > 0 {
			telemetry.ReclaimedCounter.WithLabelValues(w.queue.Name()).Add(float64(len(reclaimed)))
			w.log.Info("reclaimed expired leases", "count", len(reclaimed))
		}
		if counts, err := w.queue.Counts(ctx); err == nil {
			telemetry.QueueDepthGauge.WithLabelValues(w.queue.Name()).Set(float64(counts.Waiting))
		}
	}
}

func (w *Worker) runSlot(ctx context.Context, slot int) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		id, err := w.queue.DequeueWithLease(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.log.Warn("dequeue failed", "slot", slot, "err", err)
			sleepCtx(ctx, w.pollInterval)
			continue
		}
		if id == "" {
			sleepCtx(ctx, w.pollInterval)
			continue
		}
		w.process(ctx, id)
	}
}

func (w *Worker) process(ctx context.Context, id string) {
	job, err := w.queue.GetJob(ctx, id)
	if err != nil {
		w.log.Warn("load job failed", "job", id, "err", err)
		return
	}
	if job == nil || job.Terminal() {
		// Hash evicted by retention, or force-failed before we started.
		_ = w.queue.Forget(ctx, id)
		return
	}
	job.FinalAttempt = job.AttemptsMade+1 >= job.MaxAttempts

	telemetry.InFlightGauge.WithLabelValues(w.queue.Name()).Inc()
	defer telemetry.InFlightGauge.WithLabelValues(w.queue.Name()).Dec()

	stopExtender := w.startLeaseExtender(ctx, id)
	result, runErr := w.handler(ctx, job)
	stopExtender()

	if runErr == nil {
		raw, err := json.Marshal(result)
		if err != nil {
			raw = nil
		}
		applied, err := w.queue.MarkCompleted(ctx, id, raw)
		if err != nil {
			w.log.Error("record completion failed", "job", id, "err", err)
			return
		}
		if !applied {
			w.log.Info("completion discarded, job was force-failed", "job", id)
			return
		}
		telemetry.CompletedCounter.WithLabelValues(w.queue.Name()).Inc()
		w.log.Info("job completed", "job", id, "attempts", job.AttemptsMade+1)
		return
	}

	attempts := job.AttemptsMade + 1
	if attempts < job.MaxAttempts && faults.Retryable(runErr) {
		runAt := time.Now().Add(job.Backoff.DelayFor(attempts))
		if err := w.queue.RetryLater(ctx, id, attempts, runErr.Error(), runAt); err != nil {
			w.log.Error("schedule retry failed", "job", id, "err", err)
			return
		}
		telemetry.RetryCounter.WithLabelValues(w.queue.Name()).Inc()
		w.log.Warn("job attempt failed, retry scheduled",
			"job", id, "attempts", attempts, "run_at", runAt.UTC().Format(time.RFC3339), "err", runErr)
		return
	}

	if err := w.queue.MarkFailed(ctx, id, attempts, runErr.Error()); err != nil {
		w.log.Error("record failure failed", "job", id, "err", err)
		return
	}
	telemetry.FailedCounter.WithLabelValues(w.queue.Name()).Inc()
	w.log.Error("job failed", "job", id, "attempts", attempts, "err", runErr)
}

// startLeaseExtender keeps the job's visibility deadline ahead of the handler
// for as long as it runs. Long blocking waits (the dependency waiter) rely on
// this to not be reclaimed as expired.
func (w *Worker) startLeaseExtender(ctx context.Context, id string) (stop func()) {
	done := make(chan struct{})
	var once sync.Once
	go func() {
		ticker := time.NewTicker(w.queue.Lease() / 2)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := w.queue.ExtendLease(ctx, id, w.queue.Lease()); err != nil && ctx.Err() == nil {
					w.log.Warn("extend lease failed", "job", id, "err", err)
				}
			}
		}
	}()
	return func() { once.Do(func() { close(done) }) }
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
