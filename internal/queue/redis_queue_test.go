package queue

import (
	"context"
	"fmt"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"reelforge/internal/models"
)

func newTestQueue(t *testing.T, opts Options) *Queue {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	policy := Policy{
		Concurrency: 1,
		MaxAttempts: 3,
		Backoff:     models.Backoff{Type: models.BackoffFixed, Delay: 10 * time.Millisecond},
	}
	return New(client, "test", policy, opts)
}

func TestEnqueueIdempotent(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, Options{})

	first, created, err := q.Enqueue(ctx, map[string]string{"reel_id": "r1"}, EnqueueOpts{JobID: "pipeline:download:r1"})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if !created {
		t.Fatalf("expected first enqueue to create the job")
	}

	second, created, err := q.Enqueue(ctx, map[string]string{"reel_id": "other"}, EnqueueOpts{JobID: "pipeline:download:r1"})
	if err != nil {
		t.Fatalf("second enqueue: %v", err)
	}
	if created {
		t.Fatalf("expected second enqueue to be a no-op")
	}
	if second.ID != first.ID || string(second.Payload) != string(first.Payload) {
		t.Fatalf("expected existing job back, got %+v", second)
	}

	counts, err := q.Counts(ctx)
	if err != nil {
		t.Fatalf("counts: %v", err)
	}
	if counts.Waiting != 1 {
		t.Fatalf("expected 1 waiting job, got %d", counts.Waiting)
	}
}

func TestDequeueWithLease(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, Options{})

	if _, _, err := q.Enqueue(ctx, "payload", EnqueueOpts{JobID: "j1"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	id, err := q.DequeueWithLease(ctx)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if id != "j1" {
		t.Fatalf("expected j1, got %q", id)
	}
	job, err := q.GetJob(ctx, "j1")
	if err != nil || job == nil {
		t.Fatalf("get job: job=%v err=%v", job, err)
	}
	if job.State != models.JobActive {
		t.Fatalf("expected active, got %s", job.State)
	}
	if job.ProcessedAt == nil {
		t.Fatalf("expected processed_at to be set")
	}

	again, err := q.DequeueWithLease(ctx)
	if err != nil {
		t.Fatalf("dequeue empty: %v", err)
	}
	if again != "" {
		t.Fatalf("expected empty dequeue, got %q", again)
	}
}

func TestDequeueCapsActiveAcrossProcesses(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, Options{})
	// A second handle on the same Redis stands in for another worker process.
	other := New(q.Client(), "test", q.Policy(), Options{})

	if _, _, err := q.Enqueue(ctx, "payload", EnqueueOpts{JobID: "j1"}); err != nil {
		t.Fatalf("enqueue j1: %v", err)
	}
	if _, _, err := q.Enqueue(ctx, "payload", EnqueueOpts{JobID: "j2"}); err != nil {
		t.Fatalf("enqueue j2: %v", err)
	}

	first, err := q.DequeueWithLease(ctx)
	if err != nil || first != "j1" {
		t.Fatalf("first dequeue: id=%q err=%v", first, err)
	}
	second, err := other.DequeueWithLease(ctx)
	if err != nil {
		t.Fatalf("second dequeue: %v", err)
	}
	if second != "" {
		t.Fatalf("concurrency 1 must hold across processes, got %q", second)
	}

	if _, err := q.MarkCompleted(ctx, "j1", nil); err != nil {
		t.Fatalf("complete j1: %v", err)
	}
	second, err = other.DequeueWithLease(ctx)
	if err != nil || second != "j2" {
		t.Fatalf("dequeue after slot freed: id=%q err=%v", second, err)
	}
}

func TestPauseBlocksDequeue(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, Options{})

	if _, _, err := q.Enqueue(ctx, "payload", EnqueueOpts{JobID: "j1"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := q.Pause(ctx); err != nil {
		t.Fatalf("pause: %v", err)
	}
	id, err := q.DequeueWithLease(ctx)
	if err != nil {
		t.Fatalf("dequeue paused: %v", err)
	}
	if id != "" {
		t.Fatalf("expected no dequeue while paused, got %q", id)
	}
	if err := q.Resume(ctx); err != nil {
		t.Fatalf("resume: %v", err)
	}
	id, err = q.DequeueWithLease(ctx)
	if err != nil || id != "j1" {
		t.Fatalf("expected j1 after resume, got %q err=%v", id, err)
	}
}

func TestPriorityJumpsLine(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, Options{})

	if _, _, err := q.Enqueue(ctx, "a", EnqueueOpts{JobID: "normal"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, _, err := q.Enqueue(ctx, "b", EnqueueOpts{JobID: "urgent", Priority: 1}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	id, err := q.DequeueWithLease(ctx)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if id != "urgent" {
		t.Fatalf("expected urgent first, got %q", id)
	}
}

func TestForceFailWinsOverLateCompletion(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, Options{})

	if _, _, err := q.Enqueue(ctx, "payload", EnqueueOpts{JobID: "j1"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := q.DequeueWithLease(ctx); err != nil {
		t.Fatalf("dequeue: %v", err)
	}

	// Operator forces the running job to failed; the handler's completion
	// arriving afterwards must be discarded.
	if err := q.ForceFail(ctx, "j1", "failed by operator"); err != nil {
		t.Fatalf("force fail: %v", err)
	}
	applied, err := q.MarkCompleted(ctx, "j1", []byte(`{"ok":true}`))
	if err != nil {
		t.Fatalf("mark completed: %v", err)
	}
	if applied {
		t.Fatalf("expected completion to be discarded after force-fail")
	}

	job, err := q.GetJob(ctx, "j1")
	if err != nil || job == nil {
		t.Fatalf("get job: job=%v err=%v", job, err)
	}
	if job.State != models.JobFailed {
		t.Fatalf("expected failed to stand, got %s", job.State)
	}
	if job.Error != "failed by operator" {
		t.Fatalf("expected forced reason, got %q", job.Error)
	}
}

func TestCompletedRetentionBounded(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, Options{CompletedRetention: 2})

	for i := 0; i < 3; i++ {
		id := fmt.Sprintf("j%d", i)
		if _, _, err := q.Enqueue(ctx, i, EnqueueOpts{JobID: id}); err != nil {
			t.Fatalf("enqueue %s: %v", id, err)
		}
		if _, err := q.DequeueWithLease(ctx); err != nil {
			t.Fatalf("dequeue %s: %v", id, err)
		}
		if _, err := q.MarkCompleted(ctx, id, nil); err != nil {
			t.Fatalf("complete %s: %v", id, err)
		}
	}

	counts, err := q.Counts(ctx)
	if err != nil {
		t.Fatalf("counts: %v", err)
	}
	if counts.Completed != 2 {
		t.Fatalf("expected retention to keep 2 completed, got %d", counts.Completed)
	}
}

func TestRetryLaterAndPromote(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, Options{})

	if _, _, err := q.Enqueue(ctx, "payload", EnqueueOpts{JobID: "j1"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := q.DequeueWithLease(ctx); err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	runAt := time.Now().Add(-time.Millisecond)
	if err := q.RetryLater(ctx, "j1", 1, "boom", runAt); err != nil {
		t.Fatalf("retry later: %v", err)
	}

	job, _ := q.GetJob(ctx, "j1")
	if job.State != models.JobDelayed || job.AttemptsMade != 1 {
		t.Fatalf("expected delayed with attempts=1, got state=%s attempts=%d", job.State, job.AttemptsMade)
	}

	n, err := q.PromoteDelayed(ctx, time.Now(), 10)
	if err != nil {
		t.Fatalf("promote: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 promoted, got %d", n)
	}
	job, _ = q.GetJob(ctx, "j1")
	if job.State != models.JobWaiting {
		t.Fatalf("expected waiting after promote, got %s", job.State)
	}
}

func TestReclaimExpiredLease(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, Options{LeaseTimeout: 10 * time.Millisecond})

	if _, _, err := q.Enqueue(ctx, "payload", EnqueueOpts{JobID: "j1"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := q.DequeueWithLease(ctx); err != nil {
		t.Fatalf("dequeue: %v", err)
	}

	reclaimed, err := q.ReclaimExpired(ctx, time.Now().Add(time.Second), 10)
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if len(reclaimed) != 1 || reclaimed[0] != "j1" {
		t.Fatalf("expected j1 reclaimed, got %v", reclaimed)
	}
	job, _ := q.GetJob(ctx, "j1")
	if job.State != models.JobWaiting {
		t.Fatalf("expected waiting after reclaim, got %s", job.State)
	}
}

func TestRemoveOnlyBeforeStart(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, Options{})

	if _, _, err := q.Enqueue(ctx, "payload", EnqueueOpts{JobID: "j1"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	removed, err := q.Remove(ctx, "j1")
	if err != nil || !removed {
		t.Fatalf("expected waiting job removed, got removed=%v err=%v", removed, err)
	}
	if job, _ := q.GetJob(ctx, "j1"); job != nil {
		t.Fatalf("expected job gone after remove")
	}

	if _, _, err := q.Enqueue(ctx, "payload", EnqueueOpts{JobID: "j2"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := q.DequeueWithLease(ctx); err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if _, err := q.Remove(ctx, "j2"); err == nil {
		t.Fatalf("expected removing an active job to error")
	}
}

func TestRetryJobResetsAttempts(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, Options{})

	if _, _, err := q.Enqueue(ctx, "payload", EnqueueOpts{JobID: "j1"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := q.DequeueWithLease(ctx); err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if err := q.MarkFailed(ctx, "j1", 3, "exhausted"); err != nil {
		t.Fatalf("mark failed: %v", err)
	}

	if err := q.RetryJob(ctx, "j1"); err != nil {
		t.Fatalf("retry job: %v", err)
	}
	job, _ := q.GetJob(ctx, "j1")
	if job.State != models.JobWaiting || job.AttemptsMade != 0 || job.Error != "" {
		t.Fatalf("expected fresh waiting job, got state=%s attempts=%d err=%q", job.State, job.AttemptsMade, job.Error)
	}
	counts, _ := q.Counts(ctx)
	if counts.Failed != 0 || counts.Waiting != 1 {
		t.Fatalf("expected job moved out of failed list, got %+v", counts)
	}
}

func TestDrainDropsPending(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, Options{})

	if _, _, err := q.Enqueue(ctx, "a", EnqueueOpts{JobID: "j1"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, _, err := q.Enqueue(ctx, "b", EnqueueOpts{JobID: "j2"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := q.DequeueWithLease(ctx); err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if err := q.RetryLater(ctx, "j1", 1, "boom", time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("retry later: %v", err)
	}

	dropped, err := q.Drain(ctx)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if dropped != 2 {
		t.Fatalf("expected 2 dropped, got %d", dropped)
	}
	counts, _ := q.Counts(ctx)
	if counts.Waiting != 0 || counts.Delayed != 0 {
		t.Fatalf("expected waiting and delayed empty, got %+v", counts)
	}
}

func TestCleanEvictsBeyondKeep(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, Options{FailedRetention: 100})

	for i := 0; i < 4; i++ {
		id := fmt.Sprintf("j%d", i)
		if _, _, err := q.Enqueue(ctx, i, EnqueueOpts{JobID: id}); err != nil {
			t.Fatalf("enqueue %s: %v", id, err)
		}
		if _, err := q.DequeueWithLease(ctx); err != nil {
			t.Fatalf("dequeue %s: %v", id, err)
		}
		if err := q.MarkFailed(ctx, id, 1, "boom"); err != nil {
			t.Fatalf("fail %s: %v", id, err)
		}
	}

	removed, err := q.Clean(ctx, models.JobFailed, 1)
	if err != nil {
		t.Fatalf("clean: %v", err)
	}
	if removed != 3 {
		t.Fatalf("expected 3 evicted, got %d", removed)
	}
	counts, _ := q.Counts(ctx)
	if counts.Failed != 1 {
		t.Fatalf("expected 1 failed kept, got %d", counts.Failed)
	}
}
