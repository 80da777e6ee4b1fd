package generate

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"reelforge/internal/faults"
	"reelforge/internal/models"
)

// TerminalLookup reads the fields the waiter polls on a referenced entity.
type TerminalLookup interface {
	LookupTerminal(ctx context.Context, kind, id string) (status, videoURL, errMsg string, err error)
}

// Waiter blocks a job until an entity it depends on reaches a terminal state.
// It holds the worker slot for the whole wait; queues that use it keep their
// concurrency low on purpose.
type Waiter struct {
	lookup    TerminalLookup
	poll      time.Duration
	heartbeat time.Duration
	log       *slog.Logger
}

// NewWaiter builds a waiter with the given poll and heartbeat cadence.
func NewWaiter(lookup TerminalLookup, poll, heartbeat time.Duration, log *slog.Logger) *Waiter {
	if poll <= 0 {
		poll = 5 * time.Second
	}
	if heartbeat <= 0 {
		heartbeat = 30 * time.Second
	}
	return &Waiter{lookup: lookup, poll: poll, heartbeat: heartbeat, log: log}
}

// WaitFor polls kind/id until it completes, fails, or the timeout elapses.
// onHeartbeat fires on the heartbeat cadence so the waiting job can prove
// liveness on its own entity; it may be nil.
//
// Completed with a result returns the result URL. Failed returns the upstream
// message as a dependency error, and so does a lookup that classifies itself
// as non-retryable (a dangling reference) rather than a flaky read. The
// timeout window is exact: it is never extended by retries, because the
// surrounding error is not retryable.
func (w *Waiter) WaitFor(ctx context.Context, kind, id string, timeout time.Duration, onHeartbeat func(elapsed time.Duration)) (string, error) {
	start := time.Now()
	lastBeat := start
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	poll := time.NewTicker(w.poll)
	defer poll.Stop()

	for {
		status, url, errMsg, err := w.lookup.LookupTerminal(ctx, kind, id)
		switch {
		case err != nil && !faults.Retryable(err):
			// The referenced entity does not exist or can never produce a
			// result. Polling until the deadline would only tie up the slot.
			return "", err
		case err != nil:
			// A flaky read must not abort a long wait. Keep polling; the
			// deadline still bounds the total time.
			w.log.Warn("dependency lookup failed, will retry", "kind", kind, "id", id, "err", err)
		case status == models.StatusCompleted:
			if url == "" {
				return "", faults.Dependency(fmt.Errorf("%s %s completed without a result", kind, id))
			}
			return url, nil
		case status == models.StatusFailed:
			if errMsg == "" {
				errMsg = "no failure message recorded"
			}
			return "", faults.Dependency(fmt.Errorf("%s %s: %s", kind, id, errMsg))
		}

		// The beat fires from the poll loop, one poll ahead of the interval,
		// so the gap between writes never exceeds the heartbeat interval even
		// while polls keep landing.
		if onHeartbeat != nil && time.Since(lastBeat) >= w.heartbeat-w.poll {
			onHeartbeat(time.Since(start))
			lastBeat = time.Now()
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-deadline.C:
			return "", fmt.Errorf("%w: %s %s still not terminal after %s", faults.ErrWaitTimeout, kind, id, timeout)
		case <-poll.C:
		}
	}
}
