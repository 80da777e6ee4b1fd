// Package registry holds the process-wide list of queues and workers. It is
// an explicit object constructed in main and passed down, never a module
// singleton, so tests can build isolated registries.
package registry

import (
	"context"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"

	"reelforge/internal/models"
	"reelforge/internal/queue"
	"reelforge/internal/worker"
)

type entry struct {
	queue  *queue.Queue
	worker *worker.Worker
}

// Registry owns queue/worker lifecycle: uniform startup, status aggregation,
// and one-shot graceful shutdown (workers before queues, queues before the
// backing store connection).
type Registry struct {
	client  *redis.Client
	log     *slog.Logger
	entries []entry

	cancel   context.CancelFunc
	done     chan struct{}
	shutdown sync.Once
}

// New builds an empty registry over a shared Redis client.
func New(client *redis.Client, log *slog.Logger) *Registry {
	return &Registry{client: client, log: log, done: make(chan struct{})}
}

// Register adds a queue, optionally with a worker. Queues without workers
// (the API process) still participate in snapshots and shutdown.
func (r *Registry) Register(q *queue.Queue, w *worker.Worker) {
	r.entries = append(r.entries, entry{queue: q, worker: w})
}

// Queue returns the registered queue by name, or nil.
func (r *Registry) Queue(name string) *queue.Queue {
	for _, e := range r.entries {
		if e.queue.Name() == name {
			return e.queue
		}
	}
	return nil
}

// StartAll launches every registered worker. It returns immediately; workers
// run until Shutdown.
func (r *Registry) StartAll(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	var wg sync.WaitGroup
	for _, e := range r.entries {
		if e.worker == nil {
			continue
		}
		wg.Add(1)
		go func(w *worker.Worker) {
			defer wg.Done()
			w.Run(runCtx)
		}(e.worker)
	}
	go func() {
		wg.Wait()
		close(r.done)
	}()
	r.log.Info("registry started", "queues", len(r.entries))
}

// Snapshot aggregates per-queue status for the admin API.
func (r *Registry) Snapshot(ctx context.Context) ([]models.QueueStatus, error) {
	out := make([]models.QueueStatus, 0, len(r.entries))
	for _, e := range r.entries {
		counts, err := e.queue.Counts(ctx)
		if err != nil {
			return nil, err
		}
		paused, err := e.queue.IsPaused(ctx)
		if err != nil {
			return nil, err
		}
		out = append(out, models.QueueStatus{
			Name:      e.queue.Name(),
			Paused:    paused,
			JobCounts: counts,
		})
	}
	return out, nil
}

// Shutdown stops workers, waits for in-flight jobs to return, then closes the
// queue store connection. Safe to call once; later calls are no-ops.
func (r *Registry) Shutdown(ctx context.Context) {
	r.shutdown.Do(func() {
		if r.cancel != nil {
			r.cancel()
			select {
			case <-r.done:
				r.log.Info("workers drained")
			case <-ctx.Done():
				r.log.Warn("shutdown deadline reached before workers drained")
			}
		}
		if err := r.client.Close(); err != nil {
			r.log.Warn("close queue store", "err", err)
		}
	})
}
