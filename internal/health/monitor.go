// Package health classifies stalled work. An entity is stalled when its
// status says it is being processed but its heartbeat has gone quiet past the
// threshold. Classification only: cancellation stays cooperative, so the
// monitor never kills anything.
package health

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"reelforge/internal/models"
	"reelforge/internal/store"
	"reelforge/internal/telemetry"
)

// StallLister is the store surface the monitor reads.
type StallLister interface {
	ListStalled(ctx context.Context, cutoff time.Time) ([]store.StalledEntity, error)
}

// Monitor sweeps for stalled entities on a cron schedule and keeps the latest
// snapshot for the API.
type Monitor struct {
	store     StallLister
	threshold time.Duration
	log       *slog.Logger
	cron      *cron.Cron

	mu      sync.RWMutex
	stalled []store.StalledEntity
	sweptAt time.Time
}

// NewMonitor builds a monitor; threshold is how long a heartbeat may be quiet
// before the entity counts as stalled.
func NewMonitor(lister StallLister, threshold time.Duration, log *slog.Logger) *Monitor {
	if threshold <= 0 {
		threshold = 2 * time.Minute
	}
	return &Monitor{store: lister, threshold: threshold, log: log}
}

// Start schedules the sweep; spec is a cron expression like "@every 1m".
func (m *Monitor) Start(ctx context.Context, spec string) error {
	m.cron = cron.New()
	if _, err := m.cron.AddFunc(spec, func() { m.Sweep(ctx) }); err != nil {
		return err
	}
	m.cron.Start()
	return nil
}

// Stop halts the schedule and waits for a running sweep to finish.
func (m *Monitor) Stop() {
	if m.cron != nil {
		<-m.cron.Stop().Done()
	}
}

// Sweep runs one scan. Exported so the API can trigger an on-demand check.
func (m *Monitor) Sweep(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-m.threshold)
	stalled, err := m.store.ListStalled(ctx, cutoff)
	if err != nil {
		m.log.Error("stall sweep failed", "err", err)
		return
	}

	byKind := make(map[string]int)
	for _, e := range stalled {
		byKind[e.Kind]++
		m.log.Warn("stalled entity",
			"kind", e.Kind, "id", e.ID, "status", e.Status,
			"quiet_for", time.Since(e.LastActivityAt).Round(time.Second))
	}
	for _, kind := range []string{
		models.KindReel, models.KindVideoAnalysis, models.KindVideoGeneration,
		models.KindSceneGeneration, models.KindCompositeGeneration, models.KindScrapeRun,
	} {
		telemetry.StalledGauge.WithLabelValues(kind).Set(float64(byKind[kind]))
	}

	m.mu.Lock()
	m.stalled = stalled
	m.sweptAt = time.Now().UTC()
	m.mu.Unlock()
}

// Snapshot returns the last sweep's findings and when they were taken.
func (m *Monitor) Snapshot() ([]store.StalledEntity, time.Time) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]store.StalledEntity, len(m.stalled))
	copy(out, m.stalled)
	return out, m.sweptAt
}
