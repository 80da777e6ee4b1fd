// Package progress is the per-job side channel that persists percentage,
// stage label, and last-activity heartbeat onto the entity being processed,
// independent of job completion.
package progress

import (
	"context"
	"log/slog"
)

// Sink persists progress writes; implemented by the entity store.
type Sink interface {
	SetProgress(ctx context.Context, kind, id string, percent int, stage, message string) error
	TouchActivity(ctx context.Context, kind, id string) error
}

// Reporter is bound to one entity. Writes are best-effort: a failed heartbeat
// must never fail the job it is reporting for, so errors are logged and
// dropped.
type Reporter struct {
	sink Sink
	kind string
	id   string
	log  *slog.Logger
}

// NewReporter binds a reporter to an entity.
func NewReporter(sink Sink, kind, id string, log *slog.Logger) *Reporter {
	return &Reporter{sink: sink, kind: kind, id: id, log: log.With("entity_kind", kind, "entity_id", id)}
}

// Report persists percent, stage, and message, bumping the heartbeat.
func (r *Reporter) Report(ctx context.Context, stage string, percent int, message string) {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	if err := r.sink.SetProgress(ctx, r.kind, r.id, percent, stage, message); err != nil && ctx.Err() == nil {
		r.log.Warn("progress write dropped", "stage", stage, "percent", percent, "err", err)
	}
}

// Touch bumps the heartbeat without changing reported progress. Handlers call
// this at least once per meaningful unit of work so a health sweep can tell
// "stalled" from "slow but alive".
func (r *Reporter) Touch(ctx context.Context) {
	if err := r.sink.TouchActivity(ctx, r.kind, r.id); err != nil && ctx.Err() == nil {
		r.log.Warn("heartbeat write dropped", "err", err)
	}
}

// Window maps a collaborator's 0-100 progress into [lo, hi], leaving headroom
// for surrounding stages.
func Window(lo, hi int) func(percent int) int {
	span := hi - lo
	return func(percent int) int {
		if percent < 0 {
			percent = 0
		}
		if percent > 100 {
			percent = 100
		}
		return lo + span*percent/100
	}
}
