// Package scrape runs scrape jobs: one pass of the scraping collaborator per
// job, recording discovered reels and chaining their download jobs.
package scrape

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"reelforge/internal/faults"
	"reelforge/internal/models"
	"reelforge/internal/progress"
	"reelforge/internal/providers"
	"reelforge/internal/queue"
)

// Store is the slice of the entity store the scrape handler needs.
type Store interface {
	progress.Sink
	GetScrapeRun(ctx context.Context, id string) (models.ScrapeRun, error)
	SetEntityStatus(ctx context.Context, kind, id, status string) error
	MarkEntityFailed(ctx context.Context, kind, id, stage, errMsg string) error
	AddScrapeCounts(ctx context.Context, id string, scanned, found, downloaded int) error
	CreateReel(ctx context.Context, sourceURL, author, caption string) (models.Reel, error)
}

// Enqueuer is the queue surface used to chain download jobs.
type Enqueuer interface {
	Enqueue(ctx context.Context, payload any, opts queue.EnqueueOpts) (*models.Job, bool, error)
}

// Handler processes scrape-queue jobs.
type Handler struct {
	store    Store
	scraper  providers.Scraper
	pipeline Enqueuer
	log      *slog.Logger
}

// NewHandler wires the scrape worker handler. pipeline is the pipeline queue
// that receives one download job per discovered reel.
func NewHandler(store Store, scraper providers.Scraper, pipeline Enqueuer, log *slog.Logger) *Handler {
	return &Handler{store: store, scraper: scraper, pipeline: pipeline, log: log}
}

// Handle runs one scrape pass. Counters are written incrementally so the run
// row stays fresh during long passes, and survive a mid-run failure.
func (h *Handler) Handle(ctx context.Context, job *models.Job) (any, error) {
	var payload models.ScrapePayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return nil, faults.Validationf("decode scrape payload: %v", err)
	}
	if payload.RunID == "" || payload.Source == "" {
		return nil, faults.Validationf("run_id and source are required")
	}

	run, err := h.store.GetScrapeRun(ctx, payload.RunID)
	if err != nil {
		return nil, faults.Validationf("load scrape run %s: %v", payload.RunID, err)
	}
	rep := progress.NewReporter(h.store, models.KindScrapeRun, run.ID, h.log)

	if err := h.store.SetEntityStatus(ctx, models.KindScrapeRun, run.ID, models.StatusProcessing); err != nil {
		return nil, err
	}
	rep.Report(ctx, "scrape", 5, fmt.Sprintf("scraping %s/%s", payload.Source, payload.Username))

	downloaded := 0
	stats, err := h.scraper.Scrape(ctx, payload.Source, payload.Username, payload.Limit,
		func(item providers.ScrapedReel) error {
			reel, err := h.store.CreateReel(ctx, item.SourceURL, item.Author, item.Caption)
			if err != nil {
				return fmt.Errorf("record reel %s: %w", item.SourceURL, err)
			}
			if _, _, err := h.pipeline.Enqueue(ctx, models.PipelinePayload{
				Action: models.ActionDownload,
				ReelID: reel.ID,
			}, queue.EnqueueOpts{JobID: "pipeline:download:" + reel.ID}); err != nil {
				return fmt.Errorf("enqueue download for reel %s: %w", reel.ID, err)
			}
			downloaded++
			if err := h.store.AddScrapeCounts(ctx, run.ID, 0, 1, 1); err != nil {
				h.log.Warn("scrape counter write dropped", "run", run.ID, "err", err)
			}
			rep.Touch(ctx)
			return nil
		})
	if err != nil {
		if job.FinalAttempt || !faults.Retryable(err) {
			if ferr := h.store.MarkEntityFailed(ctx, models.KindScrapeRun, run.ID, "scrape", err.Error()); ferr != nil {
				h.log.Error("record scrape failure", "run", run.ID, "err", ferr)
			}
		}
		return nil, fmt.Errorf("scrape run %s: %w", run.ID, err)
	}

	if err := h.store.AddScrapeCounts(ctx, run.ID, stats.Scanned, 0, 0); err != nil {
		h.log.Warn("scrape counter write dropped", "run", run.ID, "err", err)
	}
	if err := h.store.SetEntityStatus(ctx, models.KindScrapeRun, run.ID, models.StatusCompleted); err != nil {
		return nil, err
	}
	rep.Report(ctx, "scrape", 100, fmt.Sprintf("scanned %d, found %d, queued %d downloads", stats.Scanned, stats.Found, downloaded))

	return map[string]any{"scanned": stats.Scanned, "found": stats.Found, "downloaded": downloaded}, nil
}
