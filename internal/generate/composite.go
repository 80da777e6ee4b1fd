package generate

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"reelforge/internal/faults"
	"reelforge/internal/models"
	"reelforge/internal/progress"
	"reelforge/internal/providers"
)

// compositeSegment is one resolved slot: either bytes cut straight from the
// original, or a URL a finished scene generation left behind.
type compositeSegment struct {
	sceneIndex int
	data       []byte
	url        string
}

// HandleComposite assembles a final video from the composite's scene config.
// Entries resolve in config order; assembly always happens in ascending
// sceneIndex order no matter which dependency finished first.
func (h *Handler) HandleComposite(ctx context.Context, job *models.Job) (any, error) {
	var payload models.CompositePayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return nil, faults.Validationf("decode composite payload: %v", err)
	}
	if payload.CompositeID == "" {
		return nil, faults.Validationf("composite_id is required")
	}

	comp, err := h.store.GetComposite(ctx, payload.CompositeID)
	if err != nil {
		return nil, faults.Validationf("load composite %s: %v", payload.CompositeID, err)
	}
	kind := models.KindCompositeGeneration
	rep := progress.NewReporter(h.store, kind, comp.ID, h.log)

	result, err := h.runComposite(ctx, comp, rep)
	if err != nil {
		h.markFailed(ctx, job, kind, comp.ID, "composite", err)
		return nil, fmt.Errorf("composite %s: %w", comp.ID, err)
	}
	return result, nil
}

func (h *Handler) runComposite(ctx context.Context, comp models.CompositeGeneration, rep *progress.Reporter) (any, error) {
	if err := models.ValidateSceneConfig(comp.SceneConfig); err != nil {
		return nil, faults.Validationf("%v", err)
	}
	reel, err := h.store.GetReel(ctx, comp.ReelID)
	if err != nil {
		return nil, faults.Validationf("load reel %s: %v", comp.ReelID, err)
	}
	if err := h.store.SetEntityStatus(ctx, models.KindCompositeGeneration, comp.ID, models.StatusProcessing); err != nil {
		return nil, err
	}
	rep.Report(ctx, "resolve", 5, fmt.Sprintf("resolving %d scene slots", len(comp.SceneConfig)))

	// Resolution window [10, 60], split evenly across entries. A failed
	// dependency aborts immediately with the upstream message.
	resolveWindow := progress.Window(10, 60)
	segments := make([]compositeSegment, 0, len(comp.SceneConfig))
	for i, entry := range comp.SceneConfig {
		percent := resolveWindow(i * 100 / len(comp.SceneConfig))
		seg := compositeSegment{sceneIndex: entry.SceneIndex}
		if entry.UseOriginal {
			if reel.VideoKey == "" {
				return nil, faults.Validationf("reel %s has no stored video for original segment %d", reel.ID, entry.SceneIndex)
			}
			rep.Report(ctx, "trim-original", percent, fmt.Sprintf("cutting original scene %d", entry.SceneIndex))
			seg.data, err = h.video.Trim(ctx, reel.VideoKey, entry.StartTime, entry.EndTime)
			if err != nil {
				return nil, fmt.Errorf("trim original scene %d: %w", entry.SceneIndex, err)
			}
		} else {
			rep.Report(ctx, "wait-dependency", percent, fmt.Sprintf("waiting on scene generation %s", entry.GenerationID))
			seg.url, err = h.waiter.WaitFor(ctx, models.KindSceneGeneration, entry.GenerationID, h.waitTimeout,
				func(elapsed time.Duration) {
					rep.Report(ctx, "wait-dependency", percent,
						fmt.Sprintf("waiting on scene generation %s (%s elapsed)", entry.GenerationID, elapsed.Round(time.Second)))
				})
			if err != nil {
				return nil, fmt.Errorf("scene %d: %w", entry.SceneIndex, err)
			}
		}
		segments = append(segments, seg)
	}

	sort.Slice(segments, func(a, b int) bool { return segments[a].sceneIndex < segments[b].sceneIndex })

	rep.Report(ctx, "fetch-segments", 60, "downloading generated segments")
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(h.downloadParallel)
	for i := range segments {
		if segments[i].url == "" {
			continue
		}
		i := i
		g.Go(func() error {
			data, err := providers.Download(gctx, h.http, segments[i].url, h.maxDownloadBytes)
			if err != nil {
				return fmt.Errorf("fetch segment %d: %w", segments[i].sceneIndex, err)
			}
			segments[i].data = data
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	ordered := make([][]byte, len(segments))
	for i, seg := range segments {
		ordered[i] = seg.data
	}
	rep.Report(ctx, "concat", 75, fmt.Sprintf("concatenating %d segments", len(ordered)))
	final, err := h.video.Concat(ctx, ordered)
	if err != nil {
		return nil, fmt.Errorf("concatenate segments: %w", err)
	}

	rep.Report(ctx, "store", 90, "storing composite video")
	url, durable, err := h.uploadWithFallback(ctx, "composites/"+comp.ID+".mp4", final, "video/mp4")
	if err != nil {
		return nil, err
	}
	if err := h.store.FinishGenerationResult(ctx, models.KindCompositeGeneration, comp.ID, url, durable); err != nil {
		return nil, err
	}
	rep.Report(ctx, "done", 100, "composite complete")
	return map[string]any{"video_url": url, "storage_durable": durable, "segments": len(segments)}, nil
}
