package generate

import (
	"context"
	"encoding/json"
	"fmt"

	"reelforge/internal/faults"
	"reelforge/internal/models"
	"reelforge/internal/progress"
	"reelforge/internal/providers"
)

// HandleScene runs one per-scene generation job: cut the window out of the
// source reel, stage the cut for the provider, then remix it like a single
// generation onto the scene row.
func (h *Handler) HandleScene(ctx context.Context, job *models.Job) (any, error) {
	var payload models.SceneGenerationPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return nil, faults.Validationf("decode scene generation payload: %v", err)
	}
	if payload.SceneGenerationID == "" {
		return nil, faults.Validationf("scene_generation_id is required")
	}

	gen, err := h.store.GetSceneGeneration(ctx, payload.SceneGenerationID)
	if err != nil {
		return nil, faults.Validationf("load scene generation %s: %v", payload.SceneGenerationID, err)
	}
	kind := models.KindSceneGeneration
	rep := progress.NewReporter(h.store, kind, gen.ID, h.log)

	result, err := h.runScene(ctx, gen, rep)
	if err != nil {
		h.markFailed(ctx, job, kind, gen.ID, "scene-generate", err)
		return nil, fmt.Errorf("scene generation %s: %w", gen.ID, err)
	}
	return result, nil
}

func (h *Handler) runScene(ctx context.Context, gen models.SceneGeneration, rep *progress.Reporter) (any, error) {
	if gen.EndSeconds <= gen.StartSeconds {
		return nil, faults.Validationf("scene window [%.3f, %.3f] is empty", gen.StartSeconds, gen.EndSeconds)
	}
	reel, err := h.store.GetReel(ctx, gen.ReelID)
	if err != nil {
		return nil, faults.Validationf("load reel %s: %v", gen.ReelID, err)
	}
	if reel.VideoKey == "" {
		return nil, faults.Validationf("reel %s has no stored video", reel.ID)
	}
	if err := h.store.SetEntityStatus(ctx, models.KindSceneGeneration, gen.ID, models.StatusProcessing); err != nil {
		return nil, err
	}

	rep.Report(ctx, "trim", 2, fmt.Sprintf("cutting [%.2fs, %.2fs]", gen.StartSeconds, gen.EndSeconds))
	segment, err := h.video.Trim(ctx, reel.VideoKey, gen.StartSeconds, gen.EndSeconds)
	if err != nil {
		return nil, fmt.Errorf("trim scene %d: %w", gen.SceneIndex, err)
	}

	// The provider fetches its input by URL, so the cut is staged first.
	sourceKey := fmt.Sprintf("scene-generations/%s/source.mp4", gen.ID)
	sourceURL, _, err := h.uploadWithFallback(ctx, sourceKey, segment, "video/mp4")
	if err != nil {
		return nil, fmt.Errorf("stage trimmed scene: %w", err)
	}

	opts := providers.GenerateOptions{DurationSeconds: gen.EndSeconds - gen.StartSeconds}
	url, durable, err := h.generateAndStore(ctx, models.KindSceneGeneration, gen.ID,
		sourceURL, gen.Prompt, opts, fmt.Sprintf("scene-generations/%s/result.mp4", gen.ID), rep)
	if err != nil {
		return nil, err
	}
	return map[string]any{"video_url": url, "storage_durable": durable, "scene_index": gen.SceneIndex}, nil
}
