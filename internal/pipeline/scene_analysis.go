package pipeline

import (
	"context"
	"fmt"

	"reelforge/internal/models"
	"reelforge/internal/progress"
	"reelforge/internal/providers"
)

// analyzeScenes is the default strategy: detect boundaries, then analyze each
// scene in order. Every scene row is persisted as soon as it is computed so a
// failure on scene N keeps scenes 0..N-1.
//
// Progress layout: detection in 0-15, per-scene analysis mapped into 15-85,
// finalize above 85.
func (h *Handler) analyzeScenes(ctx context.Context, reel models.Reel, analysisID string, rep *progress.Reporter) ([]string, int, error) {
	rep.Report(ctx, "detect-scenes", 5, "detecting scene boundaries")
	scenes, err := h.segmenter.DetectScenes(ctx, reel.VideoKey)
	if err != nil {
		return nil, 0, fmt.Errorf("detect scenes: %w", err)
	}
	if len(scenes) == 0 {
		// No cuts found. The whole clip is one scene, not an error.
		end := reel.DurationSeconds
		if end <= 0 {
			if end, err = h.video.ProbeDuration(ctx, reel.VideoKey); err != nil {
				return nil, 0, fmt.Errorf("probe duration for single-scene fallback: %w", err)
			}
		}
		scenes = []providers.Scene{{Start: 0, End: end}}
	}
	rep.Report(ctx, "detect-scenes", 15, fmt.Sprintf("%d scenes detected", len(scenes)))

	window := progress.Window(15, 85)
	tagSet := make(map[string]bool)
	var tags []string
	for i, sc := range scenes {
		base := i * 100 / len(scenes)
		span := 100 / len(scenes)

		frames, err := h.video.SampleFrames(ctx, segmentRef(reel.VideoKey, sc), framesPerScene)
		if err != nil {
			return nil, i, fmt.Errorf("sample frames for scene %d: %w", i, err)
		}
		small, err := downscaleFrames(frames, h.frameMaxWidth)
		if err != nil {
			return nil, i, fmt.Errorf("downscale frames for scene %d: %w", i, err)
		}

		result, err := h.analyzer.Analyze(ctx, providers.AnalysisRequest{Frames: small, Prompt: scenePrompt},
			func(stage string, percent int, message string) {
				rep.Report(ctx, stage, window(base+percent*span/100), message)
			})
		if err != nil {
			return nil, i, fmt.Errorf("analyze scene %d: %w", i, err)
		}

		row := models.AnalysisScene{
			AnalysisID:   analysisID,
			SceneIndex:   i,
			StartSeconds: sc.Start,
			EndSeconds:   sc.End,
			Elements:     result.Elements,
		}
		if err := h.store.InsertAnalysisScene(ctx, row); err != nil {
			return nil, i, fmt.Errorf("persist scene %d: %w", i, err)
		}
		for _, t := range result.Tags {
			if t != "" && !tagSet[t] {
				tagSet[t] = true
				tags = append(tags, t)
			}
		}
		rep.Report(ctx, "analyze-scene", window(base+span), fmt.Sprintf("scene %d/%d analyzed", i+1, len(scenes)))
	}

	rep.Report(ctx, "finalize", 90, "persisting results")
	return tags, len(scenes), nil
}

// segmentRef addresses a time window inside a stored clip for the frame
// sampler. The media collaborator understands the fragment form.
func segmentRef(videoURL string, sc providers.Scene) string {
	return fmt.Sprintf("%s#t=%.3f,%.3f", videoURL, sc.Start, sc.End)
}

const framesPerScene = 4
