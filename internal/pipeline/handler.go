// Package pipeline runs the multi-action stage jobs against reels: download,
// analyze (three strategies), the full process chain, and duration refresh.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"reelforge/internal/faults"
	"reelforge/internal/models"
	"reelforge/internal/progress"
	"reelforge/internal/providers"
	"reelforge/internal/storage"
)

// Store is the slice of the entity store the pipeline needs.
type Store interface {
	progress.Sink
	GetReel(ctx context.Context, id string) (models.Reel, error)
	SetEntityStatus(ctx context.Context, kind, id, status string) error
	MarkEntityFailed(ctx context.Context, kind, id, stage, errMsg string) error
	SetReelVideo(ctx context.Context, id, videoKey string) error
	SetReelDuration(ctx context.Context, id string, seconds float64) error
	CreateAnalysis(ctx context.Context, reelID, strategy string) (models.VideoAnalysis, error)
	InsertAnalysisScene(ctx context.Context, scene models.AnalysisScene) error
	FinishAnalysis(ctx context.Context, id string, tags []string, sceneCount int) error
}

// Handler multiplexes pipeline actions. The action set is closed; decode
// rejects anything outside it before any entity state is touched.
type Handler struct {
	store     Store
	objects   storage.ObjectStore
	analyzer  providers.Analyzer
	video     providers.VideoTools
	segmenter providers.Segmenter
	http      *http.Client
	log       *slog.Logger

	maxDownloadBytes int64
	frameCount       int
	frameMaxWidth    int
}

// Options for the pipeline handler.
type Options struct {
	MaxDownloadBytes int64
	FrameCount       int
	FrameMaxWidth    int
	DownloadTimeout  time.Duration
}

// NewHandler wires the pipeline worker handler.
func NewHandler(store Store, objects storage.ObjectStore, analyzer providers.Analyzer, video providers.VideoTools, segmenter providers.Segmenter, opts Options, log *slog.Logger) *Handler {
	timeout := opts.DownloadTimeout
	if timeout == 0 {
		timeout = 5 * time.Minute
	}
	frameCount := opts.FrameCount
	if frameCount == 0 {
		frameCount = 10
	}
	frameMaxWidth := opts.FrameMaxWidth
	if frameMaxWidth == 0 {
		frameMaxWidth = 512
	}
	return &Handler{
		store:            store,
		objects:          objects,
		analyzer:         analyzer,
		video:            video,
		segmenter:        segmenter,
		http:             &http.Client{Timeout: timeout},
		log:              log,
		maxDownloadBytes: opts.MaxDownloadBytes,
		frameCount:       frameCount,
		frameMaxWidth:    frameMaxWidth,
	}
}

// Handle executes one pipeline job.
func (h *Handler) Handle(ctx context.Context, job *models.Job) (any, error) {
	var payload models.PipelinePayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return nil, faults.Validationf("decode pipeline payload: %v", err)
	}
	if payload.ReelID == "" {
		return nil, faults.Validationf("reel_id is required")
	}

	switch payload.Action {
	case models.ActionDownload:
		return h.runStage(ctx, job, payload.ReelID, "download", h.download)
	case models.ActionAnalyze:
		strategy := payload.Strategy
		if strategy == "" {
			strategy = models.StrategyScenes
		}
		return h.runStage(ctx, job, payload.ReelID, "analyze", func(ctx context.Context, reel models.Reel, rep *progress.Reporter) (any, error) {
			return h.analyze(ctx, reel, strategy, rep)
		})
	case models.ActionProcess:
		return h.runStage(ctx, job, payload.ReelID, "process", h.process)
	case models.ActionRefreshDuration:
		return h.runStage(ctx, job, payload.ReelID, "refresh-duration", h.refreshDuration)
	default:
		return nil, faults.Validationf("unknown pipeline action %q", payload.Action)
	}
}

type stageFunc func(ctx context.Context, reel models.Reel, rep *progress.Reporter) (any, error)

// runStage loads the reel, runs the action, and on the final failed attempt
// flips the reel to a user-visible failed state. Intermediate retries leave
// the status alone so the UI keeps showing "processing".
func (h *Handler) runStage(ctx context.Context, job *models.Job, reelID, stage string, fn stageFunc) (any, error) {
	reel, err := h.store.GetReel(ctx, reelID)
	if err != nil {
		return nil, faults.Validationf("load reel %s: %v", reelID, err)
	}
	rep := progress.NewReporter(h.store, models.KindReel, reelID, h.log)

	result, err := fn(ctx, reel, rep)
	if err != nil {
		if job.FinalAttempt || !faults.Retryable(err) {
			if ferr := h.store.MarkEntityFailed(ctx, models.KindReel, reelID, stage, err.Error()); ferr != nil {
				h.log.Error("record reel failure", "reel", reelID, "err", ferr)
			}
		}
		return nil, fmt.Errorf("%s reel %s: %w", stage, reelID, err)
	}
	return result, nil
}

// download fetches the source video, stores it, and probes its duration.
func (h *Handler) download(ctx context.Context, reel models.Reel, rep *progress.Reporter) (any, error) {
	if reel.SourceURL == "" {
		return nil, faults.Validationf("reel has no source url")
	}
	if err := h.store.SetEntityStatus(ctx, models.KindReel, reel.ID, models.ReelDownloading); err != nil {
		return nil, err
	}
	rep.Report(ctx, "download", 0, "fetching source video")

	data, err := providers.Download(ctx, h.http, reel.SourceURL, h.maxDownloadBytes)
	if err != nil {
		return nil, fmt.Errorf("fetch source: %w", err)
	}
	rep.Report(ctx, "download", 50, fmt.Sprintf("fetched %d bytes", len(data)))

	key := "reels/" + reel.ID + ".mp4"
	location, err := h.objects.Upload(ctx, key, data, "video/mp4")
	if err != nil {
		return nil, fmt.Errorf("store video: %w", err)
	}
	if err := h.store.SetReelVideo(ctx, reel.ID, location); err != nil {
		return nil, err
	}
	rep.Report(ctx, "download", 80, "video stored")

	// Duration probe is best-effort; refresh-duration exists for catch-up.
	if h.video != nil {
		if seconds, err := h.video.ProbeDuration(ctx, location); err == nil && seconds > 0 {
			if err := h.store.SetReelDuration(ctx, reel.ID, seconds); err != nil {
				h.log.Warn("persist duration", "reel", reel.ID, "err", err)
			}
		} else if err != nil {
			h.log.Warn("probe duration", "reel", reel.ID, "err", err)
		}
	}

	if err := h.store.SetEntityStatus(ctx, models.KindReel, reel.ID, models.ReelDownloaded); err != nil {
		return nil, err
	}
	rep.Report(ctx, "download", 100, "download complete")
	return map[string]any{"video_key": location, "bytes": len(data)}, nil
}

// analyze runs one strategy over a downloaded reel.
func (h *Handler) analyze(ctx context.Context, reel models.Reel, strategy string, rep *progress.Reporter) (any, error) {
	switch strategy {
	case models.StrategyFrames, models.StrategyScenes, models.StrategyElements:
	default:
		return nil, faults.Validationf("unknown analysis strategy %q", strategy)
	}
	if reel.VideoKey == "" {
		return nil, faults.Validationf("reel %s has no stored video; download must complete first", reel.ID)
	}
	if err := h.store.SetEntityStatus(ctx, models.KindReel, reel.ID, models.ReelAnalyzing); err != nil {
		return nil, err
	}
	rep.Report(ctx, "analyze", 0, "starting "+strategy+" analysis")

	analysis, err := h.store.CreateAnalysis(ctx, reel.ID, strategy)
	if err != nil {
		return nil, err
	}
	analysisRep := progress.NewReporter(h.store, models.KindVideoAnalysis, analysis.ID, h.log)

	var tags []string
	var sceneCount int
	switch strategy {
	case models.StrategyScenes:
		tags, sceneCount, err = h.analyzeScenes(ctx, reel, analysis.ID, analysisRep)
	case models.StrategyFrames:
		tags, sceneCount, err = h.analyzeFrames(ctx, reel, analysis.ID, analysisRep)
	case models.StrategyElements:
		tags, sceneCount, err = h.analyzeElements(ctx, reel, analysis.ID, analysisRep)
	}
	if err != nil {
		// The analysis row carries its own failure; the reel's is written by
		// runStage on the final attempt.
		if ferr := h.store.MarkEntityFailed(ctx, models.KindVideoAnalysis, analysis.ID, strategy, err.Error()); ferr != nil {
			h.log.Error("record analysis failure", "analysis", analysis.ID, "err", ferr)
		}
		return nil, err
	}

	if err := h.store.FinishAnalysis(ctx, analysis.ID, tags, sceneCount); err != nil {
		return nil, err
	}
	if err := h.store.SetEntityStatus(ctx, models.KindReel, reel.ID, models.ReelAnalyzed); err != nil {
		return nil, err
	}
	rep.Report(ctx, "analyze", 100, fmt.Sprintf("analysis complete: %d scenes, %d tags", sceneCount, len(tags)))
	return map[string]any{"analysis_id": analysis.ID, "scenes": sceneCount, "tags": len(tags)}, nil
}

// process chains download and scene analysis inside one job.
func (h *Handler) process(ctx context.Context, reel models.Reel, rep *progress.Reporter) (any, error) {
	if _, err := h.download(ctx, reel, rep); err != nil {
		return nil, err
	}
	// Reload: download recorded the stored video location.
	reel, err := h.store.GetReel(ctx, reel.ID)
	if err != nil {
		return nil, err
	}
	return h.analyze(ctx, reel, models.StrategyScenes, rep)
}

// refreshDuration re-probes the stored clip's length.
func (h *Handler) refreshDuration(ctx context.Context, reel models.Reel, rep *progress.Reporter) (any, error) {
	if reel.VideoKey == "" {
		return nil, faults.Validationf("reel %s has no stored video", reel.ID)
	}
	seconds, err := h.video.ProbeDuration(ctx, reel.VideoKey)
	if err != nil {
		return nil, fmt.Errorf("probe duration: %w", err)
	}
	if err := h.store.SetReelDuration(ctx, reel.ID, seconds); err != nil {
		return nil, err
	}
	rep.Touch(ctx)
	return map[string]any{"duration_seconds": seconds}, nil
}

// analyzeFrames samples frames, downscales them, and runs one analysis call
// over the set.
func (h *Handler) analyzeFrames(ctx context.Context, reel models.Reel, analysisID string, rep *progress.Reporter) ([]string, int, error) {
	rep.Report(ctx, "sample-frames", 5, "sampling frames")
	frames, err := h.video.SampleFrames(ctx, reel.VideoKey, h.frameCount)
	if err != nil {
		return nil, 0, fmt.Errorf("sample frames: %w", err)
	}
	if len(frames) == 0 {
		return nil, 0, fmt.Errorf("frame sampling returned no frames")
	}
	small, err := downscaleFrames(frames, h.frameMaxWidth)
	if err != nil {
		return nil, 0, fmt.Errorf("downscale frames: %w", err)
	}
	rep.Report(ctx, "sample-frames", 15, fmt.Sprintf("%d frames prepared", len(small)))

	window := progress.Window(15, 85)
	result, err := h.analyzer.Analyze(ctx, providers.AnalysisRequest{Frames: small, Prompt: framePrompt},
		func(stage string, percent int, message string) {
			rep.Report(ctx, stage, window(percent), message)
		})
	if err != nil {
		return nil, 0, err
	}

	scene := models.AnalysisScene{
		AnalysisID: analysisID,
		SceneIndex: 0,
		EndSeconds: sceneEnd(reel.DurationSeconds, result.Duration),
		Elements:   result.Elements,
	}
	if err := h.store.InsertAnalysisScene(ctx, scene); err != nil {
		return nil, 0, err
	}
	rep.Report(ctx, "finalize", 90, "persisting results")
	return dedupe(result.Tags), 1, nil
}

// analyzeElements runs the element-only strategy over the whole clip.
func (h *Handler) analyzeElements(ctx context.Context, reel models.Reel, analysisID string, rep *progress.Reporter) ([]string, int, error) {
	window := progress.Window(15, 85)
	result, err := h.analyzer.Analyze(ctx, providers.AnalysisRequest{VideoURL: reel.VideoKey, Prompt: elementPrompt},
		func(stage string, percent int, message string) {
			rep.Report(ctx, stage, window(percent), message)
		})
	if err != nil {
		return nil, 0, err
	}
	scene := models.AnalysisScene{
		AnalysisID: analysisID,
		SceneIndex: 0,
		EndSeconds: sceneEnd(reel.DurationSeconds, result.Duration),
		Elements:   result.Elements,
	}
	if err := h.store.InsertAnalysisScene(ctx, scene); err != nil {
		return nil, 0, err
	}
	rep.Report(ctx, "finalize", 90, "persisting results")
	return dedupe(result.Tags), 1, nil
}

func sceneEnd(known, probed float64) float64 {
	if known > 0 {
		return known
	}
	return probed
}

func dedupe(tags []string) []string {
	seen := make(map[string]bool, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}

const (
	framePrompt   = "Identify the visual elements and tags present across these frames."
	elementPrompt = "Identify the distinct visual elements and tags in this video."
	scenePrompt   = "Identify the visual elements and tags in this scene."
)
