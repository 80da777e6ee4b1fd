// Package generate runs the three generation queues: whole-reel remixes,
// per-scene remixes, and composite assembly from mixed segments.
package generate

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

// Store is the slice of the entity store the generation handlers need.
type Store interface {
	progress.Sink
	GetReel(ctx context.Context, id string) (models.Reel, error)
	GetGeneration(ctx context.Context, id string) (models.VideoGeneration, error)
	GetSceneGeneration(ctx context.Context, id string) (models.SceneGeneration, error)
	GetComposite(ctx context.Context, id string) (models.CompositeGeneration, error)
	SetEntityStatus(ctx context.Context, kind, id, status string) error
	MarkEntityFailed(ctx context.Context, kind, id, stage, errMsg string) error
	SetEnhancedPrompt(ctx context.Context, kind, id, enhanced string) error
	FinishGenerationResult(ctx context.Context, kind, id, videoURL string, durable bool) error
}

// Handler serves the generation, scene-generation, and composite queues.
type Handler struct {
	store    Store
	objects  storage.ObjectStore
	fallback storage.ObjectStore
	gen      providers.Generator
	enhancer providers.PromptEnhancer
	video    providers.VideoTools
	waiter   *Waiter
	http     *http.Client
	log      *slog.Logger

	maxDownloadBytes int64
	waitTimeout      time.Duration
	downloadParallel int
}

// Options tunes the generation handlers.
type Options struct {
	MaxDownloadBytes int64
	WaitTimeout      time.Duration
	DownloadTimeout  time.Duration
	DownloadParallel int
}

// NewHandler wires the generation handlers. fallback is the local-disk store
// used when the primary object store rejects an upload; it may equal objects
// when no durable store is configured.
func NewHandler(store Store, objects, fallback storage.ObjectStore, gen providers.Generator, enhancer providers.PromptEnhancer, video providers.VideoTools, waiter *Waiter, opts Options, log *slog.Logger) *Handler {
	timeout := opts.DownloadTimeout
	if timeout == 0 {
		timeout = 5 * time.Minute
	}
	waitTimeout := opts.WaitTimeout
	if waitTimeout == 0 {
		waitTimeout = 30 * time.Minute
	}
	parallel := opts.DownloadParallel
	if parallel == 0 {
		parallel = 3
	}
	return &Handler{
		store:            store,
		objects:          objects,
		fallback:         fallback,
		gen:              gen,
		enhancer:         enhancer,
		video:            video,
		waiter:           waiter,
		http:             &http.Client{Timeout: timeout},
		log:              log,
		maxDownloadBytes: opts.MaxDownloadBytes,
		waitTimeout:      waitTimeout,
		downloadParallel: parallel,
	}
}

// HandleSingle runs one whole-reel generation job.
func (h *Handler) HandleSingle(ctx context.Context, job *models.Job) (any, error) {
	var payload models.GenerationPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return nil, faults.Validationf("decode generation payload: %v", err)
	}
	if payload.GenerationID == "" {
		return nil, faults.Validationf("generation_id is required")
	}

	gen, err := h.store.GetGeneration(ctx, payload.GenerationID)
	if err != nil {
		return nil, faults.Validationf("load generation %s: %v", payload.GenerationID, err)
	}
	kind := models.KindVideoGeneration
	rep := progress.NewReporter(h.store, kind, gen.ID, h.log)

	result, err := h.runSingle(ctx, gen, rep)
	if err != nil {
		h.markFailed(ctx, job, kind, gen.ID, "generate", err)
		return nil, fmt.Errorf("generation %s: %w", gen.ID, err)
	}
	return result, nil
}

func (h *Handler) runSingle(ctx context.Context, gen models.VideoGeneration, rep *progress.Reporter) (any, error) {
	reel, err := h.store.GetReel(ctx, gen.ReelID)
	if err != nil {
		return nil, faults.Validationf("load reel %s: %v", gen.ReelID, err)
	}
	if reel.VideoKey == "" {
		return nil, faults.Validationf("reel %s has no stored video", reel.ID)
	}
	if err := h.store.SetEntityStatus(ctx, models.KindVideoGeneration, gen.ID, models.StatusProcessing); err != nil {
		return nil, err
	}

	opts := providers.GenerateOptions{
		DurationSeconds: gen.DurationSeconds,
		AspectRatio:     gen.AspectRatio,
		KeepAudio:       gen.KeepAudio,
	}
	url, durable, err := h.generateAndStore(ctx, models.KindVideoGeneration, gen.ID,
		reel.VideoKey, gen.Prompt, opts, "generations/"+gen.ID+".mp4", rep)
	if err != nil {
		return nil, err
	}
	return map[string]any{"video_url": url, "storage_durable": durable}, nil
}

// generateAndStore is the shared tail of the single and scene handlers:
// enhance, generate, fetch the provider's result, store it (degrading to the
// fallback store rather than failing), and complete the row.
func (h *Handler) generateAndStore(ctx context.Context, kind, id, sourceURL, prompt string, opts providers.GenerateOptions, resultKey string, rep *progress.Reporter) (string, bool, error) {
	rep.Report(ctx, "enhance", 5, "preparing prompt")
	finalPrompt := h.enhancePrompt(ctx, kind, id, prompt)

	window := progress.Window(15, 60)
	rep.Report(ctx, "generate", 15, "calling generation provider")
	result, err := h.gen.GenerateVideoToVideo(ctx, sourceURL, finalPrompt, opts,
		func(stage string, percent int, message string) {
			rep.Report(ctx, stage, window(percent), message)
		})
	if err != nil {
		return "", false, fmt.Errorf("generation provider: %w", err)
	}
	if !result.Success || result.VideoURL == "" {
		msg := result.Error
		if msg == "" {
			msg = "provider returned no video"
		}
		return "", false, fmt.Errorf("generation provider: %s", msg)
	}

	rep.Report(ctx, "fetch-result", 70, "downloading generated video")
	data, err := providers.Download(ctx, h.http, result.VideoURL, h.maxDownloadBytes)
	if err != nil {
		return "", false, fmt.Errorf("fetch generated video: %w", err)
	}

	rep.Report(ctx, "store", 85, "storing generated video")
	url, durable, err := h.uploadWithFallback(ctx, resultKey, data, "video/mp4")
	if err != nil {
		return "", false, err
	}
	if err := h.store.FinishGenerationResult(ctx, kind, id, url, durable); err != nil {
		return "", false, err
	}
	rep.Report(ctx, "done", 100, "generation complete")
	return url, durable, nil
}

// enhancePrompt is best-effort: a nil enhancer or an enhancement error both
// fall back to the raw prompt. Only a changed prompt is persisted.
func (h *Handler) enhancePrompt(ctx context.Context, kind, id, prompt string) string {
	if h.enhancer == nil {
		return prompt
	}
	enhanced, err := h.enhancer.Enhance(ctx, prompt)
	if err != nil {
		h.log.Warn("prompt enhancement failed, using raw prompt", "kind", kind, "id", id, "err", err)
		return prompt
	}
	if enhanced != prompt {
		if err := h.store.SetEnhancedPrompt(ctx, kind, id, enhanced); err != nil {
			h.log.Warn("persist enhanced prompt", "kind", kind, "id", id, "err", err)
		}
	}
	return enhanced
}

// uploadWithFallback tries the primary store, then the local fallback. The
// second return is false when the result only reached the fallback.
func (h *Handler) uploadWithFallback(ctx context.Context, key string, data []byte, contentType string) (string, bool, error) {
	url, err := h.objects.Upload(ctx, key, data, contentType)
	if err == nil {
		return url, true, nil
	}
	if h.fallback == nil || h.fallback == h.objects {
		return "", false, fmt.Errorf("store %s: %w", key, err)
	}
	h.log.Warn("primary object store rejected upload, degrading to local disk", "key", key, "err", err)
	url, ferr := h.fallback.Upload(ctx, key, data, contentType)
	if ferr != nil {
		return "", false, fmt.Errorf("store %s: primary: %v; fallback: %w", key, err, ferr)
	}
	return url, false, nil
}

// markFailed writes the user-visible failed state, but only when no further
// attempt will run. Intermediate retries keep the entity "processing".
func (h *Handler) markFailed(ctx context.Context, job *models.Job, kind, id, stage string, cause error) {
	if !job.FinalAttempt && faults.Retryable(cause) {
		return
	}
	if err := h.store.MarkEntityFailed(ctx, kind, id, stage, cause.Error()); err != nil {
		h.log.Error("record failure", "kind", kind, "id", id, "err", err)
	}
}
