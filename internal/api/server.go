// Package api is the producer/admin HTTP surface: enqueue endpoints for each
// queue, reconciled job views, queue administration, and health.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"reelforge/internal/config"
	"reelforge/internal/health"
	"reelforge/internal/models"
	"reelforge/internal/queue"
	"reelforge/internal/reconcile"
	"reelforge/internal/registry"
	"reelforge/internal/store"
	"reelforge/internal/telemetry"
)

// Server wires HTTP handlers over the entity store and the queue registry.
type Server struct {
	cfg      config.Config
	store    *store.Store
	registry *registry.Registry
	monitor  *health.Monitor
	log      *slog.Logger
}

// New constructs the API server.
func New(cfg config.Config, st *store.Store, reg *registry.Registry, monitor *health.Monitor, log *slog.Logger) *Server {
	return &Server{cfg: cfg, store: st, registry: reg, monitor: monitor, log: log}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Mount("/metrics", telemetry.Handler())

	r.Post("/scrapes", s.handleStartScrape)
	r.Post("/reels", s.handleCreateReel)
	r.Post("/reels/{id}/pipeline", s.handleEnqueuePipeline)
	r.Post("/generations", s.handleCreateGeneration)
	r.Post("/scene-generations", s.handleCreateSceneGeneration)
	r.Post("/composites", s.handleCreateComposite)

	r.Get("/jobs/{queue}/{id}", s.handleGetJob)
	r.Post("/jobs/{queue}/{id}/retry", s.handleRetryJob)
	r.Post("/jobs/{queue}/{id}/fail", s.handleForceFail)
	r.Delete("/jobs/{queue}/{id}", s.handleRemoveJob)

	r.Get("/queues", s.handleQueues)
	r.Post("/queues/{name}/pause", s.handlePause)
	r.Post("/queues/{name}/resume", s.handleResume)
	r.Post("/queues/{name}/drain", s.handleDrain)
	r.Post("/queues/{name}/clean", s.handleClean)
	r.Post("/queues/{name}/obliterate", s.handleObliterate)

	r.Get("/health/stalled", s.handleStalled)
	r.Get("/entities/{kind}/{id}", s.handleGetEntity)
	return r
}

type startScrapeRequest struct {
	Source   string `json:"source"`
	Username string `json:"username"`
	Limit    int    `json:"limit"`
}

func (s *Server) handleStartScrape(w http.ResponseWriter, r *http.Request) {
	var req startScrapeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.Source == "" {
		http.Error(w, "source is required", http.StatusBadRequest)
		return
	}
	run, err := s.store.CreateScrapeRun(r.Context(), req.Source, req.Username)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	job, created, err := s.enqueue(r, queue.QueueScrape, models.ScrapePayload{
		RunID: run.ID, Source: req.Source, Username: req.Username, Limit: req.Limit,
	}, "scrape:"+run.ID)
	if err != nil {
		http.Error(w, "enqueue failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"run": run, "job": job, "created": created})
}

type createReelRequest struct {
	SourceURL string `json:"source_url"`
	Author    string `json:"author"`
	Caption   string `json:"caption"`
	// Download controls whether a download job is chained immediately.
	Download bool `json:"download"`
}

func (s *Server) handleCreateReel(w http.ResponseWriter, r *http.Request) {
	var req createReelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.SourceURL == "" {
		http.Error(w, "source_url is required", http.StatusBadRequest)
		return
	}
	reel, err := s.store.CreateReel(r.Context(), req.SourceURL, req.Author, req.Caption)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	var job *models.Job
	if req.Download {
		job, _, err = s.enqueue(r, queue.QueuePipeline, models.PipelinePayload{
			Action: models.ActionDownload, ReelID: reel.ID,
		}, "pipeline:download:"+reel.ID)
		if err != nil {
			http.Error(w, "enqueue failed", http.StatusInternalServerError)
			return
		}
	}
	writeJSON(w, http.StatusCreated, map[string]any{"reel": reel, "job": job})
}

type pipelineRequest struct {
	Action   string `json:"action"`
	Strategy string `json:"strategy"`
}

func (s *Server) handleEnqueuePipeline(w http.ResponseWriter, r *http.Request) {
	reelID := chi.URLParam(r, "id")
	var req pipelineRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	switch req.Action {
	case models.ActionDownload, models.ActionAnalyze, models.ActionProcess, models.ActionRefreshDuration:
	default:
		http.Error(w, "unknown action", http.StatusBadRequest)
		return
	}
	if _, err := s.store.GetReel(r.Context(), reelID); err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	job, created, err := s.enqueue(r, queue.QueuePipeline, models.PipelinePayload{
		Action: req.Action, ReelID: reelID, Strategy: req.Strategy,
	}, "pipeline:"+req.Action+":"+reelID)
	if err != nil {
		http.Error(w, "enqueue failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"job": job, "created": created})
}

type createGenerationRequest struct {
	ReelID          string  `json:"reel_id"`
	Prompt          string  `json:"prompt"`
	DurationSeconds float64 `json:"duration_seconds"`
	AspectRatio     string  `json:"aspect_ratio"`
	KeepAudio       bool    `json:"keep_audio"`
}

func (s *Server) handleCreateGeneration(w http.ResponseWriter, r *http.Request) {
	var req createGenerationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.ReelID == "" || req.Prompt == "" {
		http.Error(w, "reel_id and prompt are required", http.StatusBadRequest)
		return
	}
	gen, err := s.store.CreateGeneration(r.Context(), store.CreateGenerationParams{
		ReelID: req.ReelID, Prompt: req.Prompt,
		DurationSeconds: req.DurationSeconds, AspectRatio: req.AspectRatio, KeepAudio: req.KeepAudio,
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	job, created, err := s.enqueue(r, queue.QueueGeneration, models.GenerationPayload{GenerationID: gen.ID}, "generation:"+gen.ID)
	if err != nil {
		http.Error(w, "enqueue failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"generation": gen, "job": job, "created": created})
}

type createSceneGenerationRequest struct {
	ReelID       string  `json:"reel_id"`
	AnalysisID   string  `json:"analysis_id"`
	SceneIndex   int     `json:"scene_index"`
	StartSeconds float64 `json:"start_seconds"`
	EndSeconds   float64 `json:"end_seconds"`
	Prompt       string  `json:"prompt"`
}

func (s *Server) handleCreateSceneGeneration(w http.ResponseWriter, r *http.Request) {
	var req createSceneGenerationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.ReelID == "" || req.Prompt == "" {
		http.Error(w, "reel_id and prompt are required", http.StatusBadRequest)
		return
	}
	if req.EndSeconds <= req.StartSeconds {
		http.Error(w, "end_seconds must be after start_seconds", http.StatusBadRequest)
		return
	}
	gen, err := s.store.CreateSceneGeneration(r.Context(), store.CreateSceneGenerationParams{
		ReelID: req.ReelID, AnalysisID: req.AnalysisID, SceneIndex: req.SceneIndex,
		StartSeconds: req.StartSeconds, EndSeconds: req.EndSeconds, Prompt: req.Prompt,
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	job, created, err := s.enqueue(r, queue.QueueSceneGeneration,
		models.SceneGenerationPayload{SceneGenerationID: gen.ID}, "scene-generation:"+gen.ID)
	if err != nil {
		http.Error(w, "enqueue failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"scene_generation": gen, "job": job, "created": created})
}

type createCompositeRequest struct {
	ReelID      string                    `json:"reel_id"`
	SceneConfig []models.SceneConfigEntry `json:"scene_config"`
}

func (s *Server) handleCreateComposite(w http.ResponseWriter, r *http.Request) {
	var req createCompositeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.ReelID == "" {
		http.Error(w, "reel_id is required", http.StatusBadRequest)
		return
	}
	comp, err := s.store.CreateComposite(r.Context(), req.ReelID, req.SceneConfig)
	if err != nil {
		var cfgErr *models.SceneConfigError
		if errors.As(err, &cfgErr) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	job, created, err := s.enqueue(r, queue.QueueComposite,
		models.CompositePayload{CompositeID: comp.ID}, "composite:"+comp.ID)
	if err != nil {
		http.Error(w, "enqueue failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"composite": comp, "job": job, "created": created})
}

// handleGetJob returns the reconciled view: live queue state merged with the
// durable entity row. A vanished job still resolves through its semantic id.
func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	queueName := chi.URLParam(r, "queue")
	jobID := chi.URLParam(r, "id")
	q := s.registry.Queue(queueName)
	if q == nil {
		http.Error(w, "unknown queue", http.StatusNotFound)
		return
	}
	job, err := q.GetJob(r.Context(), jobID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	kind, entityID := entityRef(queueName, jobID, job)
	if kind == "" {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}
	row, err := s.store.EntityView(r.Context(), kind, entityID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, reconcile.Merge(job, row))
}

func (s *Server) handleRetryJob(w http.ResponseWriter, r *http.Request) {
	q := s.registry.Queue(chi.URLParam(r, "queue"))
	if q == nil {
		http.Error(w, "unknown queue", http.StatusNotFound)
		return
	}
	if err := q.RetryJob(r.Context(), chi.URLParam(r, "id")); err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	writeJSON(w, http.StatusOK, okStatus("retrying"))
}

type forceFailRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleForceFail(w http.ResponseWriter, r *http.Request) {
	q := s.registry.Queue(chi.URLParam(r, "queue"))
	if q == nil {
		http.Error(w, "unknown queue", http.StatusNotFound)
		return
	}
	var req forceFailRequest
	_ = json.NewDecoder(r.Body).Decode(&req)
	if req.Reason == "" {
		req.Reason = "failed by operator"
	}
	if err := q.ForceFail(r.Context(), chi.URLParam(r, "id"), req.Reason); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, okStatus("failed"))
}

func (s *Server) handleRemoveJob(w http.ResponseWriter, r *http.Request) {
	q := s.registry.Queue(chi.URLParam(r, "queue"))
	if q == nil {
		http.Error(w, "unknown queue", http.StatusNotFound)
		return
	}
	removed, err := q.Remove(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if !removed {
		http.Error(w, "job is not waiting or delayed", http.StatusConflict)
		return
	}
	writeJSON(w, http.StatusOK, okStatus("removed"))
}

func (s *Server) handleQueues(w http.ResponseWriter, r *http.Request) {
	snapshot, err := s.registry.Snapshot(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"queues": snapshot})
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	q := s.registry.Queue(chi.URLParam(r, "name"))
	if q == nil {
		http.Error(w, "unknown queue", http.StatusNotFound)
		return
	}
	if err := q.Pause(r.Context()); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, okStatus("paused"))
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	q := s.registry.Queue(chi.URLParam(r, "name"))
	if q == nil {
		http.Error(w, "unknown queue", http.StatusNotFound)
		return
	}
	if err := q.Resume(r.Context()); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, okStatus("resumed"))
}

func (s *Server) handleObliterate(w http.ResponseWriter, r *http.Request) {
	q := s.registry.Queue(chi.URLParam(r, "name"))
	if q == nil {
		http.Error(w, "unknown queue", http.StatusNotFound)
		return
	}
	if err := q.Obliterate(r.Context()); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, okStatus("obliterated"))
}

func (s *Server) handleDrain(w http.ResponseWriter, r *http.Request) {
	q := s.registry.Queue(chi.URLParam(r, "name"))
	if q == nil {
		http.Error(w, "unknown queue", http.StatusNotFound)
		return
	}
	dropped, err := q.Drain(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "drained", "dropped": dropped})
}

type cleanRequest struct {
	State string `json:"state"`
	Keep  int64  `json:"keep"`
}

func (s *Server) handleClean(w http.ResponseWriter, r *http.Request) {
	q := s.registry.Queue(chi.URLParam(r, "name"))
	if q == nil {
		http.Error(w, "unknown queue", http.StatusNotFound)
		return
	}
	var req cleanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	removed, err := q.Clean(r.Context(), req.State, req.Keep)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "cleaned", "removed": removed})
}

func (s *Server) handleStalled(w http.ResponseWriter, _ *http.Request) {
	stalled, sweptAt := s.monitor.Snapshot()
	writeJSON(w, http.StatusOK, map[string]any{"stalled": stalled, "swept_at": sweptAt})
}

func (s *Server) handleGetEntity(w http.ResponseWriter, r *http.Request) {
	view, err := s.store.EntityView(r.Context(), chi.URLParam(r, "kind"), chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// enqueue pushes onto a registered queue and bumps the enqueue counter only
// for newly created jobs; an idempotent hit returns the existing handle.
func (s *Server) enqueue(r *http.Request, queueName string, payload any, jobID string) (*models.Job, bool, error) {
	q := s.registry.Queue(queueName)
	job, created, err := q.Enqueue(r.Context(), payload, queue.EnqueueOpts{JobID: jobID})
	if err != nil {
		return nil, false, err
	}
	if created {
		telemetry.EnqueueCounter.WithLabelValues(queueName).Inc()
	}
	return job, created, nil
}

// entityRef resolves the entity a job acts on: from its payload when the
// queue still holds the job, else by parsing the semantic job id.
func entityRef(queueName, jobID string, job *models.Job) (kind, id string) {
	if job != nil {
		switch queueName {
		case queue.QueueScrape:
			var p models.ScrapePayload
			if json.Unmarshal(job.Payload, &p) == nil {
				return models.KindScrapeRun, p.RunID
			}
		case queue.QueuePipeline:
			var p models.PipelinePayload
			if json.Unmarshal(job.Payload, &p) == nil {
				return models.KindReel, p.ReelID
			}
		case queue.QueueGeneration:
			var p models.GenerationPayload
			if json.Unmarshal(job.Payload, &p) == nil {
				return models.KindVideoGeneration, p.GenerationID
			}
		case queue.QueueSceneGeneration:
			var p models.SceneGenerationPayload
			if json.Unmarshal(job.Payload, &p) == nil {
				return models.KindSceneGeneration, p.SceneGenerationID
			}
		case queue.QueueComposite:
			var p models.CompositePayload
			if json.Unmarshal(job.Payload, &p) == nil {
				return models.KindCompositeGeneration, p.CompositeID
			}
		}
		return "", ""
	}

	parts := strings.Split(jobID, ":")
	last := parts[len(parts)-1]
	if last == "" {
		return "", ""
	}
	switch queueName {
	case queue.QueueScrape:
		return models.KindScrapeRun, last
	case queue.QueuePipeline:
		return models.KindReel, last
	case queue.QueueGeneration:
		return models.KindVideoGeneration, last
	case queue.QueueSceneGeneration:
		return models.KindSceneGeneration, last
	case queue.QueueComposite:
		return models.KindCompositeGeneration, last
	}
	return "", ""
}

func okStatus(status string) map[string]string {
	return map[string]string{"status": status}
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
