package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"reelforge/internal/faults"
	"reelforge/internal/models"
	"reelforge/internal/reconcile"
)

// CreateGenerationParams collects inputs for a single video generation row.
type CreateGenerationParams struct {
	ReelID          string
	Prompt          string
	DurationSeconds float64
	AspectRatio     string
	KeepAudio       bool
}

// CreateGeneration inserts a pending generation row.
func (s *Store) CreateGeneration(ctx context.Context, p CreateGenerationParams) (models.VideoGeneration, error) {
	id := uuid.New().String()
	now := time.Now().UTC()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO video_generations (id, reel_id, prompt, duration_seconds, aspect_ratio, keep_audio, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
	`, id, p.ReelID, p.Prompt, p.DurationSeconds, p.AspectRatio, p.KeepAudio, models.StatusPending, now)
	if err != nil {
		return models.VideoGeneration{}, fmt.Errorf("insert generation: %w", err)
	}
	return models.VideoGeneration{
		ID: id, ReelID: p.ReelID, Prompt: p.Prompt,
		DurationSeconds: p.DurationSeconds, AspectRatio: p.AspectRatio, KeepAudio: p.KeepAudio,
		StorageDurable: true,
		Progress:       models.Progress{Status: models.StatusPending},
		CreatedAt:      now, UpdatedAt: now,
	}, nil
}

// GetGeneration fetches a generation by id.
func (s *Store) GetGeneration(ctx context.Context, id string) (models.VideoGeneration, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, reel_id, prompt, enhanced_prompt, duration_seconds, aspect_ratio, keep_audio,
		       video_url, storage_durable,
		       status, progress, progress_stage, progress_message, last_activity_at, error,
		       created_at, updated_at
		FROM video_generations WHERE id = $1
	`, id)
	var g models.VideoGeneration
	var lastActivity pgtype.Timestamptz
	var errText pgtype.Text
	if err := row.Scan(&g.ID, &g.ReelID, &g.Prompt, &g.EnhancedPrompt, &g.DurationSeconds, &g.AspectRatio, &g.KeepAudio,
		&g.VideoURL, &g.StorageDurable,
		&g.Status, &g.Progress.Progress, &g.ProgressStage, &g.ProgressMessage, &lastActivity, &errText,
		&g.CreatedAt, &g.UpdatedAt); err != nil {
		if err == pgx.ErrNoRows {
			return models.VideoGeneration{}, fmt.Errorf("generation %s not found: %w", id, err)
		}
		return models.VideoGeneration{}, fmt.Errorf("scan generation: %w", err)
	}
	g.LastActivityAt = timePtr(lastActivity)
	g.Error = textPtr(errText)
	return g, nil
}

// SetEnhancedPrompt records the prompt actually sent to the provider.
func (s *Store) SetEnhancedPrompt(ctx context.Context, kind, id, enhanced string) error {
	table, err := tableFor(kind)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, fmt.Sprintf(`
		UPDATE %s SET enhanced_prompt = $2, last_activity_at = NOW(), updated_at = NOW() WHERE id = $1
	`, table), id, enhanced)
	if err != nil {
		return fmt.Errorf("set enhanced prompt %s/%s: %w", kind, id, err)
	}
	return nil
}

// FinishGenerationResult completes a generation-like row with its final
// video location. durable is false when the result only reached local disk.
func (s *Store) FinishGenerationResult(ctx context.Context, kind, id, videoURL string, durable bool) error {
	table, err := tableFor(kind)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, fmt.Sprintf(`
		UPDATE %s
		SET status = 'completed', video_url = $2, storage_durable = $3,
		    progress = 100, error = NULL, last_activity_at = NOW(), updated_at = NOW()
		WHERE id = $1
	`, table), id, videoURL, durable)
	if err != nil {
		return fmt.Errorf("finish %s/%s: %w", kind, id, err)
	}
	return nil
}

// CreateSceneGenerationParams collects inputs for a scene-scoped generation.
type CreateSceneGenerationParams struct {
	ReelID       string
	AnalysisID   string
	SceneIndex   int
	StartSeconds float64
	EndSeconds   float64
	Prompt       string
}

// CreateSceneGeneration inserts a pending scene generation row.
func (s *Store) CreateSceneGeneration(ctx context.Context, p CreateSceneGenerationParams) (models.SceneGeneration, error) {
	id := uuid.New().String()
	now := time.Now().UTC()
	var analysisID any
	if p.AnalysisID != "" {
		analysisID = p.AnalysisID
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO scene_generations (id, reel_id, analysis_id, scene_index, start_seconds, end_seconds, prompt, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)
	`, id, p.ReelID, analysisID, p.SceneIndex, p.StartSeconds, p.EndSeconds, p.Prompt, models.StatusPending, now)
	if err != nil {
		return models.SceneGeneration{}, fmt.Errorf("insert scene generation: %w", err)
	}
	return models.SceneGeneration{
		ID: id, ReelID: p.ReelID, AnalysisID: p.AnalysisID, SceneIndex: p.SceneIndex,
		StartSeconds: p.StartSeconds, EndSeconds: p.EndSeconds, Prompt: p.Prompt,
		StorageDurable: true,
		Progress:       models.Progress{Status: models.StatusPending},
		CreatedAt:      now, UpdatedAt: now,
	}, nil
}

// GetSceneGeneration fetches a scene generation by id.
func (s *Store) GetSceneGeneration(ctx context.Context, id string) (models.SceneGeneration, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, reel_id, COALESCE(analysis_id::text, ''), scene_index, start_seconds, end_seconds,
		       prompt, enhanced_prompt, video_url, storage_durable,
		       status, progress, progress_stage, progress_message, last_activity_at, error,
		       created_at, updated_at
		FROM scene_generations WHERE id = $1
	`, id)
	var g models.SceneGeneration
	var lastActivity pgtype.Timestamptz
	var errText pgtype.Text
	if err := row.Scan(&g.ID, &g.ReelID, &g.AnalysisID, &g.SceneIndex, &g.StartSeconds, &g.EndSeconds,
		&g.Prompt, &g.EnhancedPrompt, &g.VideoURL, &g.StorageDurable,
		&g.Status, &g.Progress.Progress, &g.ProgressStage, &g.ProgressMessage, &lastActivity, &errText,
		&g.CreatedAt, &g.UpdatedAt); err != nil {
		if err == pgx.ErrNoRows {
			return models.SceneGeneration{}, fmt.Errorf("scene generation %s not found: %w", id, err)
		}
		return models.SceneGeneration{}, fmt.Errorf("scan scene generation: %w", err)
	}
	g.LastActivityAt = timePtr(lastActivity)
	g.Error = textPtr(errText)
	return g, nil
}

// CreateComposite inserts a pending composite row after validating its
// scene config invariants. Every non-original entry must reference a scene
// generation that exists; catching a dangling reference here returns a 400
// to the caller instead of parking a composite worker on a wait that can
// never finish.
func (s *Store) CreateComposite(ctx context.Context, reelID string, entries []models.SceneConfigEntry) (models.CompositeGeneration, error) {
	if err := models.ValidateSceneConfig(entries); err != nil {
		return models.CompositeGeneration{}, err
	}
	for _, e := range entries {
		if e.UseOriginal {
			continue
		}
		var exists bool
		if err := s.pool.QueryRow(ctx, `
			SELECT EXISTS (SELECT 1 FROM scene_generations WHERE id::text = $1)
		`, e.GenerationID).Scan(&exists); err != nil {
			return models.CompositeGeneration{}, fmt.Errorf("check scene generation %s: %w", e.GenerationID, err)
		}
		if !exists {
			return models.CompositeGeneration{}, &models.SceneConfigError{
				SceneIndex: e.SceneIndex,
				Reason:     fmt.Sprintf("generationId %q does not reference a known scene generation", e.GenerationID),
			}
		}
	}
	raw, err := json.Marshal(entries)
	if err != nil {
		return models.CompositeGeneration{}, fmt.Errorf("marshal scene config: %w", err)
	}
	id := uuid.New().String()
	now := time.Now().UTC()
	_, err = s.pool.Exec(ctx, `
		INSERT INTO composite_generations (id, reel_id, scene_config, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $5)
	`, id, reelID, raw, models.StatusPending, now)
	if err != nil {
		return models.CompositeGeneration{}, fmt.Errorf("insert composite: %w", err)
	}
	return models.CompositeGeneration{
		ID: id, ReelID: reelID, SceneConfig: entries,
		StorageDurable: true,
		Progress:       models.Progress{Status: models.StatusPending},
		CreatedAt:      now, UpdatedAt: now,
	}, nil
}

// GetComposite fetches a composite by id.
func (s *Store) GetComposite(ctx context.Context, id string) (models.CompositeGeneration, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, reel_id, scene_config, video_url, storage_durable,
		       status, progress, progress_stage, progress_message, last_activity_at, error,
		       created_at, updated_at
		FROM composite_generations WHERE id = $1
	`, id)
	var c models.CompositeGeneration
	var rawConfig []byte
	var lastActivity pgtype.Timestamptz
	var errText pgtype.Text
	if err := row.Scan(&c.ID, &c.ReelID, &rawConfig, &c.VideoURL, &c.StorageDurable,
		&c.Status, &c.Progress.Progress, &c.ProgressStage, &c.ProgressMessage, &lastActivity, &errText,
		&c.CreatedAt, &c.UpdatedAt); err != nil {
		if err == pgx.ErrNoRows {
			return models.CompositeGeneration{}, fmt.Errorf("composite %s not found: %w", id, err)
		}
		return models.CompositeGeneration{}, fmt.Errorf("scan composite: %w", err)
	}
	if err := json.Unmarshal(rawConfig, &c.SceneConfig); err != nil {
		return models.CompositeGeneration{}, fmt.Errorf("unmarshal scene config: %w", err)
	}
	c.LastActivityAt = timePtr(lastActivity)
	c.Error = textPtr(errText)
	return c, nil
}

// CreateScrapeRun opens a run for the scraping collaborator.
func (s *Store) CreateScrapeRun(ctx context.Context, source, username string) (models.ScrapeRun, error) {
	id := uuid.New().String()
	now := time.Now().UTC()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO scrape_runs (id, source, username, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $5)
	`, id, source, username, models.StatusPending, now)
	if err != nil {
		return models.ScrapeRun{}, fmt.Errorf("insert scrape run: %w", err)
	}
	return models.ScrapeRun{
		ID: id, Source: source, Username: username,
		Progress:  models.Progress{Status: models.StatusPending},
		CreatedAt: now, UpdatedAt: now,
	}, nil
}

// GetScrapeRun fetches a scrape run by id.
func (s *Store) GetScrapeRun(ctx context.Context, id string) (models.ScrapeRun, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, source, username, scanned, found, downloaded,
		       status, progress, progress_stage, progress_message, last_activity_at, error,
		       created_at, updated_at
		FROM scrape_runs WHERE id = $1
	`, id)
	var r models.ScrapeRun
	var lastActivity pgtype.Timestamptz
	var errText pgtype.Text
	if err := row.Scan(&r.ID, &r.Source, &r.Username, &r.Scanned, &r.Found, &r.Downloaded,
		&r.Status, &r.Progress.Progress, &r.ProgressStage, &r.ProgressMessage, &lastActivity, &errText,
		&r.CreatedAt, &r.UpdatedAt); err != nil {
		if err == pgx.ErrNoRows {
			return models.ScrapeRun{}, fmt.Errorf("scrape run %s not found: %w", id, err)
		}
		return models.ScrapeRun{}, fmt.Errorf("scan scrape run: %w", err)
	}
	r.LastActivityAt = timePtr(lastActivity)
	r.Error = textPtr(errText)
	return r, nil
}

// AddScrapeCounts increments the run's counters; called incrementally during
// long runs so the durable row always has the freshest numbers.
func (s *Store) AddScrapeCounts(ctx context.Context, id string, scanned, found, downloaded int) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE scrape_runs
		SET scanned = scanned + $2, found = found + $3, downloaded = downloaded + $4,
		    last_activity_at = NOW(), updated_at = NOW()
		WHERE id = $1
	`, id, scanned, found, downloaded)
	if err != nil {
		return fmt.Errorf("add scrape counts: %w", err)
	}
	return nil
}

// LookupTerminal returns the fields the dependency waiter polls: current
// status, the result URL if any, and the recorded error message. A missing
// row is a dependency failure, not a transient read error: the referenced
// entity will never reach a terminal state, so waiting on it is pointless.
func (s *Store) LookupTerminal(ctx context.Context, kind, id string) (status, videoURL, errMsg string, err error) {
	table, terr := tableFor(kind)
	if terr != nil {
		return "", "", "", terr
	}
	if kind != models.KindVideoGeneration && kind != models.KindSceneGeneration && kind != models.KindCompositeGeneration {
		return "", "", "", faults.Validationf("kind %q has no terminal result", kind)
	}
	var errText pgtype.Text
	// id::text keeps a malformed reference from erroring the uuid cast; it
	// simply matches nothing and lands in the not-found branch.
	row := s.pool.QueryRow(ctx, fmt.Sprintf(`
		SELECT status, video_url, error FROM %s WHERE id::text = $1
	`, table), id)
	if scanErr := row.Scan(&status, &videoURL, &errText); scanErr != nil {
		if scanErr == pgx.ErrNoRows {
			return "", "", "", faults.Dependency(fmt.Errorf("%s %s does not exist", kind, id))
		}
		return "", "", "", fmt.Errorf("lookup %s/%s: %w", kind, id, scanErr)
	}
	if errText.Valid {
		errMsg = errText.String
	}
	return status, videoURL, errMsg, nil
}

// EntityView projects any entity row into the reconciler's read model.
func (s *Store) EntityView(ctx context.Context, kind, id string) (reconcile.EntityView, error) {
	table, err := tableFor(kind)
	if err != nil {
		return reconcile.EntityView{}, err
	}
	counters := "0, 0, 0"
	if kind == models.KindScrapeRun {
		counters = "scanned, found, downloaded"
	}
	row := s.pool.QueryRow(ctx, fmt.Sprintf(`
		SELECT status, progress, progress_stage, progress_message, last_activity_at, error, %s, updated_at
		FROM %s WHERE id = $1
	`, counters, table), id)
	view := reconcile.EntityView{Kind: kind, ID: id}
	var lastActivity pgtype.Timestamptz
	var errText pgtype.Text
	if err := row.Scan(&view.Status, &view.Progress, &view.ProgressStage, &view.ProgressMessage,
		&lastActivity, &errText, &view.Scanned, &view.Found, &view.Downloaded, &view.UpdatedAt); err != nil {
		if err == pgx.ErrNoRows {
			return reconcile.EntityView{}, fmt.Errorf("%s %s not found: %w", kind, id, err)
		}
		return reconcile.EntityView{}, fmt.Errorf("entity view %s/%s: %w", kind, id, err)
	}
	view.LastActivityAt = timePtr(lastActivity)
	view.Error = textPtr(errText)
	return view, nil
}

// StalledEntity is an active entity whose heartbeat went quiet.
type StalledEntity struct {
	Kind           string    `json:"kind"`
	ID             string    `json:"id"`
	Status         string    `json:"status"`
	LastActivityAt time.Time `json:"last_activity_at"`
}

// activeStatuses are the non-terminal states a stall sweep cares about.
var activeStatuses = map[string][]string{
	models.KindReel:                {models.ReelDownloading, models.ReelAnalyzing},
	models.KindVideoAnalysis:       {models.StatusProcessing},
	models.KindVideoGeneration:     {models.StatusProcessing},
	models.KindSceneGeneration:     {models.StatusProcessing},
	models.KindCompositeGeneration: {models.StatusProcessing},
	models.KindScrapeRun:           {models.StatusProcessing},
}

// ListStalled returns active entities whose last_activity_at is older than
// the cutoff. Classification only; nothing is mutated.
func (s *Store) ListStalled(ctx context.Context, cutoff time.Time) ([]StalledEntity, error) {
	var out []StalledEntity
	for kind, statuses := range activeStatuses {
		table, err := tableFor(kind)
		if err != nil {
			return nil, err
		}
		rows, err := s.pool.Query(ctx, fmt.Sprintf(`
			SELECT id, status, last_activity_at FROM %s
			WHERE status = ANY($1) AND last_activity_at IS NOT NULL AND last_activity_at < $2
		`, table), statuses, cutoff)
		if err != nil {
			return nil, fmt.Errorf("list stalled %s: %w", kind, err)
		}
		for rows.Next() {
			e := StalledEntity{Kind: kind}
			if err := rows.Scan(&e.ID, &e.Status, &e.LastActivityAt); err != nil {
				rows.Close()
				return nil, fmt.Errorf("scan stalled %s: %w", kind, err)
			}
			out = append(out, e)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, err
		}
	}
	return out, nil
}
