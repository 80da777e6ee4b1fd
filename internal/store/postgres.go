package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"reelforge/internal/models"
)

// Store wraps pgxpool for Postgres persistence of the processing entities.
// Entity rows are the durable source of truth for UI polling; the queue's
// jobs are transient orchestration metadata.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// kindTables maps entity kinds to their tables. Every table carries the same
// progress columns, which is what lets the reporter and health sweep stay
// generic.
var kindTables = map[string]string{
	models.KindReel:                "reels",
	models.KindVideoAnalysis:       "video_analyses",
	models.KindVideoGeneration:     "video_generations",
	models.KindSceneGeneration:     "scene_generations",
	models.KindCompositeGeneration: "composite_generations",
	models.KindScrapeRun:           "scrape_runs",
}

func tableFor(kind string) (string, error) {
	t, ok := kindTables[kind]
	if !ok {
		return "", fmt.Errorf("unknown entity kind %q", kind)
	}
	return t, nil
}

// SetProgress writes the progress columns and bumps the heartbeat.
func (s *Store) SetProgress(ctx context.Context, kind, id string, percent int, stage, message string) error {
	table, err := tableFor(kind)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, fmt.Sprintf(`
		UPDATE %s
		SET progress = $2, progress_stage = $3, progress_message = $4,
		    last_activity_at = NOW(), updated_at = NOW()
		WHERE id = $1
	`, table), id, percent, stage, message)
	if err != nil {
		return fmt.Errorf("set progress %s/%s: %w", kind, id, err)
	}
	return nil
}

// TouchActivity bumps last_activity_at only; the heartbeat for work that has
// no new percentage to report.
func (s *Store) TouchActivity(ctx context.Context, kind, id string) error {
	table, err := tableFor(kind)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, fmt.Sprintf(`
		UPDATE %s SET last_activity_at = NOW(), updated_at = NOW() WHERE id = $1
	`, table), id)
	if err != nil {
		return fmt.Errorf("touch %s/%s: %w", kind, id, err)
	}
	return nil
}

// SetEntityStatus moves an entity into a new stage status, clearing any prior
// error (entering a stage starts fresh).
func (s *Store) SetEntityStatus(ctx context.Context, kind, id, status string) error {
	table, err := tableFor(kind)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, fmt.Sprintf(`
		UPDATE %s
		SET status = $2, error = NULL, last_activity_at = NOW(), updated_at = NOW()
		WHERE id = $1
	`, table), id, status)
	if err != nil {
		return fmt.Errorf("set status %s/%s: %w", kind, id, err)
	}
	return nil
}

// MarkEntityFailed records a user-visible failure. Status, error, and the
// progress reset for the failing stage are one atomic update, not two races.
func (s *Store) MarkEntityFailed(ctx context.Context, kind, id, stage, errMsg string) error {
	table, err := tableFor(kind)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, fmt.Sprintf(`
		UPDATE %s
		SET status = 'failed', error = $2, progress = 0, progress_stage = $3,
		    last_activity_at = NOW(), updated_at = NOW()
		WHERE id = $1
	`, table), id, errMsg, stage)
	if err != nil {
		return fmt.Errorf("mark failed %s/%s: %w", kind, id, err)
	}
	return nil
}

// StatusCounts groups an entity kind by status for health endpoints.
func (s *Store) StatusCounts(ctx context.Context, kind string) (map[string]int64, error) {
	table, err := tableFor(kind)
	if err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, fmt.Sprintf(`SELECT status, COUNT(*) FROM %s GROUP BY status`, table))
	if err != nil {
		return nil, fmt.Errorf("status counts %s: %w", kind, err)
	}
	defer rows.Close()
	out := map[string]int64{}
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan status counts: %w", err)
		}
		out[status] = n
	}
	return out, rows.Err()
}

// CreateReel inserts a freshly scraped reel.
func (s *Store) CreateReel(ctx context.Context, sourceURL, author, caption string) (models.Reel, error) {
	id := uuid.New().String()
	now := time.Now().UTC()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO reels (id, source_url, author, caption, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6)
	`, id, sourceURL, author, caption, models.ReelScraped, now)
	if err != nil {
		return models.Reel{}, fmt.Errorf("insert reel: %w", err)
	}
	return models.Reel{
		ID: id, SourceURL: sourceURL, Author: author, Caption: caption,
		Progress:  models.Progress{Status: models.ReelScraped},
		CreatedAt: now, UpdatedAt: now,
	}, nil
}

// GetReel fetches a reel by id.
func (s *Store) GetReel(ctx context.Context, id string) (models.Reel, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, source_url, author, caption, video_key, duration_seconds,
		       status, progress, progress_stage, progress_message, last_activity_at, error,
		       created_at, updated_at
		FROM reels WHERE id = $1
	`, id)
	var r models.Reel
	var lastActivity pgtype.Timestamptz
	var errText pgtype.Text
	if err := row.Scan(&r.ID, &r.SourceURL, &r.Author, &r.Caption, &r.VideoKey, &r.DurationSeconds,
		&r.Status, &r.Progress.Progress, &r.ProgressStage, &r.ProgressMessage, &lastActivity, &errText,
		&r.CreatedAt, &r.UpdatedAt); err != nil {
		if err == pgx.ErrNoRows {
			return models.Reel{}, fmt.Errorf("reel %s not found: %w", id, err)
		}
		return models.Reel{}, fmt.Errorf("scan reel: %w", err)
	}
	r.LastActivityAt = timePtr(lastActivity)
	r.Error = textPtr(errText)
	return r, nil
}

// SetReelVideo records the downloaded video's storage key.
func (s *Store) SetReelVideo(ctx context.Context, id, videoKey string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE reels SET video_key = $2, last_activity_at = NOW(), updated_at = NOW() WHERE id = $1
	`, id, videoKey)
	if err != nil {
		return fmt.Errorf("set reel video: %w", err)
	}
	return nil
}

// SetReelDuration records the probed clip duration.
func (s *Store) SetReelDuration(ctx context.Context, id string, seconds float64) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE reels SET duration_seconds = $2, last_activity_at = NOW(), updated_at = NOW() WHERE id = $1
	`, id, seconds)
	if err != nil {
		return fmt.Errorf("set reel duration: %w", err)
	}
	return nil
}

// CreateAnalysis opens an analysis row for one strategy over a reel.
func (s *Store) CreateAnalysis(ctx context.Context, reelID, strategy string) (models.VideoAnalysis, error) {
	id := uuid.New().String()
	now := time.Now().UTC()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO video_analyses (id, reel_id, strategy, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $5)
	`, id, reelID, strategy, models.StatusProcessing, now)
	if err != nil {
		return models.VideoAnalysis{}, fmt.Errorf("insert analysis: %w", err)
	}
	return models.VideoAnalysis{
		ID: id, ReelID: reelID, Strategy: strategy,
		Progress:  models.Progress{Status: models.StatusProcessing},
		CreatedAt: now, UpdatedAt: now,
	}, nil
}

// GetAnalysis fetches an analysis by id.
func (s *Store) GetAnalysis(ctx context.Context, id string) (models.VideoAnalysis, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, reel_id, strategy, tags, scene_count,
		       status, progress, progress_stage, progress_message, last_activity_at, error,
		       created_at, updated_at
		FROM video_analyses WHERE id = $1
	`, id)
	var a models.VideoAnalysis
	var lastActivity pgtype.Timestamptz
	var errText pgtype.Text
	if err := row.Scan(&a.ID, &a.ReelID, &a.Strategy, &a.Tags, &a.SceneCount,
		&a.Status, &a.Progress.Progress, &a.ProgressStage, &a.ProgressMessage, &lastActivity, &errText,
		&a.CreatedAt, &a.UpdatedAt); err != nil {
		if err == pgx.ErrNoRows {
			return models.VideoAnalysis{}, fmt.Errorf("analysis %s not found: %w", id, err)
		}
		return models.VideoAnalysis{}, fmt.Errorf("scan analysis: %w", err)
	}
	a.LastActivityAt = timePtr(lastActivity)
	a.Error = textPtr(errText)
	return a, nil
}

// InsertAnalysisScene persists one scene's elements as soon as they are
// computed so partial progress survives a later scene failing.
func (s *Store) InsertAnalysisScene(ctx context.Context, scene models.AnalysisScene) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO analysis_scenes (analysis_id, scene_index, start_seconds, end_seconds, elements)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (analysis_id, scene_index) DO UPDATE SET elements = EXCLUDED.elements
	`, scene.AnalysisID, scene.SceneIndex, scene.StartSeconds, scene.EndSeconds, scene.Elements)
	if err != nil {
		return fmt.Errorf("insert analysis scene: %w", err)
	}
	return nil
}

// ListAnalysisScenes returns scenes in index order.
func (s *Store) ListAnalysisScenes(ctx context.Context, analysisID string) ([]models.AnalysisScene, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT analysis_id, scene_index, start_seconds, end_seconds, elements
		FROM analysis_scenes WHERE analysis_id = $1 ORDER BY scene_index
	`, analysisID)
	if err != nil {
		return nil, fmt.Errorf("list analysis scenes: %w", err)
	}
	defer rows.Close()
	var out []models.AnalysisScene
	for rows.Next() {
		var sc models.AnalysisScene
		if err := rows.Scan(&sc.AnalysisID, &sc.SceneIndex, &sc.StartSeconds, &sc.EndSeconds, &sc.Elements); err != nil {
			return nil, fmt.Errorf("scan analysis scene: %w", err)
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

// FinishAnalysis records the accumulated tags and scene count and completes
// the row.
func (s *Store) FinishAnalysis(ctx context.Context, id string, tags []string, sceneCount int) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE video_analyses
		SET status = $2, tags = $3, scene_count = $4, progress = 100,
		    error = NULL, last_activity_at = NOW(), updated_at = NOW()
		WHERE id = $1
	`, id, models.StatusCompleted, tags, sceneCount)
	if err != nil {
		return fmt.Errorf("finish analysis: %w", err)
	}
	return nil
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}

func timePtr(t pgtype.Timestamptz) *time.Time {
	if t.Valid {
		v := t.Time.UTC()
		return &v
	}
	return nil
}
