package models

import (
	"fmt"
	"time"
)

// Entity kinds addressed by jobs, the progress reporter, and the waiter.
const (
	KindReel                = "reel"
	KindVideoAnalysis       = "video_analysis"
	KindVideoGeneration     = "video_generation"
	KindSceneGeneration     = "scene_generation"
	KindCompositeGeneration = "composite_generation"
	KindScrapeRun           = "scrape_run"
)

// Reel lifecycle. Status only moves forward through this sequence or
// terminates in failed.
const (
	ReelScraped     = "scraped"
	ReelDownloading = "downloading"
	ReelDownloaded  = "downloaded"
	ReelAnalyzing   = "analyzing"
	ReelAnalyzed    = "analyzed"
	ReelFailed      = "failed"
)

// Shared lifecycle for generations, analyses, and scrape runs.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// Progress carries the user-visible progress columns shared by every
// processing entity. LastActivityAt is the heartbeat a health monitor reads
// to tell "stalled" from "slow but alive".
type Progress struct {
	Status          string     `json:"status"`
	Progress        int        `json:"progress"`
	ProgressStage   string     `json:"progress_stage"`
	ProgressMessage string     `json:"progress_message"`
	LastActivityAt  *time.Time `json:"last_activity_at,omitempty"`
	Error           *string    `json:"error,omitempty"`
}

// Reel is a scraped short-form video moving through the stage pipeline.
type Reel struct {
	ID              string  `json:"id"`
	SourceURL       string  `json:"source_url"`
	Author          string  `json:"author,omitempty"`
	Caption         string  `json:"caption,omitempty"`
	VideoKey        string  `json:"video_key,omitempty"`
	DurationSeconds float64 `json:"duration_seconds"`
	Progress
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Analysis strategies.
const (
	StrategyFrames   = "frames"
	StrategyScenes   = "scenes"
	StrategyElements = "elements"
)

// VideoAnalysis is the result of running one analysis strategy over a reel.
type VideoAnalysis struct {
	ID         string   `json:"id"`
	ReelID     string   `json:"reel_id"`
	Strategy   string   `json:"strategy"`
	Tags       []string `json:"tags"`
	SceneCount int      `json:"scene_count"`
	Progress
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// AnalysisScene is one analyzed scene, persisted as soon as it is computed so
// partial progress survives a later scene failing.
type AnalysisScene struct {
	AnalysisID   string  `json:"analysis_id"`
	SceneIndex   int     `json:"scene_index"`
	StartSeconds float64 `json:"start_seconds"`
	EndSeconds   float64 `json:"end_seconds"`
	Elements     []byte  `json:"elements"`
}

// VideoGeneration is one prompt-driven remix of a full reel.
type VideoGeneration struct {
	ID              string  `json:"id"`
	ReelID          string  `json:"reel_id"`
	Prompt          string  `json:"prompt"`
	EnhancedPrompt  string  `json:"enhanced_prompt,omitempty"`
	DurationSeconds float64 `json:"duration_seconds"`
	AspectRatio     string  `json:"aspect_ratio,omitempty"`
	KeepAudio       bool    `json:"keep_audio"`
	VideoURL        string  `json:"video_url,omitempty"`
	// StorageDurable is false when the preferred object store rejected the
	// result and it was written to local disk instead.
	StorageDurable bool `json:"storage_durable"`
	Progress
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SceneGeneration is a generation scoped to one time window of a reel.
type SceneGeneration struct {
	ID             string  `json:"id"`
	ReelID         string  `json:"reel_id"`
	AnalysisID     string  `json:"analysis_id,omitempty"`
	SceneIndex     int     `json:"scene_index"`
	StartSeconds   float64 `json:"start_seconds"`
	EndSeconds     float64 `json:"end_seconds"`
	Prompt         string  `json:"prompt"`
	EnhancedPrompt string  `json:"enhanced_prompt,omitempty"`
	VideoURL       string  `json:"video_url,omitempty"`
	StorageDurable bool    `json:"storage_durable"`
	Progress
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SceneConfigEntry describes one slot of a composite: either the original
// footage trimmed to a window, or the output of a referenced scene generation.
type SceneConfigEntry struct {
	SceneIndex   int     `json:"sceneIndex"`
	UseOriginal  bool    `json:"useOriginal"`
	GenerationID string  `json:"generationId,omitempty"`
	StartTime    float64 `json:"startTime"`
	EndTime      float64 `json:"endTime"`
}

// CompositeGeneration assembles a final video from a mix of original and
// generated scene segments.
type CompositeGeneration struct {
	ID             string             `json:"id"`
	ReelID         string             `json:"reel_id"`
	SceneConfig    []SceneConfigEntry `json:"scene_config"`
	VideoURL       string             `json:"video_url,omitempty"`
	StorageDurable bool               `json:"storage_durable"`
	Progress
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ScrapeRun tracks one scrape pass; its counters are updated incrementally
// while the run is live, which is why the reconciler treats the row as
// authoritative for them.
type ScrapeRun struct {
	ID         string `json:"id"`
	Source     string `json:"source"`
	Username   string `json:"username"`
	Scanned    int    `json:"scanned"`
	Found      int    `json:"found"`
	Downloaded int    `json:"downloaded"`
	Progress
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ValidateSceneConfig checks the composite invariants: every scene index
// appears exactly once and non-original entries reference a generation.
func ValidateSceneConfig(entries []SceneConfigEntry) error {
	if len(entries) == 0 {
		return &SceneConfigError{SceneIndex: -1, Reason: "scene config is empty"}
	}
	seen := make(map[int]bool, len(entries))
	for _, e := range entries {
		if seen[e.SceneIndex] {
			return &SceneConfigError{SceneIndex: e.SceneIndex, Reason: "duplicate scene index"}
		}
		seen[e.SceneIndex] = true
		if !e.UseOriginal && e.GenerationID == "" {
			return &SceneConfigError{SceneIndex: e.SceneIndex, Reason: "generationId required when useOriginal is false"}
		}
		if e.EndTime <= e.StartTime {
			return &SceneConfigError{SceneIndex: e.SceneIndex, Reason: "endTime must be after startTime"}
		}
	}
	return nil
}

// SceneConfigError reports an invalid composite scene configuration.
// SceneIndex is -1 when the problem is not tied to a single entry.
type SceneConfigError struct {
	SceneIndex int
	Reason     string
}

func (e *SceneConfigError) Error() string {
	if e.SceneIndex < 0 {
		return "invalid scene config: " + e.Reason
	}
	return fmt.Sprintf("invalid scene config: scene %d: %s", e.SceneIndex, e.Reason)
}
