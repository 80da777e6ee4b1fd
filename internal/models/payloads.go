package models

// Pipeline actions multiplexed on the pipeline queue. The set is closed;
// decode validates against it so an unknown action never reaches a handler.
const (
	ActionDownload        = "download"
	ActionAnalyze         = "analyze"
	ActionProcess         = "process"
	ActionRefreshDuration = "refresh-duration"
)

// PipelinePayload is the pipeline-queue job payload: one action against one reel.
type PipelinePayload struct {
	Action   string `json:"action"`
	ReelID   string `json:"reel_id"`
	Strategy string `json:"strategy,omitempty"` // analyze only
}

// ScrapePayload asks the scraping collaborator for new reels.
type ScrapePayload struct {
	RunID    string `json:"run_id"`
	Source   string `json:"source"`
	Username string `json:"username"`
	Limit    int    `json:"limit,omitempty"`
}

// GenerationPayload drives a single video generation job.
type GenerationPayload struct {
	GenerationID string `json:"generation_id"`
}

// SceneGenerationPayload drives a per-scene generation job.
type SceneGenerationPayload struct {
	SceneGenerationID string `json:"scene_generation_id"`
}

// CompositePayload drives a composite assembly job.
type CompositePayload struct {
	CompositeID string `json:"composite_id"`
}
