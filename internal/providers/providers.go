// Package providers defines the contracts for the external AI and media
// collaborators the pipeline calls, plus their HTTP client implementations.
// The core treats each as a black-box RPC with a progress callback.
package providers

import (
	"context"
	"encoding/json"
)

// ProgressFunc receives collaborator progress: a stage label, 0-100 percent,
// and a human message.
type ProgressFunc func(stage string, percent int, message string)

// AnalysisRequest carries either a fetchable video URL or pre-sampled frames.
type AnalysisRequest struct {
	VideoURL string
	Frames   [][]byte
	Prompt   string
}

// AnalysisResult is the structured output of one analysis call.
type AnalysisResult struct {
	Elements    json.RawMessage `json:"elements"`
	Tags        []string        `json:"tags"`
	Duration    float64         `json:"duration"`
	AspectRatio string          `json:"aspect_ratio"`
}

// Analyzer turns video (or frames) into structured elements and tags.
type Analyzer interface {
	Analyze(ctx context.Context, req AnalysisRequest, onProgress ProgressFunc) (AnalysisResult, error)
}

// GenerateOptions tunes a video-to-video generation.
type GenerateOptions struct {
	DurationSeconds float64  `json:"duration_seconds,omitempty"`
	AspectRatio     string   `json:"aspect_ratio,omitempty"`
	KeepAudio       bool     `json:"keep_audio"`
	ImageRefs       []string `json:"image_refs,omitempty"`
}

// GenerateResult is the generation provider's terminal answer.
type GenerateResult struct {
	Success  bool   `json:"success"`
	VideoURL string `json:"video_url,omitempty"`
	TaskID   string `json:"task_id,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Generator produces a remixed video from a source video and a prompt.
type Generator interface {
	GenerateVideoToVideo(ctx context.Context, sourceURL, prompt string, opts GenerateOptions, onProgress ProgressFunc) (GenerateResult, error)
}

// Scene is one detected scene boundary pair, in seconds.
type Scene struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

// Segmenter detects scene boundaries in a clip.
type Segmenter interface {
	DetectScenes(ctx context.Context, videoURL string) ([]Scene, error)
}

// VideoTools is the FFmpeg-like media collaborator: trimming, concatenation,
// duration probing, and frame sampling.
type VideoTools interface {
	Trim(ctx context.Context, sourceURL string, startSeconds, endSeconds float64) ([]byte, error)
	Concat(ctx context.Context, segments [][]byte) ([]byte, error)
	ProbeDuration(ctx context.Context, sourceURL string) (float64, error)
	SampleFrames(ctx context.Context, sourceURL string, count int) ([][]byte, error)
}

// PromptEnhancer rewrites a user prompt for the generation provider. It is
// optional: an unconfigured enhancer means callers fall back to the raw
// prompt without error.
type PromptEnhancer interface {
	Enhance(ctx context.Context, prompt string) (string, error)
}

// ScrapedReel is one item returned by the scraping collaborator.
type ScrapedReel struct {
	SourceURL string `json:"source_url"`
	Author    string `json:"author"`
	Caption   string `json:"caption"`
}

// ScrapeStats summarize one scrape pass.
type ScrapeStats struct {
	Scanned int `json:"scanned"`
	Found   int `json:"found"`
}

// Scraper is the browser-automation collaborator; its mechanics are out of
// scope here, only the call shape.
type Scraper interface {
	Scrape(ctx context.Context, source, username string, limit int, onItem func(ScrapedReel) error) (ScrapeStats, error)
}
