package providers

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"reelforge/internal/ratelimit"
	"reelforge/internal/telemetry"
)

// HTTPGenerator drives the generative-video provider: submit a task, then
// poll it to completion, relaying provider progress through the callback.
type HTTPGenerator struct {
	baseURL      string
	apiKey       string
	client       *http.Client
	limiter      *ratelimit.TokenBucket
	pollInterval time.Duration
}

// NewHTTPGenerator builds a generator client. limiter may be nil (no
// throttling, e.g. in tests).
func NewHTTPGenerator(baseURL, apiKey string, timeout time.Duration, limiter *ratelimit.TokenBucket) *HTTPGenerator {
	return &HTTPGenerator{
		baseURL:      baseURL,
		apiKey:       apiKey,
		client:       newHTTPClient(timeout),
		limiter:      limiter,
		pollInterval: 5 * time.Second,
	}
}

type generateSubmit struct {
	SourceURL string          `json:"source_url"`
	Prompt    string          `json:"prompt"`
	Options   GenerateOptions `json:"options"`
	APIKey    string          `json:"api_key,omitempty"`
}

type generateTaskStatus struct {
	TaskID   string `json:"task_id"`
	Status   string `json:"status"` // queued | running | succeeded | failed
	Percent  int    `json:"percent"`
	Message  string `json:"message"`
	VideoURL string `json:"video_url,omitempty"`
	Error    string `json:"error,omitempty"`
}

// GenerateVideoToVideo submits and polls one generation task. The provider's
// own percent is passed through onProgress untranslated; callers map it into
// their stage window.
func (g *HTTPGenerator) GenerateVideoToVideo(ctx context.Context, sourceURL, prompt string, opts GenerateOptions, onProgress ProgressFunc) (GenerateResult, error) {
	if g.baseURL == "" {
		return GenerateResult{}, fmt.Errorf("generator is not configured")
	}
	if g.limiter != nil {
		if err := g.limiter.Wait(ctx, "rl:generator"); err != nil {
			telemetry.ProviderRejects.Inc()
			return GenerateResult{}, fmt.Errorf("generator rate limit: %w", err)
		}
	}

	var task generateTaskStatus
	submit := generateSubmit{SourceURL: sourceURL, Prompt: prompt, Options: opts, APIKey: g.apiKey}
	if err := postJSON(ctx, g.client, g.baseURL+"/v1/generate", submit, &task); err != nil {
		return GenerateResult{}, err
	}
	if task.Status == "failed" {
		return GenerateResult{Success: false, TaskID: task.TaskID, Error: task.Error}, nil
	}
	if onProgress != nil {
		onProgress("generate", 0, "generation task accepted")
	}

	ticker := time.NewTicker(g.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return GenerateResult{TaskID: task.TaskID}, ctx.Err()
		case <-ticker.C:
		}

		var status generateTaskStatus
		if err := postJSON(ctx, g.client, g.baseURL+"/v1/tasks/"+task.TaskID, nil, &status); err != nil {
			return GenerateResult{TaskID: task.TaskID}, err
		}
		if onProgress != nil {
			onProgress("generate", status.Percent, status.Message)
		}
		switch status.Status {
		case "succeeded":
			return GenerateResult{Success: true, TaskID: task.TaskID, VideoURL: status.VideoURL}, nil
		case "failed":
			return GenerateResult{Success: false, TaskID: task.TaskID, Error: status.Error}, nil
		}
	}
}
