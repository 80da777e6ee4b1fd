package providers

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"time"
)

// HTTPAnalyzer calls the analysis provider's synchronous endpoint with an
// operation-scoped timeout.
type HTTPAnalyzer struct {
	baseURL string
	client  *http.Client
}

// NewHTTPAnalyzer builds an analyzer client. timeout bounds one analysis
// call end to end.
func NewHTTPAnalyzer(baseURL string, timeout time.Duration) *HTTPAnalyzer {
	return &HTTPAnalyzer{baseURL: baseURL, client: newHTTPClient(timeout)}
}

type analyzeRequest struct {
	VideoURL string   `json:"video_url,omitempty"`
	Frames   []string `json:"frames,omitempty"` // base64 JPEG
	Prompt   string   `json:"prompt"`
}

// Analyze submits the video or frames and reports coarse progress around the
// single blocking call.
func (a *HTTPAnalyzer) Analyze(ctx context.Context, req AnalysisRequest, onProgress ProgressFunc) (AnalysisResult, error) {
	if a.baseURL == "" {
		return AnalysisResult{}, fmt.Errorf("analyzer is not configured")
	}
	body := analyzeRequest{VideoURL: req.VideoURL, Prompt: req.Prompt}
	for _, frame := range req.Frames {
		body.Frames = append(body.Frames, base64.StdEncoding.EncodeToString(frame))
	}
	if onProgress != nil {
		onProgress("analyze", 0, "submitting to analysis provider")
	}
	var result AnalysisResult
	if err := postJSON(ctx, a.client, a.baseURL+"/v1/analyze", body, &result); err != nil {
		return AnalysisResult{}, err
	}
	if onProgress != nil {
		onProgress("analyze", 100, "analysis complete")
	}
	return result, nil
}
