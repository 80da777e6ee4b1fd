package providers

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"time"
)

// HTTPVideoTools talks to the media-processing collaborator (trim, concat,
// probe, frame sampling). It also implements Segmenter when the same service
// hosts scene detection; a separate segmenter URL overrides that.
type HTTPVideoTools struct {
	baseURL      string
	segmenterURL string
	client       *http.Client
	maxBytes     int64
}

// NewHTTPVideoTools builds the media client. segmenterURL may equal baseURL.
func NewHTTPVideoTools(baseURL, segmenterURL string, timeout time.Duration, maxBytes int64) *HTTPVideoTools {
	if segmenterURL == "" {
		segmenterURL = baseURL
	}
	return &HTTPVideoTools{
		baseURL:      baseURL,
		segmenterURL: segmenterURL,
		client:       newHTTPClient(timeout),
		maxBytes:     maxBytes,
	}
}

type trimRequest struct {
	SourceURL    string  `json:"source_url"`
	StartSeconds float64 `json:"start_seconds"`
	EndSeconds   float64 `json:"end_seconds"`
}

// Trim cuts [start, end] out of the source clip and returns the bytes.
func (v *HTTPVideoTools) Trim(ctx context.Context, sourceURL string, startSeconds, endSeconds float64) ([]byte, error) {
	if v.baseURL == "" {
		return nil, fmt.Errorf("video tools are not configured")
	}
	return postForBytes(ctx, v.client, v.baseURL+"/v1/trim",
		trimRequest{SourceURL: sourceURL, StartSeconds: startSeconds, EndSeconds: endSeconds}, v.maxBytes)
}

type concatRequest struct {
	Segments []string `json:"segments"` // base64, in final order
}

// Concat joins segments in the given order and returns the joined bytes.
func (v *HTTPVideoTools) Concat(ctx context.Context, segments [][]byte) ([]byte, error) {
	if v.baseURL == "" {
		return nil, fmt.Errorf("video tools are not configured")
	}
	req := concatRequest{Segments: make([]string, 0, len(segments))}
	for _, seg := range segments {
		req.Segments = append(req.Segments, base64.StdEncoding.EncodeToString(seg))
	}
	return postForBytes(ctx, v.client, v.baseURL+"/v1/concat", req, v.maxBytes)
}

type probeResponse struct {
	DurationSeconds float64 `json:"duration_seconds"`
}

// ProbeDuration returns the clip length in seconds.
func (v *HTTPVideoTools) ProbeDuration(ctx context.Context, sourceURL string) (float64, error) {
	if v.baseURL == "" {
		return 0, fmt.Errorf("video tools are not configured")
	}
	var out probeResponse
	if err := postJSON(ctx, v.client, v.baseURL+"/v1/probe", map[string]string{"source_url": sourceURL}, &out); err != nil {
		return 0, err
	}
	return out.DurationSeconds, nil
}

type framesResponse struct {
	Frames []string `json:"frames"` // base64 JPEG
}

// SampleFrames extracts count frames spread across the clip.
func (v *HTTPVideoTools) SampleFrames(ctx context.Context, sourceURL string, count int) ([][]byte, error) {
	if v.baseURL == "" {
		return nil, fmt.Errorf("video tools are not configured")
	}
	var out framesResponse
	err := postJSON(ctx, v.client, v.baseURL+"/v1/frames",
		map[string]any{"source_url": sourceURL, "count": count}, &out)
	if err != nil {
		return nil, err
	}
	frames := make([][]byte, 0, len(out.Frames))
	for i, enc := range out.Frames {
		raw, err := base64.StdEncoding.DecodeString(enc)
		if err != nil {
			return nil, fmt.Errorf("decode frame %d: %w", i, err)
		}
		frames = append(frames, raw)
	}
	return frames, nil
}

type scenesResponse struct {
	Scenes []Scene `json:"scenes"`
}

// DetectScenes asks the segmentation collaborator for boundaries. An empty
// answer is a valid answer; callers synthesize a whole-clip scene.
func (v *HTTPVideoTools) DetectScenes(ctx context.Context, videoURL string) ([]Scene, error) {
	if v.segmenterURL == "" {
		return nil, fmt.Errorf("segmenter is not configured")
	}
	var out scenesResponse
	if err := postJSON(ctx, v.client, v.segmenterURL+"/v1/scenes", map[string]string{"source_url": videoURL}, &out); err != nil {
		return nil, err
	}
	return out.Scenes, nil
}
