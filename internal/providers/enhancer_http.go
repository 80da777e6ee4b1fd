package providers

import (
	"context"
	"net/http"
	"time"
)

// HTTPEnhancer calls the text-enhancement provider. A zero baseURL means
// unconfigured; NewHTTPEnhancer returns nil then, and callers treat a nil
// enhancer as "use the raw prompt".
type HTTPEnhancer struct {
	baseURL string
	client  *http.Client
}

// NewHTTPEnhancer returns nil when baseURL is empty.
func NewHTTPEnhancer(baseURL string, timeout time.Duration) *HTTPEnhancer {
	if baseURL == "" {
		return nil
	}
	return &HTTPEnhancer{baseURL: baseURL, client: newHTTPClient(timeout)}
}

type enhanceResponse struct {
	Prompt string `json:"prompt"`
}

// Enhance rewrites the prompt for the generation provider.
func (e *HTTPEnhancer) Enhance(ctx context.Context, prompt string) (string, error) {
	var out enhanceResponse
	if err := postJSON(ctx, e.client, e.baseURL+"/v1/enhance", map[string]string{"prompt": prompt}, &out); err != nil {
		return "", err
	}
	if out.Prompt == "" {
		return prompt, nil
	}
	return out.Prompt, nil
}
