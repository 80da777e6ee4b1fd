package providers

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// HTTPScraper fronts the browser-automation collaborator. Scraping mechanics
// live entirely on the other side; this client only shapes the call.
type HTTPScraper struct {
	baseURL string
	client  *http.Client
}

// NewHTTPScraper builds a scraper client.
func NewHTTPScraper(baseURL string, timeout time.Duration) *HTTPScraper {
	return &HTTPScraper{baseURL: baseURL, client: newHTTPClient(timeout)}
}

type scrapeResponse struct {
	Scanned int           `json:"scanned"`
	Items   []ScrapedReel `json:"items"`
}

// Scrape runs one pass and feeds each discovered reel to onItem as it is
// recorded, so counters stay fresh during long runs.
func (s *HTTPScraper) Scrape(ctx context.Context, source, username string, limit int, onItem func(ScrapedReel) error) (ScrapeStats, error) {
	if s.baseURL == "" {
		return ScrapeStats{}, fmt.Errorf("scraper is not configured")
	}
	var out scrapeResponse
	err := postJSON(ctx, s.client, s.baseURL+"/v1/scrape",
		map[string]any{"source": source, "username": username, "limit": limit}, &out)
	if err != nil {
		return ScrapeStats{}, err
	}
	stats := ScrapeStats{Scanned: out.Scanned, Found: len(out.Items)}
	for _, item := range out.Items {
		if err := onItem(item); err != nil {
			return stats, err
		}
	}
	return stats, nil
}
