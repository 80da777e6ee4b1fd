package scrape

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"

	"reelforge/internal/models"
	"reelforge/internal/providers"
	"reelforge/internal/queue"
)

type fakeStore struct {
	mu       sync.Mutex
	runs     map[string]models.ScrapeRun
	reels    []models.Reel
	counts   [3]int // scanned, found, downloaded totals
	statuses []string
	failures []string
}

func (f *fakeStore) SetProgress(_ context.Context, _, _ string, _ int, _, _ string) error {
	return nil
}
func (f *fakeStore) TouchActivity(_ context.Context, _, _ string) error { return nil }

func (f *fakeStore) GetScrapeRun(_ context.Context, id string) (models.ScrapeRun, error) {
	r, ok := f.runs[id]
	if !ok {
		return models.ScrapeRun{}, fmt.Errorf("run %s not found", id)
	}
	return r, nil
}

func (f *fakeStore) SetEntityStatus(_ context.Context, kind, id, status string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses = append(f.statuses, kind+"/"+id+"="+status)
	return nil
}

func (f *fakeStore) MarkEntityFailed(_ context.Context, kind, id, stage, errMsg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures = append(f.failures, fmt.Sprintf("%s/%s@%s: %s", kind, id, stage, errMsg))
	return nil
}

func (f *fakeStore) AddScrapeCounts(_ context.Context, _ string, scanned, found, downloaded int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.counts[0] += scanned
	f.counts[1] += found
	f.counts[2] += downloaded
	return nil
}

func (f *fakeStore) CreateReel(_ context.Context, sourceURL, author, caption string) (models.Reel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	reel := models.Reel{ID: fmt.Sprintf("reel-%d", len(f.reels)+1), SourceURL: sourceURL, Author: author, Caption: caption}
	f.reels = append(f.reels, reel)
	return reel, nil
}

type fakeScraper struct {
	items []providers.ScrapedReel
	stats providers.ScrapeStats
	err   error
}

func (s *fakeScraper) Scrape(_ context.Context, _, _ string, _ int, onItem func(providers.ScrapedReel) error) (providers.ScrapeStats, error) {
	if s.err != nil {
		return providers.ScrapeStats{}, s.err
	}
	for _, item := range s.items {
		if err := onItem(item); err != nil {
			return s.stats, err
		}
	}
	return s.stats, nil
}

type fakeEnqueuer struct {
	mu   sync.Mutex
	jobs []string
}

func (e *fakeEnqueuer) Enqueue(_ context.Context, _ any, opts queue.EnqueueOpts) (*models.Job, bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.jobs = append(e.jobs, opts.JobID)
	return &models.Job{ID: opts.JobID}, true, nil
}

func scrapeJob(t *testing.T, runID string, final bool) *models.Job {
	t.Helper()
	raw, err := json.Marshal(models.ScrapePayload{RunID: runID, Source: "shorts", Username: "creator"})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return &models.Job{ID: "scrape:" + runID, Payload: raw, MaxAttempts: 2, FinalAttempt: final}
}

func TestScrapeRecordsReelsAndChainsDownloads(t *testing.T) {
	st := &fakeStore{runs: map[string]models.ScrapeRun{"run1": {ID: "run1"}}}
	scraper := &fakeScraper{
		items: []providers.ScrapedReel{
			{SourceURL: "http://a", Author: "x"},
			{SourceURL: "http://b", Author: "y"},
		},
		stats: providers.ScrapeStats{Scanned: 50, Found: 2},
	}
	enq := &fakeEnqueuer{}
	h := NewHandler(st, scraper, enq, slog.Default())

	result, err := h.Handle(context.Background(), scrapeJob(t, "run1", false))
	if err != nil {
		t.Fatalf("scrape: %v", err)
	}

	if len(st.reels) != 2 {
		t.Fatalf("expected 2 reels recorded, got %d", len(st.reels))
	}
	if len(enq.jobs) != 2 || enq.jobs[0] != "pipeline:download:reel-1" {
		t.Fatalf("expected chained download jobs, got %v", enq.jobs)
	}
	if st.counts != [3]int{50, 2, 2} {
		t.Fatalf("expected counters scanned=50 found=2 downloaded=2, got %v", st.counts)
	}
	last := st.statuses[len(st.statuses)-1]
	if last != "scrape_run/run1=completed" {
		t.Fatalf("expected run completed, got %s", last)
	}
	out := result.(map[string]any)
	if out["found"] != 2 {
		t.Fatalf("unexpected result: %v", out)
	}
}

func TestScrapeFailureKeepsPartialCounters(t *testing.T) {
	st := &fakeStore{runs: map[string]models.ScrapeRun{"run1": {ID: "run1"}}}
	scraper := &fakeScraper{err: errors.New("browser crashed")}
	h := NewHandler(st, scraper, &fakeEnqueuer{}, slog.Default())

	if _, err := h.Handle(context.Background(), scrapeJob(t, "run1", true)); err == nil {
		t.Fatalf("expected scrape to fail")
	}
	if len(st.failures) != 1 {
		t.Fatalf("final attempt must mark the run failed, got %v", st.failures)
	}
}
