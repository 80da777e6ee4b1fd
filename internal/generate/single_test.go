package generate

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"reelforge/internal/models"
	"reelforge/internal/providers"
	"reelforge/internal/storage"
)

type fakeGenerator struct {
	result providers.GenerateResult
	err    error
	prompt string
}

func (g *fakeGenerator) GenerateVideoToVideo(_ context.Context, _ string, prompt string, _ providers.GenerateOptions, onProgress providers.ProgressFunc) (providers.GenerateResult, error) {
	g.prompt = prompt
	if onProgress != nil {
		onProgress("generate", 50, "halfway")
	}
	return g.result, g.err
}

type fakeEnhancer struct{ out string }

func (e *fakeEnhancer) Enhance(_ context.Context, _ string) (string, error) { return e.out, nil }

// rejectingStore fails every upload; stands in for an unreachable bucket.
type rejectingStore struct{}

func (rejectingStore) Upload(_ context.Context, _ string, _ []byte, _ string) (string, error) {
	return "", errors.New("bucket unavailable")
}
func (rejectingStore) GetStream(_ context.Context, _ string) (io.ReadCloser, *storage.Metadata, error) {
	return nil, nil, errors.New("bucket unavailable")
}
func (rejectingStore) GetMetadata(_ context.Context, _ string) (*storage.Metadata, error) {
	return nil, errors.New("bucket unavailable")
}

func generationJob(t *testing.T, id string, final bool) *models.Job {
	t.Helper()
	raw, err := json.Marshal(models.GenerationPayload{GenerationID: id})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return &models.Job{ID: "generation:" + id, Payload: raw, MaxAttempts: 2, FinalAttempt: final}
}

func TestSingleGenerationCompletes(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("remixed video"))
	}))
	defer server.Close()

	st := newFakeStore()
	st.reels["r1"] = models.Reel{ID: "r1", VideoKey: "file:///r1.mp4"}
	st.gens["g1"] = models.VideoGeneration{ID: "g1", ReelID: "r1", Prompt: "make it neon"}

	gen := &fakeGenerator{result: providers.GenerateResult{Success: true, VideoURL: server.URL}}
	local := storage.NewLocal(t.TempDir())
	h := NewHandler(st, local, local, gen, &fakeEnhancer{out: "neon cyberpunk remix"}, &fakeVideoTools{}, nil, Options{DownloadTimeout: time.Second}, slog.Default())

	if _, err := h.HandleSingle(context.Background(), generationJob(t, "g1", false)); err != nil {
		t.Fatalf("generate: %v", err)
	}

	if gen.prompt != "neon cyberpunk remix" {
		t.Fatalf("expected enhanced prompt sent to provider, got %q", gen.prompt)
	}
	if len(st.finished) != 1 || !strings.Contains(st.finished[0], "durable=true") {
		t.Fatalf("expected durable completion, got %v", st.finished)
	}
}

func TestSingleGenerationDegradesToLocalDisk(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("remixed video"))
	}))
	defer server.Close()

	st := newFakeStore()
	st.reels["r1"] = models.Reel{ID: "r1", VideoKey: "file:///r1.mp4"}
	st.gens["g1"] = models.VideoGeneration{ID: "g1", ReelID: "r1", Prompt: "make it neon"}

	gen := &fakeGenerator{result: providers.GenerateResult{Success: true, VideoURL: server.URL}}
	h := NewHandler(st, rejectingStore{}, storage.NewLocal(t.TempDir()), gen, nil, &fakeVideoTools{}, nil, Options{DownloadTimeout: time.Second}, slog.Default())

	// A rejected upload degrades to local disk; the job still succeeds.
	if _, err := h.HandleSingle(context.Background(), generationJob(t, "g1", false)); err != nil {
		t.Fatalf("generate should survive storage degradation: %v", err)
	}
	if len(st.finished) != 1 || !strings.Contains(st.finished[0], "durable=false") {
		t.Fatalf("expected degraded completion flagged, got %v", st.finished)
	}
	if !strings.Contains(st.finished[0], "file://") {
		t.Fatalf("expected local locator persisted, got %v", st.finished)
	}
}

func TestSingleGenerationProviderFailure(t *testing.T) {
	st := newFakeStore()
	st.reels["r1"] = models.Reel{ID: "r1", VideoKey: "file:///r1.mp4"}
	st.gens["g1"] = models.VideoGeneration{ID: "g1", ReelID: "r1", Prompt: "make it neon"}

	gen := &fakeGenerator{result: providers.GenerateResult{Success: false, Error: "content policy"}}
	local := storage.NewLocal(t.TempDir())
	h := NewHandler(st, local, local, gen, nil, &fakeVideoTools{}, nil, Options{}, slog.Default())

	// Not the final attempt: the entity stays processing for the retry.
	if _, err := h.HandleSingle(context.Background(), generationJob(t, "g1", false)); err == nil {
		t.Fatalf("expected provider failure")
	}
	if len(st.failures) != 0 {
		t.Fatalf("non-final attempt must not fail the entity, got %v", st.failures)
	}

	if _, err := h.HandleSingle(context.Background(), generationJob(t, "g1", true)); err == nil {
		t.Fatalf("expected provider failure")
	}
	if len(st.failures) != 1 || !strings.Contains(st.failures[0], "content policy") {
		t.Fatalf("final attempt must record the provider message, got %v", st.failures)
	}
}
