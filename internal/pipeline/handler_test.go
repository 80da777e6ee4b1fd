package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"reelforge/internal/faults"
	"reelforge/internal/models"
	"reelforge/internal/providers"
	"reelforge/internal/storage"
)

type fakeStore struct {
	mu       sync.Mutex
	reels    map[string]models.Reel
	statuses []string
	failures []string
	scenes   []models.AnalysisScene
	analyses []models.VideoAnalysis
	tags     []string
	count    int
}

func newFakeStore() *fakeStore {
	return &fakeStore{reels: map[string]models.Reel{}}
}

func (f *fakeStore) SetProgress(_ context.Context, _, _ string, _ int, _, _ string) error {
	return nil
}
func (f *fakeStore) TouchActivity(_ context.Context, _, _ string) error { return nil }

func (f *fakeStore) GetReel(_ context.Context, id string) (models.Reel, error) {
	r, ok := f.reels[id]
	if !ok {
		return models.Reel{}, fmt.Errorf("reel %s not found", id)
	}
	return r, nil
}

func (f *fakeStore) SetEntityStatus(_ context.Context, kind, id, status string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses = append(f.statuses, kind+"/"+id+"="+status)
	if kind == models.KindReel {
		r := f.reels[id]
		r.Status = status
		f.reels[id] = r
	}
	return nil
}

func (f *fakeStore) MarkEntityFailed(_ context.Context, kind, id, stage, errMsg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures = append(f.failures, fmt.Sprintf("%s/%s@%s: %s", kind, id, stage, errMsg))
	return nil
}

func (f *fakeStore) SetReelVideo(_ context.Context, id, videoKey string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	r := f.reels[id]
	r.VideoKey = videoKey
	f.reels[id] = r
	return nil
}

func (f *fakeStore) SetReelDuration(_ context.Context, id string, seconds float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	r := f.reels[id]
	r.DurationSeconds = seconds
	f.reels[id] = r
	return nil
}

func (f *fakeStore) CreateAnalysis(_ context.Context, reelID, strategy string) (models.VideoAnalysis, error) {
	a := models.VideoAnalysis{ID: fmt.Sprintf("an-%d", len(f.analyses)+1), ReelID: reelID, Strategy: strategy}
	f.analyses = append(f.analyses, a)
	return a, nil
}

func (f *fakeStore) InsertAnalysisScene(_ context.Context, scene models.AnalysisScene) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scenes = append(f.scenes, scene)
	return nil
}

func (f *fakeStore) FinishAnalysis(_ context.Context, _ string, tags []string, sceneCount int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tags = tags
	f.count = sceneCount
	return nil
}

type fakeSegmenter struct {
	scenes []providers.Scene
	err    error
}

func (s *fakeSegmenter) DetectScenes(_ context.Context, _ string) ([]providers.Scene, error) {
	return s.scenes, s.err
}

type fakeVideoTools struct {
	frames [][]byte
}

func (v *fakeVideoTools) Trim(_ context.Context, _ string, _, _ float64) ([]byte, error) {
	return []byte("segment"), nil
}
func (v *fakeVideoTools) Concat(_ context.Context, segments [][]byte) ([]byte, error) {
	return bytes.Join(segments, nil), nil
}
func (v *fakeVideoTools) ProbeDuration(_ context.Context, _ string) (float64, error) {
	return 12.5, nil
}
func (v *fakeVideoTools) SampleFrames(_ context.Context, _ string, _ int) ([][]byte, error) {
	return v.frames, nil
}

type fakeAnalyzer struct {
	mu    sync.Mutex
	calls int
	tags  []string
}

func (a *fakeAnalyzer) Analyze(_ context.Context, _ providers.AnalysisRequest, onProgress providers.ProgressFunc) (providers.AnalysisResult, error) {
	a.mu.Lock()
	a.calls++
	a.mu.Unlock()
	if onProgress != nil {
		onProgress("analyze", 50, "halfway")
	}
	return providers.AnalysisResult{
		Elements: json.RawMessage(`{"objects":["car"]}`),
		Tags:     a.tags,
	}, nil
}

// testJPEG encodes a solid-color frame of the given width.
func testJPEG(t *testing.T, width int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, width, width/2+1))
	for x := 0; x < width; x++ {
		for y := 0; y < width/2+1; y++ {
			img.Set(x, y, color.RGBA{R: 200, G: 40, B: 40, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, nil); err != nil {
		t.Fatalf("encode test frame: %v", err)
	}
	return buf.Bytes()
}

func pipelineJob(t *testing.T, payload models.PipelinePayload, final bool) *models.Job {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return &models.Job{ID: "pipeline:" + payload.Action + ":" + payload.ReelID, Payload: raw, MaxAttempts: 3, FinalAttempt: final}
}

func TestAnalyzeZeroScenesSynthesizesWholeClip(t *testing.T) {
	st := newFakeStore()
	st.reels["r1"] = models.Reel{ID: "r1", VideoKey: "file:///r1.mp4", DurationSeconds: 12.5}

	video := &fakeVideoTools{frames: [][]byte{testJPEG(t, 64)}}
	analyzer := &fakeAnalyzer{tags: []string{"car", "street", "car"}}
	h := NewHandler(st, storage.NewLocal(t.TempDir()), analyzer, video, &fakeSegmenter{}, Options{}, slog.Default())

	_, err := h.Handle(context.Background(), pipelineJob(t, models.PipelinePayload{
		Action: models.ActionAnalyze, ReelID: "r1", Strategy: models.StrategyScenes,
	}, false))
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}

	if len(st.scenes) != 1 {
		t.Fatalf("zero detected scenes must synthesize exactly one, got %d", len(st.scenes))
	}
	if st.scenes[0].StartSeconds != 0 || st.scenes[0].EndSeconds != 12.5 {
		t.Fatalf("synthetic scene must span [0, duration], got [%v, %v]",
			st.scenes[0].StartSeconds, st.scenes[0].EndSeconds)
	}
	if st.count != 1 {
		t.Fatalf("expected scene count 1, got %d", st.count)
	}
	if len(st.tags) != 2 {
		t.Fatalf("tags must be de-duplicated, got %v", st.tags)
	}
	last := st.statuses[len(st.statuses)-1]
	if last != "reel/r1=analyzed" {
		t.Fatalf("expected reel to end analyzed, got %s", last)
	}
}

func TestAnalyzeScenesPersistsEachSceneInOrder(t *testing.T) {
	st := newFakeStore()
	st.reels["r1"] = models.Reel{ID: "r1", VideoKey: "file:///r1.mp4", DurationSeconds: 9}

	seg := &fakeSegmenter{scenes: []providers.Scene{{Start: 0, End: 3}, {Start: 3, End: 6}, {Start: 6, End: 9}}}
	video := &fakeVideoTools{frames: [][]byte{testJPEG(t, 64)}}
	analyzer := &fakeAnalyzer{tags: []string{"car"}}
	h := NewHandler(st, storage.NewLocal(t.TempDir()), analyzer, video, seg, Options{}, slog.Default())

	_, err := h.Handle(context.Background(), pipelineJob(t, models.PipelinePayload{
		Action: models.ActionAnalyze, ReelID: "r1", Strategy: models.StrategyScenes,
	}, false))
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}

	if len(st.scenes) != 3 || analyzer.calls != 3 {
		t.Fatalf("expected 3 scenes analyzed sequentially, got scenes=%d calls=%d", len(st.scenes), analyzer.calls)
	}
	for i, sc := range st.scenes {
		if sc.SceneIndex != i {
			t.Fatalf("scene %d persisted with index %d", i, sc.SceneIndex)
		}
	}
}

func TestDownloadFailureMarksReelFailedOnFinalAttempt(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "gone", http.StatusBadGateway)
	}))
	defer server.Close()

	st := newFakeStore()
	st.reels["r1"] = models.Reel{ID: "r1", SourceURL: server.URL + "/video.mp4"}
	h := NewHandler(st, storage.NewLocal(t.TempDir()), &fakeAnalyzer{}, &fakeVideoTools{}, &fakeSegmenter{}, Options{}, slog.Default())

	job := pipelineJob(t, models.PipelinePayload{Action: models.ActionDownload, ReelID: "r1"}, false)

	// Intermediate attempt: error but no user-visible failed state yet.
	if _, err := h.Handle(context.Background(), job); err == nil {
		t.Fatalf("expected download to fail")
	}
	if len(st.failures) != 0 {
		t.Fatalf("non-final attempt must not mark the reel failed, got %v", st.failures)
	}

	// Final attempt writes the failed state with a message.
	job.FinalAttempt = true
	if _, err := h.Handle(context.Background(), job); err == nil {
		t.Fatalf("expected download to fail")
	}
	if len(st.failures) != 1 {
		t.Fatalf("expected one failure record, got %v", st.failures)
	}
	if !strings.Contains(st.failures[0], "reel/r1@download") || !strings.Contains(st.failures[0], "502") {
		t.Fatalf("expected failed stage and cause recorded, got %q", st.failures[0])
	}
}

func TestHandleRejectsUnknownAction(t *testing.T) {
	st := newFakeStore()
	st.reels["r1"] = models.Reel{ID: "r1"}
	h := NewHandler(st, storage.NewLocal(t.TempDir()), &fakeAnalyzer{}, &fakeVideoTools{}, &fakeSegmenter{}, Options{}, slog.Default())

	_, err := h.Handle(context.Background(), pipelineJob(t, models.PipelinePayload{Action: "explode", ReelID: "r1"}, false))
	if !errors.Is(err, faults.ErrValidation) {
		t.Fatalf("unknown action must be a validation error, got %v", err)
	}
}
