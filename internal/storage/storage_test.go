package storage

import (
	"context"
	"io"
	"strings"
	"testing"
)

func TestLocalStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := NewLocal(t.TempDir())

	url, err := store.Upload(ctx, "generations/g1.mp4", []byte("video bytes"), "video/mp4")
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if !strings.HasPrefix(url, "file://") {
		t.Fatalf("expected file:// locator, got %q", url)
	}

	rc, meta, err := store.GetStream(ctx, "generations/g1.mp4")
	if err != nil {
		t.Fatalf("get stream: %v", err)
	}
	defer rc.Close()
	body, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(body) != "video bytes" {
		t.Fatalf("round trip mismatch: %q", body)
	}
	if meta == nil || meta.ContentLength != int64(len("video bytes")) {
		t.Fatalf("unexpected metadata: %+v", meta)
	}
}

func TestLocalStoreMissingObject(t *testing.T) {
	ctx := context.Background()
	store := NewLocal(t.TempDir())

	rc, meta, err := store.GetStream(ctx, "nope/missing.mp4")
	if err != nil || rc != nil || meta != nil {
		t.Fatalf("missing object should be (nil, nil, nil), got rc=%v meta=%v err=%v", rc, meta, err)
	}
	m, err := store.GetMetadata(ctx, "nope/missing.mp4")
	if err != nil || m != nil {
		t.Fatalf("missing metadata should be (nil, nil), got m=%v err=%v", m, err)
	}
}

func TestLocalStoreSanitizesKeys(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	store := NewLocal(dir)

	url, err := store.Upload(ctx, "../escape.mp4", []byte("x"), "video/mp4")
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if !strings.Contains(url, dir) {
		t.Fatalf("sanitized key must stay under the base dir, got %q", url)
	}
}
