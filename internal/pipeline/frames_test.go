package pipeline

import (
	"bytes"
	"image/jpeg"
	"testing"
)

func TestDownscaleFramesShrinksWideFrames(t *testing.T) {
	wide := testJPEG(t, 800)
	narrow := testJPEG(t, 200)

	out, err := downscaleFrames([][]byte{wide, narrow}, 512)
	if err != nil {
		t.Fatalf("downscale: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("expected 2 frames, got %d", len(out))
	}

	img, err := jpeg.Decode(bytes.NewReader(out[0]))
	if err != nil {
		t.Fatalf("decode shrunk frame: %v", err)
	}
	if img.Bounds().Dx() != 512 {
		t.Fatalf("wide frame should be resized to 512, got %d", img.Bounds().Dx())
	}

	img, err = jpeg.Decode(bytes.NewReader(out[1]))
	if err != nil {
		t.Fatalf("decode narrow frame: %v", err)
	}
	if img.Bounds().Dx() != 200 {
		t.Fatalf("narrow frame should keep its width, got %d", img.Bounds().Dx())
	}
}

func TestDownscaleFramesRejectsGarbage(t *testing.T) {
	if _, err := downscaleFrames([][]byte{[]byte("not an image")}, 512); err == nil {
		t.Fatalf("expected decode error for garbage input")
	}
}
