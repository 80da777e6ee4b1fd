package pipeline

import (
	"bytes"
	"fmt"
	"image/jpeg"

	"github.com/disintegration/imaging"
)

// downscaleFrames shrinks each frame to at most maxWidth wide before it goes
// to the analyzer. Payload size dominates analysis latency and cost; the
// model does not need full-resolution frames for element detection.
func downscaleFrames(frames [][]byte, maxWidth int) ([][]byte, error) {
	out := make([][]byte, 0, len(frames))
	for i, raw := range frames {
		img, err := imaging.Decode(bytes.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("decode frame %d: %w", i, err)
		}
		if img.Bounds().Dx() > maxWidth {
			img = imaging.Resize(img, maxWidth, 0, imaging.Lanczos)
		}
		var buf bytes.Buffer
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 85}); err != nil {
			return nil, fmt.Errorf("encode frame %d: %w", i, err)
		}
		out = append(out, buf.Bytes())
	}
	return out, nil
}
