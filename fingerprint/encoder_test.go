package fingerprint

import (
	"context"
	"image"
	"image/color"
	"testing"
)

func gradient(w, h int, invert bool) image.Image {
	img := image.NewGray(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			v := uint8((x * 255) / (w - 1))
			if invert {
				v = 255 - v
			}
			img.SetGray(x, y, color.Gray{Y: v})
		}
	}
	return img
}

func TestEncodersProduceFixedWidth(t *testing.T) {
	ctx := context.Background()
	img := gradient(64, 64, false)

	for _, algo := range []Algorithm{AlgorithmAverage, AlgorithmDifference, AlgorithmPerception} {
		enc, width, err := NewEncoder(algo, 0)
		if err != nil {
			t.Fatalf("NewEncoder(%s) failed: %v", algo, err)
		}
		fp, err := enc(ctx, img)
		if err != nil {
			t.Fatalf("%s encode failed: %v", algo, err)
		}
		if fp.Bits() != width {
			t.Fatalf("%s Bits() = %d, want %d", algo, fp.Bits(), width)
		}
	}

	enc, width, err := NewEncoder(AlgorithmExtAverage, 16)
	if err != nil {
		t.Fatalf("NewEncoder(ext_average) failed: %v", err)
	}
	fp, err := enc(ctx, img)
	if err != nil {
		t.Fatalf("ext_average encode failed: %v", err)
	}
	if width != 256 || fp.Bits() != 256 {
		t.Fatalf("ext_average width = %d, Bits() = %d, want 256", width, fp.Bits())
	}
}

func TestAverageEncoderSimilarity(t *testing.T) {
	ctx := context.Background()
	enc := AverageEncoder()

	a, err := enc(ctx, gradient(64, 64, false))
	if err != nil {
		t.Fatalf("encode a failed: %v", err)
	}
	b, err := enc(ctx, gradient(128, 128, false))
	if err != nil {
		t.Fatalf("encode b failed: %v", err)
	}
	c, err := enc(ctx, gradient(64, 64, true))
	if err != nil {
		t.Fatalf("encode c failed: %v", err)
	}

	near, _ := Distance(a, b)
	far, _ := Distance(a, c)
	if near >= far {
		t.Fatalf("rescaled image distance %d should be below inverted image distance %d", near, far)
	}
}

func TestNewEncoderRejectsUnknown(t *testing.T) {
	if _, _, err := NewEncoder("crop_resistant", 0); err == nil {
		t.Fatalf("expected error for unknown algorithm")
	}
	if _, _, err := NewEncoder(AlgorithmExtAverage, 12); err == nil {
		t.Fatalf("expected error for hash size that is not a power of two")
	}
}
