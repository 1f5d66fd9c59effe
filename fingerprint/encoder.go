package fingerprint

import (
	"context"
	"fmt"
	"image"

	"github.com/corona10/goimagehash"
)

// EncodeFunc converts a decoded image into a fingerprint.
//
// Implementations can use any perceptual hash as long as every call returns a
// fingerprint of the same width. The index only depends on the bit vector and
// its Hamming distance.
type EncodeFunc func(ctx context.Context, img image.Image) (Fingerprint, error)

// Algorithm names a built-in image hash.
type Algorithm string

const (
	AlgorithmAverage    Algorithm = "average"
	AlgorithmDifference Algorithm = "difference"
	AlgorithmPerception Algorithm = "perception"
	AlgorithmExtAverage Algorithm = "ext_average"
)

// NewEncoder resolves a built-in algorithm. hashSize is only used by
// AlgorithmExtAverage and must be a power of two no smaller than 8; the
// resulting width is hashSize*hashSize bits. The other algorithms always produce 64 bits.
func NewEncoder(algo Algorithm, hashSize int) (EncodeFunc, int, error) {
	switch algo {
	case AlgorithmAverage, "":
		return AverageEncoder(), 64, nil
	case AlgorithmDifference:
		return DifferenceEncoder(), 64, nil
	case AlgorithmPerception:
		return PerceptionEncoder(), 64, nil
	case AlgorithmExtAverage:
		if hashSize < 8 || hashSize&(hashSize-1) != 0 {
			return nil, 0, fmt.Errorf("fingerprint: ext_average hash size %d must be a power of two >= 8", hashSize)
		}
		return ExtAverageEncoder(hashSize), hashSize * hashSize, nil
	default:
		return nil, 0, fmt.Errorf("fingerprint: unknown algorithm %q", algo)
	}
}

// AverageEncoder returns a 64-bit average hash encoder.
func AverageEncoder() EncodeFunc {
	return hash64(goimagehash.AverageHash)
}

// DifferenceEncoder returns a 64-bit difference hash encoder.
func DifferenceEncoder() EncodeFunc {
	return hash64(goimagehash.DifferenceHash)
}

// PerceptionEncoder returns a 64-bit DCT-based perception hash encoder.
func PerceptionEncoder() EncodeFunc {
	return hash64(goimagehash.PerceptionHash)
}

// ExtAverageEncoder returns an average hash encoder over a size×size grid.
func ExtAverageEncoder(size int) EncodeFunc {
	return func(ctx context.Context, img image.Image) (Fingerprint, error) {
		if err := ctx.Err(); err != nil {
			return Fingerprint{}, err
		}
		if img == nil {
			return Fingerprint{}, fmt.Errorf("fingerprint: image is nil")
		}
		h, err := goimagehash.ExtAverageHash(img, size, size)
		if err != nil {
			return Fingerprint{}, fmt.Errorf("fingerprint: ext average hash: %w", err)
		}
		return New(size*size, h.GetHash()...)
	}
}

func hash64(fn func(image.Image) (*goimagehash.ImageHash, error)) EncodeFunc {
	return func(ctx context.Context, img image.Image) (Fingerprint, error) {
		if err := ctx.Err(); err != nil {
			return Fingerprint{}, err
		}
		if img == nil {
			return Fingerprint{}, fmt.Errorf("fingerprint: image is nil")
		}
		h, err := fn(img)
		if err != nil {
			return Fingerprint{}, fmt.Errorf("fingerprint: hash: %w", err)
		}
		return New(64, h.GetHash())
	}
}
