package fingerprint

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"math/bits"
	"strings"
)

// ErrInvalid is returned for fingerprints with a malformed length or encoding.
var ErrInvalid = errors.New("fingerprint: invalid fingerprint")

// Fingerprint is an immutable bit vector of a fixed width. The width is always
// a positive multiple of 8. Bits are held in 64-bit words; the canonical byte
// form is big-endian, word i covering bytes [8i, 8i+8). A trailing partial
// word is right-aligned.
type Fingerprint struct {
	bits  int
	words []uint64
}

// WordCount returns the number of 64-bit words (and SQL segments) needed for
// a fingerprint of the given width.
func WordCount(width int) int { return (width + 63) / 64 }

// ValidWidth reports whether width is usable as a fingerprint width.
func ValidWidth(width int) bool { return width > 0 && width%8 == 0 }

// New builds a fingerprint of the given width from its words. Bits above the
// width in the trailing word must be zero.
func New(width int, words ...uint64) (Fingerprint, error) {
	if !ValidWidth(width) {
		return Fingerprint{}, fmt.Errorf("%w: width %d is not a positive multiple of 8", ErrInvalid, width)
	}
	if len(words) != WordCount(width) {
		return Fingerprint{}, fmt.Errorf("%w: %d-bit fingerprint needs %d words, got %d", ErrInvalid, width, WordCount(width), len(words))
	}
	if rem := width % 64; rem != 0 && words[len(words)-1]>>uint(rem) != 0 {
		return Fingerprint{}, fmt.Errorf("%w: bits set above width %d", ErrInvalid, width)
	}
	return Fingerprint{bits: width, words: append([]uint64(nil), words...)}, nil
}

// MustNew is like New but panics on error. Intended for tests and constants.
func MustNew(width int, words ...uint64) Fingerprint {
	fp, err := New(width, words...)
	if err != nil {
		panic(err)
	}
	return fp
}

// FromBytes decodes the canonical big-endian byte form.
func FromBytes(b []byte) (Fingerprint, error) {
	if len(b) == 0 {
		return Fingerprint{}, fmt.Errorf("%w: empty", ErrInvalid)
	}
	width := len(b) * 8
	words := make([]uint64, WordCount(width))
	for i := range words {
		chunk := b[i*8:]
		if len(chunk) >= 8 {
			words[i] = binary.BigEndian.Uint64(chunk[:8])
			continue
		}
		var w uint64
		for _, c := range chunk {
			w = w<<8 | uint64(c)
		}
		words[i] = w
	}
	return Fingerprint{bits: width, words: words}, nil
}

// ParseHex decodes a hex string (either case) produced by Hex.
func ParseHex(s string) (Fingerprint, error) {
	b, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(s), "0x"))
	if err != nil {
		return Fingerprint{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return FromBytes(b)
}

// FromSegments rebuilds a fingerprint from signed 64-bit segments as stored in
// relational INTEGER columns.
func FromSegments(width int, segments []int64) (Fingerprint, error) {
	words := make([]uint64, len(segments))
	for i, s := range segments {
		words[i] = uint64(s)
	}
	return New(width, words...)
}

// Bits returns the fingerprint width in bits; zero for the zero value.
func (f Fingerprint) Bits() int { return f.bits }

// IsZero reports whether f is the zero value (no width).
func (f Fingerprint) IsZero() bool { return f.bits == 0 }

// Words returns a copy of the underlying words.
func (f Fingerprint) Words() []uint64 { return append([]uint64(nil), f.words...) }

// Segments returns the words bit-cast to int64, one per relational column.
func (f Fingerprint) Segments() []int64 {
	out := make([]int64, len(f.words))
	for i, w := range f.words {
		out[i] = int64(w)
	}
	return out
}

// Bytes returns the canonical big-endian byte form, len = Bits()/8.
func (f Fingerprint) Bytes() []byte {
	out := make([]byte, f.bits/8)
	for i, w := range f.words {
		chunk := out[i*8:]
		if len(chunk) >= 8 {
			binary.BigEndian.PutUint64(chunk[:8], w)
			continue
		}
		for j := len(chunk) - 1; j >= 0; j-- {
			chunk[j] = byte(w)
			w >>= 8
		}
	}
	return out
}

// Hex returns the lowercase hex form of Bytes.
func (f Fingerprint) Hex() string { return hex.EncodeToString(f.Bytes()) }

func (f Fingerprint) String() string { return f.Hex() }

// Equal reports whether both fingerprints have the same width and bits.
func (f Fingerprint) Equal(o Fingerprint) bool {
	if f.bits != o.bits {
		return false
	}
	for i := range f.words {
		if f.words[i] != o.words[i] {
			return false
		}
	}
	return true
}

// Distance returns the Hamming distance between a and b. It returns an error
// when the widths differ.
func Distance(a, b Fingerprint) (int, error) {
	if a.bits != b.bits {
		return 0, fmt.Errorf("%w: distance width mismatch %d vs %d", ErrInvalid, a.bits, b.bits)
	}
	return Hamming(a.words, b.words), nil
}

// Hamming counts differing bits across two word slices of equal length.
func Hamming(a, b []uint64) int {
	d := 0
	for i := range a {
		d += bits.OnesCount64(a[i] ^ b[i])
	}
	return d
}
