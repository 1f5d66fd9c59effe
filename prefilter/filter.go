package prefilter

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/klauspost/compress/zstd"

	"github.com/viant/sqlite-dedup/fingerprint"
)

const (
	// DefaultExpectedItems sizes a new filter.
	DefaultExpectedItems = 1_000_000
	// DefaultFalsePositiveRate is the target false positive rate.
	DefaultFalsePositiveRate = 0.01
)

var fileMagic = [4]byte{'D', 'D', 'B', 'F'}

const fileVersion = 1

// ErrCorrupt indicates the persisted filter cannot be decoded.
var ErrCorrupt = errors.New("prefilter: corrupt filter file")

// Filter is a probabilistic set of fingerprints without false negatives.
type Filter interface {
	Add(fp fingerprint.Fingerprint)
	MightContain(fp fingerprint.Fingerprint) bool
}

// Bloom is a Filter backed by a bloom filter. It is safe for concurrent use.
type Bloom struct {
	mu    sync.RWMutex
	bf    *bloom.BloomFilter
	count uint64
}

// NewBloom sizes a filter for expected items at the target false positive
// rate. Non-positive arguments select the defaults.
func NewBloom(expected uint, fpRate float64) *Bloom {
	if expected == 0 {
		expected = DefaultExpectedItems
	}
	if fpRate <= 0 || fpRate >= 1 {
		fpRate = DefaultFalsePositiveRate
	}
	return &Bloom{bf: bloom.NewWithEstimates(expected, fpRate)}
}

// Add inserts fp. After Add, MightContain(fp) always returns true.
func (b *Bloom) Add(fp fingerprint.Fingerprint) {
	key := fp.Bytes()
	b.mu.Lock()
	if !b.bf.TestAndAdd(key) {
		b.count++
	}
	b.mu.Unlock()
}

// MightContain reports whether fp may have been added.
func (b *Bloom) MightContain(fp fingerprint.Fingerprint) bool {
	key := fp.Bytes()
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.bf.Test(key)
}

// Count returns the number of Add calls that changed the filter, an estimate
// of the distinct fingerprints added.
func (b *Bloom) Count() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.count
}

// EstimatedFalsePositiveRate estimates the current false positive rate.
func (b *Bloom) EstimatedFalsePositiveRate() float64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return bloom.EstimateFalsePositiveRate(b.bf.Cap(), b.bf.K(), uint(b.count))
}

// WriteTo serializes the filter: magic, version, count, then the
// zstd-compressed bloom filter.
func (b *Bloom) WriteTo(w io.Writer) (int64, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var header [13]byte
	copy(header[:4], fileMagic[:])
	header[4] = fileVersion
	binary.LittleEndian.PutUint64(header[5:], b.count)
	n, err := w.Write(header[:])
	written := int64(n)
	if err != nil {
		return written, err
	}

	cw := &countingWriter{w: w}
	enc, err := zstd.NewWriter(cw)
	if err != nil {
		return written, err
	}
	if _, err := b.bf.WriteTo(enc); err != nil {
		_ = enc.Close()
		return written + cw.n, err
	}
	err = enc.Close()
	return written + cw.n, err
}

// ReadBloom decodes a filter produced by WriteTo.
func ReadBloom(r io.Reader) (*Bloom, error) {
	var header [13]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, fmt.Errorf("%w: header: %v", ErrCorrupt, err)
	}
	if [4]byte(header[:4]) != fileMagic || header[4] != fileVersion {
		return nil, fmt.Errorf("%w: bad magic or version", ErrCorrupt)
	}
	count := binary.LittleEndian.Uint64(header[5:])

	dec, err := zstd.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	defer dec.Close()
	bf := &bloom.BloomFilter{}
	if _, err := bf.ReadFrom(dec); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return &Bloom{bf: bf, count: count}, nil
}

// Load reads the filter at path. When the file does not exist a new filter is
// returned and loaded is false; the caller must then rebuild it from storage.
func Load(path string, expected uint, fpRate float64) (b *Bloom, loaded bool, err error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return NewBloom(expected, fpRate), false, nil
	}
	if err != nil {
		return nil, false, err
	}
	defer f.Close()
	b, err = ReadBloom(bufio.NewReader(f))
	if err != nil {
		return nil, false, fmt.Errorf("prefilter: load %s: %w", path, err)
	}
	return b, true, nil
}

// Flush writes the filter to path atomically (temp file + rename).
func (b *Bloom) Flush(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	bw := bufio.NewWriter(tmp)
	if _, err := b.WriteTo(bw); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := bw.Flush(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

var _ Filter = (*Bloom)(nil)
