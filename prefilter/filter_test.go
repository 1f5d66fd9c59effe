package prefilter

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/viant/sqlite-dedup/fingerprint"
)

func TestBloomNoFalseNegatives(t *testing.T) {
	b := NewBloom(10_000, 0.01)
	for i := uint64(0); i < 5_000; i++ {
		b.Add(fingerprint.MustNew(64, i*7919))
	}
	for i := uint64(0); i < 5_000; i++ {
		require.True(t, b.MightContain(fingerprint.MustNew(64, i*7919)), "added fingerprint %d reported absent", i)
	}
	assert.InDelta(t, 5_000, b.Count(), 50)
}

func TestBloomCountIgnoresRepeats(t *testing.T) {
	b := NewBloom(100, 0.001)
	fp := fingerprint.MustNew(64, 42)
	b.Add(fp)
	b.Add(fp)
	assert.EqualValues(t, 1, b.Count())
}

func TestBloomFalsePositiveRate(t *testing.T) {
	b := NewBloom(10_000, 0.01)
	for i := uint64(0); i < 10_000; i++ {
		b.Add(fingerprint.MustNew(64, i))
	}
	fp := 0
	const probes = 20_000
	for i := uint64(0); i < probes; i++ {
		if b.MightContain(fingerprint.MustNew(64, 1<<40+i)) {
			fp++
		}
	}
	assert.Less(t, float64(fp)/probes, 0.03)
	assert.Greater(t, b.EstimatedFalsePositiveRate(), 0.0)
}

func TestBloomWidthsDoNotCollide(t *testing.T) {
	b := NewBloom(100, 0.001)
	b.Add(fingerprint.MustNew(64, 0xFFFFFFFF))
	assert.True(t, b.MightContain(fingerprint.MustNew(64, 0xFFFFFFFF)))
	assert.False(t, b.MightContain(fingerprint.MustNew(32, 0xFFFFFFFF)))
}

func TestWriteReadRoundTrip(t *testing.T) {
	b := NewBloom(1_000, 0.01)
	for i := uint64(1); i <= 100; i++ {
		b.Add(fingerprint.MustNew(64, i))
	}
	var buf bytes.Buffer
	n, err := b.WriteTo(&buf)
	require.NoError(t, err)
	assert.EqualValues(t, buf.Len(), n)

	back, err := ReadBloom(&buf)
	require.NoError(t, err)
	assert.Equal(t, b.Count(), back.Count())
	for i := uint64(1); i <= 100; i++ {
		assert.True(t, back.MightContain(fingerprint.MustNew(64, i)))
	}
}

func TestReadBloomCorrupt(t *testing.T) {
	_, err := ReadBloom(bytes.NewReader([]byte("nope")))
	assert.ErrorIs(t, err, ErrCorrupt)

	_, err = ReadBloom(bytes.NewReader([]byte("XXXX\x01\x00\x00\x00\x00\x00\x00\x00\x00")))
	assert.ErrorIs(t, err, ErrCorrupt)
}

func TestLoadFlushLifecycle(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "filter.bin")

	b, loaded, err := Load(path, 1_000, 0.01)
	require.NoError(t, err)
	assert.False(t, loaded)

	fp := fingerprint.MustNew(64, 0xFFFFFFFF)
	b.Add(fp)
	require.NoError(t, b.Flush(path))

	again, loaded, err := Load(path, 1_000, 0.01)
	require.NoError(t, err)
	assert.True(t, loaded)
	assert.True(t, again.MightContain(fp))

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp files must not be left behind")
}

func TestLoadCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "filter.bin")
	require.NoError(t, os.WriteFile(path, []byte("garbage"), 0o600))
	_, _, err := Load(path, 0, 0)
	assert.ErrorIs(t, err, ErrCorrupt)
}
