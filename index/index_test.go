package index

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"math/rand"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/viant/sqlite-dedup/fingerprint"
	"github.com/viant/sqlite-dedup/internal/kv"
	"github.com/viant/sqlite-dedup/partition"
	"github.com/viant/sqlite-dedup/prefilter"
	"github.com/viant/sqlite-dedup/store"
	"github.com/viant/sqlite-dedup/store/filterstore"
	"github.com/viant/sqlite-dedup/store/kvstore"
	"github.com/viant/sqlite-dedup/store/memstore"
	"github.com/viant/sqlite-dedup/store/sqlstore"
)

type backendFactory struct {
	name string
	open func(t *testing.T) store.Backend
}

func mapper(t *testing.T) *partition.Mapper {
	t.Helper()
	m, err := partition.NewMapper("")
	require.NoError(t, err)
	return m
}

func backends() []backendFactory {
	return []backendFactory{
		{"memory", func(t *testing.T) store.Backend {
			s, err := memstore.New(mapper(t), 64)
			require.NoError(t, err)
			return s
		}},
		{"memory-vptree", func(t *testing.T) store.Backend {
			s, err := memstore.New(mapper(t), 64, memstore.WithVPTree())
			require.NoError(t, err)
			return s
		}},
		{"sqlite", func(t *testing.T) store.Backend {
			s, err := sqlstore.Open(context.Background(), filepath.Join(t.TempDir(), "dedup.sqlite"), mapper(t), 64)
			require.NoError(t, err)
			return s
		}},
		{"kv", func(t *testing.T) store.Backend {
			s, err := kvstore.New(kv.NewMemory(), mapper(t), 64)
			require.NoError(t, err)
			return s
		}},
		{"filter", func(t *testing.T) store.Backend {
			inner, err := memstore.New(mapper(t), 64)
			require.NoError(t, err)
			s, err := filterstore.New(inner, prefilter.NewBloom(1_000, 0.01), filterstore.WithSideTable(kv.NewMemory()))
			require.NoError(t, err)
			return s
		}},
	}
}

func forEachBackend(t *testing.T, fn func(t *testing.T, b store.Backend)) {
	for _, bf := range backends() {
		t.Run(bf.name, func(t *testing.T) {
			b := bf.open(t)
			defer b.Close()
			fn(t, b)
		})
	}
}

func fp64(w uint64) fingerprint.Fingerprint { return fingerprint.MustNew(64, w) }

func newIndex(t *testing.T, b store.Backend, opts ...Option) *Index {
	t.Helper()
	ix, err := New(b, opts...)
	require.NoError(t, err)
	return ix
}

func TestExactRepostKeepsCanonicalRecord(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b store.Backend) {
		ctx := context.Background()
		ix := newIndex(t, b)

		out, err := ix.CheckAndRecord(ctx, "chat", fp64(0xABCD), 1)
		require.NoError(t, err)
		assert.True(t, out.Inserted)
		assert.False(t, out.Seen())

		out, err = ix.CheckAndRecord(ctx, "chat", fp64(0xABCD), 2)
		require.NoError(t, err)
		assert.False(t, out.Inserted)
		id, ok := out.ExactRepost()
		require.True(t, ok)
		assert.Equal(t, int64(1), id)
		assert.Equal(t, 0, out.Exact.Distance)

		out, err = ix.CheckAndRecord(ctx, "chat", fp64(0xABCD), 3)
		require.NoError(t, err)
		id, _ = out.ExactRepost()
		assert.Equal(t, int64(1), id)
	})
}

func TestChatScenario(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b store.Backend) {
		ctx := context.Background()
		ix := newIndex(t, b)

		out, err := ix.CheckAndRecord(ctx, "chat-A", fp64(0xFFFFFFFF), 1)
		require.NoError(t, err)
		assert.True(t, out.Inserted)

		out, err = ix.CheckAndRecord(ctx, "chat-A", fp64(0xFFFFFFFF), 2)
		require.NoError(t, err)
		id, ok := out.ExactRepost()
		require.True(t, ok)
		assert.Equal(t, int64(1), id)

		out, err = ix.CheckAndRecord(ctx, "chat-B", fp64(0xFFFFFFFF), 3)
		require.NoError(t, err)
		assert.False(t, out.Seen())
		assert.Empty(t, out.Similar)
		assert.True(t, out.Inserted)
		assert.Equal(t, int64(3), out.Record.ID)
	})
}

func TestKeysDifferingInCaseAreSeparatePartitions(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b store.Backend) {
		ctx := context.Background()
		ix := newIndex(t, b)

		out, err := ix.CheckAndRecord(ctx, "chat-A", fp64(0xFFFFFFFF), 1)
		require.NoError(t, err)
		assert.True(t, out.Inserted)

		out, err = ix.CheckAndRecord(ctx, "chat-a", fp64(0xFFFFFFFF), 2)
		require.NoError(t, err)
		assert.False(t, out.Seen(), "chat-a matched a record of chat-A")
		assert.Empty(t, out.Similar)
		assert.True(t, out.Inserted)
	})
}

func TestThresholdBoundary(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b store.Backend) {
		ctx := context.Background()
		ix := newIndex(t, b, WithThreshold(5))

		_, err := ix.CheckAndRecord(ctx, "five", fp64(0), 1)
		require.NoError(t, err)
		out, err := ix.CheckAndRecord(ctx, "five", fp64(0b11111), 2)
		require.NoError(t, err)
		require.Len(t, out.Similar, 1)
		assert.Equal(t, 5, out.Similar[0].Distance)
		assert.Equal(t, int64(1), out.Similar[0].Record.ID)
		assert.True(t, out.Inserted)

		_, err = ix.CheckAndRecord(ctx, "six", fp64(0), 1)
		require.NoError(t, err)
		out, err = ix.CheckAndRecord(ctx, "six", fp64(0b111111), 2)
		require.NoError(t, err)
		assert.Empty(t, out.Similar)
	})
}

func TestReportsAllTies(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b store.Backend) {
		ctx := context.Background()
		ix := newIndex(t, b, WithThreshold(2))
		for i, w := range []uint64{0b01, 0b10, 0b100, 0b111000} {
			_, err := ix.CheckAndRecord(ctx, "chat", fp64(w), int64(i+1))
			require.NoError(t, err)
		}
		out, err := ix.CheckAndRecord(ctx, "chat", fp64(0), 10)
		require.NoError(t, err)
		require.Len(t, out.Similar, 3)
		for i, m := range out.Similar {
			assert.Equal(t, 1, m.Distance)
			assert.Equal(t, int64(i+1), m.Record.ID)
		}
	})
}

func TestFarFingerprintsNeverMatch(t *testing.T) {
	ctx := context.Background()
	b, err := memstore.New(mapper(t), 64)
	require.NoError(t, err)
	ix := newIndex(t, b, WithThreshold(4))
	rng := rand.New(rand.NewSource(7))
	var stored []uint64
	for i := 0; i < 200; i++ {
		w := rng.Uint64()
		out, err := ix.CheckAndRecord(ctx, "chat", fp64(w), int64(i+1))
		require.NoError(t, err)
		for _, m := range out.Similar {
			d := fingerprint.Hamming([]uint64{w}, m.Fingerprint.Words())
			assert.LessOrEqual(t, d, 4)
			assert.Equal(t, d, m.Distance)
		}
		for _, s := range stored {
			if s == w {
				continue
			}
			if fingerprint.Hamming([]uint64{w}, []uint64{s}) > 4 {
				for _, m := range out.Similar {
					assert.NotEqual(t, s, m.Fingerprint.Words()[0])
				}
			}
		}
		stored = append(stored, w)
	}
}

func TestPrefilterSkipsScanForNovelFingerprint(t *testing.T) {
	ctx := context.Background()
	b, err := memstore.New(mapper(t), 64)
	require.NoError(t, err)

	var scans, rejects atomic.Int32
	ix := newIndex(t, b,
		WithFilter(prefilter.NewBloom(1_000, 0.0001)),
		WithHooks(Hooks{
			OnScan:         func(store.Partition, bool) { scans.Add(1) },
			OnFilterReject: func(store.Partition) { rejects.Add(1) },
		}))

	out, err := ix.CheckAndRecord(ctx, "chat-A", fp64(0xFFFFFFFF), 1)
	require.NoError(t, err)
	assert.True(t, out.FilterRejected)
	assert.True(t, out.Inserted)
	assert.Empty(t, out.Matches())
	assert.EqualValues(t, 0, scans.Load())
	assert.EqualValues(t, 1, rejects.Load())

	out, err = ix.CheckAndRecord(ctx, "chat-A", fp64(0xFFFFFFFF), 2)
	require.NoError(t, err)
	assert.False(t, out.FilterRejected)
	id, ok := out.ExactRepost()
	require.True(t, ok)
	assert.Equal(t, int64(1), id)

	// filter positive from another partition: authoritative path runs
	out, err = ix.CheckAndRecord(ctx, "chat-B", fp64(0xFFFFFFFF), 3)
	require.NoError(t, err)
	assert.False(t, out.Seen())
	assert.EqualValues(t, 1, scans.Load())
}

func TestLostFilterFallsBackToExact(t *testing.T) {
	ctx := context.Background()
	b, err := memstore.New(mapper(t), 64)
	require.NoError(t, err)
	_, err = newIndex(t, b).CheckAndRecord(ctx, "chat", fp64(9), 1)
	require.NoError(t, err)

	filter := prefilter.NewBloom(1_000, 0.0001)
	ix := newIndex(t, b, WithFilter(filter))
	out, err := ix.CheckAndRecord(ctx, "chat", fp64(9), 2)
	require.NoError(t, err)
	id, ok := out.ExactRepost()
	require.True(t, ok)
	assert.Equal(t, int64(1), id)
	assert.True(t, filter.MightContain(fp64(9)))
}

func TestMatchesIndependentOfInsertionOrder(t *testing.T) {
	words := []uint64{0b1, 0b11, 0b111, 0b1111, 0b10101, 0xFF00, 0b110, 0b1000}
	query := fp64(0)
	type hit struct {
		w uint64
		d int
	}
	var want []hit
	rng := rand.New(rand.NewSource(1))
	for round := 0; round < 5; round++ {
		perm := rng.Perm(len(words))
		b, err := memstore.New(mapper(t), 64)
		require.NoError(t, err)
		ix := newIndex(t, b, WithThreshold(3))
		for i, j := range perm {
			_, err := ix.CheckAndRecord(context.Background(), "chat", fp64(words[j]), int64(i+1))
			require.NoError(t, err)
		}
		out, err := ix.CheckAndRecord(context.Background(), "chat", query, 100)
		require.NoError(t, err)
		var got []hit
		for _, m := range out.Similar {
			got = append(got, hit{m.Fingerprint.Words()[0], m.Distance})
		}
		sort.Slice(got, func(a, b int) bool { return got[a].w < got[b].w })
		if round == 0 {
			want = got
			require.Len(t, want, 5)
			continue
		}
		assert.Equal(t, want, got, "round %d", round)
	}
}

func TestConcurrentSameFingerprint(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b store.Backend) {
		ctx := context.Background()
		ix := newIndex(t, b, WithMaxConcurrentScans(2))

		var mu sync.Mutex
		var inserted []int64
		exact := map[int64]int{}
		var g errgroup.Group
		for i := 1; i <= 16; i++ {
			id := int64(i)
			g.Go(func() error {
				out, err := ix.CheckAndRecord(ctx, "chat", fp64(0xC0FFEE), id)
				if err != nil {
					return err
				}
				mu.Lock()
				defer mu.Unlock()
				if out.Inserted {
					inserted = append(inserted, out.Record.ID)
				} else if rid, ok := out.ExactRepost(); ok {
					exact[rid]++
				}
				return nil
			})
		}
		require.NoError(t, g.Wait())
		require.Len(t, inserted, 1)
		assert.Equal(t, map[int64]int{inserted[0]: 15}, exact)

		p, err := b.EnsurePartition(ctx, "chat")
		require.NoError(t, err)
		n := 0
		for _, err := range b.Scan(ctx, p) {
			require.NoError(t, err)
			n++
		}
		assert.Equal(t, 1, n)
	})
}

func TestConcurrentPartitionsDoNotInterfere(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b store.Backend) {
		ctx := context.Background()
		ix := newIndex(t, b)
		var g errgroup.Group
		for c := 0; c < 6; c++ {
			key := fmt.Sprintf("-100%d", c)
			g.Go(func() error {
				for i := 0; i < 10; i++ {
					out, err := ix.CheckAndRecord(ctx, key, fp64(uint64(i)<<20), int64(i+1))
					if err != nil {
						return err
					}
					if !out.Inserted || out.Seen() {
						return fmt.Errorf("%s/%d: unexpected outcome %+v", key, i, out)
					}
				}
				return nil
			})
		}
		require.NoError(t, g.Wait())
	})
}

func TestInvalidFingerprintTouchesNothing(t *testing.T) {
	b, err := memstore.New(mapper(t), 64)
	require.NoError(t, err)
	ix := newIndex(t, b)
	_, err = ix.CheckAndRecord(context.Background(), "chat", fingerprint.MustNew(32, 1), 1)
	require.ErrorIs(t, err, ErrInvalidFingerprint)
	_, err = ix.CheckAndRecord(context.Background(), "chat", fingerprint.Fingerprint{}, 1)
	require.ErrorIs(t, err, ErrInvalidFingerprint)
	for range b.Partitions(context.Background()) {
		t.Fatal("no partition must be created")
	}
}

func TestInvalidKey(t *testing.T) {
	b, err := memstore.New(mapper(t), 64)
	require.NoError(t, err)
	_, err = newIndex(t, b).CheckAndRecord(context.Background(), "", fp64(1), 1)
	require.ErrorIs(t, err, ErrInvalidKey)
	require.ErrorIs(t, err, partition.ErrInvalidKey)
}

func TestRecordConflict(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b store.Backend) {
		ix := newIndex(t, b)
		_, err := ix.CheckAndRecord(context.Background(), "chat", fp64(1), 7)
		require.NoError(t, err)
		_, err = ix.CheckAndRecord(context.Background(), "chat", fp64(0xF0F0), 7)
		require.ErrorIs(t, err, ErrRecordConflict)
		require.ErrorIs(t, err, store.ErrRecordConflict)
	})
}

func TestMaxPartitionSizeTruncates(t *testing.T) {
	ctx := context.Background()
	b, err := memstore.New(mapper(t), 64, memstore.WithVPTree())
	require.NoError(t, err)
	var native atomic.Bool
	ix := newIndex(t, b, WithMaxPartitionSize(3), WithHooks(Hooks{
		OnScan: func(_ store.Partition, n bool) { native.Store(n) },
	}))
	for i := 0; i < 5; i++ {
		_, err := ix.CheckAndRecord(ctx, "chat", fp64(uint64(1)<<(i*8)), int64(i+1))
		require.NoError(t, err)
	}
	out, err := ix.CheckAndRecord(ctx, "chat", fp64(0xFFFF_FFFF_FFFF), 10)
	require.NoError(t, err)
	assert.True(t, out.Truncated)
	assert.False(t, native.Load())
	assert.True(t, out.Inserted)
}

func TestCancelledContextIsUnavailable(t *testing.T) {
	b, err := memstore.New(mapper(t), 64)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = newIndex(t, b).CheckAndRecord(ctx, "chat", fp64(1), 1)
	require.ErrorIs(t, err, ErrUnavailable)
	require.ErrorIs(t, err, context.Canceled)
}

// faultyBackend fails selected operations of an otherwise working backend.
type faultyBackend struct {
	store.Backend
	scanErr   error
	insertErr error
	inserts   atomic.Int32
}

func (f *faultyBackend) Scan(ctx context.Context, p store.Partition) iter.Seq2[store.Entry, error] {
	if f.scanErr == nil {
		return f.Backend.Scan(ctx, p)
	}
	return func(yield func(store.Entry, error) bool) { yield(store.Entry{}, f.scanErr) }
}

func (f *faultyBackend) Insert(ctx context.Context, p store.Partition, fp fingerprint.Fingerprint, id int64) (store.Record, error) {
	if f.insertErr != nil {
		return store.Record{}, f.insertErr
	}
	f.inserts.Add(1)
	return f.Backend.Insert(ctx, p, fp, id)
}

func TestBackendFailuresAbortWithoutInsert(t *testing.T) {
	inner, err := memstore.New(mapper(t), 64)
	require.NoError(t, err)

	cases := []struct {
		name    string
		backend *faultyBackend
		want    error
	}{
		{"scan unavailable", &faultyBackend{Backend: inner, scanErr: fmt.Errorf("%w: disk gone", store.ErrUnavailable)}, ErrUnavailable},
		{"scan corrupt", &faultyBackend{Backend: inner, scanErr: fmt.Errorf("%w: bad row", store.ErrCorrupt)}, ErrCorrupt},
		{"insert unavailable", &faultyBackend{Backend: inner, insertErr: errors.New("locked")}, ErrUnavailable},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := newIndex(t, tc.backend).CheckAndRecord(context.Background(), "chat", fp64(3), 1)
			require.ErrorIs(t, err, tc.want)
			assert.EqualValues(t, 0, tc.backend.inserts.Load())
		})
	}
}

func TestRebuildFilter(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b store.Backend) {
		ctx := context.Background()
		ix := newIndex(t, b)
		for c := 0; c < 3; c++ {
			for i := 0; i < 4; i++ {
				_, err := ix.CheckAndRecord(ctx, fmt.Sprintf("chat-%d", c), fp64(uint64(c*100+i+1)<<8), int64(i+1))
				require.NoError(t, err)
			}
		}
		filter := prefilter.NewBloom(1_000, 0.0001)
		n, err := ix.RebuildFilter(ctx, filter)
		require.NoError(t, err)
		assert.Equal(t, 12, n)
		for c := 0; c < 3; c++ {
			for i := 0; i < 4; i++ {
				assert.True(t, filter.MightContain(fp64(uint64(c*100+i+1)<<8)))
			}
		}
	})
}

func TestNewValidatesOptions(t *testing.T) {
	b, err := memstore.New(mapper(t), 64)
	require.NoError(t, err)
	_, err = New(b, WithThreshold(-1))
	require.Error(t, err)
	_, err = New(b, WithBits(12))
	require.Error(t, err)
	_, err = New(nil)
	require.Error(t, err)
}
