// Package storetest holds the conformance suite every store.Backend must
// pass. Backend packages call Run from their own tests.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/viant/sqlite-dedup/fingerprint"
	"github.com/viant/sqlite-dedup/index/bruteforce"
	"github.com/viant/sqlite-dedup/store"
)

// Factory opens a fresh, empty backend for 64-bit fingerprints. The suite
// closes it.
type Factory func(t *testing.T) store.Backend

// Run executes the conformance suite.
func Run(t *testing.T, open Factory) {
	t.Run("EnsurePartitionIdempotent", func(t *testing.T) { testEnsureIdempotent(t, open(t)) })
	t.Run("InsertGet", func(t *testing.T) { testInsertGet(t, open(t)) })
	t.Run("DuplicateKey", func(t *testing.T) { testDuplicateKey(t, open(t)) })
	t.Run("RecordConflict", func(t *testing.T) { testRecordConflict(t, open(t)) })
	t.Run("PartitionIsolation", func(t *testing.T) { testIsolation(t, open(t)) })
	t.Run("CaseIsolation", func(t *testing.T) { testCaseIsolation(t, open(t)) })
	t.Run("ScanAll", func(t *testing.T) { testScan(t, open(t)) })
	t.Run("Partitions", func(t *testing.T) { testPartitions(t, open(t)) })
	t.Run("RangeSearch", func(t *testing.T) { testRangeSearch(t, open(t)) })
	t.Run("ConcurrentPartitions", func(t *testing.T) { testConcurrent(t, open(t)) })
	t.Run("ClosePartitionIdempotent", func(t *testing.T) { testClosePartition(t, open(t)) })
}

func fp64(w uint64) fingerprint.Fingerprint { return fingerprint.MustNew(64, w) }

func testEnsureIdempotent(t *testing.T, b store.Backend) {
	defer b.Close()
	ctx := context.Background()
	p1, err := b.EnsurePartition(ctx, "-1001789876771")
	require.NoError(t, err)
	p2, err := b.EnsurePartition(ctx, "-1001789876771")
	require.NoError(t, err)
	assert.Equal(t, p1, p2)
	assert.Equal(t, "-1001789876771", p1.Key)
	assert.NotEmpty(t, p1.Name)
}

func testInsertGet(t *testing.T, b store.Backend) {
	defer b.Close()
	ctx := context.Background()
	p, err := b.EnsurePartition(ctx, "chat-A")
	require.NoError(t, err)

	_, err = b.Get(ctx, p, fp64(0xFFFFFFFF))
	require.ErrorIs(t, err, store.ErrNotFound)

	rec, err := b.Insert(ctx, p, fp64(0xFFFFFFFF), 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), rec.ID)
	assert.Equal(t, int64(1), rec.Seq)

	rec2, err := b.Insert(ctx, p, fp64(0x0F), 7)
	require.NoError(t, err)
	assert.Equal(t, int64(2), rec2.Seq)

	got, err := b.Get(ctx, p, fp64(0xFFFFFFFF))
	require.NoError(t, err)
	assert.Equal(t, rec, got)
}

func testDuplicateKey(t *testing.T, b store.Backend) {
	defer b.Close()
	ctx := context.Background()
	p, err := b.EnsurePartition(ctx, "chat-A")
	require.NoError(t, err)

	_, err = b.Insert(ctx, p, fp64(42), 1)
	require.NoError(t, err)
	_, err = b.Insert(ctx, p, fp64(42), 2)
	require.ErrorIs(t, err, store.ErrDuplicateKey)

	got, err := b.Get(ctx, p, fp64(42))
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.ID, "original record must stay canonical")
	assert.Equal(t, 1, count(t, b, p))
}

func testRecordConflict(t *testing.T, b store.Backend) {
	defer b.Close()
	ctx := context.Background()
	p, err := b.EnsurePartition(ctx, "chat-A")
	require.NoError(t, err)

	_, err = b.Insert(ctx, p, fp64(1), 10)
	require.NoError(t, err)
	_, err = b.Insert(ctx, p, fp64(2), 10)
	require.ErrorIs(t, err, store.ErrRecordConflict)
	_, err = b.Get(ctx, p, fp64(2))
	require.ErrorIs(t, err, store.ErrNotFound)
}

func testIsolation(t *testing.T, b store.Backend) {
	defer b.Close()
	ctx := context.Background()
	pa, err := b.EnsurePartition(ctx, "chat-A")
	require.NoError(t, err)
	pb, err := b.EnsurePartition(ctx, "chat-B")
	require.NoError(t, err)
	require.NotEqual(t, pa.Name, pb.Name)

	_, err = b.Insert(ctx, pa, fp64(0xFFFFFFFF), 1)
	require.NoError(t, err)

	_, err = b.Get(ctx, pb, fp64(0xFFFFFFFF))
	require.ErrorIs(t, err, store.ErrNotFound)
	assert.Equal(t, 0, count(t, b, pb))

	// The same fingerprint and id are independent in another partition.
	_, err = b.Insert(ctx, pb, fp64(0xFFFFFFFF), 1)
	require.NoError(t, err)
}

// Keys differing only in letter case are distinct conversations, even on
// engines with case-insensitive identifiers.
func testCaseIsolation(t *testing.T, b store.Backend) {
	defer b.Close()
	ctx := context.Background()
	upper, err := b.EnsurePartition(ctx, "chat-A")
	require.NoError(t, err)
	lower, err := b.EnsurePartition(ctx, "chat-a")
	require.NoError(t, err)
	require.False(t, strings.EqualFold(upper.Name, lower.Name), "%s and %s collide ignoring case", upper.Name, lower.Name)

	_, err = b.Insert(ctx, upper, fp64(0xFFFFFFFF), 1)
	require.NoError(t, err)
	_, err = b.Get(ctx, lower, fp64(0xFFFFFFFF))
	require.ErrorIs(t, err, store.ErrNotFound)
	assert.Equal(t, 0, count(t, b, lower))

	rec, err := b.Insert(ctx, lower, fp64(0xFFFFFFFF), 2)
	require.NoError(t, err)
	assert.Equal(t, int64(2), rec.ID)
	assert.Equal(t, 1, count(t, b, upper))
	assert.Equal(t, 1, count(t, b, lower))
}

func testScan(t *testing.T, b store.Backend) {
	defer b.Close()
	ctx := context.Background()
	p, err := b.EnsurePartition(ctx, "chat-A")
	require.NoError(t, err)

	want := map[int64]uint64{}
	for i := int64(1); i <= 25; i++ {
		w := uint64(i) * 0x9E3779B97F4A7C15
		want[i] = w
		_, err := b.Insert(ctx, p, fp64(w), i)
		require.NoError(t, err)
	}
	got := map[int64]uint64{}
	for e, err := range b.Scan(ctx, p) {
		require.NoError(t, err)
		got[e.Record.ID] = e.Fingerprint.Words()[0]
	}
	assert.Equal(t, want, got)

	// restartable
	assert.Equal(t, 25, count(t, b, p))
}

func testPartitions(t *testing.T, b store.Backend) {
	defer b.Close()
	ctx := context.Background()
	keys := []string{"-1001", "1001", "chat_x"}
	for _, k := range keys {
		_, err := b.EnsurePartition(ctx, k)
		require.NoError(t, err)
	}
	var got []string
	for p, err := range b.Partitions(ctx) {
		require.NoError(t, err)
		got = append(got, p.Key)
	}
	assert.ElementsMatch(t, keys, got)
}

func testRangeSearch(t *testing.T, b store.Backend) {
	defer b.Close()
	rs, ok := b.(store.RangeSearcher)
	if !ok {
		t.Skip("backend does not implement store.RangeSearcher")
	}
	ctx := context.Background()
	p, err := b.EnsurePartition(ctx, "chat-A")
	require.NoError(t, err)
	other, err := b.EnsurePartition(ctx, "chat-B")
	require.NoError(t, err)

	ins := map[int64]uint64{1: 0b11111, 2: 0b111111, 3: 0b1, 4: ^uint64(0)}
	for id, w := range ins {
		_, err := b.Insert(ctx, p, fp64(w), id)
		require.NoError(t, err)
	}
	_, err = b.Insert(ctx, other, fp64(0), 99)
	require.NoError(t, err)

	got, err := rs.Within(ctx, p, fp64(0), 5)
	require.NoError(t, err)
	want, err := bruteforce.Within(fp64(0), 5, b.Scan(ctx, p), 0)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, want.Matches, got)
	assert.Equal(t, int64(3), got[0].Record.ID)
	assert.Equal(t, 1, got[0].Distance)
	assert.Equal(t, int64(1), got[1].Record.ID)
	assert.Equal(t, 5, got[1].Distance)
}

func testConcurrent(t *testing.T, b store.Backend) {
	defer b.Close()
	ctx := context.Background()
	var g errgroup.Group
	const parts, per = 4, 20
	for i := 0; i < parts; i++ {
		key := fmt.Sprintf("chat-%d", i)
		g.Go(func() error {
			p, err := b.EnsurePartition(ctx, key)
			if err != nil {
				return err
			}
			for j := 0; j < per; j++ {
				if _, err := b.Insert(ctx, p, fp64(uint64(j+1)), int64(j+1)); err != nil {
					return err
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	for i := 0; i < parts; i++ {
		p, err := b.EnsurePartition(ctx, fmt.Sprintf("chat-%d", i))
		require.NoError(t, err)
		assert.Equal(t, per, count(t, b, p))
	}

	// racing inserts of one fingerprint: exactly one wins
	p, err := b.EnsurePartition(ctx, "race")
	require.NoError(t, err)
	var mu sync.Mutex
	wins, dups := 0, 0
	var rg errgroup.Group
	for i := 0; i < 8; i++ {
		id := int64(i + 1)
		rg.Go(func() error {
			_, err := b.Insert(ctx, p, fp64(777), id)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, store.ErrDuplicateKey):
				dups++
			default:
				return err
			}
			return nil
		})
	}
	require.NoError(t, rg.Wait())
	assert.Equal(t, 1, wins)
	assert.Equal(t, 7, dups)
	assert.Equal(t, 1, count(t, b, p))
}

func testClosePartition(t *testing.T, b store.Backend) {
	defer b.Close()
	ctx := context.Background()
	p, err := b.EnsurePartition(ctx, "chat-A")
	require.NoError(t, err)
	_, err = b.Insert(ctx, p, fp64(5), 1)
	require.NoError(t, err)
	require.NoError(t, b.ClosePartition(p))
	require.NoError(t, b.ClosePartition(p))

	// Reopening after close still sees the data.
	p, err = b.EnsurePartition(ctx, "chat-A")
	require.NoError(t, err)
	got, err := b.Get(ctx, p, fp64(5))
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.ID)
}

func count(t *testing.T, b store.Backend, p store.Partition) int {
	t.Helper()
	n := 0
	for _, err := range b.Scan(context.Background(), p) {
		require.NoError(t, err)
		n++
	}
	return n
}
