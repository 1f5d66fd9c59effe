package bruteforce

import (
	"errors"
	"iter"
	"testing"

	"github.com/viant/sqlite-dedup/fingerprint"
	"github.com/viant/sqlite-dedup/store"
)

func seq(entries []store.Entry) iter.Seq2[store.Entry, error] {
	return func(yield func(store.Entry, error) bool) {
		for _, e := range entries {
			if !yield(e, nil) {
				return
			}
		}
	}
}

func entry(id int64, w uint64) store.Entry {
	return store.Entry{Fingerprint: fingerprint.MustNew(64, w), Record: store.Record{ID: id, Seq: id}}
}

func TestWithinThreshold(t *testing.T) {
	entries := []store.Entry{
		entry(1, 0b11111),   // distance 5
		entry(2, 0b111111),  // distance 6
		entry(3, 0b1),       // distance 1
		entry(4, 0b1000001), // distance 2
	}
	res, err := Within(fingerprint.MustNew(64, 0), 5, seq(entries), 0)
	if err != nil {
		t.Fatalf("Within failed: %v", err)
	}
	if res.Scanned != 4 {
		t.Fatalf("Scanned = %d, want 4", res.Scanned)
	}
	want := []int64{3, 4, 1}
	if len(res.Matches) != len(want) {
		t.Fatalf("got %d matches, want %d", len(res.Matches), len(want))
	}
	for i, id := range want {
		if res.Matches[i].Record.ID != id {
			t.Fatalf("match[%d] = %d, want %d", i, res.Matches[i].Record.ID, id)
		}
	}
}

func TestWithinOrderInvariant(t *testing.T) {
	a := []store.Entry{entry(1, 0b11), entry(2, 0b101), entry(3, 0b1)}
	b := []store.Entry{entry(3, 0b1), entry(2, 0b101), entry(1, 0b11)}
	q := fingerprint.MustNew(64, 0)

	ra, err := Within(q, 2, seq(a), 0)
	if err != nil {
		t.Fatalf("Within(a) failed: %v", err)
	}
	rb, err := Within(q, 2, seq(b), 0)
	if err != nil {
		t.Fatalf("Within(b) failed: %v", err)
	}
	if len(ra.Matches) != len(rb.Matches) {
		t.Fatalf("match counts differ: %d vs %d", len(ra.Matches), len(rb.Matches))
	}
	for i := range ra.Matches {
		if ra.Matches[i].Record != rb.Matches[i].Record || ra.Matches[i].Distance != rb.Matches[i].Distance {
			t.Fatalf("match[%d] differs: %+v vs %+v", i, ra.Matches[i], rb.Matches[i])
		}
	}
}

func TestWithinLimit(t *testing.T) {
	entries := []store.Entry{entry(1, 0), entry(2, 0b1), entry(3, 0b11)}
	res, err := Within(fingerprint.MustNew(64, 0), 64, seq(entries), 2)
	if err != nil {
		t.Fatalf("Within failed: %v", err)
	}
	if !res.Truncated || res.Scanned != 2 || len(res.Matches) != 2 {
		t.Fatalf("res = %+v, want truncated after 2", res)
	}
}

func TestWithinWidthMismatchIsCorrupt(t *testing.T) {
	entries := []store.Entry{{Fingerprint: fingerprint.MustNew(32, 0), Record: store.Record{ID: 1}}}
	_, err := Within(fingerprint.MustNew(64, 0), 4, seq(entries), 0)
	if !errors.Is(err, store.ErrCorrupt) {
		t.Fatalf("err = %v, want ErrCorrupt", err)
	}
}

func TestWithinPropagatesIteratorError(t *testing.T) {
	boom := errors.New("boom")
	it := func(yield func(store.Entry, error) bool) { yield(store.Entry{}, boom) }
	if _, err := Within(fingerprint.MustNew(64, 0), 4, it, 0); !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}
}
