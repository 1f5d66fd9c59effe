package index

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/viant/sqlite-dedup/fingerprint"
	"github.com/viant/sqlite-dedup/index/bruteforce"
	"github.com/viant/sqlite-dedup/store"
)

// Outcome is the result of CheckAndRecord.
type Outcome struct {
	Partition store.Partition
	// Exact is set when the fingerprint was already stored; its record stays
	// canonical and nothing is inserted.
	Exact *store.Match
	// Similar lists stored fingerprints within the threshold, ordered by
	// distance, then insertion order. Every tie is reported.
	Similar []store.Match
	// Inserted reports whether Record was stored by this call.
	Inserted bool
	Record   store.Record
	// FilterRejected is set when the pre-filter proved the fingerprint novel
	// and storage lookups were skipped.
	FilterRejected bool
	// Truncated is set when the scan stopped at MaxPartitionSize.
	Truncated bool
}

// Seen reports whether this exact fingerprint had been recorded before.
func (o Outcome) Seen() bool { return o.Exact != nil }

// ExactRepost returns the record id of the exact match.
func (o Outcome) ExactRepost() (int64, bool) {
	if o.Exact == nil {
		return 0, false
	}
	return o.Exact.Record.ID, true
}

// Matches returns the exact match, if any, followed by the near duplicates.
func (o Outcome) Matches() []store.Match {
	if o.Exact == nil {
		return o.Similar
	}
	return append([]store.Match{*o.Exact}, o.Similar...)
}

// Index is the similarity index. It is safe for concurrent use.
type Index struct {
	backend store.Backend
	opts    Options
	scans   *semaphore.Weighted
	locks   keyedMutex
}

// New creates an Index over backend.
func New(backend store.Backend, opts ...Option) (*Index, error) {
	if backend == nil {
		return nil, fmt.Errorf("index: backend is nil")
	}
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if !fingerprint.ValidWidth(o.Bits) {
		return nil, fmt.Errorf("index: invalid fingerprint width %d", o.Bits)
	}
	if o.Threshold < 0 || o.Threshold > o.Bits {
		return nil, fmt.Errorf("index: threshold %d outside [0, %d]", o.Threshold, o.Bits)
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	ix := &Index{backend: backend, opts: o}
	if o.MaxConcurrentScans > 0 {
		ix.scans = semaphore.NewWeighted(int64(o.MaxConcurrentScans))
	}
	return ix, nil
}

// Backend returns the storage backend.
func (ix *Index) Backend() store.Backend { return ix.backend }

// Bits returns the configured fingerprint width.
func (ix *Index) Bits() int { return ix.opts.Bits }

// Threshold returns the configured maximum near-duplicate distance.
func (ix *Index) Threshold() int { return ix.opts.Threshold }

// CheckAndRecord looks fp up in the partition for key and records it under
// recordID unless it is an exact repost.
//
// Either the record is stored and the matches reported, or an error is
// returned and nothing was stored.
func (ix *Index) CheckAndRecord(ctx context.Context, key string, fp fingerprint.Fingerprint, recordID int64) (Outcome, error) {
	if fp.Bits() != ix.opts.Bits {
		return Outcome{}, fmt.Errorf("%w: got %d bits, want %d", ErrInvalidFingerprint, fp.Bits(), ix.opts.Bits)
	}
	if ix.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, ix.opts.Timeout)
		defer cancel()
	}
	p, err := ix.backend.EnsurePartition(ctx, key)
	if err != nil {
		return Outcome{}, ix.fail("ensure partition", key, err)
	}
	unlock := ix.locks.Lock(p.Name)
	defer unlock()

	out := Outcome{Partition: p}
	if ix.opts.Filter != nil && !ix.opts.Filter.MightContain(fp) {
		out.FilterRejected = true
		if h := ix.opts.Hooks.OnFilterReject; h != nil {
			h(p)
		}
	} else {
		rec, err := ix.backend.Get(ctx, p, fp)
		switch {
		case err == nil:
			return ix.exact(out, fp, rec), nil
		case !errors.Is(err, store.ErrNotFound):
			return Outcome{}, ix.fail("exact lookup", key, err)
		}
		if err := ix.search(ctx, p, fp, &out); err != nil {
			return Outcome{}, ix.fail("scan", key, err)
		}
	}

	rec, err := ix.backend.Insert(ctx, p, fp, recordID)
	if errors.Is(err, store.ErrDuplicateKey) {
		// another process stored it first, or the filter lost it
		if ix.opts.Filter != nil {
			ix.opts.Filter.Add(fp)
		}
		if rec, err = ix.backend.Get(ctx, p, fp); err != nil {
			return Outcome{}, ix.fail("exact lookup", key, err)
		}
		return ix.exact(Outcome{Partition: p}, fp, rec), nil
	}
	if err != nil {
		return Outcome{}, ix.fail("insert", key, err)
	}
	if ix.opts.Filter != nil {
		ix.opts.Filter.Add(fp)
	}
	out.Inserted = true
	out.Record = rec
	if h := ix.opts.Hooks.OnInsert; h != nil {
		h(p, rec)
	}
	ix.opts.Logger.Debug("fingerprint recorded",
		zap.String("partition", p.Name),
		zap.Int64("record", rec.ID),
		zap.Int("similar", len(out.Similar)),
		zap.Bool("filterRejected", out.FilterRejected))
	return out, nil
}

func (ix *Index) exact(out Outcome, fp fingerprint.Fingerprint, rec store.Record) Outcome {
	out.Exact = &store.Match{Entry: store.Entry{Fingerprint: fp, Record: rec}}
	if h := ix.opts.Hooks.OnExact; h != nil {
		h(out.Partition, rec)
	}
	ix.opts.Logger.Debug("exact repost",
		zap.String("partition", out.Partition.Name),
		zap.Int64("record", rec.ID))
	return out
}

// search fills out.Similar. Backends implementing store.RangeSearcher answer
// natively unless a partition size cap requires counting entries.
func (ix *Index) search(ctx context.Context, p store.Partition, fp fingerprint.Fingerprint, out *Outcome) error {
	if ix.scans != nil {
		if err := ix.scans.Acquire(ctx, 1); err != nil {
			return err
		}
		defer ix.scans.Release(1)
	}
	rs, native := ix.backend.(store.RangeSearcher)
	native = native && ix.opts.MaxPartitionSize == 0
	if h := ix.opts.Hooks.OnScan; h != nil {
		h(p, native)
	}
	if native {
		matches, err := rs.Within(ctx, p, fp, ix.opts.Threshold)
		if err != nil {
			return err
		}
		bruteforce.Sort(matches)
		out.Similar = matches
		return nil
	}
	res, err := bruteforce.Within(fp, ix.opts.Threshold, ix.backend.Scan(ctx, p), ix.opts.MaxPartitionSize)
	if err != nil {
		return err
	}
	out.Similar = res.Matches
	if res.Truncated {
		out.Truncated = true
		ix.opts.Logger.Warn("partition scan truncated",
			zap.String("partition", p.Name),
			zap.Int("scanned", res.Scanned),
			zap.Int("maxPartitionSize", ix.opts.MaxPartitionSize))
	}
	return nil
}

func (ix *Index) fail(step, key string, err error) error {
	err = translate(err)
	if !errors.Is(err, ErrInvalidFingerprint) && !errors.Is(err, ErrInvalidKey) {
		ix.opts.Logger.Warn("check failed", zap.String("step", step), zap.String("key", key), zap.Error(err))
	}
	return err
}
