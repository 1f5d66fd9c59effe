// Package filterstore is the two-tier store.Backend: a membership pre-filter
// and an optional kv side table (fingerprint -> record) in front of an
// authoritative Backend. A negative filter answer short-circuits Get; the
// side table answers repeated lookups without touching the inner store.
//
// The side table and the filter are caches. Every write goes to the inner
// Backend first, so losing either never loses data; losing the filter alone
// does make lookups miss until it is rebuilt (see index.RebuildFilter).
package filterstore

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sync/atomic"

	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"

	"github.com/viant/sqlite-dedup/fingerprint"
	"github.com/viant/sqlite-dedup/index/bruteforce"
	"github.com/viant/sqlite-dedup/internal/kv"
	"github.com/viant/sqlite-dedup/prefilter"
	"github.com/viant/sqlite-dedup/store"
)

const nsSide = "side"

type sideRecord struct {
	ID  int64 `msgpack:"id"`
	Seq int64 `msgpack:"seq"`
}

// Stats counts how lookups were answered.
type Stats struct {
	FilterRejects uint64
	SideHits      uint64
	InnerLookups  uint64
}

// Store fronts an inner Backend with a filter and side table.
type Store struct {
	inner  store.Backend
	filter prefilter.Filter
	side   kv.Store
	logger *zap.Logger

	stats struct {
		filterRejects, sideHits, innerLookups atomic.Uint64
	}
}

// Option configures a Store.
type Option func(*Store)

// WithSideTable enables the side table. The Store closes it on Close.
func WithSideTable(side kv.Store) Option { return func(s *Store) { s.side = side } }

// WithLogger sets the logger. The default discards output.
func WithLogger(l *zap.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// New wraps inner. The Store owns inner and closes it on Close.
func New(inner store.Backend, filter prefilter.Filter, opts ...Option) (*Store, error) {
	if inner == nil {
		return nil, fmt.Errorf("filterstore: inner backend is nil")
	}
	if filter == nil {
		return nil, fmt.Errorf("filterstore: filter is nil")
	}
	s := &Store{inner: inner, filter: filter, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Inner returns the authoritative backend.
func (s *Store) Inner() store.Backend { return s.inner }

// Stats returns lookup counters.
func (s *Store) Stats() Stats {
	return Stats{
		FilterRejects: s.stats.filterRejects.Load(),
		SideHits:      s.stats.sideHits.Load(),
		InnerLookups:  s.stats.innerLookups.Load(),
	}
}

func (s *Store) EnsurePartition(ctx context.Context, key string) (store.Partition, error) {
	return s.inner.EnsurePartition(ctx, key)
}

func (s *Store) Get(ctx context.Context, p store.Partition, fp fingerprint.Fingerprint) (store.Record, error) {
	if !s.filter.MightContain(fp) {
		s.stats.filterRejects.Add(1)
		return store.Record{}, store.ErrNotFound
	}
	if rec, ok := s.sideGet(ctx, p, fp); ok {
		s.stats.sideHits.Add(1)
		return rec, nil
	}
	s.stats.innerLookups.Add(1)
	rec, err := s.inner.Get(ctx, p, fp)
	if err != nil {
		return store.Record{}, err
	}
	s.sidePut(ctx, p, fp, rec)
	return rec, nil
}

func (s *Store) Insert(ctx context.Context, p store.Partition, fp fingerprint.Fingerprint, id int64) (store.Record, error) {
	rec, err := s.inner.Insert(ctx, p, fp, id)
	switch {
	case err == nil:
		s.sidePut(ctx, p, fp, rec)
		s.filter.Add(fp)
	case errors.Is(err, store.ErrDuplicateKey):
		// stored by an earlier process whose filter was not flushed
		s.filter.Add(fp)
	}
	return rec, err
}

func (s *Store) Scan(ctx context.Context, p store.Partition) iter.Seq2[store.Entry, error] {
	return s.inner.Scan(ctx, p)
}

// Within implements store.RangeSearcher, delegating to the inner backend
// when it can search natively.
func (s *Store) Within(ctx context.Context, p store.Partition, fp fingerprint.Fingerprint, maxDistance int) ([]store.Match, error) {
	if rs, ok := s.inner.(store.RangeSearcher); ok {
		return rs.Within(ctx, p, fp, maxDistance)
	}
	res, err := bruteforce.Within(fp, maxDistance, s.inner.Scan(ctx, p), 0)
	return res.Matches, err
}

func (s *Store) Partitions(ctx context.Context) iter.Seq2[store.Partition, error] {
	return s.inner.Partitions(ctx)
}

func (s *Store) ClosePartition(p store.Partition) error { return s.inner.ClosePartition(p) }

func (s *Store) Close() error {
	var errs []error
	if s.side != nil {
		errs = append(errs, s.side.Close())
	}
	errs = append(errs, s.inner.Close())
	return errors.Join(errs...)
}

func sideKey(p store.Partition, fp fingerprint.Fingerprint) kv.Key {
	return kv.Key{nsSide, p.Name, fp.Hex()}
}

func (s *Store) sideGet(ctx context.Context, p store.Partition, fp fingerprint.Fingerprint) (store.Record, bool) {
	if s.side == nil {
		return store.Record{}, false
	}
	raw, err := s.side.Get(ctx, sideKey(p, fp))
	if err != nil {
		if !errors.Is(err, kv.ErrNotFound) {
			s.logger.Warn("side table lookup failed", zap.String("partition", p.Name), zap.Error(err))
		}
		return store.Record{}, false
	}
	var r sideRecord
	if err := msgpack.Unmarshal(raw, &r); err != nil {
		s.logger.Warn("side table entry unreadable", zap.String("partition", p.Name), zap.String("fingerprint", fp.Hex()), zap.Error(err))
		return store.Record{}, false
	}
	return store.Record{ID: r.ID, Seq: r.Seq}, true
}

func (s *Store) sidePut(ctx context.Context, p store.Partition, fp fingerprint.Fingerprint, rec store.Record) {
	if s.side == nil {
		return
	}
	raw, err := msgpack.Marshal(sideRecord{ID: rec.ID, Seq: rec.Seq})
	if err == nil {
		err = s.side.Set(ctx, sideKey(p, fp), raw)
	}
	if err != nil {
		s.logger.Warn("side table write failed", zap.String("partition", p.Name), zap.Error(err))
	}
}

var (
	_ store.Backend       = (*Store)(nil)
	_ store.RangeSearcher = (*Store)(nil)
)
