// Package kvstore is the embedded ordered store.Backend, built on the
// internal/kv key space (BadgerDB on disk). Layout, with name the mapped
// partition name:
//
//	part:<name>          msgpack meta (key, bits, last seq)
//	fp:<name>:<hex>      msgpack record (id, seq)
//	id:<name>:<id>       fingerprint hex
//
// Inserts write all three keys in one batch under a per-partition lock.
package kvstore

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strconv"
	"sync"

	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/viant/sqlite-dedup/fingerprint"
	"github.com/viant/sqlite-dedup/internal/kv"
	"github.com/viant/sqlite-dedup/partition"
	"github.com/viant/sqlite-dedup/store"
)

const (
	nsPart = "part"
	nsFP   = "fp"
	nsID   = "id"
)

type meta struct {
	Key  string `msgpack:"key"`
	Bits int    `msgpack:"bits"`
	Seq  int64  `msgpack:"seq"`
}

type record struct {
	ID  int64 `msgpack:"id"`
	Seq int64 `msgpack:"seq"`
}

// Store is a kv-backed store.Backend.
type Store struct {
	kv     kv.Store
	mapper *partition.Mapper
	bits   int
	logger *zap.Logger

	mu     sync.Mutex
	parts  map[string]*part
	closed bool
	loads  singleflight.Group
}

type part struct {
	mu   sync.Mutex
	meta meta
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger. The default discards output.
func WithLogger(l *zap.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// New wraps db. The Store takes ownership and closes db on Close.
func New(db kv.Store, mapper *partition.Mapper, bits int, opts ...Option) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("kvstore: kv store is nil")
	}
	if mapper == nil {
		return nil, fmt.Errorf("kvstore: mapper is nil")
	}
	if !fingerprint.ValidWidth(bits) {
		return nil, fmt.Errorf("kvstore: invalid fingerprint width %d", bits)
	}
	s := &Store{kv: db, mapper: mapper, bits: bits, logger: zap.NewNop(), parts: make(map[string]*part)}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *Store) EnsurePartition(ctx context.Context, key string) (store.Partition, error) {
	name, err := s.mapper.Name(key)
	if err != nil {
		return store.Partition{}, err
	}
	p := store.Partition{Key: key, Name: name}
	_, err = s.load(ctx, p)
	return p, err
}

// load returns the cached partition, reading or creating its meta record.
// The kv round trips run outside s.mu; loads of the same partition share one
// flight so a new meta record is written at most once.
func (s *Store) load(ctx context.Context, p store.Partition) (*part, error) {
	if pt, err := s.cached(p.Name); pt != nil || err != nil {
		return pt, err
	}
	v, err, _ := s.loads.Do(p.Name, func() (any, error) {
		m, err := s.readMeta(ctx, p)
		if err != nil {
			return nil, err
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.closed {
			return nil, store.ErrClosed
		}
		if pt, ok := s.parts[p.Name]; ok {
			return pt, nil
		}
		pt := &part{meta: m}
		s.parts[p.Name] = pt
		return pt, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*part), nil
}

func (s *Store) cached(name string) (*part, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, store.ErrClosed
	}
	return s.parts[name], nil
}

func (s *Store) readMeta(ctx context.Context, p store.Partition) (meta, error) {
	var m meta
	raw, err := s.kv.Get(ctx, kv.Key{nsPart, p.Name})
	switch {
	case errors.Is(err, kv.ErrNotFound):
		m = meta{Key: p.Key, Bits: s.bits}
		if err := s.putMeta(ctx, m, p.Name); err != nil {
			return meta{}, err
		}
		s.logger.Debug("partition created", zap.String("partition", p.Name), zap.String("key", p.Key))
		return m, nil
	case err != nil:
		return meta{}, unavailable(err)
	}
	if err := msgpack.Unmarshal(raw, &m); err != nil {
		return meta{}, fmt.Errorf("%w: partition %s meta: %w", store.ErrCorrupt, p.Name, err)
	}
	if m.Bits != s.bits {
		return meta{}, fmt.Errorf("%w: partition %s holds %d-bit fingerprints, store uses %d", store.ErrCorrupt, p.Name, m.Bits, s.bits)
	}
	if m.Key != p.Key {
		return meta{}, fmt.Errorf("%w: partition %s registered for key %q, not %q", store.ErrCorrupt, p.Name, m.Key, p.Key)
	}
	return m, nil
}

func (s *Store) putMeta(ctx context.Context, m meta, name string) error {
	raw, err := msgpack.Marshal(m)
	if err != nil {
		return err
	}
	if err := s.kv.Set(ctx, kv.Key{nsPart, name}, raw); err != nil {
		return unavailable(err)
	}
	return nil
}

func (s *Store) checkWidth(fp fingerprint.Fingerprint) error {
	if fp.Bits() != s.bits {
		return fmt.Errorf("%w: %d-bit fingerprint, store holds %d", fingerprint.ErrInvalid, fp.Bits(), s.bits)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, p store.Partition, fp fingerprint.Fingerprint) (store.Record, error) {
	if err := s.checkWidth(fp); err != nil {
		return store.Record{}, err
	}
	if _, err := s.load(ctx, p); err != nil {
		return store.Record{}, err
	}
	return s.get(ctx, p.Name, fp.Hex())
}

func (s *Store) get(ctx context.Context, name, hex string) (store.Record, error) {
	raw, err := s.kv.Get(ctx, kv.Key{nsFP, name, hex})
	if errors.Is(err, kv.ErrNotFound) {
		return store.Record{}, store.ErrNotFound
	}
	if err != nil {
		return store.Record{}, unavailable(err)
	}
	var r record
	if err := msgpack.Unmarshal(raw, &r); err != nil {
		return store.Record{}, fmt.Errorf("%w: %s/%s: %w", store.ErrCorrupt, name, hex, err)
	}
	return store.Record{ID: r.ID, Seq: r.Seq}, nil
}

func (s *Store) Insert(ctx context.Context, p store.Partition, fp fingerprint.Fingerprint, id int64) (store.Record, error) {
	if err := s.checkWidth(fp); err != nil {
		return store.Record{}, err
	}
	pt, err := s.load(ctx, p)
	if err != nil {
		return store.Record{}, err
	}
	hex := fp.Hex()
	idKey := kv.Key{nsID, p.Name, strconv.FormatInt(id, 10)}

	pt.mu.Lock()
	defer pt.mu.Unlock()
	if _, err := s.get(ctx, p.Name, hex); err == nil {
		return store.Record{}, store.ErrDuplicateKey
	} else if !errors.Is(err, store.ErrNotFound) {
		return store.Record{}, err
	}
	if _, err := s.kv.Get(ctx, idKey); err == nil {
		return store.Record{}, fmt.Errorf("%w: record %d", store.ErrRecordConflict, id)
	} else if !errors.Is(err, kv.ErrNotFound) {
		return store.Record{}, unavailable(err)
	}

	next := pt.meta
	next.Seq++
	rec := record{ID: id, Seq: next.Seq}
	recRaw, err := msgpack.Marshal(rec)
	if err != nil {
		return store.Record{}, err
	}
	metaRaw, err := msgpack.Marshal(next)
	if err != nil {
		return store.Record{}, err
	}
	err = s.kv.BatchSet(ctx, []kv.Entry{
		{Key: kv.Key{nsFP, p.Name, hex}, Value: recRaw},
		{Key: idKey, Value: []byte(hex)},
		{Key: kv.Key{nsPart, p.Name}, Value: metaRaw},
	})
	if err != nil {
		return store.Record{}, unavailable(err)
	}
	pt.meta = next
	return store.Record{ID: rec.ID, Seq: rec.Seq}, nil
}

func (s *Store) Scan(ctx context.Context, p store.Partition) iter.Seq2[store.Entry, error] {
	return func(yield func(store.Entry, error) bool) {
		if _, err := s.load(ctx, p); err != nil {
			yield(store.Entry{}, err)
			return
		}
		for e, err := range s.kv.List(ctx, kv.Key{nsFP, p.Name}) {
			if err != nil {
				yield(store.Entry{}, unavailable(err))
				return
			}
			if err := ctx.Err(); err != nil {
				yield(store.Entry{}, unavailable(err))
				return
			}
			entry, err := s.decodeEntry(e)
			if err != nil {
				yield(store.Entry{}, err)
				return
			}
			if !yield(entry, nil) {
				return
			}
		}
	}
}

func (s *Store) decodeEntry(e kv.Entry) (store.Entry, error) {
	if len(e.Key) != 3 {
		return store.Entry{}, fmt.Errorf("%w: unexpected key %s", store.ErrCorrupt, e.Key)
	}
	fp, err := fingerprint.ParseHex(e.Key[2])
	if err != nil {
		return store.Entry{}, fmt.Errorf("%w: key %s: %w", store.ErrCorrupt, e.Key, err)
	}
	if fp.Bits() != s.bits {
		return store.Entry{}, fmt.Errorf("%w: key %s holds %d bits, store uses %d", store.ErrCorrupt, e.Key, fp.Bits(), s.bits)
	}
	var r record
	if err := msgpack.Unmarshal(e.Value, &r); err != nil {
		return store.Entry{}, fmt.Errorf("%w: key %s: %w", store.ErrCorrupt, e.Key, err)
	}
	return store.Entry{Fingerprint: fp, Record: store.Record{ID: r.ID, Seq: r.Seq}}, nil
}

func (s *Store) Partitions(ctx context.Context) iter.Seq2[store.Partition, error] {
	return func(yield func(store.Partition, error) bool) {
		for e, err := range s.kv.List(ctx, kv.Key{nsPart}) {
			if err != nil {
				yield(store.Partition{}, unavailable(err))
				return
			}
			var m meta
			if len(e.Key) != 2 {
				yield(store.Partition{}, fmt.Errorf("%w: unexpected key %s", store.ErrCorrupt, e.Key))
				return
			}
			if err := msgpack.Unmarshal(e.Value, &m); err != nil {
				yield(store.Partition{}, fmt.Errorf("%w: partition %s meta: %w", store.ErrCorrupt, e.Key[1], err))
				return
			}
			if !yield(store.Partition{Key: m.Key, Name: e.Key[1]}, nil) {
				return
			}
		}
	}
}

// ClosePartition is a no-op: the only per-partition state is the cached
// meta record, which must outlive in-flight inserts.
func (s *Store) ClosePartition(store.Partition) error { return nil }

func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.parts = nil
	s.mu.Unlock()
	return s.kv.Close()
}

func unavailable(err error) error {
	return fmt.Errorf("%w: %w", store.ErrUnavailable, err)
}

var _ store.Backend = (*Store)(nil)
