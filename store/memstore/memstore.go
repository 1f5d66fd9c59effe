// Package memstore is an in-process store.Backend. Data is lost on restart;
// it suits tests and ephemeral deployments. With WithVPTree it answers
// bounded-distance queries from a VP-tree rebuilt lazily after inserts.
package memstore

import (
	"context"
	"fmt"
	"iter"
	"sort"
	"sync"

	"github.com/viant/sqlite-dedup/fingerprint"
	"github.com/viant/sqlite-dedup/index/bruteforce"
	"github.com/viant/sqlite-dedup/index/cover"
	"github.com/viant/sqlite-dedup/partition"
	"github.com/viant/sqlite-dedup/store"
)

// Store is an in-memory store.Backend.
type Store struct {
	mapper *partition.Mapper
	bits   int
	vptree bool

	mu     sync.RWMutex
	parts  map[string]*part
	closed bool
}

type part struct {
	key string

	mu      sync.RWMutex
	byHex   map[string]store.Record
	byID    map[int64]string
	entries []store.Entry
	tree    *cover.Tree
}

// Option configures a Store.
type Option func(*Store)

// WithVPTree enables VP-tree range search.
func WithVPTree() Option { return func(s *Store) { s.vptree = true } }

// New creates a Store for fingerprints of the given width.
func New(mapper *partition.Mapper, bits int, opts ...Option) (*Store, error) {
	if mapper == nil {
		return nil, fmt.Errorf("memstore: mapper is nil")
	}
	if !fingerprint.ValidWidth(bits) {
		return nil, fmt.Errorf("memstore: invalid fingerprint width %d", bits)
	}
	s := &Store{mapper: mapper, bits: bits, parts: make(map[string]*part)}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *Store) EnsurePartition(ctx context.Context, key string) (store.Partition, error) {
	if err := ctx.Err(); err != nil {
		return store.Partition{}, fmt.Errorf("%w: %w", store.ErrUnavailable, err)
	}
	name, err := s.mapper.Name(key)
	if err != nil {
		return store.Partition{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return store.Partition{}, store.ErrClosed
	}
	if _, ok := s.parts[name]; !ok {
		s.parts[name] = &part{key: key, byHex: make(map[string]store.Record), byID: make(map[int64]string)}
	}
	return store.Partition{Key: key, Name: name}, nil
}

func (s *Store) part(p store.Partition) (*part, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, store.ErrClosed
	}
	pt, ok := s.parts[p.Name]
	if !ok {
		return nil, fmt.Errorf("memstore: unknown partition %q", p.Name)
	}
	return pt, nil
}

func (s *Store) Get(ctx context.Context, p store.Partition, fp fingerprint.Fingerprint) (store.Record, error) {
	pt, err := s.part(p)
	if err != nil {
		return store.Record{}, err
	}
	pt.mu.RLock()
	defer pt.mu.RUnlock()
	rec, ok := pt.byHex[fp.Hex()]
	if !ok {
		return store.Record{}, store.ErrNotFound
	}
	return rec, nil
}

func (s *Store) Scan(ctx context.Context, p store.Partition) iter.Seq2[store.Entry, error] {
	return func(yield func(store.Entry, error) bool) {
		pt, err := s.part(p)
		if err != nil {
			yield(store.Entry{}, err)
			return
		}
		pt.mu.RLock()
		snapshot := append([]store.Entry(nil), pt.entries...)
		pt.mu.RUnlock()
		for _, e := range snapshot {
			if err := ctx.Err(); err != nil {
				yield(store.Entry{}, fmt.Errorf("%w: %w", store.ErrUnavailable, err))
				return
			}
			if !yield(e, nil) {
				return
			}
		}
	}
}

func (s *Store) Insert(ctx context.Context, p store.Partition, fp fingerprint.Fingerprint, id int64) (store.Record, error) {
	if fp.Bits() != s.bits {
		return store.Record{}, fmt.Errorf("%w: %d-bit fingerprint, store holds %d", fingerprint.ErrInvalid, fp.Bits(), s.bits)
	}
	pt, err := s.part(p)
	if err != nil {
		return store.Record{}, err
	}
	hex := fp.Hex()
	pt.mu.Lock()
	defer pt.mu.Unlock()
	if _, ok := pt.byHex[hex]; ok {
		return store.Record{}, store.ErrDuplicateKey
	}
	if _, ok := pt.byID[id]; ok {
		return store.Record{}, fmt.Errorf("%w: record %d", store.ErrRecordConflict, id)
	}
	rec := store.Record{ID: id, Seq: int64(len(pt.entries) + 1)}
	pt.byHex[hex] = rec
	pt.byID[id] = hex
	pt.entries = append(pt.entries, store.Entry{Fingerprint: fp, Record: rec})
	pt.tree = nil
	return rec, nil
}

// Within implements store.RangeSearcher. Without WithVPTree it scans.
func (s *Store) Within(ctx context.Context, p store.Partition, fp fingerprint.Fingerprint, maxDistance int) ([]store.Match, error) {
	if !s.vptree {
		res, err := bruteforce.Within(fp, maxDistance, s.Scan(ctx, p), 0)
		return res.Matches, err
	}
	pt, err := s.part(p)
	if err != nil {
		return nil, err
	}
	if fp.Bits() != s.bits {
		return nil, fmt.Errorf("%w: %d-bit fingerprint, store holds %d", fingerprint.ErrInvalid, fp.Bits(), s.bits)
	}
	pt.mu.Lock()
	if pt.tree == nil {
		pt.tree = cover.Build(pt.entries)
	}
	tree := pt.tree
	pt.mu.Unlock()
	return tree.Within(fp, maxDistance), nil
}

func (s *Store) Partitions(ctx context.Context) iter.Seq2[store.Partition, error] {
	return func(yield func(store.Partition, error) bool) {
		s.mu.RLock()
		out := make([]store.Partition, 0, len(s.parts))
		for name, pt := range s.parts {
			out = append(out, store.Partition{Key: pt.key, Name: name})
		}
		s.mu.RUnlock()
		sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
		for _, p := range out {
			if !yield(p, nil) {
				return
			}
		}
	}
}

// ClosePartition drops the cached VP-tree; stored entries are kept.
func (s *Store) ClosePartition(p store.Partition) error {
	pt, err := s.part(p)
	if err != nil {
		return nil
	}
	pt.mu.Lock()
	pt.tree = nil
	pt.mu.Unlock()
	return nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

var (
	_ store.Backend       = (*Store)(nil)
	_ store.RangeSearcher = (*Store)(nil)
)
