package dedup

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/viant/sqlite-dedup/config"
	"github.com/viant/sqlite-dedup/fingerprint"
	"github.com/viant/sqlite-dedup/index"
	"github.com/viant/sqlite-dedup/internal/kv"
	"github.com/viant/sqlite-dedup/partition"
	"github.com/viant/sqlite-dedup/prefilter"
	"github.com/viant/sqlite-dedup/sqladmin"
	"github.com/viant/sqlite-dedup/store"
	"github.com/viant/sqlite-dedup/store/filterstore"
	"github.com/viant/sqlite-dedup/store/kvstore"
	"github.com/viant/sqlite-dedup/store/memstore"
	"github.com/viant/sqlite-dedup/store/sqlstore"
)

// Service wires storage, pre-filter, index and detector from a Config.
type Service struct {
	cfg      *config.Config
	logger   *zap.Logger
	mapper   *partition.Mapper
	backend  store.Backend
	db       *sql.DB
	filter   *prefilter.Bloom
	index    *index.Index
	detector *Detector
}

// backendFactory opens a storage backend; db is set for SQL backends.
type backendFactory func(ctx context.Context, cfg *config.Config, mapper *partition.Mapper, logger *zap.Logger) (b store.Backend, db *sql.DB, err error)

var backendFactories = map[string]backendFactory{
	config.BackendSQLite: openSQLite,
	config.BackendBadger: openBadger,
	config.BackendMemory: openMemory,
}

func openSQLite(ctx context.Context, cfg *config.Config, mapper *partition.Mapper, logger *zap.Logger) (store.Backend, *sql.DB, error) {
	db, err := sqlstore.OpenDB(cfg.Storage.SQLite.DSN)
	if err != nil {
		return nil, nil, err
	}
	switch err := sqladmin.Register(db); {
	case errors.Is(err, sqladmin.ErrSingleConnection):
		logger.Debug("admin table disabled for in-memory database", zap.String("dsn", cfg.Storage.SQLite.DSN))
	case err != nil:
		_ = db.Close()
		return nil, nil, err
	}
	s, err := sqlstore.New(ctx, db, mapper, cfg.Fingerprint.Bits, sqlstore.WithLogger(logger))
	if err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	return &ownedDB{Store: s, db: db}, db, nil
}

func openBadger(_ context.Context, cfg *config.Config, mapper *partition.Mapper, logger *zap.Logger) (store.Backend, *sql.DB, error) {
	db, err := kv.NewBadger(kv.BadgerOptions{
		Dir:      cfg.Storage.Badger.Dir,
		InMemory: cfg.Storage.Badger.InMemory,
		Logger:   logger,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %w", store.ErrUnavailable, err)
	}
	s, err := kvstore.New(db, mapper, cfg.Fingerprint.Bits, kvstore.WithLogger(logger))
	if err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	return s, nil, nil
}

func openMemory(_ context.Context, cfg *config.Config, mapper *partition.Mapper, _ *zap.Logger) (store.Backend, *sql.DB, error) {
	var opts []memstore.Option
	if cfg.Storage.Memory.VPTree {
		opts = append(opts, memstore.WithVPTree())
	}
	s, err := memstore.New(mapper, cfg.Fingerprint.Bits, opts...)
	return s, nil, err
}

// ownedDB closes the shared handle after the store.
type ownedDB struct {
	*sqlstore.Store
	db *sql.DB
}

func (o *ownedDB) Close() error { return errors.Join(o.Store.Close(), o.db.Close()) }

// Open builds the service. A missing or unreadable filter file is rebuilt
// from storage before the service is returned.
func Open(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Service, error) {
	if cfg == nil {
		return nil, fmt.Errorf("dedup: config is nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	encode, _, err := fingerprint.NewEncoder(fingerprint.Algorithm(cfg.Fingerprint.Algorithm), cfg.Fingerprint.HashSize)
	if err != nil {
		return nil, err
	}
	mapper, err := partition.NewMapper(cfg.Storage.SQLite.TablePrefix)
	if err != nil {
		return nil, err
	}
	factory, ok := backendFactories[cfg.Storage.Backend]
	if !ok {
		return nil, fmt.Errorf("dedup: unknown storage backend %q", cfg.Storage.Backend)
	}
	backend, db, err := factory(ctx, cfg, mapper, logger)
	if err != nil {
		return nil, err
	}
	s := &Service{cfg: cfg, logger: logger, mapper: mapper, backend: backend, db: db}

	var filterLoaded bool
	if cfg.Prefilter.Enabled {
		if filterLoaded, err = s.openFilter(); err != nil {
			_ = backend.Close()
			return nil, err
		}
	}

	opts := []index.Option{
		index.WithBits(cfg.Fingerprint.Bits),
		index.WithThreshold(cfg.Index.ThresholdOrDefault()),
		index.WithMaxConcurrentScans(cfg.Index.MaxConcurrentScans),
		index.WithMaxPartitionSize(cfg.Index.MaxPartitionSize),
		index.WithTimeout(cfg.Index.Timeout),
		index.WithLogger(logger),
	}
	if s.filter != nil {
		opts = append(opts, index.WithFilter(s.filter))
	}
	if s.index, err = index.New(s.backend, opts...); err != nil {
		_ = s.backend.Close()
		return nil, err
	}
	if s.detector, err = NewDetector(s.index, encode, Reporter{LinkFormat: cfg.Report.LinkFormat}, logger); err != nil {
		_ = s.backend.Close()
		return nil, err
	}
	if s.filter != nil && !filterLoaded {
		if _, err := s.index.RebuildFilter(ctx, s.filter); err != nil {
			_ = s.backend.Close()
			return nil, err
		}
	}
	return s, nil
}

// openFilter loads the bloom filter and puts the two-tier store in front of
// the backend. It reports whether the filter came from disk.
func (s *Service) openFilter() (bool, error) {
	pc := s.cfg.Prefilter
	var loaded bool
	if pc.Path == "" {
		s.filter = prefilter.NewBloom(pc.ExpectedItems, pc.FalsePositiveRate)
	} else {
		b, ok, err := prefilter.Load(pc.Path, pc.ExpectedItems, pc.FalsePositiveRate)
		switch {
		case errors.Is(err, prefilter.ErrCorrupt):
			s.logger.Warn("filter file unreadable, rebuilding", zap.String("path", pc.Path), zap.Error(err))
			b = prefilter.NewBloom(pc.ExpectedItems, pc.FalsePositiveRate)
		case err != nil:
			return false, err
		}
		s.filter, loaded = b, ok
		s.logger.Info("filter opened", zap.String("path", pc.Path), zap.Bool("loaded", loaded), zap.Uint64("count", b.Count()))
	}

	var opts []filterstore.Option
	opts = append(opts, filterstore.WithLogger(s.logger))
	if pc.SideTable {
		var side kv.Store = kv.NewMemory()
		if pc.SideTableDir != "" {
			b, err := kv.NewBadger(kv.BadgerOptions{Dir: pc.SideTableDir, Logger: s.logger})
			if err != nil {
				return false, fmt.Errorf("%w: side table: %w", store.ErrUnavailable, err)
			}
			side = b
		}
		opts = append(opts, filterstore.WithSideTable(side))
	}
	fs, err := filterstore.New(s.backend, s.filter, opts...)
	if err != nil {
		return false, err
	}
	s.backend = fs
	return loaded, nil
}

func (s *Service) Index() *index.Index { return s.index }
func (s *Service) Detector() *Detector { return s.detector }
func (s *Service) Backend() store.Backend { return s.backend }
func (s *Service) Filter() *prefilter.Bloom { return s.filter }

// DB returns the SQLite handle, or nil for other backends.
func (s *Service) DB() *sql.DB { return s.db }

// PartitionInfo describes one partition.
type PartitionInfo struct {
	Key     string
	Name    string
	Records int
}

type counter interface {
	Count(ctx context.Context, p store.Partition) (int, error)
}

// Partitions lists every partition with its record count.
func (s *Service) Partitions(ctx context.Context) ([]PartitionInfo, error) {
	var out []PartitionInfo
	for p, err := range s.backend.Partitions(ctx) {
		if err != nil {
			return nil, err
		}
		out = append(out, PartitionInfo{Key: p.Key, Name: p.Name})
	}
	for i := range out {
		n, err := s.count(ctx, store.Partition{Key: out[i].Key, Name: out[i].Name})
		if err != nil {
			return nil, err
		}
		out[i].Records = n
	}
	return out, nil
}

func (s *Service) count(ctx context.Context, p store.Partition) (int, error) {
	b := s.backend
	if fs, ok := b.(*filterstore.Store); ok {
		b = fs.Inner()
	}
	if c, ok := b.(counter); ok {
		return c.Count(ctx, p)
	}
	n := 0
	for _, err := range b.Scan(ctx, p) {
		if err != nil {
			return 0, err
		}
		n++
	}
	return n, nil
}

// RebuildFilter re-adds every stored fingerprint to the filter and flushes
// it. Adding is always safe: the filter only has to stay a superset.
func (s *Service) RebuildFilter(ctx context.Context) (int, error) {
	if s.filter == nil {
		return 0, fmt.Errorf("dedup: prefilter is not enabled")
	}
	n, err := s.index.RebuildFilter(ctx, s.filter)
	if err != nil {
		return n, err
	}
	return n, s.flush()
}

func (s *Service) flush() error {
	if s.filter == nil || s.cfg.Prefilter.Path == "" {
		return nil
	}
	if err := s.filter.Flush(s.cfg.Prefilter.Path); err != nil {
		return fmt.Errorf("dedup: flush filter: %w", err)
	}
	s.logger.Info("filter flushed", zap.String("path", s.cfg.Prefilter.Path), zap.Uint64("count", s.filter.Count()))
	return nil
}

// Close flushes the filter and closes storage.
func (s *Service) Close() error {
	return errors.Join(s.flush(), s.backend.Close())
}
