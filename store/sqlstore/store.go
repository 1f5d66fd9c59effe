package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"
	"strings"
	"sync"

	"go.uber.org/zap"
	sqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/viant/sqlite-dedup/engine"
	"github.com/viant/sqlite-dedup/fingerprint"
	"github.com/viant/sqlite-dedup/partition"
	"github.com/viant/sqlite-dedup/store"
)

// DefaultBusyTimeoutMs is applied to file databases opened by Open.
const DefaultBusyTimeoutMs = 5000

// Store is a SQLite store.Backend.
type Store struct {
	db     *sql.DB
	ownsDB bool
	mapper *partition.Mapper
	bits   int
	k      int
	logger *zap.Logger

	// writeMu serializes writers from this process; SQLite admits one
	// writer at a time and busy_timeout covers other processes.
	writeMu sync.Mutex

	mu     sync.Mutex
	parts  map[string]*table
	closed bool
}

// table holds the prepared statements of one partition. Statement users hold
// inUse for reading; closing takes it for writing.
type table struct {
	stmts  statements
	get    *sql.Stmt
	insert *sql.Stmt
	inUse  sync.RWMutex
}

func (t *table) release() { t.inUse.RUnlock() }

// close waits for in-flight statement users, then closes the statements.
func (t *table) close() error {
	t.inUse.Lock()
	defer t.inUse.Unlock()
	return errors.Join(t.get.Close(), t.insert.Close())
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

// Open opens dsn, registers the Hamming functions and prepares the
// registry. The returned Store owns the database handle.
func Open(ctx context.Context, dsn string, mapper *partition.Mapper, bits int, opts ...Option) (*Store, error) {
	db, err := OpenDB(dsn)
	if err != nil {
		return nil, err
	}
	s, err := New(ctx, db, mapper, bits, opts...)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	s.ownsDB = true
	return s, nil
}

// OpenDB registers the Hamming functions and opens dsn without touching it,
// so further modules can be registered before the first connection exists.
// File databases get busy_timeout and WAL journaling.
func OpenDB(dsn string) (*sql.DB, error) {
	if err := engine.RegisterHammingFunctions(nil); err != nil {
		return nil, err
	}
	db, err := engine.Open(withPragmas(dsn))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", store.ErrUnavailable, err)
	}
	return db, nil
}

// New wraps an existing database; the caller keeps ownership of db. Hamming
// functions must have been registered before db opened its connections,
// which OpenDB takes care of.
func New(ctx context.Context, db *sql.DB, mapper *partition.Mapper, bits int, opts ...Option) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: db is nil")
	}
	if mapper == nil {
		return nil, fmt.Errorf("sqlstore: mapper is nil")
	}
	if !fingerprint.ValidWidth(bits) {
		return nil, fmt.Errorf("sqlstore: invalid fingerprint width %d", bits)
	}
	s := &Store{
		db:     db,
		mapper: mapper,
		bits:   bits,
		k:      fingerprint.WordCount(bits),
		logger: zap.NewNop(),
		parts:  make(map[string]*table),
	}
	for _, opt := range opts {
		opt(s)
	}
	if _, err := db.ExecContext(ctx, RegistryDDL()); err != nil {
		return nil, classify(err)
	}
	return s, nil
}

// DB exposes the underlying handle, e.g. for registering the admin module.
func (s *Store) DB() *sql.DB { return s.db }

// withPragmas adds busy_timeout and WAL journaling to file DSNs.
func withPragmas(dsn string) string {
	if engine.IsMemory(dsn) || strings.Contains(dsn, "_pragma=") {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return fmt.Sprintf("%s%s_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)", dsn, sep, DefaultBusyTimeoutMs)
}

func (s *Store) EnsurePartition(ctx context.Context, key string) (store.Partition, error) {
	name, err := s.mapper.Name(key)
	if err != nil {
		return store.Partition{}, err
	}
	p := store.Partition{Key: key, Name: name}
	if t, err := s.table(p); err == nil {
		t.release()
		return p, nil
	} else if !errors.Is(err, errNotOpen) {
		return store.Partition{}, err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.createPartition(ctx, p); err != nil {
		return store.Partition{}, err
	}
	if err := s.verifyColumns(ctx, name); err != nil {
		return store.Partition{}, err
	}
	if err := s.openTable(ctx, p); err != nil {
		return store.Partition{}, err
	}
	return p, nil
}

func (s *Store) createPartition(ctx context.Context, p store.Partition) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify(err)
	}
	defer func() { _ = tx.Rollback() }()

	// SQLite identifiers ignore case, so a registered name differing only in
	// case would resolve to the same table.
	var clash string
	err = tx.QueryRowContext(ctx, "SELECT name FROM "+RegistryTable+" WHERE name = ? COLLATE NOCASE AND name <> ? LIMIT 1",
		p.Name, p.Name).Scan(&clash)
	switch {
	case err == nil:
		return fmt.Errorf("%w: partition %s collides with registered table %s", store.ErrCorrupt, p.Name, clash)
	case !errors.Is(err, sql.ErrNoRows):
		return classify(err)
	}

	if _, err := tx.ExecContext(ctx, "INSERT INTO "+RegistryTable+"(name, key, bits) VALUES (?, ?, ?) ON CONFLICT(name) DO NOTHING",
		p.Name, p.Key, s.bits); err != nil {
		return classify(err)
	}
	var key string
	var bits int
	if err := tx.QueryRowContext(ctx, "SELECT key, bits FROM "+RegistryTable+" WHERE name = ?", p.Name).Scan(&key, &bits); err != nil {
		return classify(err)
	}
	if bits != s.bits {
		return fmt.Errorf("%w: partition %s holds %d-bit fingerprints, store uses %d", store.ErrCorrupt, p.Name, bits, s.bits)
	}
	if key != p.Key {
		return fmt.Errorf("%w: partition %s registered for key %q, not %q", store.ErrCorrupt, p.Name, key, p.Key)
	}
	for _, ddl := range PartitionTableDDL(p.Name, s.k) {
		if _, err := tx.ExecContext(ctx, ddl); err != nil {
			return classify(err)
		}
	}
	if err := tx.Commit(); err != nil {
		return classify(err)
	}
	s.logger.Debug("partition ready", zap.String("partition", p.Name), zap.String("key", p.Key), zap.Int("bits", s.bits))
	return nil
}

func (s *Store) verifyColumns(ctx context.Context, name string) error {
	rows, err := s.db.QueryContext(ctx, "SELECT name FROM pragma_table_info(?) ORDER BY cid", name)
	if err != nil {
		return classify(err)
	}
	defer rows.Close()
	var got []string
	for rows.Next() {
		var col string
		if err := rows.Scan(&col); err != nil {
			return classify(err)
		}
		got = append(got, col)
	}
	if err := rows.Err(); err != nil {
		return classify(err)
	}
	want := expectedColumns(s.k)
	if len(got) != len(want) {
		return fmt.Errorf("%w: table %s has columns %v, want %v", store.ErrCorrupt, name, got, want)
	}
	for i := range want {
		if !strings.EqualFold(got[i], want[i]) {
			return fmt.Errorf("%w: table %s has columns %v, want %v", store.ErrCorrupt, name, got, want)
		}
	}
	return nil
}

func (s *Store) openTable(ctx context.Context, p store.Partition) error {
	stmts := buildStatements(p.Name, s.k)
	get, err := s.db.PrepareContext(ctx, stmts.get)
	if err != nil {
		return classify(err)
	}
	insert, err := s.db.PrepareContext(ctx, stmts.insert)
	if err != nil {
		_ = get.Close()
		return classify(err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		_ = get.Close()
		_ = insert.Close()
		return store.ErrClosed
	}
	if _, ok := s.parts[p.Name]; ok {
		_ = get.Close()
		_ = insert.Close()
		return nil
	}
	s.parts[p.Name] = &table{stmts: stmts, get: get, insert: insert}
	return nil
}

var errNotOpen = errors.New("sqlstore: partition not open")

// table returns the cached table of p, held for use; callers must release it.
// The read lock is taken under s.mu so a table found in the map cannot be
// closed before its user is done.
func (s *Store) table(p store.Partition) (*table, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, store.ErrClosed
	}
	t, ok := s.parts[p.Name]
	if !ok {
		return nil, errNotOpen
	}
	t.inUse.RLock()
	return t, nil
}

// tableFor returns the cached table held for use, reopening it after
// ClosePartition.
func (s *Store) tableFor(ctx context.Context, p store.Partition) (*table, error) {
	t, err := s.table(p)
	if err == nil || !errors.Is(err, errNotOpen) {
		return t, err
	}
	if _, err := s.EnsurePartition(ctx, p.Key); err != nil {
		return nil, err
	}
	return s.table(p)
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
	t, err := s.tableFor(ctx, p)
	if err != nil {
		return store.Record{}, err
	}
	var rec store.Record
	err = t.get.QueryRowContext(ctx, segmentArgs(fp)...).Scan(&rec.ID, &rec.Seq)
	t.release()
	if errors.Is(err, sql.ErrNoRows) {
		return store.Record{}, store.ErrNotFound
	}
	if err != nil {
		return store.Record{}, classify(err)
	}
	return rec, nil
}

func (s *Store) Insert(ctx context.Context, p store.Partition, fp fingerprint.Fingerprint, id int64) (store.Record, error) {
	if err := s.checkWidth(fp); err != nil {
		return store.Record{}, err
	}
	if err := ctx.Err(); err != nil {
		return store.Record{}, classify(err)
	}
	t, err := s.tableFor(ctx, p)
	if err != nil {
		return store.Record{}, err
	}
	args := append([]any{id}, segmentArgs(fp)...)

	// Once started, the write runs to completion: a cancellation between the
	// commit and reading seq back would report a stored row as failed.
	rec := store.Record{ID: id}
	s.writeMu.Lock()
	err = t.insert.QueryRowContext(context.WithoutCancel(ctx), args...).Scan(&rec.Seq)
	s.writeMu.Unlock()
	t.release()
	if err != nil {
		if isConstraint(err) {
			// The fingerprint wins over the id when both collide.
			if _, gerr := s.Get(ctx, p, fp); gerr == nil {
				return store.Record{}, store.ErrDuplicateKey
			}
			if strings.Contains(err.Error(), "message_id") {
				return store.Record{}, fmt.Errorf("%w: record %d", store.ErrRecordConflict, id)
			}
			return store.Record{}, store.ErrDuplicateKey
		}
		return store.Record{}, classify(err)
	}
	return rec, nil
}

func (s *Store) Scan(ctx context.Context, p store.Partition) iter.Seq2[store.Entry, error] {
	return func(yield func(store.Entry, error) bool) {
		t, err := s.tableFor(ctx, p)
		if err != nil {
			yield(store.Entry{}, err)
			return
		}
		query := t.stmts.scan
		t.release()
		rows, err := s.db.QueryContext(ctx, query)
		if err != nil {
			yield(store.Entry{}, classify(err))
			return
		}
		defer rows.Close()
		for rows.Next() {
			e, _, err := s.scanEntry(rows, false)
			if err != nil {
				yield(store.Entry{}, err)
				return
			}
			if !yield(e, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(store.Entry{}, classify(err))
		}
	}
}

// Within implements store.RangeSearcher.
func (s *Store) Within(ctx context.Context, p store.Partition, fp fingerprint.Fingerprint, maxDistance int) ([]store.Match, error) {
	if err := s.checkWidth(fp); err != nil {
		return nil, err
	}
	if maxDistance < 0 {
		return nil, fmt.Errorf("sqlstore: negative distance threshold %d", maxDistance)
	}
	t, err := s.tableFor(ctx, p)
	if err != nil {
		return nil, err
	}
	args := append(segmentArgs(fp), maxDistance)
	query := t.stmts.within
	t.release()
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()
	var out []store.Match
	for rows.Next() {
		e, d, err := s.scanEntry(rows, true)
		if err != nil {
			return nil, err
		}
		out = append(out, store.Match{Entry: e, Distance: d})
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}
	return out, nil
}

func (s *Store) scanEntry(rows *sql.Rows, withDistance bool) (store.Entry, int, error) {
	segs := make([]int64, s.k)
	dest := make([]any, 0, s.k+3)
	var rec store.Record
	var distance int
	dest = append(dest, &rec.ID)
	for i := range segs {
		dest = append(dest, &segs[i])
	}
	dest = append(dest, &rec.Seq)
	if withDistance {
		dest = append(dest, &distance)
	}
	if err := rows.Scan(dest...); err != nil {
		return store.Entry{}, 0, fmt.Errorf("%w: %w", store.ErrCorrupt, err)
	}
	fp, err := fingerprint.FromSegments(s.bits, segs)
	if err != nil {
		return store.Entry{}, 0, fmt.Errorf("%w: record %d: %w", store.ErrCorrupt, rec.ID, err)
	}
	return store.Entry{Fingerprint: fp, Record: rec}, distance, nil
}

func (s *Store) Partitions(ctx context.Context) iter.Seq2[store.Partition, error] {
	return func(yield func(store.Partition, error) bool) {
		rows, err := s.db.QueryContext(ctx, "SELECT name, key FROM "+RegistryTable+" ORDER BY name")
		if err != nil {
			yield(store.Partition{}, classify(err))
			return
		}
		var out []store.Partition
		for rows.Next() {
			var p store.Partition
			if err := rows.Scan(&p.Name, &p.Key); err != nil {
				_ = rows.Close()
				yield(store.Partition{}, fmt.Errorf("%w: %w", store.ErrCorrupt, err))
				return
			}
			out = append(out, p)
		}
		err = rows.Err()
		_ = rows.Close()
		if err != nil {
			yield(store.Partition{}, classify(err))
			return
		}
		for _, p := range out {
			if !yield(p, nil) {
				return
			}
		}
	}
}

// Count returns the number of stored records in a partition.
func (s *Store) Count(ctx context.Context, p store.Partition) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+partition.Quote(p.Name)).Scan(&n)
	if err != nil {
		return 0, classify(err)
	}
	return n, nil
}

// ClosePartition releases the prepared statements of p once operations
// already using them finish. Later operations on p reopen it.
func (s *Store) ClosePartition(p store.Partition) error {
	s.mu.Lock()
	t, ok := s.parts[p.Name]
	delete(s.parts, p.Name)
	s.mu.Unlock()
	if !ok {
		return nil
	}
	return t.close()
}

func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	parts := s.parts
	s.parts = nil
	s.mu.Unlock()
	var errs []error
	for _, t := range parts {
		errs = append(errs, t.close())
	}
	if s.ownsDB {
		errs = append(errs, s.db.Close())
	}
	return errors.Join(errs...)
}

func segmentArgs(fp fingerprint.Fingerprint) []any {
	segs := fp.Segments()
	args := make([]any, len(segs))
	for i, v := range segs {
		args[i] = v
	}
	return args
}

func isConstraint(err error) bool {
	var se *sqlite.Error
	if errors.As(err, &se) {
		return se.Code()&0xff == sqlite3.SQLITE_CONSTRAINT
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// classify maps driver errors onto store sentinels.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", store.ErrUnavailable, err)
	}
	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() & 0xff {
		case sqlite3.SQLITE_CORRUPT, sqlite3.SQLITE_NOTADB, sqlite3.SQLITE_SCHEMA, sqlite3.SQLITE_MISMATCH:
			return fmt.Errorf("%w: %w", store.ErrCorrupt, err)
		}
	}
	if strings.Contains(err.Error(), "no such column") {
		return fmt.Errorf("%w: %w", store.ErrCorrupt, err)
	}
	return fmt.Errorf("%w: %w", store.ErrUnavailable, err)
}

var (
	_ store.Backend       = (*Store)(nil)
	_ store.RangeSearcher = (*Store)(nil)
)
