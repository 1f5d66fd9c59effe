package store

import (
	"context"
	"errors"
	"iter"

	"github.com/viant/sqlite-dedup/fingerprint"
)

// Sentinel errors. Backends wrap the underlying cause with %w so callers can
// use errors.Is on both the sentinel and the original error.
var (
	// ErrNotFound is returned by Get when no record exists for a fingerprint.
	ErrNotFound = errors.New("store: not found")

	// ErrDuplicateKey is returned by Insert when the fingerprint is already
	// stored in the partition.
	ErrDuplicateKey = errors.New("store: duplicate key")

	// ErrRecordConflict is returned by Insert when the record id is already
	// stored in the partition under a different fingerprint.
	ErrRecordConflict = errors.New("store: record id conflict")

	// ErrUnavailable marks transient failures of the backing store.
	ErrUnavailable = errors.New("store: unavailable")

	// ErrCorrupt marks malformed persisted structures.
	ErrCorrupt = errors.New("store: corrupt")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("store: closed")
)

// Partition identifies an isolation scope. Key is the caller's conversation
// id; Name is the mapped namespace/table name.
type Partition struct {
	Key  string
	Name string
}

// Record associates a stored fingerprint with the message that produced it.
// Seq is the 1-based insertion order within the partition.
type Record struct {
	ID  int64
	Seq int64
}

// Entry is a stored (fingerprint, record) pair.
type Entry struct {
	Fingerprint fingerprint.Fingerprint
	Record      Record
}

// Match is an Entry within a bounded Hamming distance of a query.
type Match struct {
	Entry
	Distance int
}

// Backend is the storage contract used by the similarity index.
//
// Implementations must be safe for concurrent use and must keep partitions
// isolated: operations on one partition never observe or modify another.
type Backend interface {
	// EnsurePartition creates the partition structures if absent. It is
	// idempotent. It fails with ErrUnavailable when the backing store cannot
	// be reached and ErrCorrupt when existing structures are malformed.
	EnsurePartition(ctx context.Context, key string) (Partition, error)

	// Get returns the record stored for fp, or ErrNotFound.
	Get(ctx context.Context, p Partition, fp fingerprint.Fingerprint) (Record, error)

	// Scan yields every stored pair in the partition. The sequence is finite
	// and restartable; it may or may not include inserts made after the
	// scan started.
	Scan(ctx context.Context, p Partition) iter.Seq2[Entry, error]

	// Insert stores fp for record id if absent. It returns ErrDuplicateKey
	// when fp is already stored and ErrRecordConflict when id is already
	// used by a different fingerprint. The returned Record carries the
	// assigned insertion sequence.
	Insert(ctx context.Context, p Partition, fp fingerprint.Fingerprint, id int64) (Record, error)

	// Partitions enumerates all known partitions.
	Partitions(ctx context.Context) iter.Seq2[Partition, error]

	// ClosePartition releases partition-specific resources. Idempotent.
	ClosePartition(p Partition) error

	// Close releases all resources held by the backend.
	Close() error
}

// RangeSearcher is implemented by backends that can answer bounded-distance
// queries natively (for example by pushing the distance into SQL). The
// result set must equal that of a full Scan filtered by maxDistance.
type RangeSearcher interface {
	Within(ctx context.Context, p Partition, fp fingerprint.Fingerprint, maxDistance int) ([]Match, error)
}
