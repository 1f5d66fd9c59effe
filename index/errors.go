package index

import (
	"errors"
	"fmt"

	"github.com/viant/sqlite-dedup/fingerprint"
	"github.com/viant/sqlite-dedup/partition"
	"github.com/viant/sqlite-dedup/store"
)

var (
	// ErrInvalidFingerprint marks malformed input. It is a caller bug and
	// not worth retrying.
	ErrInvalidFingerprint = errors.New("index: invalid fingerprint")

	// ErrUnavailable marks transient failures, including expired deadlines.
	// Nothing was recorded, so the whole call may be retried.
	ErrUnavailable = errors.New("index: unavailable")

	// ErrCorrupt marks malformed persisted state for a partition. It needs
	// operator intervention.
	ErrCorrupt = errors.New("index: corrupt storage")

	// ErrRecordConflict is returned when a record id is reused for a
	// different fingerprint in the same partition.
	ErrRecordConflict = errors.New("index: record id conflict")

	// ErrInvalidKey is returned for conversation keys that cannot name a
	// partition.
	ErrInvalidKey = errors.New("index: invalid partition key")
)

// translate maps backend errors onto the index taxonomy. The cause stays
// reachable through errors.Is.
func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, fingerprint.ErrInvalid):
		return fmt.Errorf("%w: %w", ErrInvalidFingerprint, err)
	case errors.Is(err, partition.ErrInvalidKey):
		return fmt.Errorf("%w: %w", ErrInvalidKey, err)
	case errors.Is(err, store.ErrCorrupt):
		return fmt.Errorf("%w: %w", ErrCorrupt, err)
	case errors.Is(err, store.ErrRecordConflict):
		return fmt.Errorf("%w: %w", ErrRecordConflict, err)
	default:
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
}
