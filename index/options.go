package index

import (
	"time"

	"go.uber.org/zap"

	"github.com/viant/sqlite-dedup/prefilter"
	"github.com/viant/sqlite-dedup/store"
)

const (
	// DefaultBits is the fingerprint width used when none is configured.
	DefaultBits = 64
	// DefaultThreshold is the default maximum Hamming distance of a near
	// duplicate.
	DefaultThreshold = 4
)

// Hooks observe index decisions. Nil callbacks are skipped. Callbacks run
// while the partition lock is held and must not call back into the Index.
type Hooks struct {
	// OnFilterReject runs when the pre-filter proves a fingerprint novel.
	OnFilterReject func(p store.Partition)
	// OnScan runs before a partition is searched for near duplicates;
	// native is set when the backend answers the range query itself.
	OnScan func(p store.Partition, native bool)
	// OnExact runs when an exact repost is found.
	OnExact func(p store.Partition, rec store.Record)
	// OnInsert runs after a new record is stored.
	OnInsert func(p store.Partition, rec store.Record)
}

// Options configures an Index.
type Options struct {
	Bits      int
	Threshold int
	Filter    prefilter.Filter
	// MaxConcurrentScans bounds partition scans running at once; 0 means
	// unbounded.
	MaxConcurrentScans int
	// MaxPartitionSize caps the entries compared per scan; 0 means
	// unbounded. A capped scan sets Outcome.Truncated.
	MaxPartitionSize int
	// Timeout bounds each CheckAndRecord call; 0 relies on the caller's
	// context.
	Timeout time.Duration
	Logger  *zap.Logger
	Hooks   Hooks
}

// Option mutates Options.
type Option func(*Options)

func WithBits(bits int) Option { return func(o *Options) { o.Bits = bits } }

func WithThreshold(t int) Option { return func(o *Options) { o.Threshold = t } }

func WithFilter(f prefilter.Filter) Option { return func(o *Options) { o.Filter = f } }

func WithMaxConcurrentScans(n int) Option { return func(o *Options) { o.MaxConcurrentScans = n } }

func WithMaxPartitionSize(n int) Option { return func(o *Options) { o.MaxPartitionSize = n } }

func WithTimeout(d time.Duration) Option { return func(o *Options) { o.Timeout = d } }

func WithLogger(l *zap.Logger) Option { return func(o *Options) { o.Logger = l } }

func WithHooks(h Hooks) Option { return func(o *Options) { o.Hooks = h } }

func defaultOptions() Options {
	return Options{Bits: DefaultBits, Threshold: DefaultThreshold, Logger: zap.NewNop()}
}
