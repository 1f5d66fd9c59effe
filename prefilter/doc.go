// Package prefilter provides the membership pre-filter consulted before the
// authoritative fingerprint lookup. A negative answer is definite; a positive
// answer only means the fingerprint may have been added.
//
// The filter is shared by all partitions and only ever grows. It must never
// be reset without also resetting the storage backend it fronts, otherwise
// previously stored fingerprints would be reported as novel.
package prefilter
