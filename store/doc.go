// Package store defines the storage backend contract for fingerprint
// records. Fingerprints are stored per partition (one per conversation);
// within a partition a fingerprint value maps to exactly one immutable
// Record.
//
// Realizations live in sub-packages:
//   - sqlstore: one SQLite table per partition with a Hamming UDF
//   - kvstore: one key namespace per partition over an ordered key-value store
//   - filterstore: a pre-filter plus side table in front of another Backend
//   - memstore: in-process maps, optionally with a VP-tree for range queries
package store
