// Package sqlstore is the relational store.Backend. Each partition is one
// SQLite table named by partition.Mapper:
//
//	message_id INTEGER PRIMARY KEY
//	s0 .. s{k-1} INTEGER NOT NULL   -- fingerprint as k signed 64-bit segments
//	seq INTEGER NOT NULL            -- 1-based insertion order
//
// plus a UNIQUE index over the segment columns. A registry table
// (dedup_partitions) records the original key and the fingerprint width of
// every partition so they can be enumerated and validated after restart.
//
// Store implements store.RangeSearcher by pushing the distance into SQL
// through the hamming_seg function registered by the engine package.
package sqlstore
