// Package index implements the similarity index: for a conversation key and
// a fingerprint it reports an exact repost or the near duplicates within a
// Hamming threshold, and records the fingerprint when it is new.
//
// Storage is delegated to a store.Backend. Calls on one partition are
// serialized in-process by a keyed lock; calls on different partitions run
// concurrently. A prefilter.Filter, when configured, lets the index treat a
// fingerprint as novel without touching storage.
//
// Sub-packages hold the search strategies: bruteforce scans a partition and
// cover answers range queries from a VP-tree.
package index
