// Package engine provides helpers for working with the modernc.org/sqlite
// driver in this module: opening connections and registering the Hamming
// distance SQL scalar functions used by the relational fingerprint store.
package engine
