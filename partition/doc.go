// Package partition maps conversation identifiers onto storage namespace
// names. The mapping is deterministic and injective, and the produced names
// contain only [A-Za-z0-9_] so they can be interpolated as SQL identifiers or
// used as key-value namespace segments.
package partition
