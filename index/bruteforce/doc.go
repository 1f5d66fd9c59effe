// Package bruteforce answers bounded Hamming-distance queries by scanning
// every stored entry of a partition. Cost is linear in partition size.
package bruteforce
