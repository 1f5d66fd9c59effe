// Package cover implements a vantage-point tree over Hamming distance for
// bounded-radius queries. Hamming distance satisfies the triangle
// inequality, so pruned subtrees can never contain a match.
package cover
