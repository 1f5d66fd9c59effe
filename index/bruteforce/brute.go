package bruteforce

import (
	"fmt"
	"iter"
	"sort"

	"github.com/viant/sqlite-dedup/fingerprint"
	"github.com/viant/sqlite-dedup/store"
)

// Result is the outcome of a scan.
type Result struct {
	Matches []store.Match
	// Scanned counts entries compared against the query.
	Scanned int
	// Truncated is set when the scan stopped at the configured limit.
	Truncated bool
}

// Within compares query with every entry and keeps those whose Hamming
// distance is <= maxDistance. When limit > 0 at most limit entries are
// compared. Matches are sorted with Sort, so the result does not depend on
// iteration order.
func Within(query fingerprint.Fingerprint, maxDistance int, entries iter.Seq2[store.Entry, error], limit int) (Result, error) {
	var res Result
	if maxDistance < 0 {
		return res, fmt.Errorf("bruteforce: negative distance threshold %d", maxDistance)
	}
	qw := query.Words()
	for e, err := range entries {
		if err != nil {
			return Result{}, err
		}
		if limit > 0 && res.Scanned >= limit {
			res.Truncated = true
			break
		}
		res.Scanned++
		if e.Fingerprint.Bits() != query.Bits() {
			return Result{}, fmt.Errorf("%w: stored fingerprint has %d bits, query has %d", store.ErrCorrupt, e.Fingerprint.Bits(), query.Bits())
		}
		d := fingerprint.Hamming(qw, e.Fingerprint.Words())
		if d <= maxDistance {
			res.Matches = append(res.Matches, store.Match{Entry: e, Distance: d})
		}
	}
	Sort(res.Matches)
	return res, nil
}

// Sort orders matches by ascending distance, then insertion sequence, then
// record id.
func Sort(matches []store.Match) {
	sort.Slice(matches, func(a, b int) bool {
		ma, mb := matches[a], matches[b]
		if ma.Distance != mb.Distance {
			return ma.Distance < mb.Distance
		}
		if ma.Record.Seq != mb.Record.Seq {
			return ma.Record.Seq < mb.Record.Seq
		}
		return ma.Record.ID < mb.Record.ID
	})
}
