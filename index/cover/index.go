package cover

import (
	"sort"

	"github.com/viant/sqlite-dedup/fingerprint"
	"github.com/viant/sqlite-dedup/index/bruteforce"
	"github.com/viant/sqlite-dedup/store"
)

// Tree is an immutable VP-tree. Rebuild it after inserts.
type Tree struct {
	entries []store.Entry
	words   [][]uint64
	root    *node
}

type node struct {
	idx   int // index into entries
	thr   int // median distance to the vantage point
	left  *node
	right *node
}

// Build constructs the tree. All entries must share one width.
func Build(entries []store.Entry) *Tree {
	t := &Tree{
		entries: append([]store.Entry(nil), entries...),
		words:   make([][]uint64, len(entries)),
	}
	for i, e := range t.entries {
		t.words[i] = e.Fingerprint.Words()
	}
	idxs := make([]int, len(t.entries))
	for k := range idxs {
		idxs[k] = k
	}
	t.root = t.buildVP(idxs)
	return t
}

// Len returns the number of indexed entries.
func (t *Tree) Len() int { return len(t.entries) }

func (t *Tree) buildVP(idxs []int) *node {
	if len(idxs) == 0 {
		return nil
	}
	// pick last as vantage point to avoid extra randomness
	vp := idxs[len(idxs)-1]
	idxs = idxs[:len(idxs)-1]
	if len(idxs) == 0 {
		return &node{idx: vp}
	}
	dists := make([]int, len(idxs))
	for k, j := range idxs {
		dists[k] = fingerprint.Hamming(t.words[vp], t.words[j])
	}
	order := make([]int, len(idxs))
	for k := range order {
		order[k] = k
	}
	sort.SliceStable(order, func(a, b int) bool { return dists[order[a]] < dists[order[b]] })
	mid := len(order) / 2
	thr := dists[order[mid]]
	leftIdxs := make([]int, 0, mid+1)
	rightIdxs := make([]int, 0, len(idxs)-(mid+1))
	for rank, k := range order {
		if rank <= mid {
			leftIdxs = append(leftIdxs, idxs[k])
		} else {
			rightIdxs = append(rightIdxs, idxs[k])
		}
	}
	return &node{
		idx:   vp,
		thr:   thr,
		left:  t.buildVP(leftIdxs),
		right: t.buildVP(rightIdxs),
	}
}

// Within returns every entry whose distance to query is <= radius, sorted
// like bruteforce.Sort.
func (t *Tree) Within(query fingerprint.Fingerprint, radius int) []store.Match {
	if t.root == nil || radius < 0 {
		return nil
	}
	q := query.Words()
	var out []store.Match
	var walk func(n *node)
	walk = func(n *node) {
		if n == nil {
			return
		}
		d := fingerprint.Hamming(q, t.words[n.idx])
		if d <= radius {
			out = append(out, store.Match{Entry: t.entries[n.idx], Distance: d})
		}
		// left holds points at distance <= thr from the vantage point,
		// right holds points at distance >= thr.
		if d-radius <= n.thr {
			walk(n.left)
		}
		if d+radius >= n.thr {
			walk(n.right)
		}
	}
	walk(t.root)
	bruteforce.Sort(out)
	return out
}
