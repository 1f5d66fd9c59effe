package index

import (
	"context"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/viant/sqlite-dedup/prefilter"
	"github.com/viant/sqlite-dedup/store"
)

// RebuildFilter adds every stored fingerprint of every partition to filter
// and returns how many were added. Run it when a persisted filter is missing
// while storage is not, otherwise stored fingerprints look novel.
func (ix *Index) RebuildFilter(ctx context.Context, filter prefilter.Filter) (int, error) {
	var parts []store.Partition
	for p, err := range ix.backend.Partitions(ctx) {
		if err != nil {
			return 0, translate(err)
		}
		parts = append(parts, p)
	}

	var added atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	limit := ix.opts.MaxConcurrentScans
	if limit <= 0 {
		limit = 4
	}
	g.SetLimit(limit)
	for _, p := range parts {
		g.Go(func() error {
			n := 0
			for e, err := range ix.backend.Scan(gctx, p) {
				if err != nil {
					return err
				}
				filter.Add(e.Fingerprint)
				n++
			}
			added.Add(int64(n))
			ix.opts.Logger.Debug("partition added to filter", zap.String("partition", p.Name), zap.Int("entries", n))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return int(added.Load()), translate(err)
	}
	ix.opts.Logger.Info("filter rebuilt", zap.Int("partitions", len(parts)), zap.Int64("entries", added.Load()))
	return int(added.Load()), nil
}
