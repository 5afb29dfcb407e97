package replication

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// DefaultConcurrency bounds the tasks of one batch.
const DefaultConcurrency = 16

// runBatch runs fn for every item with at most limit in flight and returns
// once all have finished. fn owns its error handling, so a failing item never
// cancels its siblings.
func runBatch[T any](ctx context.Context, limit int, items []T, fn func(ctx context.Context, i int, item T)) {
	if limit <= 0 {
		limit = DefaultConcurrency
	}
	var g errgroup.Group
	g.SetLimit(limit)
	for i, item := range items {
		g.Go(func() error {
			fn(ctx, i, item)
			return nil
		})
	}
	_ = g.Wait()
}
