// Package worker fans per-user work out over a bounded set of goroutines.
package worker

import (
	"context"
	"runtime"

	"golang.org/x/sync/errgroup"
)

// Pool bounds the number of concurrently running tasks
type Pool struct {
	limit int
}

// NewPool creates a pool running at most limit tasks at once; limit <= 0 uses the CPU count
func NewPool(limit int) *Pool {
	if limit <= 0 {
		limit = runtime.NumCPU()
	}
	return &Pool{limit: limit}
}

// Limit returns the concurrency bound
func (p *Pool) Limit() int {
	return p.limit
}

// ForEach calls fn for every item. The first error cancels the context handed
// to the remaining calls and is returned once all started calls finish.
func ForEach[T any](ctx context.Context, p *Pool, items []T, fn func(context.Context, T) error) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.limit)

	for _, item := range items {
		if gctx.Err() != nil {
			break
		}
		item := item
		g.Go(func() error {
			return fn(gctx, item)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// Map calls fn for every item and returns the results in input order
func Map[T, R any](ctx context.Context, p *Pool, items []T, fn func(context.Context, T) (R, error)) ([]R, error) {
	results := make([]R, len(items))
	indexes := make([]int, len(items))
	for i := range indexes {
		indexes[i] = i
	}

	err := ForEach(ctx, p, indexes, func(ctx context.Context, i int) error {
		r, err := fn(ctx, items[i])
		if err != nil {
			return err
		}
		results[i] = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}
