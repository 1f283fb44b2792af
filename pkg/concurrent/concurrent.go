package concurrent

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// Concurrent runs action for every item in its own goroutine, with at most
// limit running at once (limit <= 0 means unbounded). It waits for all of
// them and returns the first error.
func Concurrent[T any](items []T, limit int, action func(T) error) error {
	var group errgroup.Group
	if limit > 0 {
		group.SetLimit(limit)
	}
	for _, item := range items {
		group.Go(func() error {
			return action(item)
		})
	}
	return group.Wait()
}

// ConcurrentContext is Concurrent with a context that is cancelled as soon as
// one action fails.
func ConcurrentContext[T any](ctx context.Context, items []T, limit int, action func(context.Context, T) error) error {
	group, groupCtx := errgroup.WithContext(ctx)
	if limit > 0 {
		group.SetLimit(limit)
	}
	for _, item := range items {
		group.Go(func() error {
			return action(groupCtx, item)
		})
	}
	return group.Wait()
}
