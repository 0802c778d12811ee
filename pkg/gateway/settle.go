package gateway

import (
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// joinAll calls fn for every item concurrently and waits for all calls to
// return, even after one fails. errs[i] is the outcome for items[i]; first is
// the earliest failure.
func joinAll[T any](items []T, fn func(T) error) (errs []error, first error) {
	errs = make([]error, len(items))
	var eg errgroup.Group
	for i, it := range items {
		eg.Go(func() error {
			errs[i] = fn(it)
			return errs[i]
		})
	}
	first = eg.Wait()
	return errs, first
}

// bestEffort runs fn like joinAll and discards every failure after logging
// it. Used for compensating steps that must not mask the error being rolled
// back.
func bestEffort[T any](op string, items []T, fn func(T) error) {
	errs, _ := joinAll(items, fn)
	if err := multierr.Combine(errs...); err != nil {
		zap.L().Warn("rollback step failed", zap.String("op", op), zap.Error(err))
	}
}
