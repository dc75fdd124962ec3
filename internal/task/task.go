// Package task offloads blocking work (process spawn/kill/wait, blocking IPC sends) onto its own goroutine,
// so a caller waiting on a context is never held hostage by an operation that cannot be interrupted.
package task

import "context"

type result[T any] struct {
	v   T
	err error
}

// Offload runs fn on a new goroutine and waits for it or for ctx, whichever is first.
// If ctx wins, fn keeps running to completion in the background and its result is discarded.
func Offload[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	resCh := make(chan result[T], 1)
	go func() {
		v, err := fn()
		resCh <- result[T]{v: v, err: err}
	}()
	select {
	case res := <-resCh:
		return res.v, res.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// OffloadErr is Offload for functions that only return an error.
func OffloadErr(ctx context.Context, fn func() error) error {
	_, err := Offload(ctx, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}
