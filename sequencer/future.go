// Package sequencer serializes handler invocations that belong to one stream
// while letting callers observe each result asynchronously.
package sequencer

import (
	"context"
	"sync"
)

// Future is the eventual result of an invocation. It is completed exactly
// once; later completions are ignored.
type Future[T any] struct {
	once sync.Once
	done chan struct{}
	val  T
	err  error
}

// NewFuture returns a future that has not been completed yet.
func NewFuture[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

// Resolved returns a future that is already completed with the given result.
func Resolved[T any](val T, err error) *Future[T] {
	f := NewFuture[T]()
	f.Complete(val, err)
	return f
}

// Complete sets the result and wakes up everybody waiting on the future. It
// reports whether this call completed the future.
func (f *Future[T]) Complete(val T, err error) bool {
	completed := false
	f.once.Do(func() {
		f.val, f.err = val, err
		close(f.done)
		completed = true
	})
	return completed
}

// Done returns a channel that is closed once the future is completed.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// Result blocks until the future is completed and returns its result.
func (f *Future[T]) Result() (T, error) {
	<-f.done
	return f.val, f.err
}

// Wait is like Result but gives up when ctx is done, in which case it returns
// the context's error.
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.val, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
