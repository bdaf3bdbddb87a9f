package graph

import (
	"context"
	"sync"
)

// Future is the handle returned for a submitted container request. It is
// resolved exactly once, with either a value or an error; later resolution
// attempts are ignored.
type Future[R any] struct {
	once  sync.Once
	done  chan struct{}
	value R
	err   error
}

// NewFuture creates an unresolved future.
func NewFuture[R any]() *Future[R] {
	return &Future[R]{done: make(chan struct{})}
}

// resolvedFuture returns a future that is already completed.
func resolvedFuture[R any](value R, err error) *Future[R] {
	f := NewFuture[R]()
	f.Complete(value, err)
	return f
}

// Complete resolves the future. It reports whether this call resolved it.
func (f *Future[R]) Complete(value R, err error) bool {
	resolved := false
	f.once.Do(func() {
		f.value = value
		f.err = err
		close(f.done)
		resolved = true
	})
	return resolved
}

// Done returns a channel closed once the future is resolved.
func (f *Future[R]) Done() <-chan struct{} {
	return f.done
}

// IsDone reports whether the future is resolved.
func (f *Future[R]) IsDone() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Get waits for the result or for ctx to be cancelled.
func (f *Future[R]) Get(ctx context.Context) (R, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		var zero R
		return zero, ctx.Err()
	}
}

// Result returns the outcome of a resolved future. It must only be called
// after Done is closed.
func (f *Future[R]) Result() (R, error) {
	<-f.done
	return f.value, f.err
}
