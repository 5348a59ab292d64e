package diskcache

import (
	"context"
	"sync"
)

// Completion is the pending result of an asynchronous cache operation.
type Completion[T any] struct {
	done chan struct{}
	once sync.Once
	val  T
	err  error
}

func newCompletion[T any]() *Completion[T] {
	return &Completion[T]{done: make(chan struct{})}
}

func completed[T any](val T, err error) *Completion[T] {
	c := newCompletion[T]()
	c.complete(val, err)
	return c
}

func (c *Completion[T]) complete(val T, err error) {
	c.once.Do(func() {
		c.val, c.err = val, err
		close(c.done)
	})
}

// Done is closed once the operation has finished.
func (c *Completion[T]) Done() <-chan struct{} {
	return c.done
}

// Wait blocks until the operation finishes or ctx is done.
func (c *Completion[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-c.done:
		return c.val, c.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Result returns the outcome. It must only be called after Done is closed.
func (c *Completion[T]) Result() (T, error) {
	return c.val, c.err
}
