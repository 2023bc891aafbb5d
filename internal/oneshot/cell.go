// Package oneshot provides a write-once cell that any number of goroutines
// can wait on.
//
// A Cell is shared by pointer. The first Set wins; later calls return
// ErrAlreadySet and leave the stored value untouched. A Guard obtained from
// SetGuardWith writes a fallback value when released if nothing else has,
// so waiters are never stranded by a panicking or early-returning writer:
//
//	guard := cell.SetGuardWith(func() Exit { return Exit{Code: 137} })
//	go func() {
//		defer guard.Release()
//		_ = cell.Set(observe())
//	}()
package oneshot

import (
	"context"
	"errors"
	"sync"
	"time"
)

var ErrAlreadySet = errors.New("oneshot: cell already set")

type Cell[T any] struct {
	once  sync.Once
	ready chan struct{}
	value T

	init sync.Once
}

func New[T any]() *Cell[T] {
	return &Cell[T]{ready: make(chan struct{})}
}

func (c *Cell[T]) readyCh() chan struct{} {
	// Zero-value cells are usable; New only pre-allocates.
	c.init.Do(func() {
		if c.ready == nil {
			c.ready = make(chan struct{})
		}
	})
	return c.ready
}

// Set publishes v if the cell is empty. Exactly one call ever succeeds.
func (c *Cell[T]) Set(v T) error {
	ready := c.readyCh()
	won := false
	c.once.Do(func() {
		c.value = v
		won = true
		close(ready)
	})
	if !won {
		return ErrAlreadySet
	}
	return nil
}

// Get returns the value without blocking.
func (c *Cell[T]) Get() (T, bool) {
	select {
	case <-c.readyCh():
		return c.value, true
	default:
		var zero T
		return zero, false
	}
}

// Wait blocks until the cell is set.
func (c *Cell[T]) Wait() T {
	<-c.readyCh()
	return c.value
}

// WaitTimeout blocks for at most timeout. A negative timeout waits forever.
func (c *Cell[T]) WaitTimeout(timeout time.Duration) (T, bool) {
	if timeout < 0 {
		return c.Wait(), true
	}
	if v, ok := c.Get(); ok {
		return v, true
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-c.readyCh():
		return c.value, true
	case <-timer.C:
		var zero T
		return zero, false
	}
}

func (c *Cell[T]) WaitContext(ctx context.Context) (T, error) {
	select {
	case <-c.readyCh():
		return c.value, nil
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Done is closed once the cell holds a value.
func (c *Cell[T]) Done() <-chan struct{} {
	return c.readyCh()
}

// Guard writes a fallback into its cell when released, unless the cell was
// already set.
type Guard[T any] struct {
	cell     *Cell[T]
	fallback func() T
	release  sync.Once
}

// SetGuardWith returns a guard that stores fallback() on Release if the cell
// is still empty at that point. fallback is not called otherwise.
func (c *Cell[T]) SetGuardWith(fallback func() T) *Guard[T] {
	return &Guard[T]{cell: c, fallback: fallback}
}

// Release is safe to call more than once and from deferred calls during a
// panic.
func (g *Guard[T]) Release() {
	if g == nil {
		return
	}
	g.release.Do(func() {
		if _, ok := g.cell.Get(); ok {
			return
		}
		_ = g.cell.Set(g.fallback())
	})
}
