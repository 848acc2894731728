// Package lock keeps a second engine instance from working the same chain.
package lock

import (
	"context"
	"errors"
)

// ErrHeld is returned when another holder owns the lock.
var ErrHeld = errors.New("lock held by another instance")

// Locker acquires named locks. The returned release function is safe to call
// more than once.
type Locker interface {
	Acquire(ctx context.Context, name string) (release func() error, err error)
}

// Noop never contends. It is used by read-only commands.
type Noop struct{}

func (Noop) Acquire(context.Context, string) (func() error, error) {
	return func() error { return nil }, nil
}
