// Package lock provides keyed mutual exclusion for session mutations and
// component critical sections. Backends range from a single process
// (Local) to shared coordination through Redis or Postgres advisory locks.
package lock

import (
	"context"
	"errors"
	"strings"
)

// ErrNotHeld is returned by a release whose lock already expired or was
// taken over by another holder.
var ErrNotHeld = errors.New("lock not held")

// Release gives the lock back. It is safe to call once.
type Release func(ctx context.Context) error

// Locker acquires exclusive access to a key, blocking until the lock is
// obtained or ctx is done.
type Locker interface {
	Acquire(ctx context.Context, key string) (Release, error)
}

// Key joins parts into a lock key.
func Key(parts ...string) string {
	return strings.Join(parts, ":")
}
