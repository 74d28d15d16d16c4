// Package distlock provides named, non-reentrant mutual exclusion shared by
// every process instance. Periodic jobs take a lock per tick and skip the
// tick when another instance holds it.
package distlock

import (
	"context"
	"errors"
	"hash/fnv"
)

// ErrLockLost is the cancellation cause of a WithLock context whose lock
// could not be kept.
var ErrLockLost = errors.New("lock lost")

// Locker acquires and releases named locks. TryAcquire never blocks waiting
// for the lock: it reports false when the lock is held elsewhere or when the
// backing store cannot be reached.
type Locker interface {
	TryAcquire(ctx context.Context, name string) bool
	Release(ctx context.Context, name string)
}

// LossNotifier is implemented by lockers whose locks can expire while held.
// Lost returns a channel that is closed when the named lock is lost, or nil
// when the lock is not held.
type LossNotifier interface {
	Lost(name string) <-chan struct{}
}

// WithLock runs fn only when the lock could be acquired and always releases
// it afterwards. acquired is false when the call was skipped. When l is a
// LossNotifier the context passed to fn is cancelled with ErrLockLost once
// the lock is lost.
func WithLock[T any](ctx context.Context, l Locker, name string, fn func(context.Context) (T, error)) (result T, acquired bool, err error) {
	if !l.TryAcquire(ctx, name) {
		return result, false, nil
	}

	defer l.Release(context.WithoutCancel(ctx), name)

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	if n, ok := l.(LossNotifier); ok {
		if lost := n.Lost(name); lost != nil {
			go func() {
				select {
				case <-lost:
					cancel(ErrLockLost)
				case <-runCtx.Done():
				}
			}()
		}
	}

	result, err = fn(runCtx)

	return result, true, err
}

// Key maps a lock name to the 64 bit integer key used by advisory locks.
func Key(name string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(name))

	return int64(h.Sum64()) //nolint:gosec // wrap-around is intended
}
