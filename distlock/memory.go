package distlock

import (
	"context"
	"sync"
)

// MemoryLocker coordinates goroutines of a single process. Lockers sharing
// the same instance exclude each other.
type MemoryLocker struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{held: make(map[string]struct{})}
}

func (l *MemoryLocker) TryAcquire(_ context.Context, name string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.held[name]; ok {
		return false
	}

	l.held[name] = struct{}{}

	return true
}

func (l *MemoryLocker) Release(_ context.Context, name string) {
	l.mu.Lock()
	delete(l.held, name)
	l.mu.Unlock()
}
