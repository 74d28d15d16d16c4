package distlock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const defaultRedisTTL = 5 * time.Minute

type heldLock struct {
	lock *redislock.Lock
	stop context.CancelFunc
	done chan struct{}
	lost chan struct{}
}

// RedisLocker stores locks as expiring Redis keys. A held lock is refreshed
// in the background at half its TTL so long running ticks keep it.
type RedisLocker struct {
	client *redislock.Client
	ttl    time.Duration
	prefix string
	logger *zap.Logger

	mu   sync.Mutex
	held map[string]*heldLock
}

func NewRedisLocker(rdb redis.UniversalClient, ttl time.Duration, logger *zap.Logger) *RedisLocker {
	if ttl <= 0 {
		ttl = defaultRedisTTL
	}

	if logger == nil {
		logger = zap.NewNop()
	}

	return &RedisLocker{
		client: redislock.New(rdb),
		ttl:    ttl,
		prefix: "lock:",
		logger: logger.Named("distlock"),
		held:   make(map[string]*heldLock),
	}
}

func (l *RedisLocker) TryAcquire(ctx context.Context, name string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.held[name]; ok {
		return false
	}

	lock, err := l.client.Obtain(ctx, l.prefix+name, l.ttl, nil)
	if err != nil {
		if !errors.Is(err, redislock.ErrNotObtained) {
			l.logger.Error("failed to obtain redis lock", zap.String("lock", name), zap.Error(err))
		}

		return false
	}

	refreshCtx, stop := context.WithCancel(context.Background())
	h := &heldLock{lock: lock, stop: stop, done: make(chan struct{}), lost: make(chan struct{})}
	l.held[name] = h

	go l.keepAlive(refreshCtx, name, h)

	return true
}

func (l *RedisLocker) keepAlive(ctx context.Context, name string, h *heldLock) {
	defer close(h.done)

	ticker := time.NewTicker(l.ttl / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := h.lock.Refresh(ctx, l.ttl, nil); err != nil {
				if ctx.Err() != nil {
					return
				}

				l.logger.Error("failed to refresh redis lock, giving it up", zap.String("lock", name), zap.Error(err))
				close(h.lost)

				return
			}
		}
	}
}

// Lost is closed when a held lock could not be refreshed.
func (l *RedisLocker) Lost(name string) <-chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()

	if h, ok := l.held[name]; ok {
		return h.lost
	}

	return nil
}

func (l *RedisLocker) Release(ctx context.Context, name string) {
	l.mu.Lock()
	h, ok := l.held[name]
	delete(l.held, name)
	l.mu.Unlock()

	if !ok {
		return
	}

	h.stop()
	<-h.done

	if err := h.lock.Release(ctx); err != nil && !errors.Is(err, redislock.ErrLockNotHeld) {
		l.logger.Warn("failed to release redis lock", zap.String("lock", name), zap.Error(err))
	}
}
