package distlock

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"sync"
	"time"

	"go.uber.org/zap"
)

// connWait bounds the wait for a free pooled connection; an exhausted pool
// reads as "not acquired".
const connWait = 5 * time.Second

// PostgresLocker uses session scoped advisory locks. Each held lock pins one
// pooled connection until Release, because the lock belongs to that session.
// Give it its own pool so held locks cannot starve the repositories.
type PostgresLocker struct {
	db     *sql.DB
	logger *zap.Logger

	mu    sync.Mutex
	conns map[string]*sql.Conn
}

func NewPostgresLocker(db *sql.DB, logger *zap.Logger) *PostgresLocker {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &PostgresLocker{
		db:     db,
		logger: logger.Named("distlock"),
		conns:  make(map[string]*sql.Conn),
	}
}

func (l *PostgresLocker) TryAcquire(ctx context.Context, name string) bool {
	l.mu.Lock()
	_, held := l.conns[name]
	l.mu.Unlock()

	if held {
		return false
	}

	connCtx, cancel := context.WithTimeout(ctx, connWait)
	conn, err := l.db.Conn(connCtx)
	cancel()

	if err != nil {
		l.logger.Error("failed to get connection for advisory lock", zap.String("lock", name), zap.Error(err))
		return false
	}

	var ok bool

	if err := conn.QueryRowContext(ctx, `SELECT pg_try_advisory_lock($1)`, Key(name)).Scan(&ok); err != nil {
		l.logger.Error("failed to acquire advisory lock", zap.String("lock", name), zap.Error(err))
		discard(conn)

		return false
	}

	if !ok {
		_ = conn.Close()
		return false
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, held := l.conns[name]; held {
		// another goroutine of this process won the same name meanwhile
		unlock(ctx, conn, name, l.logger)
		return false
	}

	l.conns[name] = conn

	return true
}

func (l *PostgresLocker) Release(ctx context.Context, name string) {
	l.mu.Lock()
	conn, ok := l.conns[name]
	delete(l.conns, name)
	l.mu.Unlock()

	if !ok {
		return
	}

	unlock(ctx, conn, name, l.logger)
}

// Close releases every lock still held.
func (l *PostgresLocker) Close() error {
	l.mu.Lock()
	names := make([]string, 0, len(l.conns))
	for name := range l.conns {
		names = append(names, name)
	}
	l.mu.Unlock()

	for _, name := range names {
		l.Release(context.Background(), name)
	}

	return nil
}

func unlock(ctx context.Context, conn *sql.Conn, name string, logger *zap.Logger) {
	var released bool

	err := conn.QueryRowContext(ctx, `SELECT pg_advisory_unlock($1)`, Key(name)).Scan(&released)
	if err != nil || !released {
		logger.Warn("advisory unlock failed, dropping session", zap.String("lock", name), zap.Error(err))
		discard(conn)

		return
	}

	_ = conn.Close()
}

// discard closes the underlying session instead of returning it to the pool,
// which drops any advisory lock it still holds.
func discard(conn *sql.Conn) {
	_ = conn.Raw(func(any) error {
		return driver.ErrBadConn
	})
	_ = conn.Close()
}
