package postgres

import (
	"context"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// Leader elects one process among many with a session-level advisory lock.
// The lock lives on a connection taken out of the pool for as long as
// leadership is held; losing that connection loses leadership.
type Leader struct {
	pool *pgxpool.Pool
	key  int64
	log  *zap.Logger

	mu   sync.Mutex
	conn *pgxpool.Conn
}

func (s *Store) NewLeader(key int64) *Leader {
	return &Leader{pool: s.db, key: key, log: s.log.Named("leader")}
}

// TryAcquire reports whether this process is the leader, taking the lock when
// it is free. It never blocks on another holder.
func (l *Leader) TryAcquire(ctx context.Context) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.conn != nil {
		if err := l.conn.Ping(ctx); err == nil {
			return true, nil
		}
		l.log.Warn("leader connection lost")
		l.conn.Release()
		l.conn = nil
	}

	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return false, classify(err, "acquire leader conn")
	}
	var ok bool
	if err := conn.QueryRow(ctx, `select pg_try_advisory_lock($1)`, l.key).Scan(&ok); err != nil {
		conn.Release()
		return false, classify(err, "advisory lock")
	}
	if !ok {
		conn.Release()
		return false, nil
	}
	l.log.Info("acquired leadership", zap.Int64("key", l.key))
	l.conn = conn
	return true, nil
}

// Release gives up leadership if held.
func (l *Leader) Release(ctx context.Context) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn == nil {
		return
	}
	if _, err := l.conn.Exec(ctx, `select pg_advisory_unlock($1)`, l.key); err != nil {
		l.log.Warn("advisory unlock failed", zap.Error(err))
	}
	l.conn.Release()
	l.conn = nil
}
