package postgres

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jakechorley/care-attendance/pkg/lock"
)

// AdvisoryMutex implements lock.Mutex on Postgres advisory locks. The lock
// is session-scoped: it lives on a dedicated connection checked out of the
// pool, so a crashed holder drops its session and the lock self-releases.
// The TTL is enforced by a timer that force-closes the connection if the
// lease is never released, matching SET NX EX liveness.
type AdvisoryMutex struct {
	pool *pgxpool.Pool
}

// NewAdvisoryMutex creates a Postgres-backed mutex
func NewAdvisoryMutex(pool *pgxpool.Pool) *AdvisoryMutex {
	return &AdvisoryMutex{pool: pool}
}

// TryAcquire implements lock.Mutex with fail-fast NX semantics;
// pg_try_advisory_lock never queues
func (m *AdvisoryMutex) TryAcquire(ctx context.Context, key string, ttl time.Duration) (lock.Lease, error) {
	conn, err := m.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lock connection: %w", err)
	}

	var acquired bool
	err = conn.QueryRow(ctx, `SELECT pg_try_advisory_lock(hashtextextended($1, 0))`, key).Scan(&acquired)
	if err != nil {
		conn.Release()
		return nil, fmt.Errorf("failed to try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, lock.ErrBusy
	}

	lease := &advisoryLease{conn: conn, key: key}
	lease.expiry = time.AfterFunc(ttl, lease.expire)
	return lease, nil
}

type advisoryLease struct {
	mu     sync.Mutex
	conn   *pgxpool.Conn
	key    string
	expiry *time.Timer
	done   bool
}

// Release unlocks and returns the connection to the pool. Idempotent.
func (l *advisoryLease) Release(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.done {
		return nil
	}
	l.done = true
	l.expiry.Stop()

	_, err := l.conn.Exec(ctx, `SELECT pg_advisory_unlock(hashtextextended($1, 0))`, l.key)
	if err != nil {
		// The session still holds the lock; closing the connection is the
		// only safe way to free it
		l.conn.Conn().Close(ctx)
		l.conn.Release()
		return fmt.Errorf("failed to release advisory lock: %w", err)
	}
	l.conn.Release()
	return nil
}

// expire fires when the TTL lapses without a release. The connection must
// not go back to the pool holding the lock, so the session is closed and
// the lock dies with it.
func (l *advisoryLease) expire() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.done {
		return
	}
	l.done = true

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	l.conn.Conn().Close(ctx)
	l.conn.Release()
}
