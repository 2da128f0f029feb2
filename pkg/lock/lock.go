package lock

import (
	"context"
	"errors"
	"time"
)

// ErrBusy is returned by TryAcquire when the key is already held. Callers
// fail fast and let the client retry with backoff; nothing queues.
var ErrBusy = errors.New("lock already held")

// Lease is a held lock. Release is idempotent and must run on every code
// path, normally via defer.
type Lease interface {
	Release(ctx context.Context) error
}

// Mutex is a keyed mutual-exclusion provider with NX-acquire semantics and
// a TTL bounding worst-case starvation if a holder crashes. Any backend
// with try-acquire and self-expiry works: Redis SET NX EX, etcd leases, or
// a database advisory lock.
type Mutex interface {
	// TryAcquire takes the lock for key or fails immediately with ErrBusy.
	// The lease self-expires after ttl if never released.
	TryAcquire(ctx context.Context, key string, ttl time.Duration) (Lease, error)
}
