package lock

import (
	"context"
	"sync"
	"time"
)

// MemoryMutex is an in-process Mutex for single-node deployments and
// tests. Expired holds are reaped lazily on the next acquire of the same
// key.
type MemoryMutex struct {
	mu    sync.Mutex
	holds map[string]time.Time // key -> expiry
	now   func() time.Time
}

// NewMemoryMutex creates an in-process keyed mutex
func NewMemoryMutex() *MemoryMutex {
	return &MemoryMutex{
		holds: make(map[string]time.Time),
		now:   time.Now,
	}
}

// WithClock overrides the time source, for tests
func (m *MemoryMutex) WithClock(now func() time.Time) *MemoryMutex {
	m.now = now
	return m
}

// TryAcquire implements Mutex
func (m *MemoryMutex) TryAcquire(ctx context.Context, key string, ttl time.Duration) (Lease, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if expiry, held := m.holds[key]; held && now.Before(expiry) {
		return nil, ErrBusy
	}
	m.holds[key] = now.Add(ttl)

	return &memoryLease{mutex: m, key: key, expiry: m.holds[key]}, nil
}

type memoryLease struct {
	mutex    *MemoryMutex
	key      string
	expiry   time.Time
	released bool
}

func (l *memoryLease) Release(ctx context.Context) error {
	l.mutex.mu.Lock()
	defer l.mutex.mu.Unlock()

	if l.released {
		return nil
	}
	l.released = true

	// Only delete our own hold; if the TTL lapsed and someone else
	// re-acquired, their expiry differs and must survive
	if expiry, held := l.mutex.holds[l.key]; held && expiry.Equal(l.expiry) {
		delete(l.mutex.holds, l.key)
	}
	return nil
}
