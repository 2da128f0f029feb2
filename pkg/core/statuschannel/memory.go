package statuschannel

import (
	"context"
	"sync"
	"time"

	"github.com/jakechorley/care-attendance/pkg/core/model"
)

// MemoryStore is an in-process Store for single-node deployments and
// tests. Expired entries are dropped lazily on Take.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

type memoryEntry struct {
	status model.ScanStatus
	expiry time.Time
}

// NewMemoryStore creates an in-process status store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]memoryEntry),
		now:     time.Now,
	}
}

// WithClock overrides the time source, for tests
func (s *MemoryStore) WithClock(now func() time.Time) *MemoryStore {
	s.now = now
	return s
}

// Publish implements Store
func (s *MemoryStore) Publish(ctx context.Context, qrCode string, status model.ScanStatus, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[qrCode] = memoryEntry{status: status, expiry: s.now().Add(ttl)}
	return nil
}

// Take implements Store: read-and-delete in one step
func (s *MemoryStore) Take(ctx context.Context, qrCode string) (*model.ScanStatus, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[qrCode]
	if !ok {
		return nil, nil
	}
	delete(s.entries, qrCode)
	if s.now().After(entry.expiry) {
		return nil, nil
	}
	status := entry.status
	return &status, nil
}
