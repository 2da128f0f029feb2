package statuschannel

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/jakechorley/care-attendance/pkg/core/model"
)

func TestMemoryStore_TakeIsAtMostOnce(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, store.Publish(ctx, "code-1", model.ScanStatus{Status: model.ScanSuccess, WorkerID: "w1"}, time.Minute))

	first, err := store.Take(ctx, "code-1")
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, model.ScanSuccess, first.Status)

	// A second poller sees nothing, never a stale duplicate
	second, err := store.Take(ctx, "code-1")
	require.NoError(t, err)
	assert.Nil(t, second)
}

func TestMemoryStore_TTLExpiry(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	store := NewMemoryStore().WithClock(func() time.Time { return now })
	ctx := context.Background()

	require.NoError(t, store.Publish(ctx, "code-1", model.ScanStatus{Status: model.ScanSuccess}, time.Minute))

	now = now.Add(2 * time.Minute)
	status, err := store.Take(ctx, "code-1")
	require.NoError(t, err)
	assert.Nil(t, status)
}

func TestMemoryStore_PublishReplaces(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, store.Publish(ctx, "code-1", model.ScanStatus{Status: model.ScanError}, time.Minute))
	require.NoError(t, store.Publish(ctx, "code-1", model.ScanStatus{Status: model.ScanSuccess}, time.Minute))

	status, err := store.Take(ctx, "code-1")
	require.NoError(t, err)
	require.NotNil(t, status)
	assert.Equal(t, model.ScanSuccess, status.Status)
}

func TestWatcher_DeliversPublishedStatus(t *testing.T) {
	store := NewMemoryStore()
	watcher := NewWatcher(store, zap.NewNop()).WithPolling(5*time.Millisecond, time.Second)
	ctx := context.Background()

	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = store.Publish(context.Background(), "code-1", model.ScanStatus{Status: model.ScanSuccess, WorkerID: "w1"}, time.Minute)
	}()

	status, err := watcher.Watch(ctx, "code-1")
	require.NoError(t, err)
	require.NotNil(t, status)
	assert.Equal(t, model.ScanSuccess, status.Status)
	assert.Equal(t, "w1", status.WorkerID)
}

func TestWatcher_HardTimeout(t *testing.T) {
	store := NewMemoryStore()
	watcher := NewWatcher(store, zap.NewNop()).WithPolling(5*time.Millisecond, 30*time.Millisecond)

	status, err := watcher.Watch(context.Background(), "code-never")
	require.NoError(t, err)
	require.NotNil(t, status)
	assert.Equal(t, model.ScanTimeout, status.Status)
}

func TestWatcher_ParentDeadlineIsNotATimeout(t *testing.T) {
	store := NewMemoryStore()
	watcher := NewWatcher(store, zap.NewNop()).WithPolling(5*time.Millisecond, time.Minute)

	// The caller's own deadline fires long before the watcher's hard
	// timeout; that is a cancellation, not a timeout status
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	status, err := watcher.Watch(ctx, "code-never")
	assert.Nil(t, status)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestWatcher_ClientDisconnectCancelsPolling(t *testing.T) {
	store := NewMemoryStore()
	watcher := NewWatcher(store, zap.NewNop()).WithPolling(5*time.Millisecond, time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := watcher.Watch(ctx, "code-never")
		done <- err
	}()

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("watcher did not stop after client disconnect")
	}
}

func TestWatcher_OnlyOneWatcherReceives(t *testing.T) {
	store := NewMemoryStore()
	watcher := NewWatcher(store, zap.NewNop()).WithPolling(5*time.Millisecond, 200*time.Millisecond)

	type result struct {
		status *model.ScanStatus
	}
	results := make(chan result, 2)
	for i := 0; i < 2; i++ {
		go func() {
			status, err := watcher.Watch(context.Background(), "code-1")
			require.NoError(t, err)
			results <- result{status: status}
		}()
	}

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, store.Publish(context.Background(), "code-1", model.ScanStatus{Status: model.ScanSuccess}, time.Minute))

	a := <-results
	b := <-results
	got := []string{a.status.Status, b.status.Status}
	assert.ElementsMatch(t, []string{model.ScanSuccess, model.ScanTimeout}, got)
}
