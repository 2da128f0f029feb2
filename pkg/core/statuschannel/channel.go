package statuschannel

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/jakechorley/care-attendance/pkg/core/model"
)

const (
	// DefaultPollInterval is how often a watcher checks the mailbox
	DefaultPollInterval = 500 * time.Millisecond

	// DefaultWatchTimeout is the hard cap on a watch before a timeout
	// status is delivered and the connection closed
	DefaultWatchTimeout = 20 * time.Minute
)

// Store is a short-TTL mailbox keyed by a record's polling code. Take
// removes the entry as it reads it, so delivery is at most once: a second
// reader observes "not found", never a stale duplicate.
type Store interface {
	// Publish writes the scan outcome, replacing any previous entry
	Publish(ctx context.Context, qrCode string, status model.ScanStatus, ttl time.Duration) error

	// Take atomically reads and deletes the entry, returning nil when the
	// mailbox is empty or expired
	Take(ctx context.Context, qrCode string) (*model.ScanStatus, error)
}

// Watcher polls a mailbox on behalf of the device that displayed a QR,
// without the device holding an open database connection.
type Watcher struct {
	store    Store
	logger   *zap.Logger
	interval time.Duration
	timeout  time.Duration
}

// NewWatcher creates a Watcher with product defaults
func NewWatcher(store Store, logger *zap.Logger) *Watcher {
	return &Watcher{
		store:    store,
		logger:   logger,
		interval: DefaultPollInterval,
		timeout:  DefaultWatchTimeout,
	}
}

// WithPolling overrides the poll interval and hard timeout, for tests
func (w *Watcher) WithPolling(interval, timeout time.Duration) *Watcher {
	w.interval = interval
	w.timeout = timeout
	return w
}

// errWatchLapsed marks the watcher's own deadline so a deadline inherited
// from the parent context is not mistaken for it
var errWatchLapsed = errors.New("watch window lapsed")

// Watch blocks until a scan outcome lands in the mailbox, the hard timeout
// elapses (delivering a timeout status), or ctx is cancelled (the client
// disconnected; no poller survives it).
func (w *Watcher) Watch(ctx context.Context, qrCode string) (*model.ScanStatus, error) {
	ctx, cancel := context.WithTimeoutCause(ctx, w.timeout, errWatchLapsed)
	defer cancel()

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		if ctx.Err() != nil {
			return w.finish(ctx)
		}

		status, err := w.store.Take(ctx, qrCode)
		if err != nil {
			return nil, err
		}
		if status != nil {
			w.logger.Debug("scan status delivered",
				zap.String("qr_code", qrCode),
				zap.String("status", status.Status))
			return status, nil
		}

		select {
		case <-ctx.Done():
			return w.finish(ctx)
		case <-ticker.C:
		}
	}
}

// finish distinguishes the watcher's own hard timeout (delivered as a
// timeout status) from the client disconnecting (plain cancellation)
func (w *Watcher) finish(ctx context.Context) (*model.ScanStatus, error) {
	if context.Cause(ctx) == errWatchLapsed {
		return &model.ScanStatus{Status: model.ScanTimeout, Timestamp: time.Now()}, nil
	}
	return nil, ctx.Err()
}
