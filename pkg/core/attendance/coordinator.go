package attendance

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jakechorley/care-attendance/pkg/core/model"
	"github.com/jakechorley/care-attendance/pkg/core/qrtoken"
	"github.com/jakechorley/care-attendance/pkg/core/shiftwindow"
	"github.com/jakechorley/care-attendance/pkg/lock"
)

const (
	// DefaultLockTTL bounds how long a crashed holder can starve a
	// worker's clock operations
	DefaultLockTTL = 30 * time.Second

	// DefaultMinimumDuration guards against accidental double-taps
	// clocking a worker straight back out
	DefaultMinimumDuration = 2 * time.Minute

	// DefaultStatusTTL is how long a scan outcome waits in the status
	// channel for the display device to collect it
	DefaultStatusTTL = 20 * time.Minute

	// DefaultOperationTimeout caps time spent inside the per-worker lock
	// so a stalled downstream call cannot silently hold it for the full
	// lock TTL
	DefaultOperationTimeout = 10 * time.Second

	lockKeyPrefix = "attendance:clock:"

	// recordLockPrefix keeps manual-update locks (keyed by record ID) in a
	// separate namespace from the per-worker clock locks
	recordLockPrefix = "attendance:record:"
)

// Coordinator is the only path that may move an attendance record between
// states. It serializes clock operations per worker with a distributed
// lock, resolves the shift window, validates the business rules, and
// persists the transition with a single atomic write.
type Coordinator struct {
	store       Store
	assignments AssignmentFinder
	workplaces  WorkplaceDirectory
	mutex       lock.Mutex
	codec       *qrtoken.Codec
	statuses    StatusPublisher
	authorizer  Authorizer
	logger      *zap.Logger

	tolerances  shiftwindow.Tolerances
	minDuration time.Duration
	lockTTL     time.Duration
	statusTTL   time.Duration
	opTimeout   time.Duration
	now         func() time.Time
}

// NewCoordinator wires a Coordinator with product defaults
func NewCoordinator(
	store Store,
	assignments AssignmentFinder,
	workplaces WorkplaceDirectory,
	mutex lock.Mutex,
	codec *qrtoken.Codec,
	statuses StatusPublisher,
	authorizer Authorizer,
	logger *zap.Logger,
) *Coordinator {
	return &Coordinator{
		store:       store,
		assignments: assignments,
		workplaces:  workplaces,
		mutex:       mutex,
		codec:       codec,
		statuses:    statuses,
		authorizer:  authorizer,
		logger:      logger,
		tolerances:  shiftwindow.DefaultTolerances(),
		minDuration: DefaultMinimumDuration,
		lockTTL:     DefaultLockTTL,
		statusTTL:   DefaultStatusTTL,
		opTimeout:   DefaultOperationTimeout,
		now:         time.Now,
	}
}

// WithClock overrides the time source, for tests
func (c *Coordinator) WithClock(now func() time.Time) *Coordinator {
	c.now = now
	return c
}

// WithTolerances overrides the clock window tolerances
func (c *Coordinator) WithTolerances(tol shiftwindow.Tolerances) *Coordinator {
	c.tolerances = tol
	return c
}

// WithMinimumDuration overrides the double-tap guard
func (c *Coordinator) WithMinimumDuration(d time.Duration) *Coordinator {
	c.minDuration = d
	return c
}

// WithStatusTTL overrides how long scan outcomes and polling codes stay
// claimable
func (c *Coordinator) WithStatusTTL(d time.Duration) *Coordinator {
	c.statusTTL = d
	return c
}

// ClockRequest is a worker's scan of a kiosk token
type ClockRequest struct {
	Token    string
	Caller   model.Caller
	DeviceID string
	Location *model.GeoPoint
}

// ClockIn matches the worker to their current shift window and moves the
// record to signedIn. Exactly one of any set of concurrent attempts by the
// same worker succeeds.
func (c *Coordinator) ClockIn(ctx context.Context, req ClockRequest) (*model.AttendanceRecord, error) {
	payload, err := c.decodeToken(req.Token, model.DirectionIn)
	if err != nil {
		c.notifyExpiredScan(ctx, req.Caller.ID, err)
		return nil, err
	}

	lease, err := c.mutex.TryAcquire(ctx, lockKeyPrefix+req.Caller.ID, c.lockTTL)
	if err != nil {
		if errors.Is(err, lock.ErrBusy) {
			return nil, NewError(CodeLockContention, "another clock operation is in flight for worker %s", req.Caller.ID)
		}
		return nil, err
	}
	defer c.release(lease)

	opCtx, cancel := context.WithTimeout(ctx, c.opTimeout)
	defer cancel()

	now := c.now()

	existing, err := c.store.FindActiveByWorker(opCtx, req.Caller.ID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		c.publish(payload, existing.QRCode, model.ScanStatus{
			Status: model.ScanError, WorkerID: req.Caller.ID, Timestamp: now, Detail: string(CodeAlreadyClockedIn),
		})
		return nil, NewError(CodeAlreadyClockedIn, "worker %s is already clocked in", req.Caller.ID).WithRecord(existing)
	}

	window, err := c.resolveWindow(opCtx, req.Caller.ID, payload.WorkplaceID, now)
	if err != nil {
		return nil, err
	}
	if window == nil {
		return nil, NewError(CodeNoActiveShift, "no shift is clockable for worker %s at workplace %s", req.Caller.ID, payload.WorkplaceID)
	}

	location := snapshotLocation(req, now)
	record, err := c.store.UpsertClockIn(opCtx, ClockInParams{
		WorkerID:                req.Caller.ID,
		ShiftID:                 window.Assignment.ID,
		WorkplaceID:             window.Assignment.WorkplaceID,
		OrganizationID:          req.Caller.OrgID,
		ScheduledDate:           window.Assignment.Date,
		ExpectedStartTime:       window.Start,
		ExpectedEndTime:         window.End,
		ExpectedDurationMinutes: window.ExpectedDurationMinutes(),
		SignInTime:              now,
		LateByMinutes:           clampMinutes(now.Sub(window.Start)),
		Location:                location,
		QRCode:                  uuid.NewString(),
		QRCodeExpiry:            now.Add(c.statusTTL),
	})
	if err != nil {
		return nil, err
	}
	if record == nil {
		// A racing duplicate already transitioned the (worker, shift) row
		return nil, NewError(CodeConcurrentModification, "clock-in raced with another request for worker %s", req.Caller.ID)
	}

	c.logger.Info("worker clocked in",
		zap.String("worker_id", record.WorkerID),
		zap.String("shift_id", record.ShiftID),
		zap.String("workplace_id", record.WorkplaceID),
		zap.Intp("late_by_minutes", record.LateByMinutes))

	c.publish(payload, record.QRCode, model.ScanStatus{
		Status: model.ScanSuccess, WorkerID: record.WorkerID, Timestamp: now,
	})
	return record, nil
}

// ClockOut closes the worker's active session, enforcing the clock-out
// window and the minimum-duration rule.
func (c *Coordinator) ClockOut(ctx context.Context, req ClockRequest) (*model.AttendanceRecord, error) {
	payload, err := c.decodeToken(req.Token, model.DirectionOut)
	if err != nil {
		c.notifyExpiredScan(ctx, req.Caller.ID, err)
		return nil, err
	}

	lease, err := c.mutex.TryAcquire(ctx, lockKeyPrefix+req.Caller.ID, c.lockTTL)
	if err != nil {
		if errors.Is(err, lock.ErrBusy) {
			return nil, NewError(CodeLockContention, "another clock operation is in flight for worker %s", req.Caller.ID)
		}
		return nil, err
	}
	defer c.release(lease)

	opCtx, cancel := context.WithTimeout(ctx, c.opTimeout)
	defer cancel()

	now := c.now()

	active, err := c.store.FindActiveByWorker(opCtx, req.Caller.ID)
	if err != nil {
		return nil, err
	}
	if active == nil {
		return nil, NewError(CodeNoActiveSession, "worker %s has no active session", req.Caller.ID)
	}
	if active.WorkplaceID != payload.WorkplaceID {
		return nil, NewError(CodeWorkplaceMismatch, "token is for workplace %s but the active session is at %s", payload.WorkplaceID, active.WorkplaceID).WithRecord(active)
	}

	window := shiftwindow.Window{Start: active.ExpectedStartTime, End: active.ExpectedEndTime}
	verdict := shiftwindow.CheckClockOut(window, now, c.tolerances)
	if verdict == shiftwindow.ClockOutOutOfWindow {
		c.publish(payload, active.QRCode, model.ScanStatus{
			Status: model.ScanError, WorkerID: req.Caller.ID, Timestamp: now, Detail: string(CodeOutOfWindow),
		})
		return nil, NewError(CodeOutOfWindow, "clock-out at %s is outside the shift window", now.Format(time.RFC3339)).WithRecord(active)
	}

	signIn := *active.SignInTime
	if !now.After(signIn) || now.Sub(signIn) < c.minDuration {
		return nil, NewError(CodeBelowMinimumDuration, "session is shorter than the %s minimum", c.minDuration).WithRecord(active)
	}

	record, err := c.store.CompleteClockOut(opCtx, ClockOutParams{
		RecordID:                active.ID,
		SignOutTime:             now,
		DurationMinutes:         roundMinutes(now.Sub(signIn)),
		EarlyDepartureByMinutes: roundMinutes(active.ExpectedEndTime.Sub(now)),
		LateCheckout:            verdict == shiftwindow.ClockOutLate,
		Location:                snapshotLocation(req, now),
	})
	if err != nil {
		return nil, err
	}
	if record == nil {
		// Second line of defense: the lock TTL lapsed mid-operation and a
		// racing request already closed the session
		return nil, NewError(CodeConcurrentModification, "clock-out raced with another request for worker %s", req.Caller.ID)
	}

	c.logger.Info("worker clocked out",
		zap.String("worker_id", record.WorkerID),
		zap.String("shift_id", record.ShiftID),
		zap.Intp("duration_minutes", record.DurationMinutes),
		zap.Bool("late_checkout", record.LateCheckout))

	c.publish(payload, record.QRCode, model.ScanStatus{
		Status: model.ScanSuccess, WorkerID: record.WorkerID, Timestamp: now,
	})
	return record, nil
}

// resolveWindow fetches today's and yesterday's assignments in the
// workplace zone and picks the one whose clock-in window contains now
func (c *Coordinator) resolveWindow(ctx context.Context, workerID, workplaceID string, now time.Time) (*shiftwindow.Window, error) {
	loc, err := c.workplaceZone(ctx, workplaceID)
	if err != nil {
		return nil, err
	}
	dates := shiftwindow.CandidateDates(now, loc)
	assignments, err := c.assignments.FindAssignments(ctx, workerID, workplaceID, dates)
	if err != nil {
		return nil, err
	}
	return shiftwindow.ResolveClockIn(assignments, now, loc, c.tolerances)
}

func (c *Coordinator) workplaceZone(ctx context.Context, workplaceID string) (*time.Location, error) {
	name, err := c.workplaces.Timezone(ctx, workplaceID)
	if err != nil {
		return nil, err
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, NewError(CodeInvalidRequest, "workplace %s has invalid timezone %q", workplaceID, name)
	}
	return loc, nil
}

func (c *Coordinator) decodeToken(token string, want model.ClockDirection) (*qrtoken.Payload, error) {
	payload, err := c.codec.Decode(token)
	if err != nil {
		if errors.Is(err, qrtoken.ErrExpiredToken) {
			return nil, NewError(CodeExpiredToken, "QR token has expired, refresh the code")
		}
		return nil, NewError(CodeInvalidToken, "QR token is not valid, refresh the code")
	}
	if payload.Type != want {
		return nil, NewError(CodeInvalidToken, "QR token is for the wrong clock direction")
	}
	return payload, nil
}

// notifyExpiredScan tells the display session watching the worker's active
// record that the kiosk token it scanned had already expired
func (c *Coordinator) notifyExpiredScan(ctx context.Context, workerID string, cause error) {
	if !IsCode(cause, CodeExpiredToken) {
		return
	}
	opCtx, cancel := context.WithTimeout(ctx, c.opTimeout)
	defer cancel()

	active, err := c.store.FindActiveByWorker(opCtx, workerID)
	if err != nil || active == nil {
		return
	}
	c.publish(nil, active.QRCode, model.ScanStatus{
		Status: model.ScanExpired, WorkerID: workerID, Timestamp: c.now(), Detail: string(CodeExpiredToken),
	})
}

// publish writes the scan outcome to the status channel, best effort. The
// TTL is the kiosk token's remaining validity, capped at the default; with
// no token payload the default applies.
func (c *Coordinator) publish(payload *qrtoken.Payload, qrCode string, status model.ScanStatus) {
	if qrCode == "" {
		return
	}
	ttl := c.statusTTL
	if payload != nil {
		if remaining := time.UnixMilli(payload.ValidUntil).Sub(c.now()); remaining > 0 && remaining < ttl {
			ttl = remaining
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.statuses.Publish(ctx, qrCode, status, ttl); err != nil {
		c.logger.Warn("failed to publish scan status",
			zap.String("qr_code", qrCode),
			zap.Error(err))
	}
}

// release returns the per-worker lock on every code path, detached from
// the request context so cancellation cannot leak the hold until TTL
func (c *Coordinator) release(lease lock.Lease) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := lease.Release(ctx); err != nil {
		c.logger.Warn("failed to release clock lock", zap.Error(err))
	}
}

func snapshotLocation(req ClockRequest, now time.Time) *model.GeoPoint {
	if req.Location == nil {
		if req.DeviceID == "" {
			return nil
		}
		return &model.GeoPoint{DeviceID: req.DeviceID, CapturedAt: now}
	}
	loc := *req.Location
	if loc.DeviceID == "" {
		loc.DeviceID = req.DeviceID
	}
	loc.CapturedAt = now
	return &loc
}

func roundMinutes(d time.Duration) int {
	return int(math.Round(d.Minutes()))
}

func clampMinutes(d time.Duration) int {
	if d < 0 {
		return 0
	}
	return roundMinutes(d)
}
