package attendance

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jakechorley/care-attendance/pkg/core/model"
)

// WorkplaceTokens is the pair of kiosk tokens a display device shows
type WorkplaceTokens struct {
	ClockInToken  string    `json:"clockInToken"`
	ClockOutToken string    `json:"clockOutToken"`
	ExpiresAt     time.Time `json:"expiresAt"`
}

// GenerateWorkplaceTokens issues the clock-in and clock-out kiosk tokens
// for a workplace. Tokens are workplace- and direction-scoped, never
// worker-scoped.
func (c *Coordinator) GenerateWorkplaceTokens(ctx context.Context, caller model.Caller, workplaceID string) (*WorkplaceTokens, error) {
	allowed, err := c.authorizer.HasPermission(ctx, caller, PermissionGenerateQR, workplaceID)
	if err != nil {
		return nil, err
	}
	if !allowed {
		return nil, NewError(CodeForbidden, "caller %s may not generate QR codes for workplace %s", caller.ID, workplaceID)
	}

	inToken, expiresAt, err := c.codec.Encode(workplaceID, model.DirectionIn)
	if err != nil {
		return nil, err
	}
	outToken, _, err := c.codec.Encode(workplaceID, model.DirectionOut)
	if err != nil {
		return nil, err
	}

	c.logger.Debug("issued workplace kiosk tokens",
		zap.String("workplace_id", workplaceID),
		zap.Time("expires_at", expiresAt))

	return &WorkplaceTokens{ClockInToken: inToken, ClockOutToken: outToken, ExpiresAt: expiresAt}, nil
}

// WorkerPollingCode is the per-record polling code a device uses to watch
// for its scan outcome.
type WorkerPollingCode struct {
	QRCode    string    `json:"qrCode"`
	ExpiresAt time.Time `json:"expiresAt"`
	RecordID  string    `json:"recordId"`
}

// EnsurePollingCode eagerly creates the pending attendance record for the
// worker's current shift window so the display session has a polling code
// before the scan happens. The worker must have a clockable shift.
func (c *Coordinator) EnsurePollingCode(ctx context.Context, caller model.Caller, workplaceID string) (*WorkerPollingCode, error) {
	now := c.now()

	window, err := c.resolveWindow(ctx, caller.ID, workplaceID, now)
	if err != nil {
		return nil, err
	}
	if window == nil {
		return nil, NewError(CodeNoActiveShift, "no shift is clockable for worker %s at workplace %s", caller.ID, workplaceID)
	}

	record, err := c.store.EnsurePending(ctx, PendingParams{
		WorkerID:                caller.ID,
		ShiftID:                 window.Assignment.ID,
		WorkplaceID:             window.Assignment.WorkplaceID,
		OrganizationID:          caller.OrgID,
		ScheduledDate:           window.Assignment.Date,
		ExpectedStartTime:       window.Start,
		ExpectedEndTime:         window.End,
		ExpectedDurationMinutes: window.ExpectedDurationMinutes(),
		QRCode:                  uuid.NewString(),
		QRCodeExpiry:            now.Add(c.statusTTL),
	})
	if err != nil {
		return nil, err
	}

	return &WorkerPollingCode{
		QRCode:    record.QRCode,
		ExpiresAt: record.QRCodeExpiry,
		RecordID:  record.ID,
	}, nil
}
