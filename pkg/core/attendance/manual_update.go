package attendance

import (
	"context"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/jakechorley/care-attendance/pkg/core/model"
)

// ManualUpdateRequest is an admin override of an attendance record. Reason
// is mandatory; every change lands in the record's audit trail.
type ManualUpdateRequest struct {
	RecordID    string
	Caller      model.Caller
	SignInTime  *time.Time
	SignOutTime *time.Time
	Status      *model.AttendanceStatus
	Reason      string
}

// ManualUpdate applies an audited admin override. Duration is recomputed
// only when both times are present, the resulting status is signedOut, and
// the sign-out is after the sign-in; otherwise it is left untouched rather
// than set to a nonsensical value.
func (c *Coordinator) ManualUpdate(ctx context.Context, req ManualUpdateRequest) (*model.AttendanceRecord, error) {
	if req.Reason == "" {
		return nil, NewError(CodeInvalidRequest, "a manual update requires a reason")
	}
	if req.Status != nil && !req.Status.IsValid() {
		return nil, NewError(CodeInvalidRequest, "unknown status %q", *req.Status)
	}

	allowed, err := c.authorizer.HasPermission(ctx, req.Caller, PermissionManualUpdate, "")
	if err != nil {
		return nil, err
	}
	if !allowed {
		return nil, NewError(CodeForbidden, "caller %s may not modify attendance records", req.Caller.ID)
	}

	lease, err := c.mutex.TryAcquire(ctx, recordLockPrefix+req.RecordID, c.lockTTL)
	if err != nil {
		return nil, NewError(CodeLockContention, "record %s is being modified", req.RecordID)
	}
	defer c.release(lease)

	opCtx, cancel := context.WithTimeout(ctx, c.opTimeout)
	defer cancel()

	rec, err := c.store.GetByID(opCtx, req.RecordID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, NewError(CodeNotFound, "attendance record %s not found", req.RecordID)
	}

	// An override may not open a second active session for the worker
	if req.Status != nil && *req.Status == model.StatusSignedIn && rec.Status != model.StatusSignedIn {
		active, err := c.store.FindActiveByWorker(opCtx, rec.WorkerID)
		if err != nil {
			return nil, err
		}
		if active != nil && active.ID != rec.ID {
			return nil, NewError(CodeAlreadyClockedIn, "worker %s already has an active session", rec.WorkerID).WithRecord(active)
		}
	}

	now := c.now()
	expectedUpdatedAt := rec.UpdatedAt
	entry := model.ModificationEntry{
		Timestamp:      now,
		ModifiedBy:     req.Caller.ID,
		ModifiedByType: "admin",
		Reason:         req.Reason,
	}

	if req.SignInTime != nil && !timesEqual(rec.SignInTime, req.SignInTime) {
		entry.Changes = append(entry.Changes, fieldChange("signInTime", formatTime(rec.SignInTime), formatTime(req.SignInTime)))
		rec.SignInTime = req.SignInTime
	}
	if req.SignOutTime != nil && !timesEqual(rec.SignOutTime, req.SignOutTime) {
		entry.Changes = append(entry.Changes, fieldChange("signOutTime", formatTime(rec.SignOutTime), formatTime(req.SignOutTime)))
		rec.SignOutTime = req.SignOutTime
	}
	if req.Status != nil && *req.Status != rec.Status {
		entry.Changes = append(entry.Changes, fieldChange("status", string(rec.Status), string(*req.Status)))
		rec.Status = *req.Status
	}

	if len(entry.Changes) == 0 {
		return rec, nil
	}

	if rec.Status == model.StatusSignedOut && rec.SignInTime != nil && rec.SignOutTime != nil && rec.SignOutTime.After(*rec.SignInTime) {
		duration := roundMinutes(rec.SignOutTime.Sub(*rec.SignInTime))
		if rec.DurationMinutes == nil || *rec.DurationMinutes != duration {
			entry.Changes = append(entry.Changes, fieldChange("durationMinutes", formatInt(rec.DurationMinutes), formatIntValue(duration)))
			rec.DurationMinutes = &duration
		}
	}

	if rec.Status == model.StatusInvalidated && rec.InvoiceID != "" {
		// The record survives for audit, but nothing may bill against it
		entry.Changes = append(entry.Changes, fieldChange("invoiceId", rec.InvoiceID, ""))
		rec.InvoiceID = ""
	}

	rec.Modifications = append(rec.Modifications, entry)
	rec.UpdatedAt = now

	saved, err := c.store.SaveManualUpdate(opCtx, rec, expectedUpdatedAt)
	if err != nil {
		return nil, err
	}
	if !saved {
		return nil, NewError(CodeConcurrentModification, "record %s changed while the update was being prepared", req.RecordID)
	}

	c.logger.Info("attendance record manually updated",
		zap.String("record_id", rec.ID),
		zap.String("modified_by", req.Caller.ID),
		zap.String("reason", req.Reason),
		zap.Int("changes", len(entry.Changes)))

	return rec, nil
}

func fieldChange(field, oldValue, newValue string) model.FieldChange {
	return model.FieldChange{Field: field, OldValue: oldValue, NewValue: newValue}
}

func timesEqual(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func formatInt(v *int) string {
	if v == nil {
		return ""
	}
	return formatIntValue(*v)
}

func formatIntValue(v int) string {
	return strconv.Itoa(v)
}
