package attendance

import (
	"context"
	"time"

	"github.com/jakechorley/care-attendance/pkg/core/model"
)

// ClockInParams is the single atomic upsert that moves a record to
// signedIn. The insert branch populates shift-derived fields; the update
// branch only fires when the existing record is still pending with no sign
// in time, so a racing duplicate matches nothing instead of creating a
// second row.
type ClockInParams struct {
	WorkerID       string
	ShiftID        string
	WorkplaceID    string
	OrganizationID string

	ScheduledDate           string
	ExpectedStartTime       time.Time
	ExpectedEndTime         time.Time
	ExpectedDurationMinutes int

	SignInTime    time.Time
	LateByMinutes int
	Location      *model.GeoPoint

	// Set on insert only; an eagerly created pending record keeps its code
	QRCode       string
	QRCodeExpiry time.Time
}

// ClockOutParams is the conditional update that moves a record from
// signedIn to signedOut. It must only match a record still in signedIn
// with no sign-out time.
type ClockOutParams struct {
	RecordID                string
	SignOutTime             time.Time
	DurationMinutes         int
	EarlyDepartureByMinutes int
	LateCheckout            bool
	Location                *model.GeoPoint
}

// PendingParams creates a pending record eagerly when a QR is issued for a
// known assignment.
type PendingParams struct {
	WorkerID       string
	ShiftID        string
	WorkplaceID    string
	OrganizationID string

	ScheduledDate           string
	ExpectedStartTime       time.Time
	ExpectedEndTime         time.Time
	ExpectedDurationMinutes int

	QRCode       string
	QRCodeExpiry time.Time
}

// Store is the persistence contract for attendance records. Implementations
// must make UpsertClockIn and CompleteClockOut single atomic statements;
// both return nil when the state guard matched nothing.
type Store interface {
	// FindActiveByWorker returns the worker's signedIn record, or nil
	FindActiveByWorker(ctx context.Context, workerID string) (*model.AttendanceRecord, error)

	// GetByID returns a record, or nil when absent
	GetByID(ctx context.Context, id string) (*model.AttendanceRecord, error)

	// UpsertClockIn inserts or transitions a pending record to signedIn in
	// one statement keyed on (worker, shift). Returns nil when a racing
	// request already transitioned the record.
	UpsertClockIn(ctx context.Context, params ClockInParams) (*model.AttendanceRecord, error)

	// CompleteClockOut transitions signedIn to signedOut, conditioned on
	// the record still being signedIn with no sign-out time. Returns nil
	// when the optimistic guard matched nothing.
	CompleteClockOut(ctx context.Context, params ClockOutParams) (*model.AttendanceRecord, error)

	// EnsurePending inserts a pending record for (worker, shift) or
	// returns the existing record untouched.
	EnsurePending(ctx context.Context, params PendingParams) (*model.AttendanceRecord, error)

	// SaveManualUpdate persists an admin override, conditioned on the
	// record's UpdatedAt still matching expectedUpdatedAt. Returns false
	// when the optimistic guard matched nothing.
	SaveManualUpdate(ctx context.Context, rec *model.AttendanceRecord, expectedUpdatedAt time.Time) (bool, error)
}

// AssignmentFinder reads the scheduling system's rostered shifts. The
// attendance core never writes them.
type AssignmentFinder interface {
	FindAssignments(ctx context.Context, workerID, workplaceID string, dates []string) ([]model.ShiftAssignment, error)
}

// WorkplaceDirectory resolves workplace metadata the core needs
type WorkplaceDirectory interface {
	// Timezone returns the workplace's operating IANA zone name
	Timezone(ctx context.Context, workplaceID string) (string, error)
}

// Authorizer is the product's permission system, treated as opaque
type Authorizer interface {
	HasPermission(ctx context.Context, caller model.Caller, permission string, workplaceID string) (bool, error)
}

// StatusPublisher writes scan outcomes to the status channel
type StatusPublisher interface {
	Publish(ctx context.Context, qrCode string, status model.ScanStatus, ttl time.Duration) error
}

// Permissions checked before privileged operations
const (
	PermissionGenerateQR   = "attendance:generate-qr"
	PermissionManualUpdate = "attendance:manual-update"
)
