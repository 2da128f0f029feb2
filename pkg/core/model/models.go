package model

import "time"

// AttendanceStatus is the lifecycle state of an attendance record
type AttendanceStatus string

const (
	StatusPending     AttendanceStatus = "pending"
	StatusSignedIn    AttendanceStatus = "signedIn"
	StatusSignedOut   AttendanceStatus = "signedOut"
	StatusInvalidated AttendanceStatus = "invalidated"
)

func (s AttendanceStatus) IsValid() bool {
	switch s {
	case StatusPending, StatusSignedIn, StatusSignedOut, StatusInvalidated:
		return true
	}
	return false
}

// ClockDirection distinguishes clock-in from clock-out kiosk tokens
type ClockDirection string

const (
	DirectionIn  ClockDirection = "IN"
	DirectionOut ClockDirection = "OUT"
)

// GeoPoint captures where a clock action happened
type GeoPoint struct {
	Latitude   float64   `json:"latitude" validate:"min=-90,max=90"`
	Longitude  float64   `json:"longitude" validate:"min=-180,max=180"`
	Accuracy   float64   `json:"accuracy,omitempty"`
	DeviceID   string    `json:"deviceId,omitempty"`
	CapturedAt time.Time `json:"capturedAt"`
}

// FieldChange records a single field's old and new value in an audit entry
type FieldChange struct {
	Field    string `json:"field"`
	OldValue string `json:"oldValue"`
	NewValue string `json:"newValue"`
}

// ModificationEntry is one audit-trail entry on an attendance record
type ModificationEntry struct {
	Timestamp      time.Time     `json:"timestamp"`
	ModifiedBy     string        `json:"modifiedBy"`
	ModifiedByType string        `json:"modifiedByType"`
	Reason         string        `json:"reason"`
	Changes        []FieldChange `json:"changes"`
}

// AttendanceRecord is the per-(worker, shift) attendance state.
// At most one record exists per (WorkerID, ShiftID), and at most one record
// per worker may be signedIn at any time. Records are never deleted by the
// normal flow; invalidated is a status, not a deletion.
type AttendanceRecord struct {
	ID             string
	WorkerID       string
	ShiftID        string
	WorkplaceID    string
	OrganizationID string // empty unless the workplace is agency-staffed

	ScheduledDate           string // date in the workplace zone, YYYY-MM-DD
	ExpectedStartTime       time.Time
	ExpectedEndTime         time.Time
	ExpectedDurationMinutes int

	Status                  AttendanceStatus
	SignInTime              *time.Time
	SignOutTime             *time.Time
	DurationMinutes         *int
	LateByMinutes           *int
	EarlyDepartureByMinutes *int
	LateCheckout            bool

	ClockInLocation  *GeoPoint
	ClockOutLocation *GeoPoint

	// QRCode is the per-record polling code correlating an async clock
	// result back to the device that displayed the kiosk QR. It is not the
	// kiosk token.
	QRCode       string
	QRCodeExpiry time.Time

	// InvoiceID links the record to billing; cleared when the record is
	// invalidated
	InvoiceID string

	Modifications []ModificationEntry

	CreatedAt time.Time
	UpdatedAt time.Time
}

// ShiftTiming is the workplace-local HH:mm span of a shift
type ShiftTiming struct {
	StartTime string `json:"startTime" validate:"required"`
	EndTime   string `json:"endTime" validate:"required"`
}

// ShiftAssignment is the scheduling system's record of a worker being
// rostered at a workplace on a date. The attendance core reads these but
// does not own their lifecycle.
type ShiftAssignment struct {
	ID             string
	WorkerID       string
	WorkplaceID    string
	ShiftPatternID string
	Date           string // YYYY-MM-DD in the workplace zone
	Timing         ShiftTiming
}

// ShiftPattern is a recurring shift definition. RRule follows RFC 5545
// recurrence syntax and is expanded into dated assignments.
type ShiftPattern struct {
	ID          string
	WorkplaceID string
	RRule       string
	Timing      ShiftTiming
}

// Caller is the request identity passed into the core, decoupled from any
// web framework's request object.
type Caller struct {
	ID       string
	OrgID    string
	Timezone string
}

// ScanStatus is the outcome written to the status channel when a worker
// scans a kiosk QR.
type ScanStatus struct {
	Status    string    `json:"status"` // success, error, expired, timeout
	WorkerID  string    `json:"workerId,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Detail    string    `json:"detail,omitempty"`
}

const (
	ScanSuccess = "success"
	ScanError   = "error"
	ScanExpired = "expired"
	ScanTimeout = "timeout"
)
