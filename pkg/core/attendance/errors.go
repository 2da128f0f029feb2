package attendance

import (
	"errors"
	"fmt"

	"github.com/jakechorley/care-attendance/pkg/core/model"
)

// Code is a stable machine-readable failure code returned to clients
type Code string

const (
	CodeAlreadyClockedIn       Code = "AlreadyClockedIn"
	CodeNoActiveSession        Code = "NoActiveSession"
	CodeNoActiveShift          Code = "NoActiveShift"
	CodeOutOfWindow            Code = "OutOfWindow"
	CodeBelowMinimumDuration   Code = "BelowMinimumDuration"
	CodeInvalidToken           Code = "InvalidToken"
	CodeExpiredToken           Code = "ExpiredToken"
	CodeLockContention         Code = "LockContention"
	CodeConcurrentModification Code = "ConcurrentModification"
	CodeWorkplaceMismatch      Code = "WorkplaceMismatch"
	CodeForbidden              Code = "Forbidden"
	CodeNotFound               Code = "NotFound"
	CodeInvalidRequest         Code = "InvalidRequest"
)

// Transient reports whether a client should retry the same request with
// backoff. Business-rule violations are terminal; retrying cannot change
// the outcome.
func (c Code) Transient() bool {
	return c == CodeLockContention || c == CodeConcurrentModification
}

// Error is a business-rule violation carrying a stable code, a
// human-readable message, and where useful the conflicting record so the
// client can recover its state.
type Error struct {
	Code    Code
	Message string
	Record  *model.AttendanceRecord
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewError creates a taxonomy error
func NewError(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithRecord attaches the conflicting record
func (e *Error) WithRecord(rec *model.AttendanceRecord) *Error {
	e.Record = rec
	return e
}

// CodeOf extracts the taxonomy code from an error chain, or "" if the
// error is not a taxonomy error.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsCode reports whether err carries the given taxonomy code
func IsCode(err error, code Code) bool {
	return CodeOf(err) == code
}
