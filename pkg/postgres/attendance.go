package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/jakechorley/care-attendance/pkg/core/attendance"
	"github.com/jakechorley/care-attendance/pkg/core/model"
)

const recordColumns = `
	id, worker_id, shift_id, workplace_id, organization_id, scheduled_date,
	expected_start_time, expected_end_time, expected_duration_minutes,
	status, sign_in_time, sign_out_time, duration_minutes, late_by_minutes,
	early_departure_by_minutes, late_checkout, clock_in_location,
	clock_out_location, qr_code, qr_code_expiry, invoice_id, modifications,
	created_at, updated_at`

// FindActiveByWorker returns the worker's signedIn record, or nil. Backed
// by the (worker_id, status) index.
func (db *DB) FindActiveByWorker(ctx context.Context, workerID string) (*model.AttendanceRecord, error) {
	row := db.pool.QueryRow(ctx, `
		SELECT `+recordColumns+`
		FROM attendance_record
		WHERE worker_id = $1 AND status = 'signedIn'
		ORDER BY sign_in_time DESC
		LIMIT 1
	`, workerID)

	rec, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to query active record: %w", err)
	}
	return rec, nil
}

// GetByID returns a record, or nil when absent
func (db *DB) GetByID(ctx context.Context, id string) (*model.AttendanceRecord, error) {
	row := db.pool.QueryRow(ctx, `
		SELECT `+recordColumns+`
		FROM attendance_record
		WHERE id = $1
	`, id)

	rec, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get record: %w", err)
	}
	return rec, nil
}

// UpsertClockIn inserts or transitions a pending record to signedIn in a
// single statement. A racing duplicate either finds nothing to update
// (the guard in the DO UPDATE clause fails) or collides on the unique
// (worker_id, shift_id) index; it can never create a second row.
func (db *DB) UpsertClockIn(ctx context.Context, p attendance.ClockInParams) (*model.AttendanceRecord, error) {
	location, err := marshalLocation(p.Location)
	if err != nil {
		return nil, err
	}

	row := db.pool.QueryRow(ctx, `
		INSERT INTO attendance_record (
			id, worker_id, shift_id, workplace_id, organization_id,
			scheduled_date, expected_start_time, expected_end_time,
			expected_duration_minutes, status, sign_in_time,
			late_by_minutes, clock_in_location, qr_code, qr_code_expiry
		) VALUES (
			$1, $2, $3, $4, NULLIF($5, ''), $6, $7, $8, $9, 'signedIn',
			$10, $11, $12, $13, $14
		)
		ON CONFLICT (worker_id, shift_id) DO UPDATE SET
			status = 'signedIn',
			sign_in_time = EXCLUDED.sign_in_time,
			late_by_minutes = EXCLUDED.late_by_minutes,
			clock_in_location = EXCLUDED.clock_in_location,
			updated_at = NOW()
		WHERE attendance_record.status = 'pending'
		  AND attendance_record.sign_in_time IS NULL
		RETURNING `+recordColumns+`
	`,
		uuid.NewString(), p.WorkerID, p.ShiftID, p.WorkplaceID, p.OrganizationID,
		p.ScheduledDate, p.ExpectedStartTime, p.ExpectedEndTime,
		p.ExpectedDurationMinutes, p.SignInTime, p.LateByMinutes,
		location, p.QRCode, p.QRCodeExpiry,
	)

	rec, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// Conflict row exists but already left pending
			return nil, nil
		}
		return nil, fmt.Errorf("failed to upsert clock-in: %w", err)
	}
	return rec, nil
}

// CompleteClockOut transitions signedIn to signedOut, conditioned on the
// record still being signedIn with no sign-out time
func (db *DB) CompleteClockOut(ctx context.Context, p attendance.ClockOutParams) (*model.AttendanceRecord, error) {
	location, err := marshalLocation(p.Location)
	if err != nil {
		return nil, err
	}

	row := db.pool.QueryRow(ctx, `
		UPDATE attendance_record SET
			status = 'signedOut',
			sign_out_time = $2,
			duration_minutes = $3,
			early_departure_by_minutes = $4,
			late_checkout = $5,
			clock_out_location = $6,
			updated_at = NOW()
		WHERE id = $1
		  AND status = 'signedIn'
		  AND sign_out_time IS NULL
		RETURNING `+recordColumns+`
	`, p.RecordID, p.SignOutTime, p.DurationMinutes, p.EarlyDepartureByMinutes, p.LateCheckout, location)

	rec, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to complete clock-out: %w", err)
	}
	return rec, nil
}

// EnsurePending inserts a pending record for (worker, shift) or returns
// the existing one untouched
func (db *DB) EnsurePending(ctx context.Context, p attendance.PendingParams) (*model.AttendanceRecord, error) {
	row := db.pool.QueryRow(ctx, `
		INSERT INTO attendance_record (
			id, worker_id, shift_id, workplace_id, organization_id,
			scheduled_date, expected_start_time, expected_end_time,
			expected_duration_minutes, status, qr_code, qr_code_expiry
		) VALUES (
			$1, $2, $3, $4, NULLIF($5, ''), $6, $7, $8, $9, 'pending', $10, $11
		)
		ON CONFLICT (worker_id, shift_id) DO UPDATE SET
			worker_id = attendance_record.worker_id
		RETURNING `+recordColumns+`
	`,
		uuid.NewString(), p.WorkerID, p.ShiftID, p.WorkplaceID, p.OrganizationID,
		p.ScheduledDate, p.ExpectedStartTime, p.ExpectedEndTime,
		p.ExpectedDurationMinutes, p.QRCode, p.QRCodeExpiry,
	)

	rec, err := scanRecord(row)
	if err != nil {
		return nil, fmt.Errorf("failed to ensure pending record: %w", err)
	}
	return rec, nil
}

// SaveManualUpdate persists an admin override, guarded on updated_at so a
// competing write fails the update instead of being silently overwritten
func (db *DB) SaveManualUpdate(ctx context.Context, rec *model.AttendanceRecord, expectedUpdatedAt time.Time) (bool, error) {
	modifications, err := json.Marshal(rec.Modifications)
	if err != nil {
		return false, fmt.Errorf("failed to marshal modifications: %w", err)
	}

	tag, err := db.pool.Exec(ctx, `
		UPDATE attendance_record SET
			status = $2,
			sign_in_time = $3,
			sign_out_time = $4,
			duration_minutes = $5,
			invoice_id = NULLIF($6, ''),
			modifications = $7,
			updated_at = $8
		WHERE id = $1 AND updated_at = $9
	`, rec.ID, rec.Status, rec.SignInTime, rec.SignOutTime, rec.DurationMinutes,
		rec.InvoiceID, modifications, rec.UpdatedAt, expectedUpdatedAt)
	if err != nil {
		return false, fmt.Errorf("failed to save manual update: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// scanRecord reads one attendance row in recordColumns order
func scanRecord(row pgx.Row) (*model.AttendanceRecord, error) {
	var (
		rec           model.AttendanceRecord
		orgID         *string
		invoiceID     *string
		scheduledDate time.Time
		clockIn       []byte
		clockOut      []byte
		modifications []byte
	)

	err := row.Scan(
		&rec.ID, &rec.WorkerID, &rec.ShiftID, &rec.WorkplaceID, &orgID,
		&scheduledDate, &rec.ExpectedStartTime, &rec.ExpectedEndTime,
		&rec.ExpectedDurationMinutes, &rec.Status, &rec.SignInTime,
		&rec.SignOutTime, &rec.DurationMinutes, &rec.LateByMinutes,
		&rec.EarlyDepartureByMinutes, &rec.LateCheckout, &clockIn,
		&clockOut, &rec.QRCode, &rec.QRCodeExpiry, &invoiceID,
		&modifications, &rec.CreatedAt, &rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	rec.ScheduledDate = scheduledDate.Format("2006-01-02")
	if orgID != nil {
		rec.OrganizationID = *orgID
	}
	if invoiceID != nil {
		rec.InvoiceID = *invoiceID
	}
	if rec.ClockInLocation, err = unmarshalLocation(clockIn); err != nil {
		return nil, err
	}
	if rec.ClockOutLocation, err = unmarshalLocation(clockOut); err != nil {
		return nil, err
	}
	if len(modifications) > 0 {
		if err := json.Unmarshal(modifications, &rec.Modifications); err != nil {
			return nil, fmt.Errorf("failed to unmarshal modifications: %w", err)
		}
	}
	return &rec, nil
}

func marshalLocation(loc *model.GeoPoint) ([]byte, error) {
	if loc == nil {
		return nil, nil
	}
	data, err := json.Marshal(loc)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal location: %w", err)
	}
	return data, nil
}

func unmarshalLocation(data []byte) (*model.GeoPoint, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var loc model.GeoPoint
	if err := json.Unmarshal(data, &loc); err != nil {
		return nil, fmt.Errorf("failed to unmarshal location: %w", err)
	}
	return &loc, nil
}
