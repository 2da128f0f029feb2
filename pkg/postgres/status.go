package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/jakechorley/care-attendance/pkg/core/model"
)

// Publish writes a scan outcome to the status mailbox, replacing any
// previous entry for the code
func (db *DB) Publish(ctx context.Context, qrCode string, status model.ScanStatus, ttl time.Duration) error {
	payload, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("failed to marshal scan status: %w", err)
	}

	_, err = db.pool.Exec(ctx, `
		INSERT INTO scan_status (qr_code, payload, expires_at)
		VALUES ($1, $2, NOW() + make_interval(secs => $3))
		ON CONFLICT (qr_code) DO UPDATE SET
			payload = EXCLUDED.payload,
			expires_at = EXCLUDED.expires_at
	`, qrCode, payload, ttl.Seconds())
	if err != nil {
		return fmt.Errorf("failed to publish scan status: %w", err)
	}
	return nil
}

// Take atomically reads and deletes the mailbox entry. DELETE RETURNING
// makes delivery at most once even with concurrent pollers: exactly one
// poller gets the row, the rest see nothing.
func (db *DB) Take(ctx context.Context, qrCode string) (*model.ScanStatus, error) {
	var (
		payload   []byte
		expiresAt time.Time
	)
	err := db.pool.QueryRow(ctx, `
		DELETE FROM scan_status
		WHERE qr_code = $1
		RETURNING payload, expires_at
	`, qrCode).Scan(&payload, &expiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to take scan status: %w", err)
	}

	if time.Now().After(expiresAt) {
		// Expired entry that the sweep had not reached yet
		return nil, nil
	}

	var status model.ScanStatus
	if err := json.Unmarshal(payload, &status); err != nil {
		return nil, fmt.Errorf("failed to unmarshal scan status: %w", err)
	}
	return &status, nil
}

// SweepExpiredStatuses drops mailbox entries past their TTL; run
// periodically by the server
func (db *DB) SweepExpiredStatuses(ctx context.Context) (int64, error) {
	tag, err := db.pool.Exec(ctx, `DELETE FROM scan_status WHERE expires_at < NOW()`)
	if err != nil {
		return 0, fmt.Errorf("failed to sweep scan statuses: %w", err)
	}
	return tag.RowsAffected(), nil
}
