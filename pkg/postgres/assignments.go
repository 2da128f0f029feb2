package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jakechorley/care-attendance/pkg/core/model"
)

// FindAssignments retrieves the worker's rostered shifts at a workplace on
// the given dates. The attendance core only ever reads assignments.
func (db *DB) FindAssignments(ctx context.Context, workerID, workplaceID string, dates []string) ([]model.ShiftAssignment, error) {
	rows, err := db.pool.Query(ctx, `
		SELECT id, worker_id, workplace_id, COALESCE(shift_pattern_id, ''), shift_date, start_time, end_time
		FROM shift_assignment
		WHERE worker_id = $1 AND workplace_id = $2 AND shift_date = ANY($3)
	`, workerID, workplaceID, dates)
	if err != nil {
		return nil, fmt.Errorf("failed to query assignments: %w", err)
	}
	defer rows.Close()

	var assignments []model.ShiftAssignment
	for rows.Next() {
		var a model.ShiftAssignment
		var shiftDate time.Time
		if err := rows.Scan(&a.ID, &a.WorkerID, &a.WorkplaceID, &a.ShiftPatternID, &shiftDate, &a.Timing.StartTime, &a.Timing.EndTime); err != nil {
			return nil, fmt.Errorf("failed to scan assignment: %w", err)
		}
		a.Date = shiftDate.Format("2006-01-02")
		assignments = append(assignments, a)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating assignments: %w", err)
	}

	return assignments, nil
}

// InsertAssignments seeds rostered shifts, used by the seed-shifts command
// and integration setups
func (db *DB) InsertAssignments(ctx context.Context, assignments []model.ShiftAssignment) error {
	if len(assignments) == 0 {
		return nil
	}

	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, a := range assignments {
		var patternID *string
		if a.ShiftPatternID != "" {
			patternID = &a.ShiftPatternID
		}

		_, err := tx.Exec(ctx, `
			INSERT INTO shift_assignment (id, worker_id, workplace_id, shift_pattern_id, shift_date, start_time, end_time)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`, a.ID, a.WorkerID, a.WorkplaceID, patternID, a.Date, a.Timing.StartTime, a.Timing.EndTime)
		if err != nil {
			return fmt.Errorf("failed to insert assignment: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// Timezone returns the workplace's operating IANA zone name
func (db *DB) Timezone(ctx context.Context, workplaceID string) (string, error) {
	var zone string
	err := db.pool.QueryRow(ctx, `
		SELECT timezone FROM workplace WHERE id = $1
	`, workplaceID).Scan(&zone)
	if err != nil {
		return "", fmt.Errorf("failed to look up workplace timezone: %w", err)
	}
	return zone, nil
}

// UpsertWorkplace seeds a workplace row, used by the seed-shifts command
func (db *DB) UpsertWorkplace(ctx context.Context, id, name, timezone string) error {
	_, err := db.pool.Exec(ctx, `
		INSERT INTO workplace (id, name, timezone)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, timezone = EXCLUDED.timezone
	`, id, name, timezone)
	if err != nil {
		return fmt.Errorf("failed to upsert workplace: %w", err)
	}
	return nil
}
