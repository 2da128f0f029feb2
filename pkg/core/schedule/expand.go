package schedule

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/teambition/rrule-go"

	"github.com/jakechorley/care-attendance/pkg/core/model"
)

// ExpandPattern materializes a recurring shift pattern into dated
// assignments for one worker over [from, until], inclusive. The pattern's
// RRule is anchored at from in the workplace zone; timing carries over
// unchanged.
func ExpandPattern(pattern model.ShiftPattern, workerID string, from, until time.Time, loc *time.Location) ([]model.ShiftAssignment, error) {
	rule, err := rrule.StrToRRule(pattern.RRule)
	if err != nil {
		return nil, fmt.Errorf("failed to parse rrule for pattern %s: %w", pattern.ID, err)
	}

	start := time.Date(from.Year(), from.Month(), from.Day(), 0, 0, 0, 0, loc)
	end := time.Date(until.Year(), until.Month(), until.Day(), 23, 59, 59, 0, loc)
	rule.DTStart(start)

	var assignments []model.ShiftAssignment
	for _, occurrence := range rule.Between(start, end, true) {
		assignments = append(assignments, model.ShiftAssignment{
			ID:             uuid.NewString(),
			WorkerID:       workerID,
			WorkplaceID:    pattern.WorkplaceID,
			ShiftPatternID: pattern.ID,
			Date:           occurrence.In(loc).Format("2006-01-02"),
			Timing:         pattern.Timing,
		})
	}
	return assignments, nil
}

// ValidatePattern checks a pattern's rrule syntax and timing without
// expanding it
func ValidatePattern(pattern model.ShiftPattern) error {
	if _, err := rrule.StrToRRule(pattern.RRule); err != nil {
		return fmt.Errorf("invalid rrule in pattern %s: %w", pattern.ID, err)
	}
	if _, err := time.Parse("15:04", pattern.Timing.StartTime); err != nil {
		return fmt.Errorf("invalid start time in pattern %s: %w", pattern.ID, err)
	}
	if _, err := time.Parse("15:04", pattern.Timing.EndTime); err != nil {
		return fmt.Errorf("invalid end time in pattern %s: %w", pattern.ID, err)
	}
	return nil
}
