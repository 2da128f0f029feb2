package shiftwindow

import (
	"fmt"
	"sort"
	"time"

	"github.com/jakechorley/care-attendance/pkg/core/model"
)

const (
	// DefaultEarlyTolerance is how long before the scheduled start a
	// clock-in is accepted.
	DefaultEarlyTolerance = 30 * time.Minute

	// DefaultLateTolerance is how long after the scheduled end a clock-out
	// is still accepted (flagged for audit).
	DefaultLateTolerance = 3 * time.Hour
)

// Tolerances configures the clock window around a shift's scheduled span
type Tolerances struct {
	Early time.Duration
	Late  time.Duration
}

// DefaultTolerances returns the product defaults
func DefaultTolerances() Tolerances {
	return Tolerances{Early: DefaultEarlyTolerance, Late: DefaultLateTolerance}
}

// Window is a shift assignment resolved to absolute start and end instants
// in the workplace's operating zone.
type Window struct {
	Assignment model.ShiftAssignment
	Start      time.Time
	End        time.Time
}

// ExpectedDurationMinutes is the scheduled length of the shift
func (w Window) ExpectedDurationMinutes() int {
	return int(w.End.Sub(w.Start).Minutes())
}

// CandidateDates returns today and yesterday in the workplace zone.
// Yesterday covers overnight shifts that started before midnight and are
// still open.
func CandidateDates(now time.Time, loc *time.Location) []string {
	local := now.In(loc)
	return []string{
		local.Format("2006-01-02"),
		local.AddDate(0, 0, -1).Format("2006-01-02"),
	}
}

// Materialize turns an assignment into an absolute Window. All arithmetic
// happens in the workplace zone, not the device zone. An end time at or
// before the start time marks an overnight shift and rolls the end forward
// a day; an end exactly equal to the start is misconfiguration and is
// rejected.
func Materialize(a model.ShiftAssignment, loc *time.Location) (Window, error) {
	day, err := time.ParseInLocation("2006-01-02", a.Date, loc)
	if err != nil {
		return Window{}, fmt.Errorf("invalid assignment date %q: %w", a.Date, err)
	}

	start, err := atClock(day, a.Timing.StartTime, loc)
	if err != nil {
		return Window{}, fmt.Errorf("invalid start time %q: %w", a.Timing.StartTime, err)
	}
	end, err := atClock(day, a.Timing.EndTime, loc)
	if err != nil {
		return Window{}, fmt.Errorf("invalid end time %q: %w", a.Timing.EndTime, err)
	}

	if end.Equal(start) {
		return Window{}, fmt.Errorf("assignment %s has equal start and end time %q", a.ID, a.Timing.StartTime)
	}
	if end.Before(start) {
		// Overnight shift: ends the following day
		end = end.Add(24 * time.Hour)
	}

	return Window{Assignment: a, Start: start, End: end}, nil
}

// ResolveClockIn finds the assignment whose clock-in window contains now.
// The window runs from Start minus the early tolerance to End. When several
// candidates match (a rostering misconfiguration) the one with the earliest
// start wins, deterministically. Returns (nil, nil) when nothing matches.
func ResolveClockIn(assignments []model.ShiftAssignment, now time.Time, loc *time.Location, tol Tolerances) (*Window, error) {
	var matches []Window
	for _, a := range assignments {
		w, err := Materialize(a, loc)
		if err != nil {
			// Skip misconfigured assignments rather than blocking the
			// worker's other shifts
			continue
		}
		windowStart := w.Start.Add(-tol.Early)
		if !now.Before(windowStart) && !now.After(w.End) {
			matches = append(matches, w)
		}
	}
	if len(matches) == 0 {
		return nil, nil
	}
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Start.Equal(matches[j].Start) {
			return matches[i].Assignment.ID < matches[j].Assignment.ID
		}
		return matches[i].Start.Before(matches[j].Start)
	})
	return &matches[0], nil
}

// ClockOutVerdict classifies a clock-out instant against a shift window
type ClockOutVerdict int

const (
	// ClockOutOK means now is inside [Start, End]
	ClockOutOK ClockOutVerdict = iota
	// ClockOutLate means now is inside (End, End+Late]; accepted but
	// flagged for audit, never silently dropped
	ClockOutLate
	// ClockOutOutOfWindow means now is outside [Start, End+Late]
	ClockOutOutOfWindow
)

// CheckClockOut validates a clock-out instant against a resolved window
func CheckClockOut(w Window, now time.Time, tol Tolerances) ClockOutVerdict {
	if now.Before(w.Start) || now.After(w.End.Add(tol.Late)) {
		return ClockOutOutOfWindow
	}
	if now.After(w.End) {
		return ClockOutLate
	}
	return ClockOutOK
}

// atClock combines a date with a workplace-local HH:mm clock time
func atClock(day time.Time, clock string, loc *time.Location) (time.Time, error) {
	t, err := time.Parse("15:04", clock)
	if err != nil {
		return time.Time{}, err
	}
	return time.Date(day.Year(), day.Month(), day.Day(), t.Hour(), t.Minute(), 0, 0, loc), nil
}
