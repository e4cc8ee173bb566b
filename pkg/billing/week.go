package billing

import (
	"time"
)

// Window is a half-open time interval [Start, End)
type Window struct {
	Start time.Time `json:"week_start"`
	End   time.Time `json:"week_end"`
}

// Contains reports whether t falls inside the window
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.Start) && t.Before(w.End)
}

// Validate rejects zero or inverted windows
func (w Window) Validate() error {
	if w.Start.IsZero() || w.End.IsZero() {
		return &ValidationError{Field: "week", Message: "week start and end are required"}
	}
	if !w.End.After(w.Start) {
		return &ValidationError{Field: "week", Message: "week end must be after week start"}
	}
	return nil
}

// CurrentWeek returns the Monday 00:00 UTC .. next Monday window containing now
func CurrentWeek(now time.Time) Window {
	now = now.UTC()
	daysSinceMonday := (int(now.Weekday()) + 6) % 7
	start := time.Date(now.Year(), now.Month(), now.Day()-daysSinceMonday, 0, 0, 0, 0, time.UTC)
	return Window{Start: start, End: start.AddDate(0, 0, 7)}
}

// PreviousWeek returns the last complete Monday–Sunday window before now
func PreviousWeek(now time.Time) Window {
	current := CurrentWeek(now)
	return Window{Start: current.Start.AddDate(0, 0, -7), End: current.Start}
}
