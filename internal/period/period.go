// Package period computes statistics windows and their emission eligibility.
package period

import (
	"fmt"
	"time"

	"github.com/scrobble-stats/internal/types"
)

const week = 7 * 24 * time.Hour

// Window is a half-open interval [Start, End)
type Window struct {
	Kind  types.PeriodKind `json:"kind"`
	Start time.Time        `json:"start"`
	End   time.Time        `json:"end"`
}

// Contains reports whether ts falls inside the window
func (w Window) Contains(ts time.Time) bool {
	return !ts.Before(w.Start) && ts.Before(w.End)
}

// Length returns the window duration
func (w Window) Length() time.Duration {
	return w.End.Sub(w.Start)
}

// Closed reports whether the window lies entirely in the past. The active
// window [start, now) is still open at now.
func (w Window) Closed(now time.Time) bool {
	return w.End.Before(now)
}

func (w Window) String() string {
	return fmt.Sprintf("%s[%s, %s)", w.Kind, w.Start.Format(time.RFC3339), w.End.Format(time.RFC3339))
}

// Month is a calendar month clipped to a window
type Month struct {
	Label string
	Start time.Time
	End   time.Time
}

// Months partitions the window into calendar months in the window's location
func (w Window) Months() []Month {
	var months []Month
	loc := w.Start.Location()
	cursor := time.Date(w.Start.Year(), w.Start.Month(), 1, 0, 0, 0, 0, loc)
	for cursor.Before(w.End) {
		next := cursor.AddDate(0, 1, 0)
		m := Month{Label: cursor.Format("2006-01"), Start: cursor, End: next}
		if m.Start.Before(w.Start) {
			m.Start = w.Start
		}
		if m.End.After(w.End) {
			m.End = w.End
		}
		months = append(months, m)
		cursor = next
	}
	return months
}

// YearsThrough returns n consecutive calendar-year windows ending with the year
// that contains w.Start. The last window is clipped to w.End.
func YearsThrough(w Window, n int) []Window {
	if n <= 0 {
		return nil
	}
	loc := w.Start.Location()
	years := make([]Window, 0, n)
	for y := w.Start.Year() - n + 1; y <= w.Start.Year(); y++ {
		year := Window{
			Kind:  types.PeriodAnnual,
			Start: time.Date(y, time.January, 1, 0, 0, 0, 0, loc),
			End:   time.Date(y+1, time.January, 1, 0, 0, 0, 0, loc),
		}
		if year.End.After(w.End) {
			year.End = w.End
		}
		years = append(years, year)
	}
	return years
}

// Calculator derives windows in a fixed location
type Calculator struct {
	loc *time.Location
}

// NewCalculator creates a calculator; nil loc means UTC
func NewCalculator(loc *time.Location) *Calculator {
	if loc == nil {
		loc = time.UTC
	}
	return &Calculator{loc: loc}
}

// Location returns the calendar location
func (c *Calculator) Location() *time.Location {
	return c.loc
}

// Calculate returns the active window for kind and whether a run at now should emit it.
// An ineligible kind is a no-op, not an error.
func (c *Calculator) Calculate(now time.Time, kind types.PeriodKind) (Window, bool) {
	now = now.In(c.loc)
	switch kind {
	case types.PeriodWeekly:
		return Window{Kind: kind, Start: now.Add(-week), End: now}, true
	case types.PeriodMonthly:
		start := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, c.loc)
		return Window{Kind: kind, Start: start, End: now}, now.Day() == 1
	case types.PeriodAnnual:
		start := time.Date(now.Year(), time.January, 1, 0, 0, 0, 0, c.loc)
		return Window{Kind: kind, Start: start, End: now}, now.YearDay() == 1
	case types.PeriodDecade:
		return c.DecadeOf(now.Year()), true
	default:
		return Window{}, false
	}
}

// Previous returns the full window offset periods before the one containing now.
// Offset 1 is the period that most recently closed; for weekly windows that is the
// seven days ending where the active trailing window starts.
func (c *Calculator) Previous(now time.Time, kind types.PeriodKind, offset int) (Window, error) {
	if offset < 1 {
		return Window{}, fmt.Errorf("offset must be at least 1, got %d", offset)
	}
	now = now.In(c.loc)
	switch kind {
	case types.PeriodWeekly:
		end := now.Add(-time.Duration(offset) * week)
		return Window{Kind: kind, Start: end.Add(-week), End: end}, nil
	case types.PeriodMonthly:
		first := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, c.loc)
		start := first.AddDate(0, -offset, 0)
		return Window{Kind: kind, Start: start, End: start.AddDate(0, 1, 0)}, nil
	case types.PeriodAnnual:
		start := time.Date(now.Year()-offset, time.January, 1, 0, 0, 0, 0, c.loc)
		return Window{Kind: kind, Start: start, End: start.AddDate(1, 0, 0)}, nil
	case types.PeriodDecade:
		return c.DecadeOf(now.Year() - 10*offset), nil
	default:
		return Window{}, fmt.Errorf("unknown period kind %q", kind)
	}
}

// DecadeOf returns the ten-year bucket containing year
func (c *Calculator) DecadeOf(year int) Window {
	start := DecadeStart(year)
	return Window{
		Kind:  types.PeriodDecade,
		Start: time.Date(start, time.January, 1, 0, 0, 0, 0, c.loc),
		End:   time.Date(start+10, time.January, 1, 0, 0, 0, 0, c.loc),
	}
}

// DecadeStart floors year to its decade
func DecadeStart(year int) int {
	if year < 0 {
		return year - ((year%10)+10)%10
	}
	return year - year%10
}

// DecadeLabel names the decade bucket of a release or event year.
// Years outside 1950-2029 collapse into open-ended buckets; zero means unknown.
func DecadeLabel(year int) string {
	switch {
	case year <= 0:
		return "unknown"
	case year < 1950:
		return "pre-1950"
	case year >= 2020:
		return "2020s+"
	default:
		return fmt.Sprintf("%ds", DecadeStart(year))
	}
}
