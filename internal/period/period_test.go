package period

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrobble-stats/internal/types"
)

func TestCalculate(t *testing.T) {
	calc := NewCalculator(time.UTC)

	tests := []struct {
		name         string
		now          time.Time
		kind         types.PeriodKind
		wantStart    time.Time
		wantEligible bool
	}{
		{
			name:         "weekly is trailing seven days",
			now:          time.Date(2024, 3, 15, 10, 0, 0, 0, time.UTC),
			kind:         types.PeriodWeekly,
			wantStart:    time.Date(2024, 3, 8, 10, 0, 0, 0, time.UTC),
			wantEligible: true,
		},
		{
			name:         "monthly on the first",
			now:          time.Date(2024, 3, 1, 6, 0, 0, 0, time.UTC),
			kind:         types.PeriodMonthly,
			wantStart:    time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
			wantEligible: true,
		},
		{
			name:         "monthly mid month is not eligible",
			now:          time.Date(2024, 3, 15, 6, 0, 0, 0, time.UTC),
			kind:         types.PeriodMonthly,
			wantStart:    time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
			wantEligible: false,
		},
		{
			name:         "annual on january first",
			now:          time.Date(2025, 1, 1, 0, 30, 0, 0, time.UTC),
			kind:         types.PeriodAnnual,
			wantStart:    time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
			wantEligible: true,
		},
		{
			name:         "annual in february is not eligible",
			now:          time.Date(2025, 2, 1, 0, 30, 0, 0, time.UTC),
			kind:         types.PeriodAnnual,
			wantStart:    time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
			wantEligible: false,
		},
		{
			name:         "decade always eligible",
			now:          time.Date(2024, 7, 4, 0, 0, 0, 0, time.UTC),
			kind:         types.PeriodDecade,
			wantStart:    time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC),
			wantEligible: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, eligible := calc.Calculate(tt.now, tt.kind)
			assert.Equal(t, tt.wantEligible, eligible)
			assert.True(t, tt.wantStart.Equal(w.Start), "start %s", w.Start)
			assert.Equal(t, tt.kind, w.Kind)
		})
	}
}

func TestCalculateUnknownKindIsNoop(t *testing.T) {
	_, eligible := NewCalculator(nil).Calculate(time.Now(), "fortnightly")
	assert.False(t, eligible)
}

func TestCalculateUsesLocation(t *testing.T) {
	loc, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)

	// 03:00 UTC on March 1 is still February 29 in New York
	now := time.Date(2024, 3, 1, 3, 0, 0, 0, time.UTC)
	_, eligible := NewCalculator(loc).Calculate(now, types.PeriodMonthly)
	assert.False(t, eligible)
	_, eligible = NewCalculator(time.UTC).Calculate(now, types.PeriodMonthly)
	assert.True(t, eligible)
}

func TestWindowIsHalfOpen(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	w := Window{Kind: types.PeriodMonthly, Start: start, End: start.AddDate(0, 1, 0)}

	assert.True(t, w.Contains(start))
	assert.True(t, w.Contains(w.End.Add(-time.Nanosecond)))
	assert.False(t, w.Contains(w.End))
	assert.False(t, w.Contains(start.Add(-time.Nanosecond)))

	next := Window{Start: w.End, End: w.End.AddDate(0, 1, 0)}
	assert.True(t, next.Contains(w.End))
}

func TestPrevious(t *testing.T) {
	calc := NewCalculator(time.UTC)
	now := time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC)

	w, err := calc.Previous(now, types.PeriodMonthly, 1)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC), w.Start)
	assert.Equal(t, time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), w.End)
	assert.True(t, w.Closed(now))

	active, _ := calc.Calculate(now, types.PeriodWeekly)
	assert.False(t, active.Closed(now))
	assert.True(t, active.Closed(now.Add(time.Second)))

	w, err = calc.Previous(now, types.PeriodAnnual, 2)
	require.NoError(t, err)
	assert.Equal(t, 2022, w.Start.Year())
	assert.Equal(t, time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC), w.End)

	w, err = calc.Previous(now, types.PeriodWeekly, 1)
	require.NoError(t, err)
	assert.True(t, now.Add(-14*24*time.Hour).Equal(w.Start))
	assert.True(t, now.Add(-7*24*time.Hour).Equal(w.End))
	assert.True(t, w.End.Equal(active.Start), "last closed week ends where the active one starts")
	assert.True(t, w.Closed(now))

	w, err = calc.Previous(now, types.PeriodWeekly, 2)
	require.NoError(t, err)
	assert.True(t, now.Add(-21*24*time.Hour).Equal(w.Start))
	assert.True(t, now.Add(-14*24*time.Hour).Equal(w.End))

	_, err = calc.Previous(now, types.PeriodWeekly, 0)
	assert.Error(t, err)
}

func TestMonths(t *testing.T) {
	w := Window{
		Start: time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC),
	}
	months := w.Months()
	require.Len(t, months, 3)
	assert.Equal(t, "2024-01", months[0].Label)
	assert.Equal(t, w.Start, months[0].Start)
	assert.Equal(t, "2024-03", months[2].Label)
	assert.Equal(t, w.End, months[2].End)
}

func TestYearsThrough(t *testing.T) {
	annual := Window{
		Kind:  types.PeriodAnnual,
		Start: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC),
	}
	years := YearsThrough(annual, 3)
	require.Len(t, years, 3)
	assert.Equal(t, time.Date(2022, 1, 1, 0, 0, 0, 0, time.UTC), years[0].Start)
	assert.Equal(t, time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC), years[0].End)
	assert.Equal(t, annual.Start, years[2].Start)
	assert.Equal(t, annual.End, years[2].End, "current year is clipped to the window")
	for _, y := range years {
		assert.Equal(t, types.PeriodAnnual, y.Kind)
	}

	assert.Empty(t, YearsThrough(annual, 0))
}

func TestDecadeLabel(t *testing.T) {
	tests := map[int]string{
		0:    "unknown",
		1937: "pre-1950",
		1950: "1950s",
		1969: "1960s",
		2019: "2010s",
		2020: "2020s+",
		2031: "2020s+",
	}
	for year, want := range tests {
		assert.Equal(t, want, DecadeLabel(year), "year %d", year)
	}
	assert.Equal(t, 1990, DecadeStart(1999))
}
