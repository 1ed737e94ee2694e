package benefit

import (
	"strconv"
	"time"
)

// =============================================================================
// FISCAL YEAR - Bucket for yearly caps
// =============================================================================

// FiscalYear identifies the administrative year a claim is attributed to.
// It is the year in which the fiscal period ends, plus any display offset.
type FiscalYear int

func (fy FiscalYear) String() string { return strconv.Itoa(int(fy)) }

// FiscalYearCalculator maps a date to its fiscal year. Injected so that
// nothing in the engine reads the wall clock to pick a bucket.
type FiscalYearCalculator interface {
	FiscalYearOf(t time.Time) FiscalYear
}

// FiscalCalendar is a fiscal year that starts on the first day of StartMonth.
//
// Examples:
//   - StartMonth January: calendar year, FY2025 = 2025-01-01 .. 2025-12-31
//   - StartMonth October: FY2025 = 2024-10-01 .. 2025-09-30
//   - YearOffset 543 labels FY2025 as 2568 (Buddhist era)
type FiscalCalendar struct {
	StartMonth time.Month
	YearOffset int
	Location   *time.Location
}

// CalendarYear is a fiscal calendar aligned with the calendar year.
func CalendarYear() FiscalCalendar {
	return FiscalCalendar{StartMonth: time.January}
}

func (c FiscalCalendar) FiscalYearOf(t time.Time) FiscalYear {
	if c.Location != nil {
		t = t.In(c.Location)
	}
	start := c.StartMonth
	if start < time.January || start > time.December {
		start = time.January
	}

	year := t.Year()
	// A fiscal year that does not start in January ends in the next calendar year.
	if start != time.January && t.Month() >= start {
		year++
	}
	return FiscalYear(year + c.YearOffset)
}

// Period returns the first and last day of the fiscal year.
func (c FiscalCalendar) Period(fy FiscalYear) (time.Time, time.Time) {
	loc := c.Location
	if loc == nil {
		loc = time.UTC
	}
	start := c.StartMonth
	if start < time.January || start > time.December {
		start = time.January
	}

	endYear := int(fy) - c.YearOffset
	startYear := endYear
	if start != time.January {
		startYear--
	}
	from := time.Date(startYear, start, 1, 0, 0, 0, 0, loc)
	to := from.AddDate(1, 0, -1)
	return from, to
}

// =============================================================================
// CLOCK
// =============================================================================

// Clock abstracts time for testability. Production code injects RealClock;
// tests inject a FixedClock.
type Clock interface {
	Now() time.Time
}

type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now().UTC() }

// FixedClock always returns the same instant.
type FixedClock struct {
	At time.Time
}

func (c FixedClock) Now() time.Time { return c.At }
