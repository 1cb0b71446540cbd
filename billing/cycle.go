package billing

import "time"

// =============================================================================
// BILLING CYCLE - Month-relative windows starting on a configured day
// =============================================================================

// Cycle is an inclusive range of calendar days.
type Cycle struct {
	Start time.Time
	End   time.Time
}

// Contains reports whether day falls inside the cycle.
func (c Cycle) Contains(day time.Time) bool {
	d := Day(day)
	return !d.Before(c.Start) && !d.After(c.End)
}

// Day truncates t to midnight of its calendar day in t's location.
func Day(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}

// DaysIn returns the number of days in the given month.
func DaysIn(year int, month time.Month, loc *time.Location) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, loc).Day()
}

// ClampDay returns the billing day as it falls in the given month: days
// past the end of a short month collapse onto its last day.
func ClampDay(year int, month time.Month, billingDay int, loc *time.Location) time.Time {
	if n := DaysIn(year, month, loc); billingDay > n {
		billingDay = n
	}
	return time.Date(year, month, billingDay, 0, 0, 0, 0, loc)
}

// CycleRange returns the billing cycle that contains ref.
//
// The cycle started this month if ref is on or after this month's
// (clamped) billing day, otherwise in the previous month. The cycle ends
// the day before the next cycle starts, one calendar month later.
//
//	CycleRange(2024-02-15, 31) = [2024-01-31, 2024-02-28]
//	CycleRange(2024-02-29, 31) = [2024-02-29, 2024-03-30]
func CycleRange(ref time.Time, billingDay int) Cycle {
	loc := ref.Location()
	year, month := ref.Year(), ref.Month()

	start := ClampDay(year, month, billingDay, loc)
	if ref.Day() < start.Day() {
		prev := time.Date(year, month-1, 1, 0, 0, 0, 0, loc)
		start = ClampDay(prev.Year(), prev.Month(), billingDay, loc)
	}

	following := time.Date(start.Year(), start.Month()+1, 1, 0, 0, 0, 0, loc)
	next := ClampDay(following.Year(), following.Month(), billingDay, loc)

	return Cycle{Start: start, End: next.AddDate(0, 0, -1)}
}

// CycleStart is shorthand for CycleRange(ref, billingDay).Start.
func CycleStart(ref time.Time, billingDay int) time.Time {
	return CycleRange(ref, billingDay).Start
}

// ValidBillingDay reports whether day can be used as a cycle start day.
func ValidBillingDay(day int) bool { return day >= 1 && day <= 31 }
