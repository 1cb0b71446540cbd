package billing_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/warp/card-engine/billing"
)

func TestCycleRange(t *testing.T) {
	tests := []struct {
		name       string
		ref        string
		billingDay int
		wantStart  string
		wantEnd    string
	}{
		{"on or after billing day starts this month", "2025-03-20", 15, "2025-03-15", "2025-04-14"},
		{"on billing day starts this month", "2025-03-15", 15, "2025-03-15", "2025-04-14"},
		{"before billing day starts last month", "2025-03-10", 15, "2025-02-15", "2025-03-14"},
		{"day 1 covers the calendar month", "2025-03-01", 1, "2025-03-01", "2025-03-31"},
		{"day 31 clamps into leap February end", "2024-02-15", 31, "2024-01-31", "2024-02-28"},
		{"last day of short month starts a clamped cycle", "2024-02-29", 31, "2024-02-29", "2024-03-30"},
		{"day 31 across the year boundary", "2025-01-05", 31, "2024-12-31", "2025-01-30"},
		{"day 30 clamps previous February", "2023-03-01", 30, "2023-02-28", "2023-03-29"},
		{"day 30 in a 31 day month", "2023-03-30", 30, "2023-03-30", "2023-04-29"},
		{"day 29 in non-leap February", "2023-02-28", 29, "2023-02-28", "2023-03-28"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cycle := billing.CycleRange(day(tt.ref), tt.billingDay)
			assert.Equal(t, tt.wantStart, cycle.Start.Format(billing.DateLayout), "start")
			assert.Equal(t, tt.wantEnd, cycle.End.Format(billing.DateLayout), "end")
		})
	}
}

func TestCycleRange_IgnoresTimeOfDay(t *testing.T) {
	ref := time.Date(2025, time.March, 14, 23, 59, 59, 0, time.UTC)
	cycle := billing.CycleRange(ref, 15)
	assert.Equal(t, "2025-02-15", cycle.Start.Format(billing.DateLayout))
}

func TestCycleRange_UsesReferenceLocation(t *testing.T) {
	loc := time.FixedZone("UTC+5:30", 5*3600+1800)
	// 2025-03-14 20:00 UTC is already March 15 in loc.
	ref := time.Date(2025, time.March, 14, 20, 0, 0, 0, time.UTC).In(loc)
	cycle := billing.CycleRange(ref, 15)
	assert.Equal(t, "2025-03-15", cycle.Start.Format(billing.DateLayout))
	assert.Equal(t, loc, cycle.Start.Location())
}

// Every day of two years, for every billing day, lies in its own cycle and
// consecutive cycles tile without gaps or overlap.
func TestCycleRange_TilesTheCalendar(t *testing.T) {
	for billingDay := 1; billingDay <= 31; billingDay++ {
		ref := day("2023-01-01")
		end := day("2025-01-01")
		for ref.Before(end) {
			cycle := billing.CycleRange(ref, billingDay)
			if !cycle.Contains(ref) {
				t.Fatalf("day %d: %s not in [%s, %s]", billingDay,
					ref.Format(billing.DateLayout), cycle.Start.Format(billing.DateLayout), cycle.End.Format(billing.DateLayout))
			}

			next := billing.CycleRange(cycle.End.AddDate(0, 0, 1), billingDay)
			if !next.Start.Equal(cycle.End.AddDate(0, 0, 1)) {
				t.Fatalf("day %d: cycle after [%s, %s] starts %s", billingDay,
					cycle.Start.Format(billing.DateLayout), cycle.End.Format(billing.DateLayout), next.Start.Format(billing.DateLayout))
			}
			ref = ref.AddDate(0, 0, 1)
		}
	}
}

func TestClampDay(t *testing.T) {
	assert.Equal(t, "2024-02-29", billing.ClampDay(2024, time.February, 31, time.UTC).Format(billing.DateLayout))
	assert.Equal(t, "2023-02-28", billing.ClampDay(2023, time.February, 30, time.UTC).Format(billing.DateLayout))
	assert.Equal(t, "2023-04-30", billing.ClampDay(2023, time.April, 31, time.UTC).Format(billing.DateLayout))
	assert.Equal(t, "2023-04-12", billing.ClampDay(2023, time.April, 12, time.UTC).Format(billing.DateLayout))
}

func TestValidBillingDay(t *testing.T) {
	assert.False(t, billing.ValidBillingDay(0))
	assert.True(t, billing.ValidBillingDay(1))
	assert.True(t, billing.ValidBillingDay(31))
	assert.False(t, billing.ValidBillingDay(32))
}
