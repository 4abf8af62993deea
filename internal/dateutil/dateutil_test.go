package dateutil_test

import (
	"testing"
	"time"

	"github.com/cupobot/cupobot/engine/internal/dateutil"
	"github.com/cupobot/cupobot/engine/pkg/models"
)

// fixedClock pins the resolver to 2026-03-11 15:04 UTC, a Wednesday.
func fixedClock() time.Time {
	return time.Date(2026, time.March, 11, 15, 4, 0, 0, time.UTC)
}

func newTestResolver(t *testing.T) *dateutil.Resolver {
	t.Helper()
	r, err := dateutil.NewWithClock("UTC", fixedClock)
	if err != nil {
		t.Fatalf("NewWithClock: %v", err)
	}
	return r
}

func TestRelativeDays(t *testing.T) {
	r := newTestResolver(t)

	tests := []struct {
		name string
		got  models.CivilDate
		want models.CivilDate
	}{
		{"today", r.Today(), models.CivilDate{Year: 2026, Month: time.March, Day: 11}},
		{"tomorrow", r.Tomorrow(), models.CivilDate{Year: 2026, Month: time.March, Day: 12}},
		{"day after", r.DayAfterTomorrow(), models.CivilDate{Year: 2026, Month: time.March, Day: 13}},
		{"yesterday", r.Yesterday(), models.CivilDate{Year: 2026, Month: time.March, Day: 10}},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s = %s, want %s", tt.name, tt.got, tt.want)
		}
	}
}

func TestNextWeekdayStrictlyAfterToday(t *testing.T) {
	r := newTestResolver(t)

	// Today is Wednesday. Friday is two days out.
	if got := r.NextWeekday(time.Friday); got.String() != "2026-03-13" {
		t.Errorf("next friday = %s, want 2026-03-13", got)
	}
	// Monday already passed this week.
	if got := r.NextWeekday(time.Monday); got.String() != "2026-03-16" {
		t.Errorf("next monday = %s, want 2026-03-16", got)
	}
	// Same weekday jumps a full week.
	if got := r.NextWeekday(time.Wednesday); got.String() != "2026-03-18" {
		t.Errorf("next wednesday = %s, want 2026-03-18", got)
	}
}

func TestTimezoneAffectsToday(t *testing.T) {
	// 01:30 UTC on March 12 is still March 11 in Bogota (UTC-5).
	clock := func() time.Time {
		return time.Date(2026, time.March, 12, 1, 30, 0, 0, time.UTC)
	}
	r, err := dateutil.NewWithClock("America/Bogota", clock)
	if err != nil {
		t.Fatalf("NewWithClock: %v", err)
	}
	if got := r.Today().String(); got != "2026-03-11" {
		t.Errorf("today in Bogota = %s, want 2026-03-11", got)
	}
}

func TestResolutionsAreCached(t *testing.T) {
	calls := 0
	clock := func() time.Time {
		calls++
		return fixedClock()
	}
	r, err := dateutil.NewWithClock("UTC", clock)
	if err != nil {
		t.Fatalf("NewWithClock: %v", err)
	}
	first := r.Today()
	callsAfterFirst := calls
	second := r.Today()
	if first != second {
		t.Fatalf("cached today changed: %s then %s", first, second)
	}
	if calls != callsAfterFirst {
		t.Errorf("clock consulted again on cached resolution (%d calls, want %d)", calls, callsAfterFirst)
	}
}
