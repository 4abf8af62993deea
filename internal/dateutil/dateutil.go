// Package dateutil resolves relative civil dates (today, tomorrow, next
// weekday) in the tenant's timezone. Resolutions are cached for up to an
// hour, never past the local midnight rollover.
package dateutil

import (
	"fmt"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/cupobot/cupobot/engine/pkg/models"
)

// Resolver computes civil dates on a fixed timezone. Safe for concurrent
// use.
type Resolver struct {
	loc   *time.Location
	cache *cache.Cache
	clock func() time.Time
}

// New builds a Resolver for the named IANA timezone.
func New(tz string) (*Resolver, error) {
	return NewWithClock(tz, time.Now)
}

// NewWithClock is New with an injectable clock.
func NewWithClock(tz string, clock func() time.Time) (*Resolver, error) {
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("dateutil: load timezone %q: %w", tz, err)
	}
	return &Resolver{
		loc:   loc,
		cache: cache.New(time.Hour, 10*time.Minute),
		clock: clock,
	}, nil
}

// Location returns the resolver's timezone.
func (r *Resolver) Location() *time.Location { return r.loc }

// Now is the current instant on the resolver's wall clock.
func (r *Resolver) Now() time.Time { return r.clock().In(r.loc) }

// Today resolves the current civil date.
func (r *Resolver) Today() models.CivilDate {
	return r.resolve("today", 0)
}

// Tomorrow resolves today+1.
func (r *Resolver) Tomorrow() models.CivilDate {
	return r.resolve("tomorrow", 1)
}

// DayAfterTomorrow resolves today+2.
func (r *Resolver) DayAfterTomorrow() models.CivilDate {
	return r.resolve("day-after", 2)
}

// Yesterday resolves today−1.
func (r *Resolver) Yesterday() models.CivilDate {
	return r.resolve("yesterday", -1)
}

// NextWeekday resolves the next occurrence of w strictly after today: if
// today is w, the result is seven days out.
func (r *Resolver) NextWeekday(w time.Weekday) models.CivilDate {
	key := "next:" + w.String()
	if v, ok := r.cache.Get(key); ok {
		return v.(models.CivilDate)
	}
	today := r.Today()
	days := (int(w) - int(today.Weekday()) + 7) % 7
	if days == 0 {
		days = 7
	}
	d := today.AddDays(days)
	r.cache.Set(key, d, r.ttl())
	return d
}

func (r *Resolver) resolve(key string, offset int) models.CivilDate {
	if v, ok := r.cache.Get(key); ok {
		return v.(models.CivilDate)
	}
	d := models.CivilDateOf(r.Now()).AddDays(offset)
	r.cache.Set(key, d, r.ttl())
	return d
}

// ttl caps cache entries at one hour or the time left until local
// midnight, whichever comes first.
func (r *Resolver) ttl() time.Duration {
	now := r.Now()
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, r.loc).AddDate(0, 0, 1)
	left := midnight.Sub(now)
	if left > time.Hour {
		return time.Hour
	}
	return left
}
