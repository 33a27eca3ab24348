// Package trigger defines the extensible trigger registry and the calendar
// arithmetic the precompute job relies on: per-user local dates, leap-day
// fallback, and deterministic resolution of local wall-clock times across DST
// transitions.
package trigger

import (
	"time"
)

// LeapDayFallback selects the calendar date on which a Feb 29 event is
// honored in a non-leap year.
type LeapDayFallback string

const (
	// LeapDayFeb28 honors Feb 29 events on Feb 28 in non-leap years.
	LeapDayFeb28 LeapDayFallback = "feb28"
	// LeapDayMar01 honors Feb 29 events on Mar 1 in non-leap years.
	LeapDayMar01 LeapDayFallback = "mar01"
)

// LocalDate is a timezone-free calendar date. DeliveryRecord stores one as
// the event's calendar date; all trigger matching happens on these.
type LocalDate struct {
	Year  int
	Month time.Month
	Day   int
}

// DateOf extracts the calendar date of an instant as observed in the given
// location.
func DateOf(t time.Time, loc *time.Location) LocalDate {
	y, m, d := t.In(loc).Date()
	return LocalDate{Year: y, Month: m, Day: d}
}

// Time renders the date as a midnight-UTC instant, the canonical form used
// for storage and key derivation.
func (d LocalDate) Time() time.Time {
	return time.Date(d.Year, d.Month, d.Day, 0, 0, 0, 0, time.UTC)
}

// AddDays returns the date n calendar days later.
func (d LocalDate) AddDays(n int) LocalDate {
	t := d.Time().AddDate(0, 0, n)
	y, m, day := t.Date()
	return LocalDate{Year: y, Month: m, Day: day}
}

// String formats the date as YYYY-MM-DD.
func (d LocalDate) String() string {
	return d.Time().Format("2006-01-02")
}

func isLeapYear(year int) bool {
	return year%4 == 0 && (year%100 != 0 || year%400 == 0)
}

// MatchesAnnual reports whether an annually recurring event with the given
// original date falls on the target calendar date. A Feb 29 event in a
// non-leap target year matches the fallback date instead.
func MatchesAnnual(event time.Time, target LocalDate, fallback LeapDayFallback) bool {
	_, em, ed := event.Date()
	if em == time.February && ed == 29 && !isLeapYear(target.Year) {
		if fallback == LeapDayMar01 {
			return target.Month == time.March && target.Day == 1
		}
		return target.Month == time.February && target.Day == 28
	}
	return target.Month == em && target.Day == ed
}

// ResolveLocalInstant converts a local wall-clock time (date + hour/minute in
// loc) into the absolute UTC instant it denotes, deterministically across DST
// transitions:
//
//   - An ambiguous wall time (clocks fell back, the time occurs twice)
//     resolves to the earlier instant.
//   - A nonexistent wall time (clocks sprang forward over it) resolves to
//     the first valid instant at or after it.
//
// time.Date leaves both cases implementation-defined, so this resolves them
// explicitly by enumerating the UTC offsets in effect around the target day
// and keeping only candidates whose local rendering round-trips to the
// requested wall clock.
func ResolveLocalInstant(date LocalDate, hour, minute int, loc *time.Location) time.Time {
	wall := time.Date(date.Year, date.Month, date.Day, hour, minute, 0, 0, time.UTC)

	if c, ok := earliestCandidate(wall, loc); ok {
		return c
	}

	// Nonexistent wall time. Walk forward minute by minute to the first
	// wall clock that exists; DST gaps are at most a few hours.
	for i := 1; i <= 26*60; i++ {
		if c, ok := earliestCandidate(wall.Add(time.Duration(i)*time.Minute), loc); ok {
			return c
		}
	}

	// Unreachable for any real timezone; fall back to the stdlib's choice.
	return time.Date(date.Year, date.Month, date.Day, hour, minute, 0, 0, loc).UTC()
}

// earliestCandidate returns the earliest UTC instant whose local rendering in
// loc equals the given wall clock, or ok=false if no such instant exists.
func earliestCandidate(wall time.Time, loc *time.Location) (time.Time, bool) {
	// Probing a day either side of the naive UTC interpretation captures
	// every offset in effect around the target, including the pre- and
	// post-transition offsets on a DST changeover day.
	offsets := map[int]struct{}{}
	for _, d := range []time.Duration{-24 * time.Hour, 0, 24 * time.Hour} {
		_, off := wall.Add(d).In(loc).Zone()
		offsets[off] = struct{}{}
	}

	var best time.Time
	found := false
	for off := range offsets {
		cand := wall.Add(-time.Duration(off) * time.Second)
		l := cand.In(loc)
		if l.Year() == wall.Year() && l.Month() == wall.Month() && l.Day() == wall.Day() &&
			l.Hour() == wall.Hour() && l.Minute() == wall.Minute() {
			if !found || cand.Before(best) {
				best = cand
				found = true
			}
		}
	}
	return best, found
}
