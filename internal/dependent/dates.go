package dependent

import (
	"time"

	"github.com/rendis/flowmaster/internal/store"
)

// Date values accepted by DependentItem.DateValue, grouped by cycle.
const (
	CurrentHour = "currentHour"
	Last1Hour   = "last1Hour"
	Last2Hours  = "last2Hours"
	Last3Hours  = "last3Hours"
	Last24Hours = "last24Hours"

	Today     = "today"
	Last1Days = "last1Days"
	Last2Days = "last2Days"
	Last3Days = "last3Days"
	Last7Days = "last7Days"

	ThisWeek      = "thisWeek"
	LastWeek      = "lastWeek"
	LastMonday    = "lastMonday"
	LastTuesday   = "lastTuesday"
	LastWednesday = "lastWednesday"
	LastThursday  = "lastThursday"
	LastFriday    = "lastFriday"
	LastSaturday  = "lastSaturday"
	LastSunday    = "lastSunday"

	ThisMonth      = "thisMonth"
	ThisMonthBegin = "thisMonthBegin"
	LastMonth      = "lastMonth"
	LastMonthBegin = "lastMonthBegin"
	LastMonthEnd   = "lastMonthEnd"
)

var lastWeekdays = map[string]int{
	LastMonday:    0,
	LastTuesday:   1,
	LastWednesday: 2,
	LastThursday:  3,
	LastFriday:    4,
	LastSaturday:  5,
	LastSunday:    6,
}

// DateIntervals expands a date value relative to at into the ordered list of
// windows an item must be satisfied in. Unknown values yield no intervals.
func DateIntervals(at time.Time, dateValue string) []store.Interval {
	switch dateValue {
	case CurrentHour:
		return lastHours(at, 0)
	case Last1Hour:
		return lastHours(at, 1)
	case Last2Hours:
		return lastHours(at, 2)
	case Last3Hours:
		return lastHours(at, 3)
	case Last24Hours:
		return lastHours(at, 24)

	case Today:
		return lastDays(at, 0)
	case Last1Days:
		return lastDays(at, 1)
	case Last2Days:
		return lastDays(at, 2)
	case Last3Days:
		return lastDays(at, 3)
	case Last7Days:
		return lastDays(at, 7)

	case ThisWeek:
		monday := startOfWeek(at)
		return daysBetween(monday, startOfDay(at))
	case LastWeek:
		monday := startOfWeek(at).AddDate(0, 0, -7)
		return daysBetween(monday, monday.AddDate(0, 0, 6))

	case ThisMonth:
		return daysBetween(startOfMonth(at), startOfDay(at))
	case ThisMonthBegin:
		return []store.Interval{dayInterval(startOfMonth(at))}
	case LastMonth:
		first := startOfMonth(at).AddDate(0, -1, 0)
		return daysBetween(first, startOfMonth(at).AddDate(0, 0, -1))
	case LastMonthBegin:
		return []store.Interval{dayInterval(startOfMonth(at).AddDate(0, -1, 0))}
	case LastMonthEnd:
		return []store.Interval{dayInterval(startOfMonth(at).AddDate(0, 0, -1))}
	}

	if offset, ok := lastWeekdays[dateValue]; ok {
		day := startOfWeek(at).AddDate(0, 0, offset-7)
		return []store.Interval{dayInterval(day)}
	}
	return nil
}

// lastHours returns one interval per hour for the n hours before at's hour,
// oldest first. n == 0 is the current hour.
func lastHours(at time.Time, n int) []store.Interval {
	y, m, d := at.Date()
	hour := time.Date(y, m, d, at.Hour(), 0, 0, 0, at.Location())
	if n == 0 {
		return []store.Interval{{Start: hour, End: hour.Add(time.Hour - time.Millisecond)}}
	}
	out := make([]store.Interval, 0, n)
	for i := n; i > 0; i-- {
		start := hour.Add(-time.Duration(i) * time.Hour)
		out = append(out, store.Interval{Start: start, End: start.Add(time.Hour - time.Millisecond)})
	}
	return out
}

// lastDays returns one interval per day for the n days before at, oldest first.
// n == 0 is today.
func lastDays(at time.Time, n int) []store.Interval {
	today := startOfDay(at)
	if n == 0 {
		return []store.Interval{dayInterval(today)}
	}
	out := make([]store.Interval, 0, n)
	for i := n; i > 0; i-- {
		out = append(out, dayInterval(today.AddDate(0, 0, -i)))
	}
	return out
}

func daysBetween(first, last time.Time) []store.Interval {
	var out []store.Interval
	for d := first; !d.After(last); d = d.AddDate(0, 0, 1) {
		out = append(out, dayInterval(d))
	}
	return out
}

func dayInterval(day time.Time) store.Interval {
	return store.Interval{Start: day, End: day.AddDate(0, 0, 1).Add(-time.Millisecond)}
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// startOfWeek returns the Monday of t's week.
func startOfWeek(t time.Time) time.Time {
	offset := (int(t.Weekday()) + 6) % 7
	return startOfDay(t).AddDate(0, 0, -offset)
}

func startOfMonth(t time.Time) time.Time {
	y, m, _ := t.Date()
	return time.Date(y, m, 1, 0, 0, 0, 0, t.Location())
}
