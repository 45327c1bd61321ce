// Package recurrence computes the next fire date of a broadcast.
//
// All arithmetic happens in the location of Broadcast.Date, so callers that
// care about a specific timezone convert the date first. Every search is
// bounded; running out of candidates means "no next date", which callers treat
// as the broadcast being finished.
package recurrence

import (
	"time"

	"broadcastd/internal/model"
)

const (
	// maxWeeklyWeeks bounds how many weeks of candidate days the weekly search scans.
	maxWeeklyWeeks = 8
	// maxMonthlySteps bounds how many candidate months the monthly search scans.
	maxMonthlySteps = 13
	// maxDailySteps bounds the daily search after the arithmetic skip.
	maxDailySteps = 4
)

// GetNextDate returns the next occurrence of b relative to now.
// ok is false when the broadcast is disabled, expired or exhausted.
func GetNextDate(b model.Broadcast, now time.Time) (next time.Time, ok bool) {
	if b.Frequency == nil {
		return time.Time{}, false
	}
	if b.EndDate != nil && !now.Before(*b.EndDate) {
		return time.Time{}, false
	}
	// Future dates never move.
	if b.Date.After(now) {
		return b.Date, true
	}

	switch *b.Frequency {
	case model.Daily:
		next, ok = nextDaily(b.Date, now)
	case model.Weekly:
		next, ok = nextWeekly(b.Date, b.Weekdays, now)
	case model.Monthly:
		if len(b.Months) == 0 {
			next, ok = nextMonthly(b.Date, now)
		} else {
			next, ok = nextByMonth(b.Date, b.Months, now)
		}
	default:
		// one-time (and anything unknown) fires once.
		return time.Time{}, false
	}
	if !ok {
		return time.Time{}, false
	}
	// An occurrence past the end date would never be allowed to fire.
	if b.EndDate != nil && next.After(*b.EndDate) {
		return time.Time{}, false
	}
	return next, true
}

// SetNextDate advances b.Date, or disables b when there is no next date.
// The date is left unchanged when disabling. Nothing is persisted.
func SetNextDate(b *model.Broadcast, now time.Time) {
	next, ok := GetNextDate(*b, now)
	if !ok {
		b.Disable()
		return
	}
	b.Date = next
}

// Upcoming previews up to n future occurrences of b after now.
func Upcoming(b model.Broadcast, now time.Time, n int) []time.Time {
	out := make([]time.Time, 0, n)
	cur := now
	for len(out) < n {
		next, ok := GetNextDate(b, cur)
		if !ok {
			break
		}
		out = append(out, next)
		b.Date = next
		if b.Is(model.OneTime) {
			break
		}
		cur = next
	}
	return out
}

func nextDaily(date, now time.Time) (time.Time, bool) {
	// Skip whole days arithmetically, leaving one day of slack for DST shifts.
	k := int(now.Sub(date)/(24*time.Hour)) - 1
	if k < 0 {
		k = 0
	}
	for i := 0; i <= maxDailySteps; i++ {
		k++
		c := date.AddDate(0, 0, k)
		if c.After(now) {
			return c, true
		}
	}
	return time.Time{}, false
}

func nextWeekly(date time.Time, weekdays []model.Weekday, now time.Time) (time.Time, bool) {
	var allowed [7]bool
	have := false
	for _, w := range weekdays {
		if w.Valid() {
			allowed[w] = true
			have = true
		}
	}
	if len(weekdays) == 0 {
		allowed[model.WeekdayOf(date)] = true
		have = true
	}
	if !have {
		return time.Time{}, false
	}

	// Start one week before the last whole week that is already past.
	base := date
	if weeks := int(now.Sub(date) / (7 * 24 * time.Hour)); weeks > 1 {
		base = date.AddDate(0, 0, 7*(weeks-1))
	}
	for i := 0; i < maxWeeklyWeeks*7; i++ {
		c := base.AddDate(0, 0, i)
		if c.After(now) && allowed[model.WeekdayOf(c)] {
			return c, true
		}
	}
	return time.Time{}, false
}

func nextMonthly(date, now time.Time) (time.Time, bool) {
	k := monthsBetween(date, now) - 1
	if k < 1 {
		k = 1
	}
	for i := 0; i < maxMonthlySteps; i++ {
		c := addMonthsClamped(date, k+i)
		if c.After(now) {
			return c, true
		}
	}
	return time.Time{}, false
}

func nextByMonth(date time.Time, months []time.Month, now time.Time) (time.Time, bool) {
	var allowed [13]bool
	have := false
	for _, m := range months {
		if m >= time.January && m <= time.December {
			allowed[m] = true
			have = true
		}
	}
	if !have {
		return time.Time{}, false
	}
	k := monthsBetween(date, now) - 1
	if k < 0 {
		k = 0
	}
	for i := 0; i < maxMonthlySteps; i++ {
		c := addMonthsClamped(date, k+i)
		if c.After(now) && allowed[c.Month()] {
			return c, true
		}
	}
	return time.Time{}, false
}

// addMonthsClamped adds k calendar months to t, clamping the day to the end of
// shorter months. Time of day and location are preserved.
func addMonthsClamped(t time.Time, k int) time.Time {
	y, m, d := t.Date()
	total := int(m) - 1 + k
	y += total / 12
	total %= 12
	if total < 0 {
		total += 12
		y--
	}
	month := time.Month(total + 1)
	if last := daysIn(y, month, t.Location()); d > last {
		d = last
	}
	return time.Date(y, month, d, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
}

func daysIn(y int, m time.Month, loc *time.Location) int {
	return time.Date(y, m+1, 0, 0, 0, 0, 0, loc).Day()
}

func monthsBetween(from, to time.Time) int {
	to = to.In(from.Location())
	return (to.Year()-from.Year())*12 + int(to.Month()) - int(from.Month())
}
