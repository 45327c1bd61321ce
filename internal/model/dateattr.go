package model

import (
	"strings"
	"time"
)

// Weekday uses Monday=0 .. Sunday=6, unlike time.Weekday (Sunday=0).
type Weekday int

const (
	Monday Weekday = iota
	Tuesday
	Wednesday
	Thursday
	Friday
	Saturday
	Sunday
)

func (w Weekday) Valid() bool { return w >= Monday && w <= Sunday }

func (w Weekday) String() string {
	if !w.Valid() {
		return "invalid"
	}
	return weekdayNames[w]
}

// WeekdayOf converts a time to the Monday-based weekday.
func WeekdayOf(t time.Time) Weekday {
	return Weekday((int(t.Weekday()) + 6) % 7)
}

var weekdayNames = [...]string{"monday", "tuesday", "wednesday", "thursday", "friday", "saturday", "sunday"}

// DateAttributeType distinguishes weekday from month reference rows.
type DateAttributeType string

const (
	AttrWeekday DateAttributeType = "weekday"
	AttrMonth   DateAttributeType = "month"
)

// DateAttribute maps a human name to its recurrence value.
type DateAttribute struct {
	Name  string
	Type  DateAttributeType
	Value int
}

// DateAttributes returns the seed rows: seven weekdays then twelve months.
func DateAttributes() []DateAttribute {
	out := make([]DateAttribute, 0, 19)
	for i, n := range weekdayNames {
		out = append(out, DateAttribute{Name: n, Type: AttrWeekday, Value: i})
	}
	for m := time.January; m <= time.December; m++ {
		out = append(out, DateAttribute{Name: strings.ToLower(m.String()), Type: AttrMonth, Value: int(m)})
	}
	return out
}

// LookupDateAttribute finds a seed row by case-insensitive name.
func LookupDateAttribute(name string) (DateAttribute, bool) {
	name = strings.ToLower(strings.TrimSpace(name))
	for _, a := range DateAttributes() {
		if a.Name == name {
			return a, true
		}
	}
	return DateAttribute{}, false
}
