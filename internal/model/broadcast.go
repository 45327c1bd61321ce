package model

import (
	"errors"
	"slices"
	"strings"
	"time"
)

// Frequency is the recurrence kind of a broadcast.
// A nil *Frequency on Broadcast means the broadcast is disabled.
type Frequency string

const (
	OneTime Frequency = "one-time"
	Daily   Frequency = "daily"
	Weekly  Frequency = "weekly"
	Monthly Frequency = "monthly"
)

func (f Frequency) Valid() bool {
	switch f {
	case OneTime, Daily, Weekly, Monthly:
		return true
	}
	return false
}

// ParseFrequency accepts the stored form. Empty input means disabled (nil, nil).
func ParseFrequency(s string) (*Frequency, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return nil, nil
	}
	f := Frequency(s)
	if !f.Valid() {
		return nil, errors.New("unknown schedule frequency: " + s)
	}
	return &f, nil
}

// FrequencyPtr is a small helper for literals.
func FrequencyPtr(f Frequency) *Frequency { return &f }

var (
	ErrEmptyBody         = errors.New("broadcast body is empty")
	ErrNoGroups          = errors.New("broadcast has no target groups")
	ErrEndBeforeStart    = errors.New("end date must be later than start date")
	ErrStartDateRequired = errors.New("start date is required for future broadcasts")
)

// Broadcast is a scheduled message template.
type Broadcast struct {
	ID          int64
	Body        string
	Date        time.Time
	DateCreated time.Time
	Frequency   *Frequency
	EndDate     *time.Time
	Weekdays    []Weekday
	Months      []time.Month
	Groups      []int64
	// ForwardID references the rule that produced this broadcast (nil for user-authored ones).
	ForwardID *int64
}

func (b Broadcast) Enabled() bool { return b.Frequency != nil }

// Is reports whether the broadcast is enabled with frequency f.
func (b Broadcast) Is(f Frequency) bool { return b.Frequency != nil && *b.Frequency == f }

// Disable clears the frequency. The row itself is kept so its messages stay attached.
func (b *Broadcast) Disable() { b.Frequency = nil }

// Normalize drops selectors that do not apply to the current frequency and
// sorts/dedups the remaining ones.
func (b *Broadcast) Normalize() {
	if !b.Is(Weekly) {
		b.Weekdays = nil
	} else {
		b.Weekdays = uniqSorted(b.Weekdays)
	}
	if !b.Is(Monthly) {
		b.Months = nil
	} else {
		b.Months = uniqSorted(b.Months)
	}
	b.Groups = uniqSorted(b.Groups)
}

func (b Broadcast) Validate() error {
	if strings.TrimSpace(b.Body) == "" {
		return ErrEmptyBody
	}
	if len(b.Groups) == 0 {
		return ErrNoGroups
	}
	if b.Frequency != nil && !b.Frequency.Valid() {
		return errors.New("unknown schedule frequency: " + string(*b.Frequency))
	}
	if b.EndDate != nil && !b.EndDate.After(b.Date) {
		return ErrEndBeforeStart
	}
	for _, w := range b.Weekdays {
		if !w.Valid() {
			return errors.New("weekday out of range")
		}
	}
	for _, m := range b.Months {
		if m < time.January || m > time.December {
			return errors.New("month out of range")
		}
	}
	return nil
}

// When selects how a Draft is scheduled.
type When string

const (
	WhenNow   When = "now"
	WhenLater When = "later"
)

// Draft is user input for a new or edited broadcast.
type Draft struct {
	When      When
	Body      string
	Date      *time.Time
	Frequency *Frequency
	EndDate   *time.Time
	Weekdays  []Weekday
	Months    []time.Month
	Groups    []int64
}

// Resolve turns the draft into a broadcast. "now" drafts fire immediately as
// one-time broadcasts unless a frequency was given.
func (d Draft) Resolve(now time.Time) (Broadcast, error) {
	b := Broadcast{
		Body:        d.Body,
		DateCreated: now,
		Frequency:   d.Frequency,
		EndDate:     d.EndDate,
		Weekdays:    slices.Clone(d.Weekdays),
		Months:      slices.Clone(d.Months),
		Groups:      slices.Clone(d.Groups),
	}
	switch d.When {
	case WhenLater:
		if d.Date == nil || d.Date.IsZero() {
			return Broadcast{}, ErrStartDateRequired
		}
		b.Date = *d.Date
	default:
		b.Date = now
		if b.Frequency == nil {
			b.Frequency = FrequencyPtr(OneTime)
		}
	}
	b.Normalize()
	if err := b.Validate(); err != nil {
		return Broadcast{}, err
	}
	return b, nil
}

func uniqSorted[T ~int | ~int64](in []T) []T {
	if len(in) == 0 {
		return nil
	}
	out := slices.Clone(in)
	slices.Sort(out)
	return slices.Compact(out)
}
