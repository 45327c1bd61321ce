package recurrence

import (
	"testing"
	"time"

	"broadcastd/internal/model"
)

// Wednesday.
var now = time.Date(2026, 10, 14, 12, 0, 0, 0, time.UTC)

func bc(freq model.Frequency, date time.Time) model.Broadcast {
	return model.Broadcast{ID: 1, Body: "x", Date: date, Frequency: model.FrequencyPtr(freq), Groups: []int64{1}}
}

func TestFutureDateUnchanged(t *testing.T) {
	t.Parallel()
	for _, f := range []model.Frequency{model.OneTime, model.Daily, model.Weekly, model.Monthly} {
		date := now.Add(time.Hour)
		b := bc(f, date)
		got, ok := GetNextDate(b, now)
		if !ok || !got.Equal(date) {
			t.Fatalf("%s: GetNextDate = %v, %v; want %v", f, got, ok, date)
		}
		SetNextDate(&b, now)
		if !b.Date.Equal(date) || !b.Is(f) {
			t.Fatalf("%s: SetNextDate should be a no-op, got %+v", f, b)
		}
	}
}

func TestOneTimePastDisables(t *testing.T) {
	t.Parallel()
	date := now.Add(-time.Hour)
	b := bc(model.OneTime, date)
	if _, ok := GetNextDate(b, now); ok {
		t.Fatal("one-time in the past should have no next date")
	}
	SetNextDate(&b, now)
	if b.Enabled() {
		t.Fatal("SetNextDate should disable a fired one-time broadcast")
	}
	if !b.Date.Equal(date) {
		t.Fatalf("date changed: %v", b.Date)
	}
}

func TestDisabledHasNoNextDate(t *testing.T) {
	t.Parallel()
	b := model.Broadcast{Date: now.Add(time.Hour)}
	if _, ok := GetNextDate(b, now); ok {
		t.Fatal("disabled broadcast returned a date")
	}
}

func TestDailyAdvancesPastNow(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		date time.Time
		want time.Time
	}{
		{"one hour ago", now.Add(-time.Hour), now.Add(23 * time.Hour)},
		{"exactly three days ago", now.AddDate(0, 0, -3), now.AddDate(0, 0, 1)},
		{"years ago", now.AddDate(-3, 0, 0).Add(-30 * time.Minute), now.AddDate(0, 0, 1).Add(-30 * time.Minute)},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			got, ok := GetNextDate(bc(model.Daily, tt.date), now)
			if !ok || !got.Equal(tt.want) {
				t.Fatalf("got %v, %v; want %v", got, ok, tt.want)
			}
		})
	}
}

func TestWeeklyYesterday(t *testing.T) {
	t.Parallel()
	yesterday := now.AddDate(0, 0, -1)
	b := bc(model.Weekly, yesterday)
	b.Weekdays = []model.Weekday{model.WeekdayOf(yesterday)}
	got, ok := GetNextDate(b, now)
	want := yesterday.AddDate(0, 0, 7)
	if !ok || !got.Equal(want) {
		t.Fatalf("got %v, %v; want %v", got, ok, want)
	}
}

func TestWeeklyTomorrowUnchanged(t *testing.T) {
	t.Parallel()
	tomorrow := now.AddDate(0, 0, 1)
	b := bc(model.Weekly, tomorrow)
	b.Weekdays = []model.Weekday{model.WeekdayOf(tomorrow)}
	got, ok := GetNextDate(b, now)
	if !ok || !got.Equal(tomorrow) {
		t.Fatalf("got %v, %v; want %v", got, ok, tomorrow)
	}
}

func TestWeeklyMultipleWeekdays(t *testing.T) {
	t.Parallel()
	// Monday two weeks back; allowed Monday and Friday. Next after Wednesday noon is Friday.
	date := time.Date(2026, 9, 28, 9, 0, 0, 0, time.UTC)
	b := bc(model.Weekly, date)
	b.Weekdays = []model.Weekday{model.Monday, model.Friday}
	got, ok := GetNextDate(b, now)
	want := time.Date(2026, 10, 16, 9, 0, 0, 0, time.UTC)
	if !ok || !got.Equal(want) {
		t.Fatalf("got %v, %v; want %v", got, ok, want)
	}
}

func TestWeeklyDefaultsToDateWeekday(t *testing.T) {
	t.Parallel()
	// Sunday, long ago, no weekdays configured.
	date := time.Date(2025, 1, 5, 8, 0, 0, 0, time.UTC)
	got, ok := GetNextDate(bc(model.Weekly, date), now)
	want := time.Date(2026, 10, 18, 8, 0, 0, 0, time.UTC)
	if !ok || !got.Equal(want) {
		t.Fatalf("got %v, %v; want %v", got, ok, want)
	}
}

func TestWeeklyInvalidWeekdaysExhaust(t *testing.T) {
	t.Parallel()
	b := bc(model.Weekly, now.AddDate(0, 0, -1))
	b.Weekdays = []model.Weekday{9}
	if _, ok := GetNextDate(b, now); ok {
		t.Fatal("expected exhaustion for invalid weekday set")
	}
	SetNextDate(&b, now)
	if b.Enabled() {
		t.Fatal("exhaustion should disable")
	}
}

func TestMonthlyOneMonthAgo(t *testing.T) {
	t.Parallel()
	day := now.AddDate(0, 0, 1)
	ago := day.AddDate(0, -1, 0)
	got, ok := GetNextDate(bc(model.Monthly, ago), now)
	if !ok || !got.Equal(day) {
		t.Fatalf("got %v, %v; want %v", got, ok, day)
	}
}

func TestMonthlyClampsShortMonths(t *testing.T) {
	t.Parallel()
	date := time.Date(2026, 1, 31, 10, 0, 0, 0, time.UTC)
	at := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	got, ok := GetNextDate(bc(model.Monthly, date), at)
	want := time.Date(2026, 2, 28, 10, 0, 0, 0, time.UTC)
	if !ok || !got.Equal(want) {
		t.Fatalf("got %v, %v; want %v", got, ok, want)
	}
	// The original day-of-month is kept for later months.
	at = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	got, ok = GetNextDate(bc(model.Monthly, date), at)
	want = time.Date(2026, 3, 31, 10, 0, 0, 0, time.UTC)
	if !ok || !got.Equal(want) {
		t.Fatalf("got %v, %v; want %v", got, ok, want)
	}
}

func TestByMonthSkipsUnlistedMonths(t *testing.T) {
	t.Parallel()
	day := now.AddDate(0, 0, 1)
	lastMonth := day.AddDate(0, -1, 0)
	nextMonth := day.AddDate(0, 1, 0)
	b := bc(model.Monthly, lastMonth)
	b.Months = []time.Month{lastMonth.Month(), nextMonth.Month()}
	got, ok := GetNextDate(b, now)
	if !ok || !got.Equal(nextMonth) {
		t.Fatalf("got %v, %v; want %v", got, ok, nextMonth)
	}
}

func TestByMonthWrapsYear(t *testing.T) {
	t.Parallel()
	date := time.Date(2024, 3, 15, 7, 30, 0, 0, time.UTC)
	b := bc(model.Monthly, date)
	b.Months = []time.Month{time.March}
	got, ok := GetNextDate(b, now)
	want := time.Date(2027, 3, 15, 7, 30, 0, 0, time.UTC)
	if !ok || !got.Equal(want) {
		t.Fatalf("got %v, %v; want %v", got, ok, want)
	}
}

func TestEndDateDisables(t *testing.T) {
	t.Parallel()
	for _, f := range []model.Frequency{model.OneTime, model.Daily, model.Weekly, model.Monthly} {
		b := bc(f, now.Add(-time.Hour))
		end := now
		b.EndDate = &end
		if _, ok := GetNextDate(b, now); ok {
			t.Fatalf("%s: end date reached should return none", f)
		}
	}
}

func TestNextOccurrencePastEndDate(t *testing.T) {
	t.Parallel()
	b := bc(model.Weekly, now.Add(-time.Hour))
	end := now.AddDate(0, 0, 2)
	b.EndDate = &end
	if _, ok := GetNextDate(b, now); ok {
		t.Fatal("next weekly occurrence falls after the end date")
	}
}

func TestUpcoming(t *testing.T) {
	t.Parallel()
	got := Upcoming(bc(model.Daily, now.Add(-time.Hour)), now, 3)
	if len(got) != 3 {
		t.Fatalf("expected 3 occurrences, got %d", len(got))
	}
	for i := 1; i < len(got); i++ {
		if !got[i].Equal(got[i-1].AddDate(0, 0, 1)) {
			t.Fatalf("occurrences not one day apart: %v", got)
		}
	}
	if got := Upcoming(bc(model.OneTime, now.Add(time.Hour)), now, 3); len(got) != 1 {
		t.Fatalf("one-time preview = %v", got)
	}
}
