// Package report aggregates message usage per forwarding rule and per
// direction, and sends the monthly summary.
package report

import (
	"context"
	"fmt"
	"time"

	"broadcastd/internal/model"
	"broadcastd/internal/storage"
)

type Store interface {
	ListRules(ctx context.Context) ([]model.ForwardingRule, error)
	ForwardedCounts(ctx context.Context, start, end time.Time) ([]storage.ForwardedCount, error)
	CountMessages(ctx context.Context, dir model.Direction, start, end time.Time) (int, error)
}

// Bucket counts forwarded broadcasts and the messages they produced.
type Bucket struct {
	Broadcasts int `json:"broadcasts"`
	Messages   int `json:"messages"`
}

// Usage is the aggregate for one inclusive date range. Rules is keyed by rule
// type, then label.
type Usage struct {
	Start    time.Time                    `json:"start"`
	End      time.Time                    `json:"end"`
	Rules    map[string]map[string]Bucket `json:"rules"`
	Incoming int                          `json:"incoming"`
	Outgoing int                          `json:"outgoing"`
	Total    int                          `json:"total"`
}

// SeriesPoint is one month of journal traffic ending at EndDate (YYYY-MM-DD).
type SeriesPoint struct {
	EndDate  string `json:"end_date"`
	Incoming int    `json:"incoming"`
	Outgoing int    `json:"outgoing"`
}

// SeriesMonths is the number of points Series returns.
const SeriesMonths = 7

type Aggregator struct {
	store Store
}

func New(store Store) *Aggregator { return &Aggregator{store: store} }

// Usage aggregates [start, end]. Only rules with both a type and a label are
// reported; every such rule appears even with zero traffic.
func (a *Aggregator) Usage(ctx context.Context, start, end time.Time) (Usage, error) {
	u := Usage{Start: start, End: end, Rules: map[string]map[string]Bucket{}}

	rules, err := a.store.ListRules(ctx)
	if err != nil {
		return Usage{}, fmt.Errorf("list rules: %w", err)
	}
	named := make(map[int64]model.ForwardingRule, len(rules))
	for _, r := range rules {
		if !r.Named() {
			continue
		}
		named[r.ID] = r
		if u.Rules[r.RuleType] == nil {
			u.Rules[r.RuleType] = map[string]Bucket{}
		}
		u.Rules[r.RuleType][r.Label] = Bucket{}
	}
	if end.Before(start) {
		return u, nil
	}

	counts, err := a.store.ForwardedCounts(ctx, start, end)
	if err != nil {
		return Usage{}, fmt.Errorf("count forwarded broadcasts: %w", err)
	}
	for _, c := range counts {
		r, ok := named[c.RuleID]
		if !ok {
			continue
		}
		b := u.Rules[r.RuleType][r.Label]
		b.Broadcasts += c.Broadcasts
		b.Messages += c.Messages
		u.Rules[r.RuleType][r.Label] = b
	}

	if u.Incoming, err = a.store.CountMessages(ctx, model.Incoming, start, end); err != nil {
		return Usage{}, fmt.Errorf("count incoming: %w", err)
	}
	if u.Outgoing, err = a.store.CountMessages(ctx, model.Outgoing, start, end); err != nil {
		return Usage{}, fmt.Errorf("count outgoing: %w", err)
	}
	u.Total = u.Incoming + u.Outgoing
	return u, nil
}

// MonthRange returns the first instant and the last nanosecond of a month.
func MonthRange(year int, month time.Month, loc *time.Location) (time.Time, time.Time) {
	if loc == nil {
		loc = time.Local
	}
	start := time.Date(year, month, 1, 0, 0, 0, 0, loc)
	return start, start.AddDate(0, 1, 0).Add(-time.Nanosecond)
}

// PreviousMonth is the month before the one containing now.
func PreviousMonth(now time.Time) (int, time.Month) {
	first := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location())
	prev := first.AddDate(0, -1, 0)
	return prev.Year(), prev.Month()
}

// Series returns journal traffic for the month of reportDate up to reportDate,
// followed by the six whole months before it, newest first.
func (a *Aggregator) Series(ctx context.Context, reportDate time.Time, loc *time.Location) ([]SeriesPoint, error) {
	if loc == nil {
		loc = time.Local
	}
	reportDate = reportDate.In(loc)
	out := make([]SeriesPoint, 0, SeriesMonths)

	start, _ := MonthRange(reportDate.Year(), reportDate.Month(), loc)
	end := endOfDay(reportDate)
	for i := 0; i < SeriesMonths; i++ {
		p := SeriesPoint{EndDate: end.Format("2006-01-02")}
		var err error
		if p.Incoming, err = a.store.CountMessages(ctx, model.Incoming, start, end); err != nil {
			return nil, fmt.Errorf("count incoming: %w", err)
		}
		if p.Outgoing, err = a.store.CountMessages(ctx, model.Outgoing, start, end); err != nil {
			return nil, fmt.Errorf("count outgoing: %w", err)
		}
		out = append(out, p)

		end = start.Add(-time.Nanosecond)
		start, _ = MonthRange(end.Year(), end.Month(), loc)
	}
	return out, nil
}

func endOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d+1, 0, 0, 0, 0, t.Location()).Add(-time.Nanosecond)
}
