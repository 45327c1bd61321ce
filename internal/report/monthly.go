package report

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"broadcastd/internal/model"
	"broadcastd/internal/transport"
	logx "broadcastd/pkg/logx"
)

// Directory resolves the summary recipients.
type Directory interface {
	GroupByName(ctx context.Context, name string) (model.Group, error)
	GroupDestinations(ctx context.Context, groupID int64) ([]model.Connection, error)
}

type Sender interface {
	Send(ctx context.Context, to transport.Destination, text string) error
}

// MonthlySummary reports the previous month's usage to the log and,
// when Group is set, to every reachable member of that group.
type MonthlySummary struct {
	Agg       *Aggregator
	Directory Directory
	Sender    Sender
	Log       logx.Logger
	Group     string
	Location  *time.Location
	Clock     func() time.Time
}

// Run is the scheduler job.
func (m *MonthlySummary) Run(ctx context.Context) error {
	clock := m.Clock
	if clock == nil {
		clock = time.Now
	}
	loc := m.Location
	if loc == nil {
		loc = time.Local
	}
	log := m.Log
	if log.IsZero() {
		log = logx.Nop()
	}

	year, month := PreviousMonth(clock().In(loc))
	start, end := MonthRange(year, month, loc)
	u, err := m.Agg.Usage(ctx, start, end)
	if err != nil {
		return err
	}
	log.Info("monthly usage",
		logx.String("month", start.Format("2006-01")),
		logx.Int("incoming", u.Incoming),
		logx.Int("outgoing", u.Outgoing),
		logx.Int("total", u.Total),
		logx.Any("rules", u.Rules))

	if strings.TrimSpace(m.Group) == "" || m.Directory == nil || m.Sender == nil {
		return nil
	}
	g, err := m.Directory.GroupByName(ctx, m.Group)
	if err != nil {
		return fmt.Errorf("summary group: %w", err)
	}
	dests, err := m.Directory.GroupDestinations(ctx, g.ID)
	if err != nil {
		return fmt.Errorf("summary recipients: %w", err)
	}
	text := FormatSummary(start, u)
	var errs []error
	for _, c := range dests {
		to := transport.Destination{Backend: c.Backend, Identity: c.Identity}
		if err := m.Sender.Send(ctx, to, text); err != nil {
			log.Warn("summary send failed", logx.String("to", to.String()), logx.Err(err))
			errs = append(errs, err)
		}
	}
	log.Info("monthly summary sent", logx.String("group", g.Name), logx.Int("recipients", len(dests)-len(errs)))
	return errors.Join(errs...)
}

// FormatSummary renders u as a short plain-text message.
func FormatSummary(month time.Time, u Usage) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Usage for %s\n", month.Format("January 2006"))
	fmt.Fprintf(&b, "Incoming: %d\nOutgoing: %d\nTotal: %d\n", u.Incoming, u.Outgoing, u.Total)

	types := make([]string, 0, len(u.Rules))
	for t := range u.Rules {
		types = append(types, t)
	}
	sort.Strings(types)
	for _, t := range types {
		labels := make([]string, 0, len(u.Rules[t]))
		for l := range u.Rules[t] {
			labels = append(labels, l)
		}
		sort.Strings(labels)
		for _, l := range labels {
			bk := u.Rules[t][l]
			fmt.Fprintf(&b, "%s/%s: %d broadcasts, %d messages\n", t, l, bk.Broadcasts, bk.Messages)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}
