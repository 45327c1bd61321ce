package storage

import (
	"context"
	"testing"
	"time"

	"broadcastd/internal/model"

	"github.com/stretchr/testify/require"
)

// fixture is a small directory: two groups sharing bob, and dave who has no connection.
type fixture struct {
	alice, bob, carol, dave model.Contact
	staff, field           model.Group
	aliceConn              model.Connection
}

func seedDirectory(t *testing.T, st *Store) fixture {
	t.Helper()
	ctx := context.Background()
	var f fixture
	var err error

	f.staff, err = st.CreateGroup(ctx, "staff")
	require.NoError(t, err)
	f.field, err = st.CreateGroup(ctx, "field")
	require.NoError(t, err)

	for _, c := range []struct {
		name string
		dst  *model.Contact
	}{{"alice", &f.alice}, {"bob", &f.bob}, {"carol", &f.carol}, {"dave", &f.dave}} {
		*c.dst, err = st.CreateContact(ctx, model.Contact{Name: c.name})
		require.NoError(t, err)
	}

	f.aliceConn, err = st.CreateConnection(ctx, model.Connection{Backend: "log", Identity: "100", ContactID: &f.alice.ID})
	require.NoError(t, err)
	// A later connection for alice must not be preferred.
	_, err = st.CreateConnection(ctx, model.Connection{Backend: "webhook", Identity: "+100", ContactID: &f.alice.ID})
	require.NoError(t, err)
	_, err = st.CreateConnection(ctx, model.Connection{Backend: "log", Identity: "200", ContactID: &f.bob.ID})
	require.NoError(t, err)
	_, err = st.CreateConnection(ctx, model.Connection{Backend: "log", Identity: "300", ContactID: &f.carol.ID})
	require.NoError(t, err)

	require.NoError(t, st.AddToGroup(ctx, f.staff.ID, f.alice.ID))
	require.NoError(t, st.AddToGroup(ctx, f.staff.ID, f.bob.ID))
	require.NoError(t, st.AddToGroup(ctx, f.staff.ID, f.bob.ID))
	require.NoError(t, st.AddToGroup(ctx, f.field.ID, f.bob.ID))
	require.NoError(t, st.AddToGroup(ctx, f.field.ID, f.carol.ID))
	require.NoError(t, st.AddToGroup(ctx, f.field.ID, f.dave.ID))
	return f
}

func testNow() time.Time {
	return time.Date(2026, 10, 14, 12, 0, 0, 0, time.Local)
}

func noAdvance(*model.Broadcast) {}

// runStoreSuite exercises behavior both drivers must share.
func runStoreSuite(t *testing.T, open func(t *testing.T) *Store) {
	t.Run("date attributes are seeded", func(t *testing.T) {
		st := open(t)
		attrs, err := st.DateAttributes(context.Background())
		require.NoError(t, err)
		require.Equal(t, model.DateAttributes(), attrs)
	})

	t.Run("create validates", func(t *testing.T) {
		st := open(t)
		_, err := st.CreateBroadcast(context.Background(), model.Broadcast{Body: "hi", Date: testNow()})
		require.ErrorIs(t, err, model.ErrNoGroups)
	})

	t.Run("create and get round trip", func(t *testing.T) {
		st := open(t)
		f := seedDirectory(t, st)
		ctx := context.Background()
		end := testNow().AddDate(0, 2, 0)
		b, err := st.CreateBroadcast(ctx, model.Broadcast{
			Body:      "weekly standup",
			Date:      testNow(),
			Frequency: model.FrequencyPtr(model.Weekly),
			EndDate:   &end,
			Weekdays:  []model.Weekday{model.Friday, model.Monday, model.Friday},
			Months:    []time.Month{time.May},
			Groups:    []int64{f.field.ID, f.staff.ID},
		})
		require.NoError(t, err)
		require.NotZero(t, b.ID)

		got, err := st.GetBroadcast(ctx, b.ID)
		require.NoError(t, err)
		require.Equal(t, "weekly standup", got.Body)
		require.True(t, got.Date.Equal(testNow()))
		require.True(t, got.Is(model.Weekly))
		require.NotNil(t, got.EndDate)
		require.True(t, got.EndDate.Equal(end))
		require.Equal(t, []model.Weekday{model.Monday, model.Friday}, got.Weekdays)
		require.Empty(t, got.Months)
		require.ElementsMatch(t, []int64{f.staff.ID, f.field.ID}, got.Groups)
		require.Nil(t, got.ForwardID)

		_, err = st.GetBroadcast(ctx, b.ID+100)
		require.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("fan-out reaches distinct connected members", func(t *testing.T) {
		st := open(t)
		f := seedDirectory(t, st)
		ctx := context.Background()
		now := testNow()
		b, err := st.CreateBroadcast(ctx, model.Broadcast{
			Body: "hello", Date: now.Add(-time.Minute), Frequency: model.FrequencyPtr(model.OneTime),
			Groups: []int64{f.staff.ID, f.field.ID},
		})
		require.NoError(t, err)

		ready, err := st.ReadyBroadcastIDs(ctx, now)
		require.NoError(t, err)
		require.Equal(t, []int64{b.ID}, ready)

		n, err := st.FanOut(ctx, b.ID, now, func(b *model.Broadcast) { b.Disable() })
		require.NoError(t, err)
		require.Equal(t, 3, n)

		msgs, err := st.Messages(ctx, b.ID)
		require.NoError(t, err)
		var recipients []int64
		for _, m := range msgs {
			require.Equal(t, model.StatusQueued, m.Status)
			require.True(t, m.Occurrence.Equal(b.Date))
			recipients = append(recipients, m.RecipientID)
		}
		require.ElementsMatch(t, []int64{f.alice.ID, f.bob.ID, f.carol.ID}, recipients)

		got, err := st.GetBroadcast(ctx, b.ID)
		require.NoError(t, err)
		require.False(t, got.Enabled())

		ready, err = st.ReadyBroadcastIDs(ctx, now)
		require.NoError(t, err)
		require.Empty(t, ready)
	})

	t.Run("fan-out skips broadcasts that are no longer ready", func(t *testing.T) {
		st := open(t)
		f := seedDirectory(t, st)
		ctx := context.Background()
		now := testNow()
		b, err := st.CreateBroadcast(ctx, model.Broadcast{
			Body: "later", Date: now.Add(time.Hour), Frequency: model.FrequencyPtr(model.OneTime),
			Groups: []int64{f.staff.ID},
		})
		require.NoError(t, err)
		called := false
		n, err := st.FanOut(ctx, b.ID, now, func(*model.Broadcast) { called = true })
		require.NoError(t, err)
		require.Zero(t, n)
		require.False(t, called)
	})

	t.Run("one message per recipient and occurrence", func(t *testing.T) {
		st := open(t)
		f := seedDirectory(t, st)
		ctx := context.Background()
		now := testNow()
		b, err := st.CreateBroadcast(ctx, model.Broadcast{
			Body: "daily", Date: now.Add(-time.Hour), Frequency: model.FrequencyPtr(model.Daily),
			Groups: []int64{f.staff.ID},
		})
		require.NoError(t, err)

		n, err := st.FanOut(ctx, b.ID, now, noAdvance)
		require.NoError(t, err)
		require.Equal(t, 2, n)
		n, err = st.FanOut(ctx, b.ID, now, noAdvance)
		require.NoError(t, err)
		require.Zero(t, n)

		// The next occurrence queues a fresh set.
		n, err = st.FanOut(ctx, b.ID, now, func(b *model.Broadcast) { b.Date = b.Date.Add(30 * time.Minute) })
		require.NoError(t, err)
		require.Zero(t, n)
		n, err = st.FanOut(ctx, b.ID, now, noAdvance)
		require.NoError(t, err)
		require.Equal(t, 2, n)
	})

	t.Run("claim, reclaim and finish", func(t *testing.T) {
		st := open(t)
		f := seedDirectory(t, st)
		ctx := context.Background()
		now := testNow()
		b, err := st.CreateBroadcast(ctx, model.Broadcast{
			Body: "claim me", Date: now.Add(-time.Minute), Frequency: model.FrequencyPtr(model.OneTime),
			Groups: []int64{f.staff.ID},
		})
		require.NoError(t, err)
		_, err = st.FanOut(ctx, b.ID, now, func(b *model.Broadcast) { b.Disable() })
		require.NoError(t, err)

		claimed, err := st.ClaimQueued(ctx, 10, now, now.Add(-10*time.Minute))
		require.NoError(t, err)
		require.Len(t, claimed, 2)
		require.Equal(t, "claim me", claimed[0].Body)
		require.Equal(t, f.aliceConn.Backend, claimed[0].Backend)
		require.Equal(t, f.aliceConn.Identity, claimed[0].Identity)

		again, err := st.ClaimQueued(ctx, 10, now.Add(time.Minute), now.Add(-9*time.Minute))
		require.NoError(t, err)
		require.Empty(t, again, "fresh claims must not be handed out twice")

		require.NoError(t, st.MarkSent(ctx, claimed[0].MessageID, now))
		require.ErrorIs(t, st.MarkSent(ctx, claimed[0].MessageID, now), ErrNotFound)
		require.ErrorIs(t, st.MarkError(ctx, claimed[0].MessageID), ErrNotFound)

		// The second claim went stale and is recovered.
		later := now.Add(11 * time.Minute)
		stale, err := st.ClaimQueued(ctx, 10, later, later.Add(-10*time.Minute))
		require.NoError(t, err)
		require.Len(t, stale, 1)
		require.Equal(t, claimed[1].MessageID, stale[0].MessageID)
		require.NoError(t, st.MarkError(ctx, stale[0].MessageID))

		counts, err := st.CountByStatus(ctx)
		require.NoError(t, err)
		require.Equal(t, map[model.Status]int{model.StatusSent: 1, model.StatusError: 1}, counts)

		msgs, err := st.Messages(ctx, b.ID)
		require.NoError(t, err)
		require.NotNil(t, msgs[0].DateSent)
		require.Nil(t, msgs[1].DateSent)
		require.Nil(t, msgs[0].ClaimedAt)
	})

	t.Run("disable keeps the row", func(t *testing.T) {
		st := open(t)
		f := seedDirectory(t, st)
		ctx := context.Background()
		b, err := st.CreateBroadcast(ctx, model.Broadcast{
			Body: "x", Date: testNow(), Frequency: model.FrequencyPtr(model.Daily), Groups: []int64{f.staff.ID},
		})
		require.NoError(t, err)
		require.NoError(t, st.DisableBroadcast(ctx, b.ID))
		got, err := st.GetBroadcast(ctx, b.ID)
		require.NoError(t, err)
		require.False(t, got.Enabled())
		require.ErrorIs(t, st.DisableBroadcast(ctx, b.ID+99), ErrNotFound)
	})

	t.Run("directory lookups", func(t *testing.T) {
		st := open(t)
		f := seedDirectory(t, st)
		ctx := context.Background()

		c, err := st.ContactByConnection(ctx, "webhook", "+100")
		require.NoError(t, err)
		require.Equal(t, f.alice.ID, c.ID)
		_, err = st.ContactByConnection(ctx, "log", "999")
		require.ErrorIs(t, err, ErrNotFound)

		in, err := st.InGroup(ctx, f.alice.ID, f.staff.ID)
		require.NoError(t, err)
		require.True(t, in)
		in, err = st.InGroup(ctx, f.alice.ID, f.field.ID)
		require.NoError(t, err)
		require.False(t, in)

		g, err := st.GroupByName(ctx, "field")
		require.NoError(t, err)
		require.Equal(t, f.field.ID, g.ID)
		dests, err := st.GroupDestinations(ctx, f.field.ID)
		require.NoError(t, err)
		require.Len(t, dests, 2)
	})

	t.Run("recent bodies", func(t *testing.T) {
		st := open(t)
		f := seedDirectory(t, st)
		ctx := context.Background()
		conf, err := st.CreateGroup(ctx, "confirmations")
		require.NoError(t, err)
		rule, err := st.CreateRule(ctx, model.ForwardingRule{Keyword: "x", SourceGroupID: f.staff.ID, DestGroupID: f.field.ID})
		require.NoError(t, err)

		base := testNow()
		mk := func(body string, offset time.Duration, groups []int64, forward *int64) {
			_, err := st.CreateBroadcast(ctx, model.Broadcast{
				Body: body, Date: base.Add(offset), Frequency: model.FrequencyPtr(model.OneTime),
				Groups: groups, ForwardID: forward,
			})
			require.NoError(t, err)
		}
		mk("oldest", 1*time.Hour, []int64{f.staff.ID}, nil)
		mk("newest", 3*time.Hour, []int64{f.field.ID}, nil)
		mk("oldest", 2*time.Hour, []int64{f.field.ID}, nil)
		mk("confirmed", 4*time.Hour, []int64{conf.ID}, nil)
		mk("forwarded", 5*time.Hour, []int64{f.field.ID}, &rule.ID)

		got, err := st.RecentBodies(ctx, nil, 10, "confirmations")
		require.NoError(t, err)
		require.Equal(t, []string{"newest", "oldest"}, got)

		got, err = st.RecentBodies(ctx, []int64{f.staff.ID}, 10, "confirmations")
		require.NoError(t, err)
		require.Equal(t, []string{"oldest"}, got)

		got, err = st.RecentBodies(ctx, []int64{conf.ID}, 10, "confirmations")
		require.NoError(t, err)
		require.Equal(t, []string{"confirmed"}, got)
	})

	t.Run("report queries", func(t *testing.T) {
		st := open(t)
		f := seedDirectory(t, st)
		ctx := context.Background()
		now := testNow()
		rule, err := st.CreateRule(ctx, model.ForwardingRule{
			Keyword: "Report", SourceGroupID: f.field.ID, DestGroupID: f.staff.ID, RuleType: "alert", Label: "fire",
		})
		require.NoError(t, err)
		rules, err := st.ListRules(ctx)
		require.NoError(t, err)
		require.Equal(t, []model.ForwardingRule{rule}, rules)

		b, err := st.CreateBroadcast(ctx, model.Broadcast{
			Body: "fwd", Date: now, DateCreated: now, Frequency: model.FrequencyPtr(model.OneTime),
			Groups: []int64{f.staff.ID}, ForwardID: &rule.ID,
		})
		require.NoError(t, err)
		_, err = st.FanOut(ctx, b.ID, now, func(b *model.Broadcast) { b.Disable() })
		require.NoError(t, err)

		counts, err := st.ForwardedCounts(ctx, now.Add(-time.Hour), now.Add(time.Hour))
		require.NoError(t, err)
		require.Equal(t, []ForwardedCount{{RuleID: rule.ID, Broadcasts: 1, Messages: 2}}, counts)
		counts, err = st.ForwardedCounts(ctx, now.Add(time.Hour), now.Add(2*time.Hour))
		require.NoError(t, err)
		require.Empty(t, counts)

		_, err = st.LogMessage(ctx, model.MessageLogEntry{Direction: model.Incoming, Backend: "log", Identity: "1", Text: "a", Date: now})
		require.NoError(t, err)
		_, err = st.LogMessage(ctx, model.MessageLogEntry{Direction: model.Outgoing, Backend: "log", Identity: "1", Text: "b", Date: now})
		require.NoError(t, err)
		_, err = st.LogMessage(ctx, model.MessageLogEntry{Direction: model.Outgoing, Backend: "log", Identity: "1", Text: "c", Date: now.AddDate(0, 0, -40)})
		require.NoError(t, err)

		in, err := st.CountMessages(ctx, model.Incoming, now.Add(-time.Hour), now)
		require.NoError(t, err)
		require.Equal(t, 1, in)
		out, err := st.CountMessages(ctx, model.Outgoing, now.Add(-time.Hour), now)
		require.NoError(t, err)
		require.Equal(t, 1, out)
	})
}
