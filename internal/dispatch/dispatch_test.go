package dispatch

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"broadcastd/internal/eventbus"
	"broadcastd/internal/lock"
	"broadcastd/internal/metrics"
	"broadcastd/internal/model"
	"broadcastd/internal/storage"
	"broadcastd/internal/transport"
	logx "broadcastd/pkg/logx"
)

type fakeSender struct {
	mu      sync.Mutex
	fail    map[string]error
	panicOn string
	sent    []transport.Destination
	bodies  []string
}

func (f *fakeSender) Send(_ context.Context, to transport.Destination, text string) error {
	if to.Identity == f.panicOn {
		panic("transport exploded")
	}
	if err := f.fail[to.Identity]; err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, to)
	f.bodies = append(f.bodies, text)
	return nil
}

var _ Sender = (*fakeSender)(nil)
var _ Store = (*storage.Store)(nil)

func openStore(t *testing.T) *storage.Store {
	t.Helper()
	st, err := storage.Open(context.Background(), storage.Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "d.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

type member struct {
	contact model.Contact
	conn    model.Connection
}

func addMember(t *testing.T, st *storage.Store, g model.Group, name, identity string) member {
	t.Helper()
	ctx := context.Background()
	c, err := st.CreateContact(ctx, model.Contact{Name: name})
	if err != nil {
		t.Fatalf("contact: %v", err)
	}
	conn, err := st.CreateConnection(ctx, model.Connection{Backend: "fake", Identity: identity, ContactID: &c.ID})
	if err != nil {
		t.Fatalf("connection: %v", err)
	}
	if g.ID != 0 {
		if err := st.AddToGroup(ctx, g.ID, c.ID); err != nil {
			t.Fatalf("add to group: %v", err)
		}
	}
	return member{contact: c, conn: conn}
}

func mustGroup(t *testing.T, st *storage.Store, name string) model.Group {
	t.Helper()
	g, err := st.CreateGroup(context.Background(), name)
	if err != nil {
		t.Fatalf("group: %v", err)
	}
	return g
}

func mustBroadcast(t *testing.T, st *storage.Store, b model.Broadcast) model.Broadcast {
	t.Helper()
	out, err := st.CreateBroadcast(context.Background(), b)
	if err != nil {
		t.Fatalf("create broadcast: %v", err)
	}
	return out
}

func fixedNow() time.Time { return time.Date(2026, 10, 14, 12, 0, 0, 0, time.UTC) }

func newTestDispatcher(st Store, s Sender, opts Options) *Dispatcher {
	opts.Location = time.UTC
	return New(opts, Deps{Store: st, Sender: s, Clock: fixedNow})
}

func TestFanOutOnlyReachesGroupMembers(t *testing.T) {
	st := openStore(t)
	ctx := context.Background()
	g := mustGroup(t, st, "g")
	in := addMember(t, st, g, "member", "1")
	addMember(t, st, model.Group{}, "outsider", "2")

	b := mustBroadcast(t, st, model.Broadcast{
		Body: "hi", Date: fixedNow().Add(-time.Minute), Frequency: model.FrequencyPtr(model.OneTime), Groups: []int64{g.ID},
	})

	d := newTestDispatcher(st, &fakeSender{}, Options{})
	res, err := d.QueueOutgoing(ctx, fixedNow())
	if err != nil {
		t.Fatalf("queue: %v", err)
	}
	if res.Ready != 1 || res.Queued != 1 {
		t.Fatalf("result = %+v", res)
	}
	msgs, err := st.Messages(ctx, b.ID)
	if err != nil {
		t.Fatalf("messages: %v", err)
	}
	if len(msgs) != 1 || msgs[0].RecipientID != in.contact.ID || msgs[0].Status != model.StatusQueued {
		t.Fatalf("messages = %+v", msgs)
	}

	got, err := st.GetBroadcast(ctx, b.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Enabled() {
		t.Fatal("one-time broadcast should be disabled after fan-out")
	}
	if !got.Date.Equal(b.Date) {
		t.Fatalf("date moved: %v -> %v", b.Date, got.Date)
	}
}

func TestFanOutAdvancesRecurringSchedule(t *testing.T) {
	st := openStore(t)
	ctx := context.Background()
	g := mustGroup(t, st, "g")
	addMember(t, st, g, "a", "1")

	start := fixedNow().Add(-26 * time.Hour)
	b := mustBroadcast(t, st, model.Broadcast{
		Body: "daily", Date: start, Frequency: model.FrequencyPtr(model.Daily), Groups: []int64{g.ID},
	})
	d := newTestDispatcher(st, &fakeSender{}, Options{})
	if _, err := d.QueueOutgoing(ctx, fixedNow()); err != nil {
		t.Fatalf("queue: %v", err)
	}
	got, err := st.GetBroadcast(ctx, b.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if want := start.AddDate(0, 0, 2); !got.Date.Equal(want) || !got.Is(model.Daily) {
		t.Fatalf("next = %v (%v), want %v daily", got.Date, got.Frequency, want)
	}

	// Running again in the same instant finds nothing ready.
	res, err := d.QueueOutgoing(ctx, fixedNow())
	if err != nil {
		t.Fatalf("queue again: %v", err)
	}
	if res.Ready != 0 || res.Queued != 0 {
		t.Fatalf("second run = %+v", res)
	}
}

func TestRunCycleEndToEnd(t *testing.T) {
	st := openStore(t)
	ctx := context.Background()
	ga := mustGroup(t, st, "a")
	gb := mustGroup(t, st, "b")
	ready := addMember(t, st, ga, "ready", "10")
	addMember(t, st, gb, "future", "20")

	rb := mustBroadcast(t, st, model.Broadcast{
		Body: "now", Date: fixedNow().Add(-time.Hour), Frequency: model.FrequencyPtr(model.OneTime), Groups: []int64{ga.ID},
	})
	fb := mustBroadcast(t, st, model.Broadcast{
		Body: "later", Date: fixedNow().Add(time.Hour), Frequency: model.FrequencyPtr(model.OneTime), Groups: []int64{gb.ID},
	})

	sender := &fakeSender{}
	bus := eventbus.New()
	events, unsub := bus.Subscribe(4, eventbus.TypeDispatchCycle)
	defer unsub()
	d := New(Options{Location: time.UTC}, Deps{Store: st, Sender: sender, Clock: fixedNow, Bus: bus})

	res, err := d.RunCycle(ctx)
	if err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if res.FanOut.Queued != 1 || res.Drain.Sent != 1 || res.Drain.Failed != 0 {
		t.Fatalf("result = %+v", res)
	}

	msgs, err := st.Messages(ctx, rb.ID)
	if err != nil {
		t.Fatalf("messages: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected one message, got %d", len(msgs))
	}
	m := msgs[0]
	if m.RecipientID != ready.contact.ID || m.Status != model.StatusSent || m.DateSent == nil {
		t.Fatalf("message = %+v", m)
	}
	if !m.DateSent.Equal(fixedNow()) {
		t.Fatalf("date_sent = %v", m.DateSent)
	}
	if other, _ := st.Messages(ctx, fb.ID); len(other) != 0 {
		t.Fatalf("future broadcast queued %d messages", len(other))
	}
	if len(sender.sent) != 1 || sender.sent[0].Identity != "10" || sender.bodies[0] != "now" {
		t.Fatalf("sent = %+v %v", sender.sent, sender.bodies)
	}

	select {
	case e := <-events:
		if _, ok := e.Data.(CycleResult); !ok {
			t.Fatalf("event data = %T", e.Data)
		}
	default:
		t.Fatal("expected a dispatch.cycle event")
	}
}

func TestDrainMarksFailuresAndContinues(t *testing.T) {
	st := openStore(t)
	ctx := context.Background()
	g := mustGroup(t, st, "g")
	ok1 := addMember(t, st, g, "ok1", "1")
	bad := addMember(t, st, g, "bad", "2")
	boom := addMember(t, st, g, "boom", "3")
	ok2 := addMember(t, st, g, "ok2", "4")

	b := mustBroadcast(t, st, model.Broadcast{
		Body: "x", Date: fixedNow().Add(-time.Minute), Frequency: model.FrequencyPtr(model.OneTime), Groups: []int64{g.ID},
	})
	sender := &fakeSender{fail: map[string]error{"2": errors.New("gateway down")}, panicOn: "3"}
	d := newTestDispatcher(st, sender, Options{})
	if _, err := d.QueueOutgoing(ctx, fixedNow()); err != nil {
		t.Fatalf("queue: %v", err)
	}
	res, err := d.SendQueued(ctx, fixedNow())
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if res.Claimed != 4 || res.Sent != 2 || res.Failed != 2 {
		t.Fatalf("result = %+v", res)
	}

	msgs, err := st.Messages(ctx, b.ID)
	if err != nil {
		t.Fatalf("messages: %v", err)
	}
	want := map[int64]model.Status{
		ok1.contact.ID:  model.StatusSent,
		bad.contact.ID:  model.StatusError,
		boom.contact.ID: model.StatusError,
		ok2.contact.ID:  model.StatusSent,
	}
	for _, m := range msgs {
		if m.Status != want[m.RecipientID] {
			t.Fatalf("recipient %d status %s, want %s", m.RecipientID, m.Status, want[m.RecipientID])
		}
	}

	// error messages are never retried.
	res, err = d.SendQueued(ctx, fixedNow().Add(time.Hour))
	if err != nil || res.Claimed != 0 {
		t.Fatalf("second drain = %+v, %v", res, err)
	}
}

type blockingSender struct {
	mu    sync.Mutex
	calls int
}

func (b *blockingSender) Send(ctx context.Context, _ transport.Destination, _ string) error {
	b.mu.Lock()
	b.calls++
	b.mu.Unlock()
	<-ctx.Done()
	return ctx.Err()
}

func TestDrainSettlesAttemptedSendWhenCycleEnds(t *testing.T) {
	st := openStore(t)
	g := mustGroup(t, st, "g")
	addMember(t, st, g, "a", "1")
	addMember(t, st, g, "b", "2")
	b := mustBroadcast(t, st, model.Broadcast{
		Body: "x", Date: fixedNow().Add(-time.Minute), Frequency: model.FrequencyPtr(model.OneTime), Groups: []int64{g.ID},
	})

	sender := &blockingSender{}
	d := newTestDispatcher(st, sender, Options{})
	if _, err := d.QueueOutgoing(context.Background(), fixedNow()); err != nil {
		t.Fatalf("queue: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	res, err := d.SendQueued(ctx, fixedNow())
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("drain err = %v", err)
	}
	if res.Claimed != 2 || res.Failed != 1 || res.Sent != 0 {
		t.Fatalf("result = %+v", res)
	}
	if sender.calls != 1 {
		t.Fatalf("send calls = %d, want 1", sender.calls)
	}

	msgs, err := st.Messages(context.Background(), b.ID)
	if err != nil {
		t.Fatalf("messages: %v", err)
	}
	counts := map[model.Status]int{}
	for _, m := range msgs {
		counts[m.Status]++
	}
	if counts[model.StatusError] != 1 || counts[model.StatusQueued] != 1 {
		t.Fatalf("statuses = %v", counts)
	}

	// Only the unattempted message comes back once its claim goes stale.
	later := fixedNow().Add(time.Hour)
	res, err = newTestDispatcher(st, &fakeSender{}, Options{}).SendQueued(context.Background(), later)
	if err != nil || res.Claimed != 1 || res.Sent != 1 {
		t.Fatalf("second drain = %+v, %v", res, err)
	}
}

func TestDrainRespectsBatchSize(t *testing.T) {
	st := openStore(t)
	ctx := context.Background()
	g := mustGroup(t, st, "g")
	for _, id := range []string{"1", "2", "3"} {
		addMember(t, st, g, "m"+id, id)
	}
	mustBroadcast(t, st, model.Broadcast{
		Body: "x", Date: fixedNow().Add(-time.Minute), Frequency: model.FrequencyPtr(model.OneTime), Groups: []int64{g.ID},
	})
	d := newTestDispatcher(st, &fakeSender{}, Options{BatchSize: 2})
	if _, err := d.QueueOutgoing(ctx, fixedNow()); err != nil {
		t.Fatalf("queue: %v", err)
	}
	first, err := d.SendQueued(ctx, fixedNow())
	if err != nil || first.Sent != 2 {
		t.Fatalf("first drain = %+v, %v", first, err)
	}
	second, err := d.SendQueued(ctx, fixedNow())
	if err != nil || second.Sent != 1 {
		t.Fatalf("second drain = %+v, %v", second, err)
	}
}

type heldLocker struct{}

func (heldLocker) Acquire(context.Context) (lock.Release, bool, error) { return nil, false, nil }

type flakyStore struct {
	Store
	listErr error
	drained bool
}

func (f *flakyStore) ReadyBroadcastIDs(context.Context, time.Time) ([]int64, error) {
	return nil, f.listErr
}

func (f *flakyStore) ClaimQueued(context.Context, int, time.Time, time.Time) ([]model.Outbound, error) {
	f.drained = true
	return nil, nil
}

func (f *flakyStore) CountByStatus(context.Context) (map[model.Status]int, error) {
	return nil, nil
}

func TestRunCycleSamplesMessageDepth(t *testing.T) {
	st := openStore(t)
	g := mustGroup(t, st, "g")
	addMember(t, st, g, "ok", "1")
	addMember(t, st, g, "bad", "2")
	mustBroadcast(t, st, model.Broadcast{
		Body: "x", Date: fixedNow().Add(-time.Minute), Frequency: model.FrequencyPtr(model.OneTime), Groups: []int64{g.ID},
	})

	m := metrics.New()
	sender := &fakeSender{fail: map[string]error{"2": errors.New("rejected")}}
	d := New(Options{Location: time.UTC}, Deps{Store: st, Sender: sender, Metrics: m, Clock: fixedNow})
	if _, err := d.RunCycle(context.Background()); err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if got := testutil.ToFloat64(m.MessageDepth.WithLabelValues(string(model.StatusSent))); got != 1 {
		t.Fatalf("sent depth = %v", got)
	}
	if got := testutil.ToFloat64(m.MessageDepth.WithLabelValues(string(model.StatusError))); got != 1 {
		t.Fatalf("error depth = %v", got)
	}
}

func TestRunCycleSkipsWhenLockHeld(t *testing.T) {
	t.Parallel()
	fs := &flakyStore{}
	d := New(Options{}, Deps{Store: fs, Sender: &fakeSender{}, Locker: heldLocker{}})
	res, err := d.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if !res.Skipped || fs.drained {
		t.Fatalf("expected skipped cycle without drain, got %+v drained=%v", res, fs.drained)
	}
}

func TestRunCycleDrainsAfterFanOutError(t *testing.T) {
	t.Parallel()
	listErr := errors.New("db down")
	fs := &flakyStore{listErr: listErr}
	d := New(Options{}, Deps{Store: fs, Sender: &fakeSender{}})
	_, err := d.RunCycle(context.Background())
	if !errors.Is(err, listErr) {
		t.Fatalf("err = %v, want %v", err, listErr)
	}
	if !fs.drained {
		t.Fatal("drain phase should still run")
	}
}

func TestAdvanceUsesLocation(t *testing.T) {
	t.Parallel()
	loc := time.FixedZone("UTC+7", 7*3600)
	// 23:30 UTC on Sunday is 06:30 Monday in loc.
	date := time.Date(2026, 10, 11, 23, 30, 0, 0, time.UTC)
	b := model.Broadcast{Date: date, Frequency: model.FrequencyPtr(model.Weekly), Weekdays: []model.Weekday{model.Monday}}
	Advance(&b, date.Add(time.Minute), loc)
	want := date.AddDate(0, 0, 7)
	if !b.Date.Equal(want) {
		t.Fatalf("next = %v, want %v", b.Date, want)
	}
}
