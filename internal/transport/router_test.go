package transport

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"broadcastd/internal/model"
	"broadcastd/internal/storage"
)

type fakeAdapter struct {
	name    string
	failFor string

	mu   sync.Mutex
	sent []string
	out  chan<- Inbound
}

func (f *fakeAdapter) Name() string { return f.name }
func (f *fakeAdapter) Start(_ context.Context, out chan<- Inbound) error {
	f.out = out
	return nil
}
func (f *fakeAdapter) Stop(context.Context) error { return nil }
func (f *fakeAdapter) Send(_ context.Context, to Destination, text string) error {
	if to.Identity == f.failFor {
		return errors.New("boom")
	}
	f.mu.Lock()
	f.sent = append(f.sent, to.Identity+":"+text)
	f.mu.Unlock()
	return nil
}

type memJournal struct {
	mu       sync.Mutex
	entries  []model.MessageLogEntry
	contacts map[string]model.Contact
}

func (j *memJournal) LogMessage(_ context.Context, e model.MessageLogEntry) (model.MessageLogEntry, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	e.ID = int64(len(j.entries) + 1)
	j.entries = append(j.entries, e)
	return e, nil
}

func (j *memJournal) ContactByConnection(_ context.Context, backend, identity string) (model.Contact, error) {
	c, ok := j.contacts[backend+":"+identity]
	if !ok {
		return model.Contact{}, storage.ErrNotFound
	}
	return c, nil
}

var _ Adapter = (*fakeAdapter)(nil)
var _ Journal = (*memJournal)(nil)

func fixedClock() time.Time { return time.Date(2026, 10, 14, 9, 0, 0, 0, time.UTC) }

func TestRouterSendJournalsOnlySuccess(t *testing.T) {
	t.Parallel()
	j := &memJournal{contacts: map[string]model.Contact{"fake:1": {ID: 42, Name: "ann"}}}
	r := NewRouter(RouterOptions{Journal: j, Clock: fixedClock})
	a := &fakeAdapter{name: "Fake", failFor: "2"}
	r.Register(a)

	ctx := context.Background()
	if err := r.Send(ctx, Destination{Backend: "fake", Identity: "1"}, "hi"); err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := r.Send(ctx, Destination{Backend: "fake", Identity: "2"}, "hi"); err == nil {
		t.Fatal("expected adapter failure")
	}
	if err := r.Send(ctx, Destination{Backend: "sms", Identity: "1"}, "hi"); !errors.Is(err, ErrUnknownBackend) {
		t.Fatalf("expected ErrUnknownBackend, got %v", err)
	}
	if err := r.Send(ctx, Destination{}, "hi"); !errors.Is(err, ErrNoDestination) {
		t.Fatalf("expected ErrNoDestination, got %v", err)
	}

	if len(j.entries) != 1 {
		t.Fatalf("expected 1 journal entry, got %d", len(j.entries))
	}
	e := j.entries[0]
	if e.Direction != model.Outgoing || e.ContactID == nil || *e.ContactID != 42 || !e.Date.Equal(fixedClock()) {
		t.Fatalf("unexpected entry %+v", e)
	}
}

func TestRouterSendTextSkipsJournal(t *testing.T) {
	t.Parallel()
	j := &memJournal{}
	r := NewRouter(RouterOptions{Journal: j})
	a := &fakeAdapter{name: "log"}
	r.Register(a)
	if err := r.SendText(context.Background(), "log", "ops", "[WARN] x"); err != nil {
		t.Fatalf("SendText: %v", err)
	}
	if len(a.sent) != 1 || len(j.entries) != 0 {
		t.Fatalf("sent=%v journal=%v", a.sent, j.entries)
	}
}

func TestRouterRunDeliversInbound(t *testing.T) {
	t.Parallel()
	j := &memJournal{}
	r := NewRouter(RouterOptions{Journal: j, Clock: fixedClock})
	a := &fakeAdapter{name: "fake"}
	r.Register(a)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := r.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	got := make(chan Inbound, 1)
	go func() {
		_ = r.Run(ctx, HandlerFunc(func(_ context.Context, in Inbound) (bool, error) {
			got <- in
			return true, nil
		}))
	}()
	a.out <- Inbound{Backend: "fake", Identity: "7", Text: "REPORT fire"}

	select {
	case in := <-got:
		if in.Text != "REPORT fire" || !in.ReceivedAt.Equal(fixedClock()) {
			t.Fatalf("unexpected inbound %+v", in)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("handler was not called")
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if len(j.entries) != 1 || j.entries[0].Direction != model.Incoming || j.entries[0].ContactID != nil {
		t.Fatalf("unexpected journal %+v", j.entries)
	}
	if err := r.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
}

func TestRouterBackends(t *testing.T) {
	t.Parallel()
	r := NewRouter(RouterOptions{})
	r.Register(&fakeAdapter{name: "webhook"})
	r.Register(&fakeAdapter{name: "Telegram"})
	r.Register(nil)
	got := r.Backends()
	if len(got) != 2 || got[0] != "telegram" || got[1] != "webhook" {
		t.Fatalf("backends = %v", got)
	}
}
