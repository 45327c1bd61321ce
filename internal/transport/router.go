package transport

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"broadcastd/internal/eventbus"
	"broadcastd/internal/metrics"
	"broadcastd/internal/model"
	logx "broadcastd/pkg/logx"
)

// Journal records delivered and received texts.
type Journal interface {
	LogMessage(ctx context.Context, e model.MessageLogEntry) (model.MessageLogEntry, error)
	ContactByConnection(ctx context.Context, backend, identity string) (model.Contact, error)
}

type RouterOptions struct {
	Journal Journal // optional
	Log     logx.Logger
	Metrics *metrics.Metrics
	Bus     *eventbus.Bus
	// InboundBuffer sizes the channel adapters push into. Default 256.
	InboundBuffer int
	Clock         func() time.Time
}

// Router picks the adapter for each destination and journals traffic.
type Router struct {
	opts RouterOptions
	log  logx.Logger

	mu       sync.RWMutex
	adapters map[string]Adapter
	started  []Adapter

	in chan Inbound
}

func NewRouter(opts RouterOptions) *Router {
	if opts.Log.IsZero() {
		opts.Log = logx.Nop()
	}
	if opts.InboundBuffer <= 0 {
		opts.InboundBuffer = 256
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Router{
		opts:     opts,
		log:      opts.Log.With(logx.String("comp", "transport.router")),
		adapters: map[string]Adapter{},
		in:       make(chan Inbound, opts.InboundBuffer),
	}
}

// Register adds a under its Name. A later registration with the same name wins.
func (r *Router) Register(a Adapter) {
	if a == nil {
		return
	}
	r.mu.Lock()
	r.adapters[strings.ToLower(a.Name())] = a
	r.mu.Unlock()
}

func (r *Router) Backends() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (r *Router) adapter(backend string) (Adapter, error) {
	r.mu.RLock()
	a := r.adapters[strings.ToLower(backend)]
	r.mu.RUnlock()
	if a == nil {
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, backend)
	}
	return a, nil
}

// Send delivers text and journals it as outgoing once the backend accepted it.
func (r *Router) Send(ctx context.Context, to Destination, text string) error {
	if to.Empty() {
		return ErrNoDestination
	}
	a, err := r.adapter(to.Backend)
	if err != nil {
		return err
	}
	if err := a.Send(ctx, to, text); err != nil {
		return fmt.Errorf("%s send: %w", to.Backend, err)
	}
	r.journal(ctx, model.Outgoing, to, text, r.opts.Clock())
	return nil
}

// SendText implements logx.Sender. Log lines are not journaled.
func (r *Router) SendText(ctx context.Context, backend, identity, text string) error {
	a, err := r.adapter(backend)
	if err != nil {
		return err
	}
	return a.Send(ctx, Destination{Backend: backend, Identity: identity}, text)
}

// Reply answers the sender of an inbound message.
func (r *Router) Reply(ctx context.Context, in Inbound, text string) error {
	return r.Send(ctx, in.Destination(), text)
}

func (r *Router) journal(ctx context.Context, dir model.Direction, to Destination, text string, at time.Time) {
	j := r.opts.Journal
	if j == nil {
		return
	}
	e := model.MessageLogEntry{Direction: dir, Backend: to.Backend, Identity: to.Identity, Text: text, Date: at}
	if c, err := j.ContactByConnection(ctx, to.Backend, to.Identity); err == nil {
		e.ContactID = &c.ID
	}
	if _, err := j.LogMessage(ctx, e); err != nil {
		r.log.Warn("journal write failed", logx.String("direction", string(dir)), logx.String("to", to.String()), logx.Err(err))
	}
}

// Inbound is the channel adapters push into.
func (r *Router) Inbound() chan<- Inbound { return r.in }

// Start starts every registered adapter. Adapters that fail to start are
// logged and skipped; the error lists them.
func (r *Router) Start(ctx context.Context) error {
	r.mu.Lock()
	adapters := make([]Adapter, 0, len(r.adapters))
	for _, a := range r.adapters {
		adapters = append(adapters, a)
	}
	r.mu.Unlock()
	sort.Slice(adapters, func(i, j int) bool { return adapters[i].Name() < adapters[j].Name() })

	var errs []error
	started := make([]Adapter, 0, len(adapters))
	for _, a := range adapters {
		if err := a.Start(ctx, r.in); err != nil {
			r.log.Error("adapter failed to start", logx.String("backend", a.Name()), logx.Err(err))
			errs = append(errs, fmt.Errorf("%s: %w", a.Name(), err))
			continue
		}
		r.log.Info("adapter started", logx.String("backend", a.Name()))
		started = append(started, a)
	}
	r.mu.Lock()
	r.started = started
	r.mu.Unlock()
	return errors.Join(errs...)
}

// Stop stops the adapters started by Start.
func (r *Router) Stop(ctx context.Context) error {
	r.mu.Lock()
	started := r.started
	r.started = nil
	r.mu.Unlock()

	var errs []error
	for _, a := range started {
		if err := a.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", a.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// Deliver journals in and hands it to h. Handler errors are logged.
func (r *Router) Deliver(ctx context.Context, in Inbound, h Handler) bool {
	if in.ReceivedAt.IsZero() {
		in.ReceivedAt = r.opts.Clock()
	}
	r.opts.Metrics.ObserveInbound(in.Backend)
	r.journal(ctx, model.Incoming, in.Destination(), in.Text, in.ReceivedAt)
	r.opts.Bus.Publish(eventbus.Event{Type: eventbus.TypeInbound, Time: in.ReceivedAt, Data: in})

	if h == nil {
		return false
	}
	handled, err := h.Handle(ctx, in)
	if err != nil {
		r.log.Error("inbound handler failed", logx.String("from", in.Destination().String()), logx.Err(err))
	} else if !handled {
		r.log.Debug("inbound message not handled", logx.String("from", in.Destination().String()))
	}
	return handled
}

// Run delivers inbound messages to h until ctx is cancelled.
func (r *Router) Run(ctx context.Context, h Handler) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case in := <-r.in:
			r.Deliver(ctx, in, h)
		}
	}
}
