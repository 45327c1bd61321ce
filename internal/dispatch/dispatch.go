// Package dispatch turns ready broadcasts into queued messages and drains the
// queue through the transport.
//
// A cycle has two phases. Fan-out expands every ready broadcast into one
// queued message per reachable recipient and advances its schedule in the
// same store transaction. Drain claims a bounded batch of queued messages and
// sends each one exactly once, marking it sent or error. A transport outage
// only stalls the drain; fan-out keeps scheduling.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"broadcastd/internal/eventbus"
	"broadcastd/internal/lock"
	"broadcastd/internal/metrics"
	"broadcastd/internal/model"
	"broadcastd/internal/recurrence"
	"broadcastd/internal/transport"
	logx "broadcastd/pkg/logx"
)

const (
	DefaultBatchSize = 50
	DefaultClaimTTL  = 10 * time.Minute
)

// Store is the persistence the dispatcher needs. *storage.Store implements it.
type Store interface {
	ReadyBroadcastIDs(ctx context.Context, now time.Time) ([]int64, error)
	FanOut(ctx context.Context, id int64, now time.Time, advance func(*model.Broadcast)) (int, error)
	ClaimQueued(ctx context.Context, limit int, now, staleBefore time.Time) ([]model.Outbound, error)
	MarkSent(ctx context.Context, id int64, at time.Time) error
	MarkError(ctx context.Context, id int64) error
	CountByStatus(ctx context.Context) (map[model.Status]int, error)
}

// Sender delivers one text. *transport.Router implements it.
type Sender interface {
	Send(ctx context.Context, to transport.Destination, text string) error
}

type Options struct {
	BatchSize int
	// ClaimTTL is how long a claimed message stays invisible to other drains.
	ClaimTTL time.Duration
	// SendTimeout bounds one transport call. 0 means no extra bound.
	SendTimeout time.Duration
	// RatePerSec caps transport calls. 0 means unlimited.
	RatePerSec float64
	// Location is the calendar used for recurrence. Default time.Local.
	Location *time.Location
}

func (o Options) withDefaults() Options {
	if o.BatchSize <= 0 {
		o.BatchSize = DefaultBatchSize
	}
	if o.ClaimTTL <= 0 {
		o.ClaimTTL = DefaultClaimTTL
	}
	if o.Location == nil {
		o.Location = time.Local
	}
	return o
}

type Deps struct {
	Store   Store
	Sender  Sender
	Log     logx.Logger
	Locker  lock.Locker // nil means no cross-process lock
	Bus     *eventbus.Bus
	Metrics *metrics.Metrics
	Clock   func() time.Time
}

type Dispatcher struct {
	store   Store
	sender  Sender
	log     logx.Logger
	locker  lock.Locker
	bus     *eventbus.Bus
	metrics *metrics.Metrics
	clock   func() time.Time

	mu      sync.RWMutex
	opts    Options
	limiter *rate.Limiter
}

func New(opts Options, deps Deps) *Dispatcher {
	if deps.Log.IsZero() {
		deps.Log = logx.Nop()
	}
	if deps.Locker == nil {
		deps.Locker = lock.Nop{}
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	d := &Dispatcher{
		store:   deps.Store,
		sender:  deps.Sender,
		log:     deps.Log,
		locker:  deps.Locker,
		bus:     deps.Bus,
		metrics: deps.Metrics,
		clock:   deps.Clock,
	}
	d.Apply(opts)
	return d
}

// Apply swaps options at runtime; the next phase picks them up.
func (d *Dispatcher) Apply(opts Options) {
	opts = opts.withDefaults()
	var lim *rate.Limiter
	if opts.RatePerSec > 0 {
		burst := int(opts.RatePerSec)
		if burst < 1 {
			burst = 1
		}
		lim = rate.NewLimiter(rate.Limit(opts.RatePerSec), burst)
	}
	d.mu.Lock()
	d.opts = opts
	d.limiter = lim
	d.mu.Unlock()
}

func (d *Dispatcher) options() (Options, *rate.Limiter) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.opts, d.limiter
}

type FanOutResult struct {
	Ready  int
	Queued int
	Failed int
}

type DrainResult struct {
	Claimed int
	Sent    int
	Failed  int
}

type CycleResult struct {
	Skipped bool
	FanOut  FanOutResult
	Drain   DrainResult
	Took    time.Duration
}

// Advance moves b to its next occurrence in loc. Disabled or exhausted
// broadcasts get a nil frequency and keep their date.
func Advance(b *model.Broadcast, now time.Time, loc *time.Location) {
	if loc != nil {
		b.Date = b.Date.In(loc)
		now = now.In(loc)
	}
	recurrence.SetNextDate(b, now)
}

// QueueOutgoing is the fan-out phase. A broadcast whose transaction fails is
// logged and skipped; only failing to list ready broadcasts aborts the phase.
func (d *Dispatcher) QueueOutgoing(ctx context.Context, now time.Time) (FanOutResult, error) {
	opts, _ := d.options()
	var res FanOutResult

	ids, err := d.store.ReadyBroadcastIDs(ctx, now)
	if err != nil {
		return res, fmt.Errorf("list ready broadcasts: %w", err)
	}
	res.Ready = len(ids)
	d.log.Info("found ready broadcasts", logx.Int("count", len(ids)))

	advance := func(b *model.Broadcast) { Advance(b, now, opts.Location) }
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		n, err := d.store.FanOut(ctx, id, now, advance)
		if err != nil {
			res.Failed++
			d.metrics.ObserveFanOutError()
			d.log.Error("fan-out failed", logx.Int64("broadcast_id", id), logx.Err(err))
			continue
		}
		res.Queued += n
		d.log.Debug("queued broadcast messages", logx.Int64("broadcast_id", id), logx.Int("count", n))
	}
	d.metrics.ObserveQueued(res.Queued)
	return res, nil
}

// SendQueued is the drain phase. Each claimed message is sent once; a failure
// marks that message error and the batch continues. There is no retry.
func (d *Dispatcher) SendQueued(ctx context.Context, now time.Time) (DrainResult, error) {
	opts, lim := d.options()
	var res DrainResult

	msgs, err := d.store.ClaimQueued(ctx, opts.BatchSize, now, now.Add(-opts.ClaimTTL))
	if err != nil {
		return res, fmt.Errorf("claim queued messages: %w", err)
	}
	res.Claimed = len(msgs)
	d.metrics.ObserveClaim(len(msgs))
	d.log.Info("found messages to send", logx.Int("count", len(msgs)))

	for _, m := range msgs {
		// Unattempted claims become claimable again after the claim TTL.
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if lim != nil {
			if err := lim.Wait(ctx); err != nil {
				return res, err
			}
		}
		sendErr := d.deliver(ctx, m, opts.SendTimeout)

		// An attempted send always settles, even when ctx ended mid-send.
		mctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), markTimeout)
		if sendErr != nil {
			res.Failed++
			d.log.Warn("message failed to send",
				logx.Int64("message_id", m.MessageID),
				logx.Int64("broadcast_id", m.BroadcastID),
				logx.String("backend", m.Backend),
				logx.Err(sendErr))
			if err := d.store.MarkError(mctx, m.MessageID); err != nil {
				d.log.Error("mark error failed", logx.Int64("message_id", m.MessageID), logx.Err(err))
			}
		} else {
			res.Sent++
			d.log.Debug("message sent", logx.Int64("message_id", m.MessageID), logx.String("backend", m.Backend))
			if err := d.store.MarkSent(mctx, m.MessageID, d.clock()); err != nil {
				d.log.Error("mark sent failed", logx.Int64("message_id", m.MessageID), logx.Err(err))
			}
		}
		cancel()
	}
	return res, nil
}

const markTimeout = 5 * time.Second

var errNoConnection = errors.New("recipient has no connection")

func (d *Dispatcher) deliver(ctx context.Context, m model.Outbound, timeout time.Duration) (err error) {
	if !m.HasConnection() {
		d.metrics.ObserveSend("", metrics.OutcomeNoConnection, 0)
		return errNoConnection
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("transport panic: %v", r)
		}
		outcome := metrics.OutcomeSent
		if err != nil {
			outcome = metrics.OutcomeError
		}
		d.metrics.ObserveSend(m.Backend, outcome, time.Since(start))
	}()
	return d.sender.Send(ctx, transport.Destination{Backend: m.Backend, Identity: m.Identity}, m.Body)
}

// RunCycle is the periodic entry point: queue, then drain. A fan-out error
// does not stop the drain; both errors are joined. When another process
// holds the cycle lock the cycle is skipped.
func (d *Dispatcher) RunCycle(ctx context.Context) (CycleResult, error) {
	start := time.Now()
	var res CycleResult

	release, ok, err := d.locker.Acquire(ctx)
	if err != nil {
		d.metrics.ObserveCycle(metrics.CycleError, time.Since(start), d.clock())
		return res, fmt.Errorf("acquire cycle lock: %w", err)
	}
	if !ok {
		res.Skipped = true
		d.metrics.ObserveCycle(metrics.CycleSkipped, 0, d.clock())
		d.log.Info("dispatch cycle skipped; lock held elsewhere")
		return res, nil
	}
	defer func() {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := release(rctx); err != nil {
			d.log.Warn("cycle lock release failed", logx.Err(err))
		}
	}()

	d.log.Info("dispatch cycle started")
	now := d.clock()
	var errs []error
	if res.FanOut, err = d.QueueOutgoing(ctx, now); err != nil {
		errs = append(errs, err)
	}
	if res.Drain, err = d.SendQueued(ctx, d.clock()); err != nil {
		errs = append(errs, err)
	}
	res.Took = time.Since(start)
	err = errors.Join(errs...)
	d.sampleDepth(ctx)

	result := metrics.CycleOK
	if err != nil {
		result = metrics.CycleError
	}
	d.metrics.ObserveCycle(result, res.Took, d.clock())
	d.bus.Publish(eventbus.Event{Type: eventbus.TypeDispatchCycle, Data: res})
	d.log.Info("dispatch cycle finished",
		logx.Int("ready", res.FanOut.Ready),
		logx.Int("queued", res.FanOut.Queued),
		logx.Int("sent", res.Drain.Sent),
		logx.Int("failed", res.Drain.Failed),
		logx.Duration("took", res.Took),
		logx.Err(err))
	return res, err
}

func (d *Dispatcher) sampleDepth(ctx context.Context) {
	if d.metrics == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), markTimeout)
	defer cancel()
	counts, err := d.store.CountByStatus(ctx)
	if err != nil {
		d.log.Debug("message depth sample failed", logx.Err(err))
		return
	}
	byStatus := make(map[string]int, len(counts))
	for st, n := range counts {
		byStatus[string(st)] = n
	}
	d.metrics.ObserveDepth(byStatus)
}
