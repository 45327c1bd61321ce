// Package eventbus is an in-process fan-out of small domain events.
//
// Publish never blocks. Subscribers get buffered channels and drop events
// when they fall behind.
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event types published by broadcastd components.
const (
	TypeDispatchCycle = "dispatch.cycle"
	TypeForwarded     = "forward.queued"
	TypeInbound       = "transport.inbound"
	TypeConfigReload  = "config.reload"
	TypeJobFinished   = "scheduler.job"
)

type Event struct {
	Type string
	Time time.Time
	Data any
}

type Bus struct {
	mu   sync.RWMutex
	subs map[uint64]subscriber
	seq  atomic.Uint64

	published atomic.Uint64
	dropped   atomic.Uint64
}

type subscriber struct {
	ch    chan Event
	types map[string]bool // nil means every type
}

func New() *Bus {
	return &Bus{subs: map[uint64]subscriber{}}
}

func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.published.Add(1)

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		if s.types != nil && !s.types[e.Type] {
			continue
		}
		select {
		case s.ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

// Subscribe returns a channel receiving events of the given types (all types
// when none are given) and a function that closes it.
func (b *Bus) Subscribe(buffer int, types ...string) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	s := subscriber{ch: make(chan Event, buffer)}
	if len(types) > 0 {
		s.types = make(map[string]bool, len(types))
		for _, t := range types {
			s.types[t] = true
		}
	}
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = s
	b.mu.Unlock()

	var once sync.Once
	return s.ch, func() {
		once.Do(func() {
			// Publish holds the read lock while sending, so closing under the
			// write lock cannot race a send.
			b.mu.Lock()
			delete(b.subs, id)
			close(s.ch)
			b.mu.Unlock()
		})
	}
}

// Stats reports how many events were published and how many deliveries were dropped.
func (b *Bus) Stats() (published, dropped uint64) {
	return b.published.Load(), b.dropped.Load()
}
