// Package logsink is the dry-run transport: every send is logged and succeeds.
package logsink

import (
	"context"
	"sync"

	"broadcastd/internal/transport"
	logx "broadcastd/pkg/logx"
)

const Backend = "log"

type Adapter struct {
	log logx.Logger

	mu   sync.Mutex
	sent int
}

var _ transport.Adapter = (*Adapter)(nil)

func New(log logx.Logger) *Adapter {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Adapter{log: log}
}

func (a *Adapter) Name() string { return Backend }

func (a *Adapter) Start(context.Context, chan<- transport.Inbound) error { return nil }
func (a *Adapter) Stop(context.Context) error { return nil }

func (a *Adapter) Send(ctx context.Context, to transport.Destination, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	a.mu.Lock()
	a.sent++
	a.mu.Unlock()
	a.log.Info("dry-run send", logx.String("to", to.Identity), logx.Int("len", len(text)), logx.String("text", text))
	return nil
}

// Sent reports how many messages were accepted.
func (a *Adapter) Sent() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sent
}
