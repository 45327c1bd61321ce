// Package transport abstracts message delivery backends behind Adapter and
// routes outbound texts and inbound messages between them and the core.
package transport

import (
	"context"
	"errors"
	"time"
)

var (
	ErrUnknownBackend = errors.New("transport: no adapter for backend")
	ErrNoDestination  = errors.New("transport: destination is empty")
)

// Destination addresses one recipient on one backend, e.g. a Telegram chat id
// or an E.164 number behind the SMS webhook.
type Destination struct {
	Backend  string
	Identity string
}

func (d Destination) Empty() bool { return d.Backend == "" || d.Identity == "" }

func (d Destination) String() string { return d.Backend + ":" + d.Identity }

// Inbound is one text received from a backend.
type Inbound struct {
	Backend    string
	Identity   string
	Text       string
	ReceivedAt time.Time
}

// Destination is where replies to this message go.
func (in Inbound) Destination() Destination {
	return Destination{Backend: in.Backend, Identity: in.Identity}
}

// Adapter is one delivery backend. Send reports success or failure only;
// backends carry no other delivery semantics.
type Adapter interface {
	Name() string
	// Start begins receiving. Adapters that cannot receive push nothing to out.
	Start(ctx context.Context, out chan<- Inbound) error
	Stop(ctx context.Context) error
	Send(ctx context.Context, to Destination, text string) error
}

// Handler consumes inbound messages. handled=false means nothing matched.
type Handler interface {
	Handle(ctx context.Context, in Inbound) (handled bool, err error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, in Inbound) (bool, error)

func (f HandlerFunc) Handle(ctx context.Context, in Inbound) (bool, error) { return f(ctx, in) }
