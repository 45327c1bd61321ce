// Package amqp bridges messages through a RabbitMQ broker. Outbound texts are
// published as JSON to a durable queue for an external gateway. Inbound texts
// are consumed from another durable queue with manual acks.
package amqp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/streadway/amqp"

	"broadcastd/internal/runtime/supervisor"
	"broadcastd/internal/transport"
	logx "broadcastd/pkg/logx"
)

const Backend = "amqp"

type Config struct {
	URL           string
	OutboundQueue string
	InboundQueue  string
	// Backend is the name messages are routed under. Defaults to "amqp".
	Backend string
}

// OutboundJob is the JSON published for each outgoing message.
type OutboundJob struct {
	To     string    `json:"to"`
	Text   string    `json:"text"`
	SentAt time.Time `json:"sent_at"`
}

// InboundJob is the JSON expected on the inbound queue.
type InboundJob struct {
	From       string    `json:"from"`
	Text       string    `json:"text"`
	ReceivedAt time.Time `json:"received_at,omitempty"`
}

type Adapter struct {
	cfg Config
	log logx.Logger

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
	sup  *supervisor.Supervisor
}

var _ transport.Adapter = (*Adapter)(nil)

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errors.New("amqp url is empty")
	}
	if cfg.OutboundQueue == "" {
		cfg.OutboundQueue = "broadcastd.outbound"
	}
	if cfg.Backend == "" {
		cfg.Backend = Backend
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Adapter{cfg: cfg, log: log}, nil
}

func (a *Adapter) Name() string { return a.cfg.Backend }

func (a *Adapter) Start(ctx context.Context, out chan<- transport.Inbound) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.conn != nil {
		return nil
	}

	conn, err := amqp.Dial(a.cfg.URL)
	if err != nil {
		return fmt.Errorf("amqp dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("amqp channel: %w", err)
	}
	for _, q := range []string{a.cfg.OutboundQueue, a.cfg.InboundQueue} {
		if q == "" {
			continue
		}
		if _, err := ch.QueueDeclare(q, true, false, false, false, nil); err != nil {
			_ = ch.Close()
			_ = conn.Close()
			return fmt.Errorf("declare queue %s: %w", q, err)
		}
	}
	a.conn, a.ch = conn, ch

	if a.cfg.InboundQueue == "" {
		return nil
	}
	deliveries, err := ch.Consume(a.cfg.InboundQueue, "broadcastd", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", a.cfg.InboundQueue, err)
	}
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log.With(logx.String("comp", "amqp"))))
	a.sup.Go("amqp.consume", func(c context.Context) error {
		return a.consume(c, deliveries, out)
	})
	return nil
}

func (a *Adapter) consume(ctx context.Context, deliveries <-chan amqp.Delivery, out chan<- transport.Inbound) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return errors.New("amqp delivery channel closed")
			}
			in, err := decodeInbound(a.cfg.Backend, d.Body, d.Timestamp)
			if err != nil {
				a.log.Warn("invalid inbound job", logx.Err(err))
				_ = d.Ack(false)
				continue
			}
			select {
			case out <- in:
				_ = d.Ack(false)
			case <-ctx.Done():
				_ = d.Nack(false, true)
				return nil
			}
		}
	}
}

func (a *Adapter) Stop(ctx context.Context) error {
	a.mu.Lock()
	conn, ch, sup := a.conn, a.ch, a.sup
	a.conn, a.ch, a.sup = nil, nil, nil
	a.mu.Unlock()

	if sup != nil {
		sup.Cancel()
		_ = sup.Wait(ctx)
	}
	var errs []error
	if ch != nil {
		errs = append(errs, ch.Close())
	}
	if conn != nil {
		errs = append(errs, conn.Close())
	}
	return errors.Join(errs...)
}

func (a *Adapter) Send(ctx context.Context, to transport.Destination, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	body, err := encodeOutbound(to.Identity, text, time.Now())
	if err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.ch == nil {
		return errors.New("amqp adapter is not started")
	}
	err = a.ch.Publish("", a.cfg.OutboundQueue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("publish to %s: %w", a.cfg.OutboundQueue, err)
	}
	return nil
}

func encodeOutbound(to, text string, at time.Time) ([]byte, error) {
	return json.Marshal(OutboundJob{To: to, Text: text, SentAt: at.UTC()})
}

func decodeInbound(backend string, body []byte, ts time.Time) (transport.Inbound, error) {
	var job InboundJob
	if err := json.Unmarshal(body, &job); err != nil {
		return transport.Inbound{}, err
	}
	job.From = strings.TrimSpace(job.From)
	if job.From == "" {
		return transport.Inbound{}, errors.New("inbound job has no sender")
	}
	at := job.ReceivedAt
	if at.IsZero() {
		at = ts
	}
	if at.IsZero() {
		at = time.Now()
	}
	return transport.Inbound{Backend: backend, Identity: job.From, Text: job.Text, ReceivedAt: at}, nil
}
