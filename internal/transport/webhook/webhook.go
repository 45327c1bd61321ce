// Package webhook delivers messages by POSTing JSON to an HTTP gateway,
// typically an SMS provider. Inbound messages arrive through the HTTP API.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"broadcastd/internal/transport"
	logx "broadcastd/pkg/logx"
)

const Backend = "webhook"

type Config struct {
	URL     string
	Token   string
	Timeout time.Duration
}

// Payload is the request body sent to the gateway.
type Payload struct {
	To   string `json:"to"`
	Text string `json:"text"`
}

// StatusError is returned for non-2xx gateway responses.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("webhook gateway returned %d", e.Code)
	}
	return fmt.Sprintf("webhook gateway returned %d: %s", e.Code, e.Body)
}

type Adapter struct {
	cfg    Config
	client *http.Client
	log    logx.Logger
}

var _ transport.Adapter = (*Adapter)(nil)

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	cfg.URL = strings.TrimSpace(cfg.URL)
	if cfg.URL == "" {
		return nil, errors.New("webhook url is empty")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Adapter{cfg: cfg, client: &http.Client{Timeout: cfg.Timeout}, log: log}, nil
}

func (a *Adapter) Name() string { return Backend }

func (a *Adapter) Start(context.Context, chan<- transport.Inbound) error { return nil }
func (a *Adapter) Stop(context.Context) error { return nil }

func (a *Adapter) Send(ctx context.Context, to transport.Destination, text string) error {
	body, err := json.Marshal(Payload{To: to.Identity, Text: text})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if a.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+a.cfg.Token)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook post: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(b))}
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	a.log.Debug("webhook delivered", logx.String("to", to.Identity), logx.Int("status", resp.StatusCode))
	return nil
}
