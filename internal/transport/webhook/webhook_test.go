package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"broadcastd/internal/transport"
	logx "broadcastd/pkg/logx"
)

func TestSendPostsJSON(t *testing.T) {
	var got Payload
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s", r.Method)
		}
		auth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	a, err := New(Config{URL: srv.URL, Token: "s3cret"}, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	err = a.Send(context.Background(), transport.Destination{Backend: Backend, Identity: "+15550100"}, "hello")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if got.To != "+15550100" || got.Text != "hello" {
		t.Fatalf("payload = %+v", got)
	}
	if auth != "Bearer s3cret" {
		t.Fatalf("authorization = %q", auth)
	}
}

func TestSendNon2xxFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "quota exceeded", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	a, err := New(Config{URL: srv.URL}, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	err = a.Send(context.Background(), transport.Destination{Backend: Backend, Identity: "x"}, "hi")
	var se *StatusError
	if !errors.As(err, &se) {
		t.Fatalf("err = %v, want *StatusError", err)
	}
	if se.Code != http.StatusTooManyRequests || se.Body != "quota exceeded" {
		t.Fatalf("status error = %+v", se)
	}
}

func TestNewRequiresURL(t *testing.T) {
	if _, err := New(Config{URL: "  "}, logx.Nop()); err == nil {
		t.Fatal("expected error for empty url")
	}
}
