package logx

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const sinkSendTimeout = 10 * time.Second

func (s *Service) sinkWorker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case it := <-s.queue:
			sender := s.currentSender()
			if sender == nil {
				continue
			}
			sctx, cancel := context.WithTimeout(ctx, sinkSendTimeout)
			_ = sender.SendText(sctx, it.backend, it.identity, it.text)
			cancel()
		}
	}
}

// sinkWriter is the zerolog side of the transport sink. It never blocks logging.
type sinkWriter struct{ svc *Service }

func (w *sinkWriter) Write(p []byte) (int, error) {
	return w.WriteLevel(zerolog.InfoLevel, p)
}

func (w *sinkWriter) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	s := w.svc
	s.mu.Lock()
	backend, identity := s.backend, s.identity
	lim, minLevel := s.limiter, s.minLevel
	s.mu.Unlock()

	if backend == "" || identity == "" || lim == nil || level < minLevel {
		return len(p), nil
	}
	if s.currentSender() == nil || !lim.Allow() {
		return len(p), nil
	}
	text := formatSinkLine(p)
	if text == "" {
		return len(p), nil
	}
	select {
	case s.queue <- sinkItem{backend: backend, identity: identity, text: text}:
	default:
	}
	return len(p), nil
}

// formatSinkLine turns a zerolog JSON line into "[LEVEL] message" plus one
// "- key=value" line per field, keys sorted.
func formatSinkLine(p []byte) string {
	var m map[string]any
	if err := json.Unmarshal(p, &m); err != nil {
		return truncate(strings.TrimSpace(string(p)), 3500)
	}

	var b strings.Builder
	if lvl, _ := m["level"].(string); lvl != "" {
		b.WriteString("[" + strings.ToUpper(lvl) + "] ")
	}
	msg, _ := m["message"].(string)
	b.WriteString(msg)

	keys := make([]string, 0, len(m))
	for k := range m {
		switch k {
		case "time", "level", "message":
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		limit := 600
		if k == "stack" {
			limit = 900
		}
		b.WriteString("\n- " + k + "=")
		b.WriteString(truncate(fmt.Sprint(m[k]), limit))
	}
	return truncate(b.String(), 3500)
}

func truncate(s string, maxN int) string {
	if maxN <= 0 || len(s) <= maxN {
		return s
	}
	if maxN < 10 {
		return s[:maxN]
	}
	return s[:maxN-3] + "..."
}
