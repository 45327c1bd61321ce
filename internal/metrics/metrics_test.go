package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestObservers(t *testing.T) {
	t.Parallel()
	m := New()
	m.ObserveQueued(3)
	m.ObserveQueued(0)
	m.ObserveSend("log", OutcomeSent, 20*time.Millisecond)
	m.ObserveSend("log", OutcomeSent, 0)
	m.ObserveSend("webhook", OutcomeError, time.Millisecond)
	m.ObserveCycle(CycleOK, time.Second, time.Unix(1700000000, 0))
	m.ObserveCycle(CycleSkipped, 0, time.Time{})

	if got := testutil.ToFloat64(m.MessagesQueued); got != 3 {
		t.Fatalf("queued = %v", got)
	}
	if got := testutil.ToFloat64(m.Sends.WithLabelValues("log", OutcomeSent)); got != 2 {
		t.Fatalf("log sent = %v", got)
	}
	if got := testutil.ToFloat64(m.Cycles.WithLabelValues(CycleSkipped)); got != 1 {
		t.Fatalf("skipped cycles = %v", got)
	}
	if got := testutil.ToFloat64(m.LastCycleUnixTS); got != 1700000000 {
		t.Fatalf("last cycle = %v", got)
	}
	if n := testutil.CollectAndCount(m.Sends); n != 2 {
		t.Fatalf("send series = %d", n)
	}
}

func TestObserveDepthReplacesStatuses(t *testing.T) {
	t.Parallel()
	m := New()
	m.ObserveDepth(map[string]int{"queued": 4, "error": 1})
	m.ObserveDepth(map[string]int{"queued": 2, "sent": 3})

	if got := testutil.ToFloat64(m.MessageDepth.WithLabelValues("queued")); got != 2 {
		t.Fatalf("queued = %v", got)
	}
	if n := testutil.CollectAndCount(m.MessageDepth); n != 2 {
		t.Fatalf("depth series = %d", n)
	}
}

func TestNilMetricsAreSafe(t *testing.T) {
	t.Parallel()
	var m *Metrics
	m.ObserveQueued(1)
	m.ObserveSend("x", OutcomeSent, time.Second)
	m.ObserveCycle(CycleOK, time.Second, time.Now())
	m.ObserveForward("queued")
	m.RegisterDB(nil, "x")
	m.ObserveDepth(map[string]int{"queued": 1})
}
