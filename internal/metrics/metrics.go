// Package metrics holds broadcastd's Prometheus collectors.
//
// Collectors live on their own registry so tests and multiple App instances
// never collide on the global default one. All methods are nil-safe.
package metrics

import (
	"database/sql"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

type Metrics struct {
	Registry *prometheus.Registry

	MessagesQueued  prometheus.Counter
	FanOutErrors    prometheus.Counter
	ClaimBatchSize  prometheus.Histogram
	Sends           *prometheus.CounterVec // backend, outcome
	SendDuration    prometheus.Histogram
	Cycles          *prometheus.CounterVec // result
	CycleDuration   prometheus.Histogram
	Inbound         *prometheus.CounterVec // backend
	Forwarding      *prometheus.CounterVec // outcome
	HTTPRequests    *prometheus.CounterVec // route, method, code
	LastCycleUnixTS prometheus.Gauge
	MessageDepth    *prometheus.GaugeVec // status
}

// Send outcomes.
const (
	OutcomeSent         = "sent"
	OutcomeError        = "error"
	OutcomeNoConnection = "no_connection"
)

// Cycle results.
const (
	CycleOK      = "ok"
	CycleError   = "error"
	CycleSkipped = "skipped"
)

func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		MessagesQueued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "broadcastd_messages_queued_total", Help: "Messages queued by fan-out.",
		}),
		FanOutErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "broadcastd_fanout_errors_total", Help: "Broadcasts whose fan-out transaction failed.",
		}),
		ClaimBatchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "broadcastd_claim_batch_size",
			Help:    "Messages returned per drain claim.",
			Buckets: prometheus.LinearBuckets(0, 10, 11),
		}),
		Sends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "broadcastd_sends_total", Help: "Delivery attempts by backend and outcome.",
		}, []string{"backend", "outcome"}),
		SendDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "broadcastd_send_duration_seconds",
			Help:    "Transport send latency.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		Cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "broadcastd_dispatch_cycles_total", Help: "Dispatch cycles by result.",
		}, []string{"result"}),
		CycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "broadcastd_dispatch_cycle_duration_seconds",
			Help:    "Duration of one queue-then-drain cycle.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 14),
		}),
		Inbound: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "broadcastd_inbound_messages_total", Help: "Inbound messages by backend.",
		}, []string{"backend"}),
		Forwarding: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "broadcastd_forwarding_total", Help: "Forwarding decisions by outcome.",
		}, []string{"outcome"}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "broadcastd_http_requests_total", Help: "HTTP requests.",
		}, []string{"route", "method", "code"}),
		LastCycleUnixTS: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "broadcastd_last_cycle_timestamp_seconds", Help: "Unix time of the last finished cycle.",
		}),
		MessageDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "broadcastd_messages", Help: "Broadcast messages by status, sampled after each cycle.",
		}, []string{"status"}),
	}
	m.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.MessagesQueued, m.FanOutErrors, m.ClaimBatchSize, m.Sends, m.SendDuration,
		m.Cycles, m.CycleDuration, m.Inbound, m.Forwarding, m.HTTPRequests, m.LastCycleUnixTS, m.MessageDepth,
	)
	return m
}

// RegisterDB exports database/sql pool stats for the store connection.
func (m *Metrics) RegisterDB(db *sql.DB, name string) {
	if m == nil || db == nil {
		return
	}
	m.Registry.MustRegister(collectors.NewDBStatsCollector(db, name))
}

func (m *Metrics) ObserveQueued(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.MessagesQueued.Add(float64(n))
}

func (m *Metrics) ObserveFanOutError() {
	if m == nil {
		return
	}
	m.FanOutErrors.Inc()
}

func (m *Metrics) ObserveClaim(n int) {
	if m == nil {
		return
	}
	m.ClaimBatchSize.Observe(float64(n))
}

func (m *Metrics) ObserveSend(backend, outcome string, took time.Duration) {
	if m == nil {
		return
	}
	m.Sends.WithLabelValues(backend, outcome).Inc()
	if took > 0 {
		m.SendDuration.Observe(took.Seconds())
	}
}

func (m *Metrics) ObserveCycle(result string, took time.Duration, at time.Time) {
	if m == nil {
		return
	}
	m.Cycles.WithLabelValues(result).Inc()
	if result == CycleSkipped {
		return
	}
	m.CycleDuration.Observe(took.Seconds())
	m.LastCycleUnixTS.Set(float64(at.Unix()))
}

func (m *Metrics) ObserveInbound(backend string) {
	if m == nil {
		return
	}
	m.Inbound.WithLabelValues(backend).Inc()
}

func (m *Metrics) ObserveForward(outcome string) {
	if m == nil {
		return
	}
	m.Forwarding.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveHTTP(route, method, code string) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(route, method, code).Inc()
}

// ObserveDepth replaces the per-status message gauge with counts.
func (m *Metrics) ObserveDepth(counts map[string]int) {
	if m == nil {
		return
	}
	m.MessageDepth.Reset()
	for status, n := range counts {
		m.MessageDepth.WithLabelValues(status).Set(float64(n))
	}
}
