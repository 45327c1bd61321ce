// Package httpapi serves health, metrics, the inbound push endpoint and the
// usage report over HTTP.
package httpapi

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"broadcastd/internal/metrics"
	"broadcastd/internal/model"
	"broadcastd/internal/report"
	"broadcastd/internal/scheduler"
	"broadcastd/internal/transport"
	logx "broadcastd/pkg/logx"
)

// Pinger reports store readiness.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Inbox accepts messages pushed by gateways. *transport.Router implements it.
type Inbox interface {
	Inbound() chan<- transport.Inbound
	Backends() []string
}

// Reports serves the usage endpoints. *report.Aggregator implements it.
type Reports interface {
	Usage(ctx context.Context, start, end time.Time) (report.Usage, error)
	Series(ctx context.Context, reportDate time.Time, loc *time.Location) ([]report.SeriesPoint, error)
}

// Bodies lists recently used broadcast texts. *storage.Store implements it.
type Bodies interface {
	RecentBodies(ctx context.Context, groups []int64, limit int, excludeGroup string) ([]string, error)
}

// Broadcasts loads one broadcast for the occurrence preview. *storage.Store
// implements it.
type Broadcasts interface {
	GetBroadcast(ctx context.Context, id int64) (model.Broadcast, error)
}

// Schedules exposes scheduler state. *scheduler.Service implements it.
type Schedules interface {
	Snapshot() scheduler.Snapshot
}

type Config struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	// InboundToken, when set, must be presented as "Authorization: Bearer <token>".
	InboundToken string
	Pprof        bool
	Location     *time.Location

	// ConfirmationsGroup is passed to Bodies.RecentBodies as the excluded group.
	ConfirmationsGroup string
}

type Deps struct {
	Store   Pinger
	Inbox   Inbox
	Reports Reports
	Sched   Schedules
	Bodies  Bodies
	Casts   Broadcasts
	Metrics *metrics.Metrics
	Log     logx.Logger
	Clock   func() time.Time
}

type Server struct {
	cfg  Config
	deps Deps
	log  logx.Logger

	mu   sync.Mutex
	srv  *http.Server
	addr string
}

func New(cfg Config, deps Deps) *Server {
	if deps.Log.IsZero() {
		deps.Log = logx.Nop()
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	return &Server{cfg: cfg, deps: deps, log: deps.Log}
}

// Start binds the listener and serves in the background. Serve errors are
// reported on the returned channel, which is closed when serving ends.
func (s *Server) Start(_ context.Context) (<-chan error, error) {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return nil, err
	}
	srv := &http.Server{
		Handler:           s.Router(),
		ReadTimeout:       s.cfg.ReadTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      s.cfg.WriteTimeout,
	}

	s.mu.Lock()
	s.srv = srv
	s.addr = ln.Addr().String()
	s.mu.Unlock()

	errc := make(chan error, 1)
	go func() {
		defer close(errc)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("http server error", logx.String("addr", ln.Addr().String()), logx.Err(err))
			errc <- err
		}
	}()
	s.log.Info("http server listening", logx.String("addr", s.addr), logx.Bool("pprof", s.cfg.Pprof))
	return errc, nil
}

// Addr is the bound address once started.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.srv
	s.srv = nil
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	err := srv.Shutdown(ctx)
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
