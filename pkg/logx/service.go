package logx

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

type Config struct {
	Level   string
	Console bool
	File    FileConfig
	Sink    SinkConfig
}

type FileConfig struct {
	Enabled bool
	Path    string
}

// SinkConfig mirrors log lines at or above MinLevel to one transport destination.
type SinkConfig struct {
	Enabled    bool
	Backend    string
	Identity   string
	MinLevel   string
	RatePerSec int
}

// Sender delivers a text to (backend, identity). The transport router implements it.
type Sender interface {
	SendText(ctx context.Context, backend, identity, text string) error
}

// Service owns the active zerolog root and swaps it on Apply.
type Service struct {
	mu  sync.Mutex
	cfg Config

	root atomic.Value // zerolog.Logger

	file *os.File

	sender    atomic.Value // senderBox
	queue     chan sinkItem
	workerOn  sync.Once
	stopSink  context.CancelFunc
	sinkGroup sync.WaitGroup

	// guarded by mu
	limiter  *rate.Limiter
	minLevel zerolog.Level
	backend  string
	identity string
}

type senderBox struct{ s Sender }

type sinkItem struct {
	backend, identity, text string
}

// New creates the logging service, applies cfg and returns the live root Logger.
// sender may be nil and set later with SetSender.
func New(cfg Config, sender Sender) (*Service, Logger) {
	zerolog.ErrorFieldName = "err"
	zerolog.TimeFieldFormat = consoleTimeFormat

	s := &Service{cfg: cfg, queue: make(chan sinkItem, 256)}
	s.root.Store(zerolog.New(newConsoleWriter(os.Stdout)).Level(ParseLevel(cfg.Level, LevelInfo)).With().Timestamp().Logger())
	s.SetSender(sender)
	s.Apply(cfg)
	return s, Logger{svc: s}
}

func (s *Service) current() zerolog.Logger {
	zl, ok := s.root.Load().(zerolog.Logger)
	if !ok {
		return zerolog.Nop()
	}
	return zl
}

func (s *Service) Logger() Logger { return Logger{svc: s} }

// SetSender wires the transport used by the sink.
func (s *Service) SetSender(sender Sender) {
	s.sender.Store(senderBox{s: sender})
}

func (s *Service) currentSender() Sender {
	b, _ := s.sender.Load().(senderBox)
	return b.s
}

func (s *Service) Close() error {
	s.mu.Lock()
	f := s.file
	s.file = nil
	cancel := s.stopSink
	s.stopSink = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		s.sinkGroup.Wait()
	}
	if f != nil {
		return f.Close()
	}
	return nil
}

// Apply swaps outputs and levels at runtime. Safe for concurrent use.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cfg = cfg
	s.minLevel = ParseLevel(cfg.Sink.MinLevel, LevelWarn)
	rps := max(1, cfg.Sink.RatePerSec)
	s.limiter = rate.NewLimiter(rate.Limit(rps), rps)
	s.backend = strings.TrimSpace(cfg.Sink.Backend)
	s.identity = strings.TrimSpace(cfg.Sink.Identity)

	if s.file != nil {
		_ = s.file.Close()
		s.file = nil
	}

	writers := make([]io.Writer, 0, 3)
	if cfg.Console {
		writers = append(writers, newConsoleWriter(os.Stdout))
	}
	if cfg.File.Enabled {
		path := strings.TrimSpace(cfg.File.Path)
		if path == "" {
			path = "./broadcastd.log"
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "logx: failed opening log file %q: %v\n", path, err)
		} else {
			s.file = f
			writers = append(writers, zerolog.SyncWriter(f))
		}
	}
	if cfg.Sink.Enabled {
		s.workerOn.Do(func() {
			ctx, cancel := context.WithCancel(context.Background())
			s.stopSink = cancel
			s.sinkGroup.Add(1)
			go func() {
				defer s.sinkGroup.Done()
				s.sinkWorker(ctx)
			}()
		})
		if s.backend == "" || s.identity == "" {
			fmt.Fprintln(os.Stderr, "logx: sink enabled but logging.sink.backend/identity is not set")
		}
		writers = append(writers, &sinkWriter{svc: s})
	}
	if len(writers) == 0 {
		writers = append(writers, newConsoleWriter(os.Stdout))
	}

	zl := zerolog.New(zerolog.MultiLevelWriter(writers...)).Level(ParseLevel(cfg.Level, LevelInfo)).With().Timestamp().Logger()
	s.root.Store(zl)
}
