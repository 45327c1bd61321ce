package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"broadcastd/internal/eventbus"
	logx "broadcastd/pkg/logx"
)

var (
	ErrUnknownSchedule = errors.New("scheduler: unknown schedule")
	// ErrSkipped is returned by Trigger when the previous run is still in flight.
	ErrSkipped = errors.New("scheduler: previous run still in flight")
)

type Config struct {
	Enabled  bool
	Timezone string // IANA TZ, e.g. "Asia/Jakarta"; empty means Local
}

// Job is one scheduled unit of work. Errors are logged, never propagated.
type Job func(ctx context.Context) error

type scheduleDef struct {
	name          string
	spec          string // cron spec or @every
	timeout       time.Duration
	job           Job
	entryID       cron.EntryID
	startupSpread time.Duration

	running atomic.Bool
	last    atomic.Pointer[RunRecord]
}

// RunRecord describes one finished run.
type RunRecord struct {
	Name     string
	Started  time.Time
	Duration time.Duration
	Error    string
	Panicked bool
}

type Service struct {
	mu sync.Mutex

	log logx.Logger
	cfg Config
	loc *time.Location
	bus *eventbus.Bus

	parser cron.Parser
	c      *cron.Cron
	defs   []*scheduleDef

	// base is the parent of every job context; cancel aborts in-flight runs.
	base    context.Context
	cancel  context.CancelFunc
	started bool
	wg      sync.WaitGroup
}

type ScheduleInfo struct {
	Name          string
	Spec          string
	Timeout       time.Duration
	StartupSpread time.Duration
	Next          time.Time
	Prev          time.Time
	Running       bool
	Last          *RunRecord
}

type Snapshot struct {
	Enabled   bool
	Running   bool
	Timezone  string
	Schedules []ScheduleInfo
}
