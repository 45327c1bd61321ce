package app

import (
	"context"
	"strings"
	"time"

	"broadcastd/internal/config"
	"broadcastd/internal/eventbus"
	logx "broadcastd/pkg/logx"
)

// reloadLoop applies committed configs until ctx ends. Bursts are coalesced
// so only the newest config is applied.
func (a *App) reloadLoop(ctx context.Context, sub <-chan *config.Config) {
	last := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case next, ok := <-sub:
			if !ok {
				return
			}
		drain:
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						next = newer
					}
				default:
					break drain
				}
			}
			if next == nil {
				continue
			}
			a.applyConfig(last, next)
			last = next
		}
	}
}

// applyConfig pushes the live-reloadable sections of next into the running
// components. Sections that need a restart are only reported.
func (a *App) applyConfig(prev, next *config.Config) {
	sections, attrs, restart := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	if len(restart) > 0 {
		a.log.Warn("config sections changed that need a restart to take effect",
			logx.String("sections", strings.Join(restart, ",")))
	}

	a.logs.Apply(logConfig(next))
	a.sched.Apply(schedulerConfig(next))
	a.dispatcher.Apply(dispatchOptions(next, a.sched.Location()))
	if err := a.registerJobs(next); err != nil {
		// validate already parsed the schedules, so this is a cron-level rejection.
		a.log.Error("schedule update failed; keeping previous jobs where possible", logx.Err(err))
	}

	a.bus.Publish(eventbus.Event{Type: eventbus.TypeConfigReload, Time: time.Now(), Data: sections})
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}
