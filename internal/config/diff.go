package config

import (
	"reflect"
	"strings"

	logx "broadcastd/pkg/logx"
)

// Sections that take effect only after a restart.
var restartSections = map[string]bool{
	"storage":    true,
	"lock":       true,
	"http":       true,
	"transports": true,
	"forwarding": true,
}

// SummarizeConfigChange returns the changed top-level sections, safe log
// fields describing them (never secrets) and the subset of sections that need
// a restart to take effect.
func SummarizeConfigChange(oldCfg, newCfg *Config) (changed []string, attrs []logx.Field, restart []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	mark := func(section string, fields ...logx.Field) {
		changed = append(changed, section)
		attrs = append(attrs, fields...)
		if restartSections[section] {
			restart = append(restart, section)
		}
	}
	secretSet := func(s string) bool { return strings.TrimSpace(s) != "" }

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		mark("logging",
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.sink_enabled", newCfg.Logging.Sink.Enabled),
		)
	}
	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		mark("storage",
			logx.String("storage.driver", newCfg.Storage.Driver),
			logx.String("storage.path", newCfg.Storage.Path),
			logx.Bool("storage.dsn_set", secretSet(newCfg.Storage.DSN)),
		)
	}
	if !reflect.DeepEqual(oldCfg.Scheduler, newCfg.Scheduler) {
		mark("scheduler",
			logx.Bool("scheduler.enabled", newCfg.Scheduler.Enabled),
			logx.String("scheduler.timezone", newCfg.Scheduler.Timezone),
			logx.String("scheduler.dispatch", newCfg.Scheduler.Dispatch),
		)
	}
	if !reflect.DeepEqual(oldCfg.Dispatch, newCfg.Dispatch) {
		mark("dispatch",
			logx.Int("dispatch.batch_size", newCfg.Dispatch.BatchSize),
			logx.Float64("dispatch.rate_per_sec", newCfg.Dispatch.RatePerSec),
		)
	}
	if oldCfg.Forwarding != newCfg.Forwarding {
		mark("forwarding", logx.Bool("forwarding.enabled", newCfg.Forwarding.Enabled))
	}
	if oldCfg.Report != newCfg.Report {
		mark("report",
			logx.Bool("report.enabled", newCfg.Report.Enabled),
			logx.String("report.schedule", newCfg.Report.Schedule),
			logx.Bool("report.group_set", secretSet(newCfg.Report.Group)),
		)
	}
	if oldCfg.Lock != newCfg.Lock {
		mark("lock",
			logx.String("lock.driver", newCfg.Lock.Driver),
			logx.String("lock.addr", newCfg.Lock.Addr),
			logx.Bool("lock.password_set", secretSet(newCfg.Lock.Password)),
		)
	}
	if oldCfg.HTTP != newCfg.HTTP {
		mark("http",
			logx.Bool("http.enabled", newCfg.HTTP.Enabled),
			logx.String("http.addr", newCfg.HTTP.Addr),
			logx.Bool("http.inbound_token_set", secretSet(newCfg.HTTP.InboundToken)),
			logx.Bool("http.pprof", newCfg.HTTP.Pprof),
		)
	}
	if oldCfg.Transports != newCfg.Transports {
		t := newCfg.Transports
		mark("transports",
			logx.Bool("transports.telegram", t.Telegram.Enabled),
			logx.Bool("transports.webhook", t.Webhook.Enabled),
			logx.Bool("transports.amqp", t.AMQP.Enabled),
			logx.Bool("transports.log", t.Log.Enabled),
		)
	}
	return changed, attrs, restart
}
