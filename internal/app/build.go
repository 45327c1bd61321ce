package app

import (
	"errors"
	"strings"
	"time"

	"broadcastd/internal/config"
	"broadcastd/internal/dispatch"
	"broadcastd/internal/lock"
	"broadcastd/internal/scheduler"
	"broadcastd/internal/storage"
	"broadcastd/internal/transport"
	"broadcastd/internal/transport/amqp"
	"broadcastd/internal/transport/logsink"
	"broadcastd/internal/transport/telegram"
	"broadcastd/internal/transport/webhook"
	logx "broadcastd/pkg/logx"
)

// Job names registered with the scheduler.
const (
	JobDispatch = "dispatch"
	JobReport   = "report.monthly"
)

func logConfig(cfg *config.Config) logx.Config {
	l := cfg.Logging
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		File:    logx.FileConfig{Enabled: l.File.Enabled, Path: l.File.Path},
		Sink: logx.SinkConfig{
			Enabled:    l.Sink.Enabled,
			Backend:    l.Sink.Backend,
			Identity:   l.Sink.Identity,
			MinLevel:   l.Sink.MinLevel,
			RatePerSec: l.Sink.RatePerSec,
		},
	}
}

func storageConfig(cfg *config.Config) storage.Config {
	return storage.Config{
		Driver:      cfg.Storage.Driver,
		Path:        cfg.Storage.Path,
		DSN:         cfg.Storage.DSN,
		BusyTimeout: cfg.StorageBusyTimeout(),
		MaxConns:    cfg.Storage.MaxConns,
	}
}

func schedulerConfig(cfg *config.Config) scheduler.Config {
	return scheduler.Config{Enabled: cfg.Scheduler.Enabled, Timezone: cfg.Scheduler.Timezone}
}

func dispatchOptions(cfg *config.Config, loc *time.Location) dispatch.Options {
	return dispatch.Options{
		BatchSize:   cfg.Dispatch.BatchSize,
		ClaimTTL:    cfg.ClaimTTL(),
		SendTimeout: cfg.SendTimeout(),
		RatePerSec:  cfg.Dispatch.RatePerSec,
		Location:    loc,
	}
}

// buildAdapters constructs every enabled transport. One bad adapter does not
// stop the others from being built; the error lists all failures.
func buildAdapters(cfg *config.Config, log logx.Logger) ([]transport.Adapter, error) {
	t := cfg.Transports
	var (
		out  []transport.Adapter
		errs []error
	)
	if t.Telegram.Enabled {
		a, err := telegram.New(telegram.Config{
			Token:       t.Telegram.Token,
			PollTimeout: config.Duration(t.Telegram.PollTimeout, 10*time.Second),
		}, log.With(logx.String("comp", "transport.telegram")))
		if err != nil {
			errs = append(errs, err)
		} else {
			out = append(out, a)
		}
	}
	if t.Webhook.Enabled {
		a, err := webhook.New(webhook.Config{
			URL:     t.Webhook.URL,
			Token:   t.Webhook.Token,
			Timeout: config.Duration(t.Webhook.Timeout, 10*time.Second),
		}, log.With(logx.String("comp", "transport.webhook")))
		if err != nil {
			errs = append(errs, err)
		} else {
			out = append(out, a)
		}
	}
	if t.AMQP.Enabled {
		a, err := amqp.New(amqp.Config{
			URL:           t.AMQP.URL,
			OutboundQueue: t.AMQP.OutboundQueue,
			InboundQueue:  t.AMQP.InboundQueue,
		}, log.With(logx.String("comp", "transport.amqp")))
		if err != nil {
			errs = append(errs, err)
		} else {
			out = append(out, a)
		}
	}
	if t.Log.Enabled {
		out = append(out, logsink.New(log.With(logx.String("comp", "transport.log"))))
	}
	return out, errors.Join(errs...)
}

// buildLocker returns the cycle lock and, for Redis, the client to close.
func buildLocker(cfg *config.Config) (lock.Locker, func() error, error) {
	if strings.EqualFold(cfg.Lock.Driver, "redis") {
		r, err := lock.NewRedis(lock.RedisConfig{
			Addr:     cfg.Lock.Addr,
			Password: cfg.Lock.Password,
			DB:       cfg.Lock.DB,
			Key:      cfg.Lock.Key,
			TTL:      cfg.LockTTL(),
		})
		if err != nil {
			return nil, nil, err
		}
		return r, r.Close, nil
	}
	return lock.Nop{}, func() error { return nil }, nil
}
