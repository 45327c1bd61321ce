package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	DefaultDispatchSchedule = "*/5 * * * *"
	DefaultReportSchedule   = "0 8 1 * *"
	DefaultBatchSize        = 50
	DefaultClaimTTL         = 10 * time.Minute
	DefaultHTTPAddr         = "127.0.0.1:8080"
	DefaultConfirmations    = "confirmations"
	DefaultSQLitePath       = "data/broadcastd.db"
)

// ApplyDefaults fills zero values.
func (c *Config) ApplyDefaults() {
	if strings.TrimSpace(c.Logging.Level) == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Sink.MinLevel == "" {
		c.Logging.Sink.MinLevel = "warn"
	}

	c.Storage.Driver = strings.ToLower(strings.TrimSpace(c.Storage.Driver))
	if c.Storage.Driver == "" {
		c.Storage.Driver = "sqlite"
	}
	if c.Storage.Driver == "sqlite" && strings.TrimSpace(c.Storage.Path) == "" {
		c.Storage.Path = DefaultSQLitePath
	}

	if strings.TrimSpace(c.Scheduler.Dispatch) == "" {
		c.Scheduler.Dispatch = DefaultDispatchSchedule
	}
	if c.Dispatch.BatchSize <= 0 {
		c.Dispatch.BatchSize = DefaultBatchSize
	}
	if strings.TrimSpace(c.Report.Schedule) == "" {
		c.Report.Schedule = DefaultReportSchedule
	}

	c.Lock.Driver = strings.ToLower(strings.TrimSpace(c.Lock.Driver))
	if c.Lock.Driver == "" {
		c.Lock.Driver = "none"
	}
	if strings.TrimSpace(c.HTTP.Addr) == "" {
		c.HTTP.Addr = DefaultHTTPAddr
	}
	if strings.TrimSpace(c.HTTP.ConfirmationsGroup) == "" {
		c.HTTP.ConfirmationsGroup = DefaultConfirmations
	}
}

// Validate checks what can be checked without touching the outside world.
// Schedule strings are checked by the scheduler when they are registered.
func (c *Config) Validate() error {
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	dur := func(path, raw string) {
		_, err := ParseDurationField(path, raw)
		add(err)
	}

	switch c.Storage.Driver {
	case "sqlite", "sqlite3":
		if strings.TrimSpace(c.Storage.Path) == "" {
			add(errors.New("storage.path is required for sqlite"))
		}
	case "postgres", "pgx":
		if strings.TrimSpace(c.Storage.DSN) == "" {
			add(errors.New("storage.dsn is required for postgres"))
		}
	default:
		add(fmt.Errorf("storage.driver %q is not sqlite or postgres", c.Storage.Driver))
	}
	dur("storage.busy_timeout", c.Storage.BusyTimeout)
	dur("scheduler.dispatch_timeout", c.Scheduler.DispatchTimeout)
	dur("dispatch.send_timeout", c.Dispatch.SendTimeout)
	dur("dispatch.claim_ttl", c.Dispatch.ClaimTTL)
	if c.Dispatch.RatePerSec < 0 {
		add(errors.New("dispatch.rate_per_sec must be >= 0"))
	}

	switch c.Lock.Driver {
	case "none":
	case "redis":
		if strings.TrimSpace(c.Lock.Addr) == "" {
			add(errors.New("lock.addr is required for redis"))
		}
	default:
		add(fmt.Errorf("lock.driver %q is not none or redis", c.Lock.Driver))
	}
	dur("lock.ttl", c.Lock.TTL)

	dur("http.read_timeout", c.HTTP.ReadTimeout)
	dur("http.write_timeout", c.HTTP.WriteTimeout)

	t := c.Transports
	if t.Telegram.Enabled && strings.TrimSpace(t.Telegram.Token) == "" {
		add(fmt.Errorf("transports.telegram.token is required (or set %s)", EnvTelegramToken))
	}
	dur("transports.telegram.poll_timeout", t.Telegram.PollTimeout)
	if t.Webhook.Enabled && strings.TrimSpace(t.Webhook.URL) == "" {
		add(errors.New("transports.webhook.url is required"))
	}
	dur("transports.webhook.timeout", t.Webhook.Timeout)
	if t.AMQP.Enabled && strings.TrimSpace(t.AMQP.URL) == "" {
		add(fmt.Errorf("transports.amqp.url is required (or set %s)", EnvAMQPURL))
	}

	s := c.Logging.Sink
	if s.Enabled && (strings.TrimSpace(s.Backend) == "" || strings.TrimSpace(s.Identity) == "") {
		add(errors.New("logging.sink needs backend and identity"))
	}
	if c.Logging.File.Enabled && strings.TrimSpace(c.Logging.File.Path) == "" {
		add(errors.New("logging.file.path is required when the file sink is enabled"))
	}
	return errors.Join(errs...)
}

// StorageBusyTimeout and friends return parsed durations; Validate has
// already rejected malformed values.
func (c *Config) StorageBusyTimeout() time.Duration {
	d, _ := ParseDurationField("storage.busy_timeout", c.Storage.BusyTimeout)
	return d
}

func (c *Config) DispatchTimeout() time.Duration {
	d, _ := ParseDurationField("scheduler.dispatch_timeout", c.Scheduler.DispatchTimeout)
	return d
}

func (c *Config) SendTimeout() time.Duration {
	d, _ := ParseDurationField("dispatch.send_timeout", c.Dispatch.SendTimeout)
	return d
}

func (c *Config) ClaimTTL() time.Duration {
	d, _ := ParseDurationOrDefault("dispatch.claim_ttl", c.Dispatch.ClaimTTL, DefaultClaimTTL)
	return d
}

func (c *Config) LockTTL() time.Duration {
	d, _ := ParseDurationField("lock.ttl", c.Lock.TTL)
	return d
}

// Duration parses raw leniently, returning def for empty or invalid values.
func Duration(raw string, def time.Duration) time.Duration {
	d, err := ParseDurationOrDefault("", raw, def)
	if err != nil {
		return def
	}
	return d
}
