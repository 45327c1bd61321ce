// Package app wires broadcastd's components together and owns the process
// lifecycle: start order, config hot reload and bounded shutdown.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"broadcastd/internal/config"
	"broadcastd/internal/dispatch"
	"broadcastd/internal/eventbus"
	"broadcastd/internal/forward"
	"broadcastd/internal/httpapi"
	"broadcastd/internal/lock"
	"broadcastd/internal/metrics"
	"broadcastd/internal/report"
	"broadcastd/internal/runtime/supervisor"
	"broadcastd/internal/scheduler"
	"broadcastd/internal/storage"
	"broadcastd/internal/transport"
	logx "broadcastd/pkg/logx"
	"broadcastd/pkg/systemd"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	root    logx.Logger
	log     logx.Logger
	logs    *logx.Service
	bus     *eventbus.Bus
	metrics *metrics.Metrics
	store   *storage.Store

	router     *transport.Router
	locker     lock.Locker
	closeLock  func() error
	dispatcher *dispatch.Dispatcher
	forward    *forward.Engine // nil when forwarding is off
	reports    *report.Aggregator
	sched      *scheduler.Service
	http       *httpapi.Server
}

// New loads the config and builds every component. Nothing runs until Start.
func New(ctx context.Context, cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	// The sink sender is attached once the router exists.
	logSvc, root := logx.New(logConfig(cfg), nil)
	log := root.With(logx.String("comp", "app"))

	bus := eventbus.New()
	m := metrics.New()

	store, err := storage.Open(ctx, storageConfig(cfg), root.With(logx.String("comp", "storage")))
	if err != nil {
		_ = logSvc.Close()
		return nil, fmt.Errorf("open storage: %w", err)
	}
	m.RegisterDB(store.DB(), store.Driver())

	router := transport.NewRouter(transport.RouterOptions{
		Journal: store,
		Log:     root,
		Metrics: m,
		Bus:     bus,
	})
	adapters, err := buildAdapters(cfg, root)
	if err != nil {
		_ = store.Close()
		_ = logSvc.Close()
		return nil, fmt.Errorf("transports: %w", err)
	}
	for _, ad := range adapters {
		router.Register(ad)
	}
	if len(adapters) == 0 {
		log.Warn("no transports enabled; queued messages will fail to send")
	}
	logSvc.SetSender(router)

	locker, closeLock, err := buildLocker(cfg)
	if err != nil {
		_ = store.Close()
		_ = logSvc.Close()
		return nil, fmt.Errorf("lock: %w", err)
	}

	sched := scheduler.New(schedulerConfig(cfg), root.With(logx.String("comp", "scheduler")), bus)

	a := &App{
		cfgm:      cfgm,
		root:      root,
		log:       log,
		logs:      logSvc,
		bus:       bus,
		metrics:   m,
		store:     store,
		router:    router,
		locker:    locker,
		closeLock: closeLock,
		reports:   report.New(store),
		sched:     sched,
	}
	a.dispatcher = dispatch.New(dispatchOptions(cfg, sched.Location()), dispatch.Deps{
		Store:   store,
		Sender:  router,
		Log:     root.With(logx.String("comp", "dispatch")),
		Locker:  locker,
		Bus:     bus,
		Metrics: m,
	})
	if cfg.Forwarding.Enabled {
		a.forward = forward.New(forward.Deps{
			Store:     store,
			Responder: router,
			Log:       root.With(logx.String("comp", "forward")),
			Bus:       bus,
			Metrics:   m,
		})
	}
	if err := a.registerJobs(cfg); err != nil {
		a.closeAll()
		return nil, err
	}
	if cfg.HTTP.Enabled {
		a.http = a.newHTTP(cfg, root)
	}
	return a, nil
}

func (a *App) newHTTP(cfg *config.Config, root logx.Logger) *httpapi.Server {
	return httpapi.New(httpapi.Config{
		Addr:               cfg.HTTP.Addr,
		ReadTimeout:        config.Duration(cfg.HTTP.ReadTimeout, 10*time.Second),
		WriteTimeout:       config.Duration(cfg.HTTP.WriteTimeout, 30*time.Second),
		InboundToken:       cfg.HTTP.InboundToken,
		Pprof:              cfg.HTTP.Pprof,
		Location:           a.sched.Location(),
		ConfirmationsGroup: cfg.HTTP.ConfirmationsGroup,
	}, httpapi.Deps{
		Store:   a.store,
		Inbox:   a.router,
		Reports: a.reports,
		Sched:   a.sched,
		Bodies:  a.store,
		Casts:   a.store,
		Metrics: a.metrics,
		Log:     root.With(logx.String("comp", "http")),
	})
}

// registerJobs upserts the scheduler jobs for cfg; it runs again on reload.
func (a *App) registerJobs(cfg *config.Config) error {
	err := a.sched.AddSchedule(JobDispatch, cfg.Scheduler.Dispatch, cfg.DispatchTimeout(), func(ctx context.Context) error {
		_, err := a.dispatcher.RunCycle(ctx)
		return err
	})
	if err != nil {
		return fmt.Errorf("dispatch schedule: %w", err)
	}
	if !cfg.Report.Enabled {
		a.sched.Remove(JobReport)
		return nil
	}
	summary := &report.MonthlySummary{
		Agg:       a.reports,
		Directory: a.store,
		Sender:    a.router,
		Log:       a.root.With(logx.String("comp", "report")),
		Group:     strings.TrimSpace(cfg.Report.Group),
		Location:  a.sched.Location(),
	}
	if err := a.sched.AddSchedule(JobReport, cfg.Report.Schedule, 0, summary.Run); err != nil {
		return fmt.Errorf("report schedule: %w", err)
	}
	return nil
}

func (a *App) Store() *storage.Store            { return a.store }
func (a *App) Scheduler() *scheduler.Service    { return a.sched }
func (a *App) Dispatcher() *dispatch.Dispatcher { return a.dispatcher }
func (a *App) Bus() *eventbus.Bus               { return a.bus }

// HTTPAddr is the bound HTTP address, or "" when HTTP is off.
func (a *App) HTTPAddr() string {
	if a.http == nil {
		return ""
	}
	return a.http.Addr()
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	c := a.sup.Context()

	a.cfgm.SetLogger(a.root.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(a.validate)

	if a.forward != nil {
		if _, err := a.forward.CheckRules(c); err != nil {
			a.log.Warn("forwarding rule check failed", logx.Err(err))
		}
	}

	if err := a.router.Start(c); err != nil {
		// Adapters that started keep running; the failed ones are logged.
		a.log.Warn("some transports failed to start", logx.Err(err))
	}
	var handler transport.Handler
	if a.forward != nil {
		handler = a.forward
	}
	a.sup.Go("transport.inbound", func(c context.Context) error {
		return a.router.Run(c, handler)
	})

	if a.http != nil {
		errc, err := a.http.Start(c)
		if err != nil {
			return fmt.Errorf("http: %w", err)
		}
		a.sup.Go("http.serve", func(c context.Context) error {
			select {
			case <-c.Done():
				return nil
			case err, ok := <-errc:
				if ok && err != nil {
					return err
				}
				return nil
			}
		})
	}

	a.sched.Start(c)

	if a.log.Enabled(logx.LevelDebug) {
		events, unsub := a.bus.Subscribe(128)
		a.sup.Go0("eventbus.log", func(c context.Context) {
			defer unsub()
			for {
				select {
				case <-c.Done():
					return
				case e, ok := <-events:
					if !ok {
						return
					}
					a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
				}
			}
		})
	}

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
	})
	a.sup.Go("config.watch", a.cfgm.Watch)
	a.sup.Go0("systemd.watchdog", func(c context.Context) {
		if err := systemd.Watchdog(c, a.store.Ping); err != nil {
			a.log.Warn("systemd watchdog stopped", logx.Err(err))
		}
	})

	if _, err := systemd.Ready(); err != nil {
		a.log.Warn("sd_notify ready failed", logx.Err(err))
	}
	a.log.Info("app started",
		logx.String("storage", a.store.Driver()),
		logx.String("transports", strings.Join(a.router.Backends(), ",")),
		logx.Bool("forwarding", a.forward != nil),
		logx.String("http", a.HTTPAddr()))
	return nil
}

// validate is the hot-reload gate: a config that cannot be applied is never committed.
func (a *App) validate(_ context.Context, cfg *config.Config) error {
	var errs []error
	for _, spec := range []struct{ name, raw string }{
		{"scheduler.dispatch", cfg.Scheduler.Dispatch},
		{"report.schedule", cfg.Report.Schedule},
	} {
		if err := scheduler.ValidateSchedule(spec.raw); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", spec.name, err))
		}
	}
	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			errs = append(errs, fmt.Errorf("scheduler.timezone: invalid %q: %w", tz, err))
		}
	}
	return errors.Join(errs...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		a.closeAll()
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	if _, err := systemd.Stopping(); err != nil {
		a.log.Debug("sd_notify stopping failed", logx.Err(err))
	}

	a.sup.Cancel()

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		stepCtx := ctx
		if max > 0 {
			if dl, ok := ctx.Deadline(); ok {
				max = min(max, time.Until(dl))
			}
			if max > 0 {
				var cancel context.CancelFunc
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			if took := time.Since(start); took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name), logx.Err(stepCtx.Err()), logx.Duration("elapsed", time.Since(start)))
			go func() {
				err := <-done
				if err != nil {
					a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", time.Since(start)))
				}
			}()
		}
	}

	// Triggers first so no new cycle starts while transports go away.
	step("scheduler", 5*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("http", 2*time.Second, func(c context.Context) error {
		if a.http == nil {
			return nil
		}
		return a.http.Stop(c)
	})
	step("transports", 3*time.Second, a.router.Stop)
	step("supervisor", 2*time.Second, a.sup.Wait)
	step("lock", time.Second, func(context.Context) error { return a.closeLock() })
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	_ = a.logs.Close()
	return nil
}

// closeAll releases resources when Start never ran.
func (a *App) closeAll() {
	if a.closeLock != nil {
		_ = a.closeLock()
	}
	_ = a.store.Close()
	_ = a.logs.Close()
}
