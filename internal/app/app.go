// Package app wires config, storage, rendering, delivery, the scheduler and
// the admin API into one process.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"reportd/internal/api"
	"reportd/internal/config"
	"reportd/internal/delivery"
	"reportd/internal/eventbus"
	"reportd/internal/render"
	"reportd/internal/report"
	"reportd/internal/runtime/supervisor"
	"reportd/internal/scheduler"
	"reportd/internal/storage"
	logx "reportd/pkg/logx"
)

// initRetry paces reloading active reports after a failed startup query.
var initRetry = supervisor.RestartPolicy{MinBackoff: time.Second, MaxBackoff: 5 * time.Minute}

type App struct {
	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  *eventbus.MemBus

	store    report.Store
	client   *render.Client
	renderer render.Renderer
	chrome   render.ChromeConfig
	breaker  render.BreakerConfig

	fanout *delivery.Fanout
	tg     *delivery.Telegram

	sched *scheduler.Service

	server *api.Server
}

type options struct {
	store  report.Store
	engine render.Engine
}

type Option func(*options)

// WithStore replaces the configured storage driver.
func WithStore(st report.Store) Option {
	return func(o *options) { o.store = st }
}

// WithRenderEngine replaces the headless Chrome engine.
func WithRenderEngine(e render.Engine) Option {
	return func(o *options) { o.engine = e }
}

// New loads the config and builds every component. Nothing runs until Start.
func New(ctx context.Context, cfgPath string, opts ...Option) (*App, error) {
	var o options
	for _, fn := range opts {
		fn(&o)
	}

	if err := config.LoadDotEnv(cfgPath); err != nil {
		return nil, err
	}
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	s, err := mapConfig(cfg)
	if err != nil {
		return nil, err
	}

	tg, err := buildTelegram(s)
	if err != nil {
		return nil, err
	}
	var sender logx.Sender
	if tg != nil {
		sender = tg
	}
	logSvc, log := logx.New(s.log, sender)
	appLog := log.With(logx.String("comp", "app"))

	store := o.store
	if store == nil {
		store, err = storage.Open(ctx, s.storage, log)
		if err != nil {
			_ = logSvc.Close()
			return nil, fmt.Errorf("storage: %w", err)
		}
		appLog.Info("storage opened", logx.String("driver", s.storage.Driver))
	}
	fail := func(err error) (*App, error) {
		_ = store.Close()
		_ = logSvc.Close()
		return nil, err
	}

	engine := o.engine
	if engine == nil {
		engine = render.NewChrome(s.chrome)
	}
	client := render.NewClient(engine, s.render, log)
	renderer := render.NewBreaker(client, s.breaker, log.With(logx.String("comp", "render")))

	channels, err := buildChannels(s, tg)
	if err != nil {
		return fail(err)
	}
	fanout := delivery.NewFanout(log, s.deliveryTimeout, channels...)

	bus := eventbus.New()
	sched := scheduler.New(s.scheduler, scheduler.Deps{
		Store:    store,
		Renderer: renderer,
		Delivery: fanout,
		Bus:      bus,
		Log:      log,
	})

	a := &App{
		cfgm:     cfgm,
		log:      appLog,
		logs:     logSvc,
		bus:      bus,
		store:    store,
		client:   client,
		renderer: renderer,
		chrome:   s.chrome,
		breaker:  s.breaker,
		fanout:   fanout,
		tg:       tg,
		sched:    sched,
	}
	if s.apiEnabled {
		h := api.NewRouter(s.router, api.NewReportHandler(store, sched, log), log)
		a.server = api.NewServer(s.server, h, log)
	}
	return a, nil
}

func (a *App) Scheduler() *scheduler.Service { return a.sched }

func (a *App) Store() report.Store { return a.store }

func (a *App) Bus() eventbus.Bus { return a.bus }

// API is nil when the admin API is disabled.
func (a *App) API() *api.Server { return a.server }

func (a *App) Logger() logx.Logger { return a.log }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Start runs the daemon: expired reports are purged, active ones scheduled,
// then maintenance, config watching and the API run under the supervisor.
func (a *App) Start(ctx context.Context) error {
	if a.sup != nil {
		return errors.New("app already started")
	}
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	run := a.sup.Context()

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		s, err := mapConfig(cfg)
		if err != nil {
			return err
		}
		// catch a broken delivery section before it replaces a working one
		_, err = buildChannels(s, nil)
		return err
	})

	a.sched.Start(run)
	if _, err := a.sched.CleanupExpiredSchedules(run); err != nil {
		a.log.Warn("startup cleanup failed; continuing", logx.Err(err))
	}
	if _, err := a.sched.InitializeSchedules(run); err != nil {
		a.log.Warn("initial schedule load failed; retrying in background", logx.Err(err))
		a.sup.GoRestart("scheduler.init", func(c context.Context) error {
			_, err := a.sched.InitializeSchedules(c)
			return err
		}, initRetry)
	}

	a.sup.Go("scheduler.maintenance", a.sched.MaintenanceLoop)

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

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
	})
	a.sup.Go("config.watch", a.cfgm.Watch)

	if a.server != nil {
		a.sup.GoRestart("api", a.server.Run, supervisor.RestartPolicy{
			MinBackoff:  500 * time.Millisecond,
			MaxBackoff:  30 * time.Second,
			MaxRestarts: 10,
		})
	}

	a.sup.Go0("systemd.watchdog", a.watchdogLoop)
	a.sdNotify(daemon.SdNotifyReady)
	a.log.Info("app started", logx.Int("schedules", a.sched.Registry().Len()), logx.Bool("api", a.server != nil))
	return nil
}

// Stop shuts components down in dependency order, each step bounded.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return a.closeResources()
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sdNotify(daemon.SdNotifyStopping)

	// Cancel first so the API and background loops start unwinding.
	a.sup.Cancel()

	a.step(ctx, "scheduler", 10*time.Second, a.sched.Stop)
	a.step(ctx, "supervisor", 5*time.Second, a.sup.Wait)
	a.step(ctx, "storage", 2*time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return a.sup.Err()
}

// closeResources releases what New opened, for one-shot commands that never Start.
func (a *App) closeResources() error {
	err := a.store.Close()
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return err
}

// step runs fn with an upper bound so one component can't stall the whole stop.
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

	// respect the caller's deadline; never extend it
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem < max {
			max = rem
		}
	}
	if max <= 0 {
		a.log.Warn("stop step skipped: no time left", logx.String("name", name))
		return
	}
	stepCtx, cancel := context.WithTimeout(ctx, max)
	defer cancel()

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
		took := time.Since(start)
		if took >= 500*time.Millisecond {
			a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		} else {
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Err(stepCtx.Err()),
			logx.Duration("elapsed", time.Since(start)),
		)
		go func() {
			if err := <-done; err != nil {
				a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err))
			}
		}()
	}
}

// Cleanup purges expired reports without starting the daemon.
func (a *App) Cleanup(ctx context.Context) (int, error) {
	return a.sched.CleanupExpiredSchedules(ctx)
}

// RunOnce renders and delivers one report synchronously, bypassing timers.
func (a *App) RunOnce(ctx context.Context, id string) (scheduler.RunRecord, error) {
	return a.sched.RunOnce(ctx, id)
}
