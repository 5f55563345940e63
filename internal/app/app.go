// Package app wires configuration, logging, the event bus and the services
// into one process lifecycle.
package app

import (
	"context"
	"fmt"
	"time"

	"grindbot/internal/automation"
	"grindbot/internal/config"
	"grindbot/internal/eventbus"
	"grindbot/internal/history"
	"grindbot/internal/notifier"
	rtsup "grindbot/internal/runtime/supervisor"
	"grindbot/internal/scheduler"
	"grindbot/internal/trigger"
	logx "grindbot/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store    history.Store
	recorder *history.Recorder

	sched    *scheduler.Service
	registry *automation.Registry
	trig     *trigger.Service
	notif    *notifier.Service
}

// Option customizes app construction.
type Option func(*buildOpts)

type buildOpts struct {
	recognizer automation.Recognizer
	injector   automation.Injector
}

// WithRecognizer installs the screen recognition backend, enabling the
// "screen" trigger action.
func WithRecognizer(r automation.Recognizer) Option {
	return func(o *buildOpts) { o.recognizer = r }
}

// WithInjector installs the input injection backend, enabling the "sequence"
// trigger action.
func WithInjector(i automation.Injector) Option {
	return func(o *buildOpts) { o.injector = i }
}

func NewApp(cfgPath string, opts ...Option) (*App, error) {
	var bo buildOpts
	for _, o := range opts {
		o(&bo)
	}

	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	// History (optional)
	var store history.Store
	hc, err := mapHistoryConfig(cfg.History)
	if err != nil {
		return nil, err
	}
	if st, err := history.Open(hc, log.With(logx.String("comp", "history"))); err != nil {
		return nil, err
	} else if st != nil {
		store = st
		log.Info("history enabled", logx.String("driver", hc.Driver))
	}

	schedCfg, err := mapSchedulerConfig(cfg.Scheduler)
	if err != nil {
		return nil, err
	}
	sched := scheduler.New(schedCfg, log.With(logx.String("comp", "scheduler")), bus)

	registry := automation.NewRegistry()
	registry.RegisterBuiltins(
		cfg.Game.ProcessName,
		bo.recognizer,
		bo.injector,
		automation.NewInputLimiter(cfg.Game.InputRatePerSec),
		log.With(logx.String("comp", "automation")),
	)

	trig := trigger.New(sched, registry.Resolve, log.With(logx.String("comp", "trigger")))
	if err := trig.Apply(cfg.Triggers); err != nil {
		return nil, err
	}

	var notif *notifier.Service
	if ncfg := mapNotifierConfig(cfg.Notifier); ncfg.Enabled {
		n, err := notifier.New(ncfg, log.With(logx.String("comp", "notifier")), bus)
		if err != nil {
			return nil, err
		}
		notif = n
	}

	a := &App{
		cfgPath:  cfgPath,
		cfgm:     cfgm,
		log:      log,
		logs:     logSvc,
		bus:      bus,
		store:    store,
		sched:    sched,
		registry: registry,
		trig:     trig,
		notif:    notif,
	}
	if store != nil {
		a.recorder = history.NewRecorder(store, bus, log.With(logx.String("comp", "history")))
	}
	return a, nil
}

// Scheduler exposes the task scheduler for embedders that submit tasks
// directly instead of via triggers.
func (a *App) Scheduler() *scheduler.Service { return a.sched }

// Registry exposes the action registry so embedders can add custom actions.
func (a *App) Registry() *automation.Registry { return a.registry }

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

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(c context.Context, cfg *config.Config) error {
		if _, err := mapSchedulerConfig(cfg.Scheduler); err != nil {
			return err
		}
		if err := trigger.Validate(cfg.Triggers); err != nil {
			return err
		}
		if _, err := mapHistoryConfig(cfg.History); err != nil {
			return err
		}
		if _, err := config.ParseDurationField("game.probe_interval", cfg.Game.ProbeInterval); err != nil {
			return err
		}
		if cfg.Notifier != nil && cfg.Notifier.Enabled && cfg.Notifier.ChatID == 0 {
			return fmt.Errorf("notifier.chat_id is required when notifier is enabled")
		}
		return nil
	})

	a.sched.Start(a.sup.Context())
	a.trig.Start(a.sup.Context())

	if a.recorder != nil {
		rec := a.recorder
		a.sup.GoRestart("history.record", rec.Run, rtsup.WithPublishFirstError(true))
	}
	if a.notif != nil {
		n := a.notif
		a.sup.GoRestart("notifier", n.Run, rtsup.WithPublishFirstError(true))
	}

	// Debug-level event mirror; components subscribe themselves for real work.
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

	// hot reload config fan-out
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config in the channel.
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						goto APPLY
					}
				}
			APPLY:
				a.applyConfig(c, newCfg)
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started")
	return nil
}

func (a *App) applyConfig(ctx context.Context, cfg *config.Config) {
	if cfg == nil {
		return
	}

	a.logs.Apply(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})

	// Validator already vetted these; errors here mean a race with a newer
	// reload and are safe to skip.
	if schedCfg, err := mapSchedulerConfig(cfg.Scheduler); err != nil {
		a.log.Warn("invalid scheduler config; keeping previous", logx.Err(err))
	} else {
		a.sched.Apply(ctx, schedCfg)
	}

	if err := a.trig.Apply(cfg.Triggers); err != nil {
		a.log.Warn("invalid triggers config; keeping previous", logx.Err(err))
	}

	// History and notifier hold open resources (files, bot session); swapping
	// them live is not supported.
	a.log.Info("config reloaded")
}

func (a *App) Stop(ctx context.Context) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping")

	// Stop triggers first so no new tasks arrive while the scheduler drains.
	stopStep(ctx, 2*time.Second, func(c context.Context) { a.trig.Stop(c) })
	stopStep(ctx, 35*time.Second, func(c context.Context) { a.sched.Stop(c) })

	a.sup.Cancel()
	waitCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	err := a.sup.Wait(waitCtx)
	cancel()
	if err != nil && err != context.DeadlineExceeded {
		a.log.Warn("supervisor wait", logx.Err(err))
	}

	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn("history close", logx.Err(err))
		}
	}

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

// stopStep bounds one shutdown phase so a stuck component cannot stall the
// whole stop. The caller's deadline is never extended.
func stopStep(ctx context.Context, max time.Duration, fn func(context.Context)) {
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem < max {
			max = rem
		}
	}
	if max <= 0 {
		return
	}
	stepCtx, cancel := context.WithTimeout(ctx, max)
	defer cancel()
	fn(stepCtx)
}
