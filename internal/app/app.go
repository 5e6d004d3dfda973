// Package app wires tickd together: config, logging, runtimes, storage,
// repeated tasks, the admin server and systemd integration.
package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"tickd/internal/admin"
	"tickd/internal/config"
	"tickd/internal/eventbus"
	"tickd/internal/jobs"
	"tickd/internal/rt"
	"tickd/internal/rt/supervisor"
	"tickd/internal/storage"
	"tickd/internal/task/registry"
	logx "tickd/pkg/logx"
)

type App struct {
	cfgPath string
	cfgm    *config.ConfigManager
	sup     *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	reg   *registry.Registry
	admin *admin.Server

	notify           jobs.Notifier
	watchdogInterval func() (time.Duration, bool)

	stopOnce sync.Once
	stopErr  error
}

type Option func(*App)

// WithNotifier replaces the sd_notify sender.
func WithNotifier(n jobs.Notifier) Option { return func(a *App) { a.notify = n } }

// WithWatchdogInterval replaces detection of the systemd watchdog period.
func WithWatchdogInterval(fn func() (time.Duration, bool)) Option {
	return func(a *App) { a.watchdogInterval = fn }
}

// New loads the config and builds every component. Nothing runs until Start.
//
// A runtime that cannot be built aborts startup with an rt.KindBuildRuntime
// error.
func New(cfgPath string, opts ...Option) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLoggingConfig(cfg))
	a := &App{
		cfgPath:          cfgPath,
		cfgm:             cfgm,
		log:              log.With(logx.String("comp", "app")),
		logs:             logSvc,
		bus:              eventbus.New(),
		notify:           jobs.SdNotify,
		watchdogInterval: jobs.WatchdogInterval,
	}
	for _, o := range opts {
		if o != nil {
			o(a)
		}
	}

	ok := false
	defer func() {
		if !ok {
			a.closePartial()
		}
	}()

	if err := rt.InitGlobal(mapRuntimeOptions(cfg), log.With(logx.String("comp", "rt"))); err != nil {
		return nil, err
	}

	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		return nil, err
	} else if enabled {
		st, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
		if err != nil {
			return nil, fmt.Errorf("open storage: %w", err)
		}
		a.store = st
		a.log.Info("storage enabled", logx.String("driver", sc.Driver), logx.String("path", sc.Path))
	}

	a.reg = registry.New(log.With(logx.String("comp", "registry")), a.bus)
	if err := a.registerTasks(cfg); err != nil {
		return nil, err
	}

	ac, err := mapAdminConfig(cfg)
	if err != nil {
		return nil, err
	}
	deps := admin.Deps{
		Tasks: a.reg,
		Runtimes: func() []rt.Snapshot {
			out := make([]rt.Snapshot, 0, 3)
			for _, r := range rt.Globals() {
				out = append(out, r.Snapshot())
			}
			return out
		},
	}
	if a.store != nil {
		deps.History = a.store
	}
	a.admin = admin.New(ac, deps, log)

	ok = true
	return a, nil
}

func (a *App) closePartial() {
	if a.store != nil {
		_ = a.store.Close()
	}
	_ = rt.ShutdownGlobal(context.Background())
	if a.logs != nil {
		_ = a.logs.Close()
	}
}

func (a *App) Registry() *registry.Registry { return a.reg }

func (a *App) Admin() *admin.Server { return a.admin }

func (a *App) Store() storage.Store { return a.store }

func (a *App) Config() *config.Config { return a.cfgm.Get() }

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
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if _, err := mapAdminConfig(cfg); err != nil {
			return err
		}
		if _, _, err := mapStorageConfig(cfg); err != nil {
			return err
		}
		// Every enabled task must be buildable against the current store.
		var errs []error
		for _, tc := range cfg.Tasks {
			if tc.Disabled {
				continue
			}
			if _, _, err := a.buildTask(tc); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	})

	a.registerWatchdog()
	if err := a.reg.StartAll(); err != nil {
		return err
	}
	a.admin.Start(a.sup.Context())

	if a.bus != nil {
		events, unsub := a.bus.Subscribe(128)
		a.sup.Go0("eventbus.log", func(c context.Context) {
			defer unsub()
			a.logEvents(c, events)
		})
	}

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
	})
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.sdNotify(daemon.SdNotifyReady)
	a.log.Info("app started", logx.Int("tasks", len(a.reg.Names())))
	return nil
}

func (a *App) sdNotify(state string) {
	if a.notify == nil {
		return
	}
	sent, err := a.notify(state)
	if err != nil {
		a.log.Warn("sd_notify failed", logx.String("state", state), logx.Err(err))
		return
	}
	if sent {
		a.log.Debug("sd_notify sent", logx.String("state", state))
	}
}

func (a *App) logEvents(ctx context.Context, events <-chan eventbus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			switch d := e.Data.(type) {
			case eventbus.TaskEvent:
				if d.Error != "" {
					a.log.Warn("task event", logx.String("type", e.Type), logx.String("task", d.Name), logx.String("err", d.Error))
					continue
				}
				a.log.Debug("task event", logx.String("type", e.Type), logx.String("task", d.Name))
			case eventbus.RunEvent:
				// Keep this trace-level to avoid noise for short intervals.
				a.log.Trace("run event", logx.String("type", e.Type), logx.String("task", d.Name), logx.Duration("dur", d.Duration))
			default:
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	}
}
