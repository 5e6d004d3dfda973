package app

import (
	"context"
	"fmt"
	"time"

	"tickd/internal/config"
	"tickd/internal/jobs"
	"tickd/internal/rt"
	"tickd/internal/storage"
	"tickd/internal/task/repeated"
	logx "tickd/pkg/logx"
)

// watchdogTask is reserved: config task names may not use it.
const watchdogTask = "systemd.watchdog"

// storeRecorder persists runs into the run history store.
type storeRecorder struct{ store storage.Store }

func (r storeRecorder) RecordRun(ctx context.Context, run repeated.Run) error {
	return r.store.RecordRun(ctx, storage.Run{
		ID:       run.ID,
		Task:     run.Task,
		Started:  run.Started,
		Duration: run.Duration,
		Error:    run.Err,
	})
}

// buildTask constructs a fresh task and resolves its runtime. Tasks are
// never reused: a changed definition always gets a new Task.
func (a *App) buildTask(tc config.TaskConfig) (*repeated.Task, *rt.Runtime, error) {
	spec, err := tc.Resolve()
	if err != nil {
		return nil, nil, err
	}
	if spec.Name == watchdogTask {
		return nil, nil, fmt.Errorf("tasks[%s]: name is reserved", spec.Name)
	}
	job, err := jobs.Build(mapJobSpec(spec), jobs.Deps{
		Store: a.store,
		Log:   a.log.With(logx.String("comp", "job"), logx.String("task", spec.Name)),
	})
	if err != nil {
		return nil, nil, fmt.Errorf("tasks[%s]: %w", spec.Name, err)
	}
	r, ok := rt.Lookup(spec.Runtime)
	if !ok {
		return nil, nil, fmt.Errorf("tasks[%s]: unknown runtime %q", spec.Name, spec.Runtime)
	}
	t, err := repeated.New(spec.Name, spec.Interval, job, a.taskOptions(spec.Timeout)...)
	if err != nil {
		return nil, nil, err
	}
	return t, r, nil
}

func (a *App) taskOptions(timeout time.Duration) []repeated.Option {
	opts := []repeated.Option{
		repeated.WithLogger(a.log.With(logx.String("comp", "task"))),
		repeated.WithBus(a.bus),
		repeated.WithTimeout(timeout),
	}
	if a.store != nil {
		opts = append(opts, repeated.WithRecorder(storeRecorder{store: a.store}))
	}
	return opts
}

// registerTasks builds and registers every enabled task of cfg.
func (a *App) registerTasks(cfg *config.Config) error {
	for _, tc := range cfg.Tasks {
		if tc.Disabled {
			continue
		}
		t, r, err := a.buildTask(tc)
		if err != nil {
			return err
		}
		if err := a.reg.Add(t, r); err != nil {
			return err
		}
	}
	return nil
}

// registerWatchdog adds the systemd watchdog ping task when the service
// manager asked for one.
func (a *App) registerWatchdog() {
	every, ok := a.watchdogInterval()
	if !ok {
		return
	}
	t, err := repeated.New(watchdogTask, every, jobs.Watchdog(a.notify), a.taskOptions(0)...)
	if err != nil {
		a.log.Warn("watchdog task not created", logx.Err(err))
		return
	}
	if err := a.reg.Add(t, rt.Background()); err != nil {
		a.log.Warn("watchdog task not registered", logx.Err(err))
		return
	}
	a.log.Info("systemd watchdog enabled", logx.Duration("every", every))
}
