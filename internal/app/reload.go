package app

import (
	"context"
	"errors"
	"slices"
	"strings"
	"time"

	"tickd/internal/config"
	"tickd/internal/task/registry"
	logx "tickd/pkg/logx"
)

const reloadStopTimeout = 10 * time.Second

func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
	// Track last applied config to generate a safe diff summary.
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest config in the channel.
		drain:
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					break drain
				}
			}
			a.applyConfig(ctx, lastApplied, newCfg)
			lastApplied = newCfg
		}
	}
}

// applyConfig applies a validated config live. Runtime sizes and storage
// need a restart; everything else takes effect immediately.
func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs, tc := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Debug("config change summary", fields...)

	if err := a.logs.Apply(mapLoggingConfig(newCfg)); err != nil {
		a.log.Warn("logging config partially applied; keeping previous log file", logx.Err(err))
	}

	if slices.Contains(sections, "runtime") {
		a.log.Warn("runtime config changed; restart required for changes to take effect")
	}
	if slices.Contains(sections, "storage") {
		a.log.Warn("storage config changed; restart required for changes to take effect")
	}

	if slices.Contains(sections, "admin") {
		if ac, err := mapAdminConfig(newCfg); err != nil {
			a.log.Warn("invalid admin config; keeping previous", logx.Err(err))
		} else {
			a.admin.Reconfigure(ctx, ac)
		}
	}

	if !tc.Empty() {
		if err := a.applyTaskChanges(ctx, newCfg, tc); err != nil {
			a.log.Warn("some task changes failed", logx.Err(err))
		}
	}

	a.log.Info("config reloaded", logx.String("changed", strings.Join(sections, ",")))
}

// applyTaskChanges stops removed tasks and reconstructs changed ones. A
// stopped task is never restarted.
func (a *App) applyTaskChanges(ctx context.Context, cfg *config.Config, tc config.TaskChanges) error {
	byName := make(map[string]config.TaskConfig, len(cfg.Tasks))
	for _, t := range cfg.Tasks {
		byName[strings.TrimSpace(t.Name)] = t
	}

	stopCtx, cancel := context.WithTimeout(ctx, reloadStopTimeout)
	defer cancel()

	var errs []error
	for _, name := range tc.Removed {
		err := a.reg.Stop(stopCtx, name)
		if err != nil && !errors.Is(err, registry.ErrNotFound) && !isNotStarted(err) {
			errs = append(errs, err)
		}
		if err := a.reg.Remove(name); err != nil && !errors.Is(err, registry.ErrNotFound) {
			errs = append(errs, err)
			continue
		}
		a.log.Info("task removed", logx.String("task", name))
	}

	for _, name := range append(slices.Clone(tc.Changed), tc.Added...) {
		t, r, err := a.buildTask(byName[name])
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if err := a.reg.Replace(stopCtx, t, r); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
