package app

import (
	"fmt"
	"strings"
	"time"

	"tickd/internal/admin"
	"tickd/internal/config"
	"tickd/internal/jobs"
	"tickd/internal/rt"
	"tickd/internal/storage"
	logx "tickd/pkg/logx"
)

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapRuntimeOptions(cfg *config.Config) rt.GlobalOptions {
	return rt.GlobalOptions{
		ReadWorkers:       cfg.Runtime.ReadWorkers,
		WriteWorkers:      cfg.Runtime.WriteWorkers,
		BackgroundWorkers: cfg.Runtime.BackgroundWorkers,
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false, nil
	}
	path := strings.TrimSpace(sc.Path)
	switch driver {
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, 5*time.Second)
		if err != nil {
			return storage.Config{}, false, err
		}
		return storage.Config{Driver: driver, Path: path, BusyTimeout: busy}, true, nil
	default:
		return storage.Config{}, false, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapAdminConfig(cfg *config.Config) (admin.Config, error) {
	ac := cfg.Admin
	read, err := config.ParseDurationOrDefault("admin.read_timeout", ac.ReadTimeout, 15*time.Second)
	if err != nil {
		return admin.Config{}, err
	}
	// 0 keeps /debug/pprof/profile (30s+) usable.
	write, err := config.ParseDurationField("admin.write_timeout", ac.WriteTimeout)
	if err != nil {
		return admin.Config{}, err
	}
	idle, err := config.ParseDurationOrDefault("admin.idle_timeout", ac.IdleTimeout, 60*time.Second)
	if err != nil {
		return admin.Config{}, err
	}
	return admin.Config{
		Addr:          strings.TrimSpace(ac.Addr),
		Token:         strings.TrimSpace(ac.Token),
		AllowInsecure: ac.AllowInsecure,
		Pprof:         ac.Pprof,
		ReadTimeout:   read,
		WriteTimeout:  write,
		IdleTimeout:   idle,
	}, nil
}

func mapJobSpec(spec config.TaskSpec) jobs.Spec {
	return jobs.Spec{
		Kind:      spec.Job,
		Retention: spec.Retention,
		Dir:       spec.Dir,
		Pattern:   spec.Pattern,
		MaxAge:    spec.MaxAge,
	}
}
