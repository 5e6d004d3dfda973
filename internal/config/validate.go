package config

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Job kinds and runtime names accepted in task entries.
var (
	knownJobs     = map[string]bool{"history_gc": true, "vacuum": true, "dir_sweep": true}
	knownRuntimes = map[string]bool{"": true, "read": true, "write": true, "bg": true}
)

var reTaskName = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// TaskSpec is a TaskConfig with every field parsed.
type TaskSpec struct {
	Name     string
	Interval time.Duration
	Job      string
	Runtime  string
	Timeout  time.Duration

	Retention time.Duration
	Dir       string
	Pattern   string
	MaxAge    time.Duration
}

// Resolve parses and checks one task entry.
func (t TaskConfig) Resolve() (TaskSpec, error) {
	name := strings.TrimSpace(t.Name)
	path := "tasks[" + name + "]"
	if name == "" {
		return TaskSpec{}, errors.New("tasks: name is required")
	}
	if !reTaskName.MatchString(name) {
		return TaskSpec{}, fmt.Errorf("%s: invalid name (allowed: letters, digits, '.', '_', '-')", path)
	}
	every, err := ParseInterval(t.Interval)
	if err != nil {
		return TaskSpec{}, fmt.Errorf("%s.interval: %w", path, err)
	}
	job := strings.ToLower(strings.TrimSpace(t.Job))
	if !knownJobs[job] {
		return TaskSpec{}, fmt.Errorf("%s.job: unknown job %q (history_gc, vacuum, dir_sweep)", path, t.Job)
	}
	runtime := strings.ToLower(strings.TrimSpace(t.Runtime))
	if !knownRuntimes[runtime] {
		return TaskSpec{}, fmt.Errorf("%s.runtime: unknown runtime %q (read, write, bg)", path, t.Runtime)
	}
	timeout, err := ParseDurationField(path+".timeout", t.Timeout)
	if err != nil {
		return TaskSpec{}, err
	}
	retention, err := ParseDurationField(path+".retention", t.Retention)
	if err != nil {
		return TaskSpec{}, err
	}
	maxAge, err := ParseDurationField(path+".max_age", t.MaxAge)
	if err != nil {
		return TaskSpec{}, err
	}

	spec := TaskSpec{
		Name:      name,
		Interval:  every,
		Job:       job,
		Runtime:   runtime,
		Timeout:   timeout,
		Retention: retention,
		Dir:       strings.TrimSpace(t.Dir),
		Pattern:   strings.TrimSpace(t.Pattern),
		MaxAge:    maxAge,
	}
	switch job {
	case "history_gc":
		if spec.Retention <= 0 {
			return TaskSpec{}, fmt.Errorf("%s.retention: required for history_gc", path)
		}
	case "dir_sweep":
		if spec.Dir == "" {
			return TaskSpec{}, fmt.Errorf("%s.dir: required for dir_sweep", path)
		}
		if spec.MaxAge <= 0 {
			return TaskSpec{}, fmt.Errorf("%s.max_age: required for dir_sweep", path)
		}
	}
	return spec, nil
}

// Validate checks the whole config and reports every problem found.
// Runtime sizes are checked when the runtimes are built.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error

	storageOn := false
	if st := cfg.Storage; st != nil {
		switch d := strings.ToLower(strings.TrimSpace(st.Driver)); d {
		case "", "none":
		case "sqlite", "sqlite3":
			storageOn = true
			if strings.TrimSpace(st.Path) == "" {
				errs = append(errs, errors.New("storage.path: required for sqlite"))
			}
		default:
			errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", st.Driver))
		}
		if _, err := ParseDurationField("storage.busy_timeout", st.BusyTimeout); err != nil {
			errs = append(errs, err)
		}
	}

	for _, f := range []struct{ path, raw string }{
		{"admin.read_timeout", cfg.Admin.ReadTimeout},
		{"admin.write_timeout", cfg.Admin.WriteTimeout},
		{"admin.idle_timeout", cfg.Admin.IdleTimeout},
	} {
		if _, err := ParseDurationField(f.path, f.raw); err != nil {
			errs = append(errs, err)
		}
	}

	seen := map[string]bool{}
	for _, t := range cfg.Tasks {
		spec, err := t.Resolve()
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if seen[spec.Name] {
			errs = append(errs, fmt.Errorf("tasks[%s]: duplicate name", spec.Name))
			continue
		}
		seen[spec.Name] = true
		if !t.Disabled && !storageOn && (spec.Job == "history_gc" || spec.Job == "vacuum") {
			errs = append(errs, fmt.Errorf("tasks[%s]: job %s requires storage", spec.Name, spec.Job))
		}
	}
	return errors.Join(errs...)
}
