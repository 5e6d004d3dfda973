package app

import (
	"context"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"tickd/internal/rt"
	"tickd/internal/task/repeated"
)

// The app owns the process-wide runtimes, so these tests do not run in parallel.

type notifications struct {
	mu     sync.Mutex
	states []string
}

func (n *notifications) notify(state string) (bool, error) {
	n.mu.Lock()
	n.states = append(n.states, state)
	n.mu.Unlock()
	return true, nil
}

func (n *notifications) has(state string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return slices.Contains(n.states, state)
}

func writeConfig(t *testing.T, path, body string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func noWatchdog() (time.Duration, bool) { return 0, false }

func TestAppLifecycle(t *testing.T) {
	dir := t.TempDir()
	spool := filepath.Join(dir, "spool")
	if err := os.Mkdir(spool, 0o755); err != nil {
		t.Fatal(err)
	}
	stale := filepath.Join(spool, "old.tmp")
	writeConfig(t, stale, "x")
	old := time.Now().Add(-2 * time.Hour)
	if err := os.Chtimes(stale, old, old); err != nil {
		t.Fatal(err)
	}

	cfgPath := filepath.Join(dir, "tickd.yaml")
	writeConfig(t, cfgPath, `
logging:
  level: error
  console: false
  file: {enabled: false, path: ""}
storage:
  driver: sqlite
  path: `+filepath.Join(dir, "runs.db")+`
tasks:
  - name: sweep
    interval: 30ms
    job: dir_sweep
    dir: `+spool+`
    pattern: "*.tmp"
    max_age: 1h
  - name: gc
    interval: 1h
    job: history_gc
    retention: 24h
`)

	n := &notifications{}
	a, err := New(cfgPath,
		WithNotifier(n.notify),
		WithWatchdogInterval(func() (time.Duration, bool) { return 20 * time.Millisecond, true }),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()
	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if got := strings.Join(a.Registry().Names(), ","); got != "gc,sweep,systemd.watchdog" {
		t.Fatalf("names = %s", got)
	}
	waitFor(t, "stale file removal", func() bool {
		_, err := os.Stat(stale)
		return os.IsNotExist(err)
	})
	waitFor(t, "run history", func() bool {
		runs, err := a.Store().RecentRuns(ctx, "sweep", 5)
		return err == nil && len(runs) > 0
	})
	waitFor(t, "watchdog ping", func() bool { return n.has("WATCHDOG=1") })
	if !n.has("READY=1") {
		t.Fatal("READY=1 not sent")
	}

	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := a.Stop(stopCtx, StopAppStop); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if !n.has("STOPPING=1") {
		t.Fatal("STOPPING=1 not sent")
	}
	for _, st := range a.Registry().Snapshot() {
		if st.State != repeated.Stopped.String() {
			t.Fatalf("task %s state = %s after Stop", st.Name, st.State)
		}
	}
	// Idempotent.
	if err := a.Stop(stopCtx, StopAppStop); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
}

const reloadBase = `{
  "logging": {"level": "error", "console": false, "file": {"enabled": false, "path": ""}},
  "tasks": [
    {"name": "a", "interval": "1h", "job": "dir_sweep", "dir": "%s", "max_age": "1h"},
    {"name": "b", "interval": "1h", "job": "dir_sweep", "dir": "%s", "max_age": "1h"}
  ]
}`

const reloadNext = `{
  "logging": {"level": "error", "console": false, "file": {"enabled": false, "path": ""}},
  "tasks": [
    {"name": "a", "interval": "2h", "job": "dir_sweep", "dir": "%s", "max_age": "1h"},
    {"name": "c", "interval": "1h", "job": "dir_sweep", "dir": "%s", "max_age": "1h", "runtime": "write"}
  ]
}`

func TestAppReloadReconstructsTasks(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "tickd.json")
	writeConfig(t, cfgPath, strings.ReplaceAll(reloadBase, "%s", dir))

	a, err := New(cfgPath, WithNotifier(nil), WithWatchdogInterval(noWatchdog))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()
	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer func() { _ = a.Stop(context.Background(), StopAppStop) }()

	oldA, _ := a.Registry().Get("a")
	oldB, _ := a.Registry().Get("b")

	// Let the watcher register before rewriting the file.
	time.Sleep(100 * time.Millisecond)
	writeConfig(t, cfgPath, strings.ReplaceAll(reloadNext, "%s", dir))

	waitFor(t, "reload", func() bool {
		return strings.Join(a.Registry().Names(), ",") == "a,c"
	})
	waitFor(t, "reconstructed task a", func() bool {
		newA, ok := a.Registry().Get("a")
		return ok && newA != oldA && newA.IsRunning()
	})
	newA, _ := a.Registry().Get("a")
	if newA.Interval() != 2*time.Hour {
		t.Fatalf("interval = %v", newA.Interval())
	}
	if oldA.State() != repeated.Stopped || oldB.State() != repeated.Stopped {
		t.Fatalf("old tasks not stopped: a=%s b=%s", oldA.State(), oldB.State())
	}
	c, _ := a.Registry().Get("c")
	if c == nil || !c.IsRunning() || c.Status().Runtime != rt.WriteRuntime {
		t.Fatalf("task c = %+v", c.Status())
	}
}

func TestNewAbortsOnRuntimeBuildFailure(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "tickd.json")
	writeConfig(t, cfgPath, `{
  "logging": {"level": "error", "console": false, "file": {"enabled": false, "path": ""}},
  "runtime": {"write_workers": -1},
  "tasks": []
}`)
	_, err := New(cfgPath, WithNotifier(nil))
	if rt.KindOf(err) != rt.KindBuildRuntime {
		t.Fatalf("New error = %v, want build runtime failure", err)
	}
	if !strings.Contains(err.Error(), "failed to build runtime write") {
		t.Fatalf("message = %q", err.Error())
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "tickd.json")
	writeConfig(t, cfgPath, `{"tasks": [{"name": "v", "interval": "1h", "job": "vacuum"}]}`)
	if _, err := New(cfgPath); err == nil || !strings.Contains(err.Error(), "requires storage") {
		t.Fatalf("New error = %v", err)
	}
}
