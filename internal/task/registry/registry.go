// Package registry holds repeated tasks by unique name.
//
// The registry never restarts a stopped task. Replace stops the old task and
// installs a freshly constructed one. At most one task per name runs at any
// time: a replacement starts only after its predecessor fully stopped.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"tickd/internal/eventbus"
	"tickd/internal/rt"
	"tickd/internal/task/repeated"
	logx "tickd/pkg/logx"
)

var (
	ErrDuplicate = errors.New("task name already registered")
	ErrNotFound  = errors.New("task not found")
	ErrRunning   = errors.New("task is running")
	ErrDraining  = errors.New("previous task with this name is still stopping")
)

type entry struct {
	task    *repeated.Task
	runtime *rt.Runtime
}

type Registry struct {
	mu    sync.Mutex
	tasks map[string]entry
	// draining holds replaced tasks that have not stopped yet, by name. No
	// task of that name starts before its predecessor has stopped.
	draining map[string]*repeated.Task
	// halted is set by StopAll; deferred replacements are not started after it.
	halted bool

	log logx.Logger
	bus eventbus.Bus
}

func New(log logx.Logger, bus eventbus.Bus) *Registry {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Registry{tasks: map[string]entry{}, draining: map[string]*repeated.Task{}, log: log, bus: bus}
}

// blocked reports whether name still has a predecessor stopping. g.mu held.
func (g *Registry) blocked(name string) bool {
	prev, ok := g.draining[name]
	if !ok {
		return false
	}
	if prev.State() == repeated.Stopped {
		delete(g.draining, name)
		return false
	}
	return true
}

// Add registers t to run on r (nil means rt.Background()).
func (g *Registry) Add(t *repeated.Task, r *rt.Runtime) error {
	if t == nil {
		return errors.New("registry: nil task")
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.tasks[t.Name()]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicate, t.Name())
	}
	g.tasks[t.Name()] = entry{task: t, runtime: r}
	return nil
}

func (g *Registry) Get(name string) (*repeated.Task, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	e, ok := g.tasks[name]
	return e.task, ok
}

// Names returns registered task names, sorted.
func (g *Registry) Names() []string {
	g.mu.Lock()
	names := make([]string, 0, len(g.tasks))
	for n := range g.tasks {
		names = append(names, n)
	}
	g.mu.Unlock()
	sort.Strings(names)
	return names
}

// Remove unregisters a task that is not running. A replacement still waiting
// for its predecessor is dropped and never started.
func (g *Registry) Remove(name string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	e, ok := g.tasks[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if s := e.task.State(); s == repeated.Running || s == repeated.Stopping {
		return fmt.Errorf("%w: %s", ErrRunning, name)
	}
	delete(g.tasks, name)
	return nil
}

// Start starts the named task on its registered runtime.
func (g *Registry) Start(name string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	e, ok := g.tasks[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if g.blocked(name) {
		return fmt.Errorf("%w: %s", ErrDraining, name)
	}
	return e.task.Start(e.runtime)
}

// Stop stops the named task and waits for it, bounded by ctx.
func (g *Registry) Stop(ctx context.Context, name string) error {
	t, ok := g.Get(name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return t.StopContext(ctx)
}

// StartAll starts every task that has not been started yet.
// Tasks waiting for a predecessor to stop are left to Replace.
func (g *Registry) StartAll() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.halted = false
	var pending int
	var errs []error
	for name, e := range g.tasks {
		if e.task.State() != repeated.NotStarted || g.blocked(name) {
			continue
		}
		pending++
		if err := e.task.Start(e.runtime); err != nil {
			errs = append(errs, err)
		}
	}
	if pending > 0 {
		g.log.Info("repeated tasks started", logx.Int("count", pending-len(errs)))
	}
	return errors.Join(errs...)
}

// StopAll stops every started task, and every replaced task still stopping,
// in parallel and joins their errors. Tasks never started are skipped and
// deferred replacements are cancelled.
func (g *Registry) StopAll(ctx context.Context) error {
	g.mu.Lock()
	g.halted = true
	tasks := make([]*repeated.Task, 0, len(g.tasks))
	for _, e := range g.tasks {
		if e.task.State() != repeated.NotStarted {
			tasks = append(tasks, e.task)
		}
	}
	for name, prev := range g.draining {
		if g.blocked(name) {
			tasks = append(tasks, prev)
		}
	}
	g.mu.Unlock()

	errs := make([]error, len(tasks))
	var wg sync.WaitGroup
	for i, t := range tasks {
		wg.Add(1)
		go func(i int, t *repeated.Task) {
			defer wg.Done()
			errs[i] = t.StopContext(ctx)
		}(i, t)
	}
	wg.Wait()
	err := errors.Join(errs...)
	if err != nil {
		g.log.Warn("stopping repeated tasks failed", logx.Err(err))
	}
	return err
}

// Replace registers t under its name and starts it once the task it replaces
// (if any) has stopped.
//
// If the old task does not stop within ctx, t stays registered but NotStarted
// and Replace returns the ctx error; t is started in the background when the
// old task's join completes, unless it was replaced again or StopAll ran in
// the meantime. A failed join of the old task is returned alongside t's start
// error.
func (g *Registry) Replace(ctx context.Context, t *repeated.Task, r *rt.Runtime) error {
	if t == nil {
		return errors.New("registry: nil task")
	}
	name := t.Name()
	g.mu.Lock()
	old, had := g.tasks[name]
	var prev *repeated.Task
	if g.blocked(name) {
		prev = g.draining[name]
	}
	if had && old.task != t && old.task.State() != repeated.NotStarted {
		prev = old.task
	}
	if prev != nil {
		g.draining[name] = prev
	}
	g.tasks[name] = entry{task: t, runtime: r}
	g.mu.Unlock()

	var stopErr error
	if prev != nil {
		stopErr = prev.StopContext(ctx)
		if prev.State() != repeated.Stopped {
			go g.startAfter(prev, t)
			g.log.Warn("replaced task still stopping; replacement deferred", logx.String("task", name), logx.Err(stopErr))
			return fmt.Errorf("registry: replace %s deferred: %w", name, stopErr)
		}
		// The join may have finished right after ctx ended; report its outcome.
		stopErr = prev.Stop()
	}
	_, startErr := g.startCurrent(t)
	if stopErr == nil && startErr == nil {
		g.log.Info("repeated task replaced", logx.String("task", name), logx.Bool("existed", had))
	}
	return errors.Join(stopErr, startErr)
}

// startAfter waits for prev to stop, then starts t if it is still current.
func (g *Registry) startAfter(prev, t *repeated.Task) {
	if err := prev.Stop(); err != nil {
		g.log.Warn("replaced task stopped with error", logx.String("task", prev.Name()), logx.Err(err))
	}
	started, err := g.startCurrent(t)
	if err != nil {
		g.log.Warn("deferred replacement failed to start", logx.String("task", t.Name()), logx.Err(err))
		return
	}
	if started {
		g.log.Info("repeated task replaced", logx.String("task", t.Name()), logx.Bool("deferred", true))
	}
}

// startCurrent starts t if it is still the registered task for its name.
// Holding g.mu while starting keeps a concurrent Replace from seeing t as
// never started.
func (g *Registry) startCurrent(t *repeated.Task) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	e, ok := g.tasks[t.Name()]
	if !ok || e.task != t || g.halted || t.State() != repeated.NotStarted {
		return false, nil
	}
	if g.blocked(t.Name()) {
		return false, fmt.Errorf("%w: %s", ErrDraining, t.Name())
	}
	if err := e.task.Start(e.runtime); err != nil {
		return false, err
	}
	return true, nil
}

// Snapshot returns the status of every task, sorted by name.
func (g *Registry) Snapshot() []repeated.Status {
	g.mu.Lock()
	out := make([]repeated.Status, 0, len(g.tasks))
	for _, e := range g.tasks {
		out = append(out, e.task.Status())
	}
	g.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
