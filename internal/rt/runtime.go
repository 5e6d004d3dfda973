package rt

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	goruntime "runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"tickd/internal/rt/supervisor"
	logx "tickd/pkg/logx"
)

// MaxWorkers caps Config.Workers.
const MaxWorkers = 4096

// ErrClosed is reported when spawning on a runtime after Shutdown.
var ErrClosed = errors.New("runtime is shut down")

var reName = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// Config describes a runtime to build.
//
// Workers bounds how many job invocations may execute at the same time on
// the runtime (see Acquire). 0 means GOMAXPROCS.
type Config struct {
	Name    string
	Workers int
}

// Runtime spawns named units of work and hands back joinable handles.
//
// A Runtime may be shared by many repeated tasks. Shutdown cancels the
// runtime context, which is the out-of-band cancellation path observed by
// every spawned unit.
type Runtime struct {
	name    string
	workers int
	log     logx.Logger

	sup     *supervisor.Supervisor
	permits chan struct{}

	mu     sync.Mutex
	closed bool

	inFlight atomic.Int64
	waiting  atomic.Int64
	spawned  atomic.Uint64
}

// New builds a runtime. Failures are KindBuildRuntime errors.
func New(cfg Config, log logx.Logger) (*Runtime, error) {
	name := strings.TrimSpace(cfg.Name)
	if name == "" {
		return nil, BuildRuntimeError("<unnamed>", errors.New("runtime name is required"))
	}
	if !reName.MatchString(name) {
		return nil, BuildRuntimeError(name, fmt.Errorf("invalid runtime name %q (allowed: letters, digits, '.', '_', '-')", name))
	}
	workers := cfg.Workers
	if workers < 0 {
		return nil, BuildRuntimeError(name, fmt.Errorf("workers must be >= 0, got %d", workers))
	}
	if workers == 0 {
		workers = goruntime.GOMAXPROCS(0)
	}
	if workers > MaxWorkers {
		return nil, BuildRuntimeError(name, fmt.Errorf("workers %d exceeds limit %d", workers, MaxWorkers))
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("runtime", name))

	r := &Runtime{
		name:    name,
		workers: workers,
		log:     log,
		sup:     supervisor.New(context.Background(), supervisor.WithLogger(log)),
		permits: make(chan struct{}, workers),
	}
	for i := 0; i < workers; i++ {
		r.permits <- struct{}{}
	}
	log.Debug("runtime built", logx.Int("workers", workers))
	return r, nil
}

func (r *Runtime) Name() string { return r.name }

func (r *Runtime) Workers() int { return r.workers }

// Context is cancelled when the runtime shuts down.
func (r *Runtime) Context() context.Context { return r.sup.Context() }

// Closed reports whether Shutdown was called.
func (r *Runtime) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// Spawn starts fn as a named unit on r and returns its handle. It never blocks.
//
// fn receives the runtime context. Spawning on a shut-down runtime returns a
// handle already resolved as cancelled.
func Spawn[T any](r *Runtime, name string, fn func(ctx context.Context) (T, error)) *JoinHandle[T] {
	h, _ := TrySpawn(r, name, fn)
	return h
}

// TrySpawn is Spawn that also reports a shut-down runtime with an error
// matching ErrClosed. The returned handle is never nil.
func TrySpawn[T any](r *Runtime, name string, fn func(ctx context.Context) (T, error)) (*JoinHandle[T], error) {
	h := newJoinHandle[T](name)
	if fn == nil {
		var zero T
		h.finish(zero, fmt.Errorf("unit %s: nil function", name))
		return h, nil
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		err := fmt.Errorf("runtime %s: %w", r.name, ErrClosed)
		h.cancelled(err)
		return h, err
	}
	r.spawned.Add(1)

	var val T
	r.sup.Spawn(name, func(ctx context.Context) error {
		v, err := fn(ctx)
		val = v
		return err
	}, func(ex supervisor.Exit) {
		switch {
		case ex.Panicked:
			var zero T
			h.finish(zero, &JoinError{name: name, panicked: true, panicVal: ex.Panic, stack: ex.Stack})
		case isCancellation(ex.Err):
			h.cancelled(ex.Err)
		default:
			h.finish(val, ex.Err)
		}
	})
	// Unlock after registering with the supervisor so Shutdown never races wg.Add.
	r.mu.Unlock()
	return h, nil
}

// Acquire takes one worker permit. It returns false without a permit when
// ctx is done or abort is closed first. release must be called exactly once.
func (r *Runtime) Acquire(ctx context.Context, abort <-chan struct{}) (release func(), ok bool) {
	r.waiting.Add(1)
	defer r.waiting.Add(-1)
	select {
	case <-r.permits:
	case <-ctx.Done():
		return nil, false
	case <-abort:
		return nil, false
	}
	r.inFlight.Add(1)
	var once sync.Once
	return func() {
		once.Do(func() {
			r.inFlight.Add(-1)
			r.permits <- struct{}{}
		})
	}, true
}

// Shutdown cancels every spawned unit and waits for them, bounded by ctx.
// It is safe to call more than once.
func (r *Runtime) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	first := !r.closed
	r.closed = true
	r.mu.Unlock()

	start := time.Now()
	r.sup.Cancel()
	err := r.sup.Wait(ctx)
	if first {
		r.log.Debug("runtime shut down", logx.Duration("took", time.Since(start)))
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return err
	}
	// Unit failures are reported through their own join handles.
	return nil
}

// Snapshot is a point-in-time view for diagnostics.
type Snapshot struct {
	Name       string              `json:"name"`
	Workers    int                 `json:"workers"`
	InFlight   int64               `json:"in_flight"`
	Waiting    int64               `json:"waiting_for_permit"`
	Spawned    uint64              `json:"spawned"`
	Closed     bool                `json:"closed"`
	Supervisor supervisor.Snapshot `json:"supervisor"`
}

func (r *Runtime) Snapshot() Snapshot {
	return Snapshot{
		Name:       r.name,
		Workers:    r.workers,
		InFlight:   r.inFlight.Load(),
		Waiting:    r.waiting.Load(),
		Spawned:    r.spawned.Load(),
		Closed:     r.Closed(),
		Supervisor: r.sup.Snapshot(),
	}
}
