package repeated

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"tickd/internal/eventbus"
	"tickd/internal/rt"
	logx "tickd/pkg/logx"
)

// Job is one invocation of the periodic work. ctx is the runtime context,
// further bounded by WithTimeout when set.
type Job func(ctx context.Context) error

// Run describes one finished job invocation.
type Run struct {
	ID       string
	Task     string
	Started  time.Time
	Duration time.Duration
	Err      string
}

// Recorder persists finished runs. Recording errors are logged and dropped.
type Recorder interface {
	RecordRun(ctx context.Context, r Run) error
}

// RecorderFunc adapts a function to Recorder.
type RecorderFunc func(ctx context.Context, r Run) error

func (f RecorderFunc) RecordRun(ctx context.Context, r Run) error { return f(ctx, r) }

type Option func(*Task)

func WithLogger(log logx.Logger) Option { return func(t *Task) { t.log = log } }

func WithBus(bus eventbus.Bus) Option { return func(t *Task) { t.bus = bus } }

func WithRecorder(rec Recorder) Option { return func(t *Task) { t.rec = rec } }

// WithTimeout bounds each job invocation. 0 disables the bound.
func WithTimeout(d time.Duration) Option {
	return func(t *Task) {
		if d > 0 {
			t.timeout = d
		}
	}
}

// failureLogEvery throttles WARN logs for a persistently failing job.
const failureLogEvery = 30 * time.Second

// Task is a named job repeated at a fixed interval until stopped.
//
// Task is safe for concurrent use. Start and Stop transitions are atomic;
// IsRunning and Status are snapshots that may be stale on return.
type Task struct {
	name     string
	interval time.Duration
	job      Job
	timeout  time.Duration

	log logx.Logger
	bus eventbus.Bus
	rec Recorder

	failLog *rate.Limiter

	state atomic.Int32

	// cancel is the single-fire stop signal observed by the loop.
	cancel     chan struct{}
	cancelOnce sync.Once
	// spawned is closed once handle and runtime are set.
	spawned chan struct{}
	handle  *rt.JoinHandle[struct{}]
	runtime *rt.Runtime
	// stopped is closed after the single join completed; stopErr is its outcome.
	stopped chan struct{}
	stopErr error

	invocations atomic.Uint64
	failures    atomic.Uint64
	lastRun     atomic.Int64 // unix nanos of last invocation start
	lastDur     atomic.Int64
	lastErr     atomic.Value // string
}

// New validates and constructs a task in the NotStarted state.
func New(name string, interval time.Duration, job Job, opts ...Option) (*Task, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, errors.New("repeated task: name is required")
	}
	if interval <= 0 {
		return nil, errors.New("repeated task " + name + ": interval must be > 0")
	}
	if job == nil {
		return nil, errors.New("repeated task " + name + ": job is required")
	}
	t := &Task{
		name:     name,
		interval: interval,
		job:      job,
		cancel:   make(chan struct{}),
		spawned:  make(chan struct{}),
		stopped:  make(chan struct{}),
		failLog:  rate.NewLimiter(rate.Every(failureLogEvery), 1),
	}
	for _, o := range opts {
		if o != nil {
			o(t)
		}
	}
	if t.log.IsZero() {
		t.log = logx.Nop()
	}
	t.log = t.log.With(logx.String("task", name))
	return t, nil
}

func (t *Task) Name() string { return t.name }

func (t *Task) Interval() time.Duration { return t.interval }

func (t *Task) State() State { return State(t.state.Load()) }

// IsRunning reports whether the task is Running. For observability only.
func (t *Task) IsRunning() bool { return t.State() == Running }

// Start spawns the scheduler loop on r (rt.Background() when r is nil).
//
// It fails with an rt.KindIllegalState error unless the task is NotStarted.
// If r was already shut down, Start returns an error matching rt.ErrClosed
// and the task stays NotStarted, so it can be started on another runtime.
// Start does not block past the spawn.
func (t *Task) Start(r *rt.Runtime) error {
	if !t.state.CompareAndSwap(int32(NotStarted), int32(Running)) {
		return rt.IllegalStateError(t.name, illegalReason(t.State()))
	}
	if r == nil {
		r = rt.Background()
	}
	// The loop reads t.runtime, so it is set before the spawn.
	t.runtime = r
	h, err := rt.TrySpawn(r, "task."+t.name, t.loop)
	if err != nil {
		if t.state.CompareAndSwap(int32(Running), int32(NotStarted)) {
			return fmt.Errorf("repeated task %s: %w", t.name, err)
		}
		// A concurrent Stop already claimed the task; let its join observe
		// the cancelled handle.
		t.handle = h
		close(t.spawned)
		return fmt.Errorf("repeated task %s: %w", t.name, err)
	}
	t.handle = h
	close(t.spawned)

	t.log.Info("repeated task started", logx.String("runtime", r.Name()), logx.Duration("interval", t.interval))
	eventbus.Publish(t.bus, eventbus.TaskStarted, eventbus.TaskEvent{Name: t.name, Runtime: r.Name(), Interval: t.interval})
	return nil
}

// Stop signals the loop and blocks until the spawned unit finished.
//
// Stop before Start fails with an rt.KindIllegalState error. A failed join is
// reported as an rt.KindJoinFailure error carrying the task name. Calls after
// the first (including concurrent ones) wait for the same join and return
// the same outcome; the join itself happens once.
func (t *Task) Stop() error {
	return t.StopContext(context.Background())
}

// StopContext is Stop with a bounded wait. If ctx ends first, ctx.Err() is
// returned, the task stays Stopping, and the join keeps going in the
// background; a later Stop observes its result.
func (t *Task) StopContext(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	for {
		s := t.State()
		if s == NotStarted {
			return rt.IllegalStateError(t.name, illegalReason(s))
		}
		if s != Running {
			// Stopping or Stopped: wait for the join already in progress.
			break
		}
		if t.state.CompareAndSwap(int32(Running), int32(Stopping)) {
			t.signal()
			go t.finish()
			break
		}
	}

	select {
	case <-t.stopped:
		return t.stopErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *Task) signal() {
	t.cancelOnce.Do(func() { close(t.cancel) })
	t.log.Debug("repeated task stopping")
	eventbus.Publish(t.bus, eventbus.TaskStopping, eventbus.TaskEvent{Name: t.name, Interval: t.interval})
}

// finish performs the single join and publishes the outcome.
func (t *Task) finish() {
	<-t.spawned
	start := time.Now()
	_, err := t.handle.Join(context.Background())
	ev := eventbus.TaskEvent{Name: t.name, Runtime: t.runtime.Name(), Interval: t.interval}
	if err != nil {
		t.stopErr = rt.JoinFailureError(t.name, err)
		ev.Error = err.Error()
		t.log.Error("repeated task join failed", logx.Err(err))
	} else {
		t.log.Info("repeated task stopped", logx.Duration("took", time.Since(start)), logx.Uint64("invocations", t.invocations.Load()))
	}
	t.state.Store(int32(Stopped))
	close(t.stopped)
	eventbus.Publish(t.bus, eventbus.TaskStopped, ev)
}

// Status is a point-in-time view of a task.
// Durations are encoded as strings such as "30s" in JSON.
type Status struct {
	Name         string    `json:"name"`
	State        string    `json:"state"`
	Interval     Duration  `json:"interval"`
	Runtime      string    `json:"runtime,omitempty"`
	Invocations  uint64    `json:"invocations"`
	Failures     uint64    `json:"failures"`
	LastRun      time.Time `json:"last_run,omitempty"`
	LastDuration Duration  `json:"last_duration"`
	LastError    string    `json:"last_error,omitempty"`
}

// Duration is a time.Duration that marshals as its String form.
type Duration time.Duration

func (d Duration) String() string { return time.Duration(d).String() }

func (d Duration) MarshalText() ([]byte, error) { return []byte(d.String()), nil }

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (t *Task) Status() Status {
	st := Status{
		Name:         t.name,
		State:        t.State().String(),
		Interval:     Duration(t.interval),
		Invocations:  t.invocations.Load(),
		Failures:     t.failures.Load(),
		LastDuration: Duration(t.lastDur.Load()),
	}
	if n := t.lastRun.Load(); n != 0 {
		st.LastRun = time.Unix(0, n)
	}
	if v, ok := t.lastErr.Load().(string); ok {
		st.LastError = v
	}
	select {
	case <-t.spawned:
		st.Runtime = t.runtime.Name()
	default:
	}
	return st
}
