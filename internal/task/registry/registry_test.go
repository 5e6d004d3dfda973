package registry

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"tickd/internal/rt"
	"tickd/internal/task/repeated"
	logx "tickd/pkg/logx"
)

func newRuntime(t *testing.T) *rt.Runtime {
	t.Helper()
	r, err := rt.New(rt.Config{Name: "registry-test", Workers: 2}, logx.Nop())
	if err != nil {
		t.Fatalf("rt.New: %v", err)
	}
	t.Cleanup(func() { _ = r.Shutdown(context.Background()) })
	return r
}

func mustTask(t *testing.T, name string, n *atomic.Int64) *repeated.Task {
	t.Helper()
	task, err := repeated.New(name, 5*time.Millisecond, func(ctx context.Context) error {
		n.Add(1)
		return nil
	})
	if err != nil {
		t.Fatalf("repeated.New: %v", err)
	}
	return task
}

func TestAddRejectsDuplicateNames(t *testing.T) {
	t.Parallel()
	g := New(logx.Nop(), nil)
	var n atomic.Int64
	if err := g.Add(mustTask(t, "gc", &n), nil); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := g.Add(mustTask(t, "gc", &n), nil); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("duplicate Add error = %v, want ErrDuplicate", err)
	}
	if got := g.Names(); len(got) != 1 || got[0] != "gc" {
		t.Fatalf("Names = %v", got)
	}
}

func TestStartAllStopAll(t *testing.T) {
	t.Parallel()
	r := newRuntime(t)
	g := New(logx.Nop(), nil)
	var a, b atomic.Int64
	_ = g.Add(mustTask(t, "a", &a), r)
	_ = g.Add(mustTask(t, "b", &b), r)

	if err := g.StartAll(); err != nil {
		t.Fatalf("StartAll: %v", err)
	}
	deadline := time.Now().Add(time.Second)
	for (a.Load() == 0 || b.Load() == 0) && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if err := g.StopAll(context.Background()); err != nil {
		t.Fatalf("StopAll: %v", err)
	}
	for _, st := range g.Snapshot() {
		if st.State != repeated.Stopped.String() {
			t.Fatalf("task %s state = %s, want stopped", st.Name, st.State)
		}
		if st.Invocations == 0 {
			t.Fatalf("task %s never ran", st.Name)
		}
		if st.Runtime != "registry-test" {
			t.Fatalf("task %s runtime = %q", st.Name, st.Runtime)
		}
	}
	// Starting again is a no-op: stopped tasks are not restarted.
	if err := g.StartAll(); err != nil {
		t.Fatalf("second StartAll: %v", err)
	}
}

func TestStopUnknownAndUnstarted(t *testing.T) {
	t.Parallel()
	g := New(logx.Nop(), nil)
	if err := g.Stop(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Stop(missing) = %v, want ErrNotFound", err)
	}
	var n atomic.Int64
	_ = g.Add(mustTask(t, "idle", &n), nil)
	if err := g.Stop(context.Background(), "idle"); rt.KindOf(err) != rt.KindIllegalState {
		t.Fatalf("Stop(idle) = %v, want illegal state", err)
	}
	if err := g.StopAll(context.Background()); err != nil {
		t.Fatalf("StopAll should skip unstarted tasks: %v", err)
	}
}

func TestRemoveRefusesRunningTask(t *testing.T) {
	t.Parallel()
	r := newRuntime(t)
	g := New(logx.Nop(), nil)
	var n atomic.Int64
	_ = g.Add(mustTask(t, "gc", &n), r)
	if err := g.Start("gc"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := g.Remove("gc"); !errors.Is(err, ErrRunning) {
		t.Fatalf("Remove(running) = %v, want ErrRunning", err)
	}
	if err := g.Stop(context.Background(), "gc"); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := g.Remove("gc"); err != nil {
		t.Fatalf("Remove(stopped): %v", err)
	}
	if _, ok := g.Get("gc"); ok {
		t.Fatal("task still registered after Remove")
	}
}

func TestReplaceReconstructs(t *testing.T) {
	t.Parallel()
	r := newRuntime(t)
	g := New(logx.Nop(), nil)
	var oldN, newN atomic.Int64
	old := mustTask(t, "gc", &oldN)
	_ = g.Add(old, r)
	if err := g.StartAll(); err != nil {
		t.Fatalf("StartAll: %v", err)
	}

	fresh := mustTask(t, "gc", &newN)
	if err := g.Replace(context.Background(), fresh, r); err != nil {
		t.Fatalf("Replace: %v", err)
	}
	if old.State() != repeated.Stopped {
		t.Fatalf("old task state = %v, want stopped", old.State())
	}
	if got, _ := g.Get("gc"); got != fresh {
		t.Fatal("registry does not hold the replacement")
	}
	if !fresh.IsRunning() {
		t.Fatal("replacement not running")
	}
	if err := g.StopAll(context.Background()); err != nil {
		t.Fatalf("StopAll: %v", err)
	}
}

// overlap tracks how many invocations of one task name run at the same time.
type overlap struct {
	active, peak atomic.Int64
}

func (o *overlap) enter() func() {
	n := o.active.Add(1)
	for {
		p := o.peak.Load()
		if n <= p || o.peak.CompareAndSwap(p, n) {
			break
		}
	}
	return func() { o.active.Add(-1) }
}

func TestReplaceWaitsForSlowPredecessor(t *testing.T) {
	t.Parallel()
	r := newRuntime(t)
	g := New(logx.Nop(), nil)
	var ov overlap
	entered := make(chan struct{}, 1)

	old, err := repeated.New("gc", 5*time.Millisecond, func(context.Context) error {
		defer ov.enter()()
		select {
		case entered <- struct{}{}:
		default:
		}
		time.Sleep(300 * time.Millisecond)
		return nil
	})
	if err != nil {
		t.Fatalf("repeated.New: %v", err)
	}
	quick := func(context.Context) error {
		defer ov.enter()()
		time.Sleep(time.Millisecond)
		return nil
	}
	fresh, _ := repeated.New("gc", 5*time.Millisecond, quick)
	fresher, _ := repeated.New("gc", 5*time.Millisecond, quick)

	_ = g.Add(old, r)
	if err := g.StartAll(); err != nil {
		t.Fatalf("StartAll: %v", err)
	}
	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("old job never ran")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := g.Replace(ctx, fresh, r); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Replace with short deadline = %v, want deadline exceeded", err)
	}
	if old.State() != repeated.Stopping || fresh.State() != repeated.NotStarted {
		t.Fatalf("states old=%v fresh=%v, want stopping/not-started", old.State(), fresh.State())
	}
	if err := g.Start("gc"); !errors.Is(err, ErrDraining) {
		t.Fatalf("Start while predecessor drains = %v, want ErrDraining", err)
	}

	// Replacing again waits for the same predecessor; the deferred task is dropped.
	if err := g.Replace(context.Background(), fresher, r); err != nil {
		t.Fatalf("second Replace: %v", err)
	}
	if old.State() != repeated.Stopped || !fresher.IsRunning() {
		t.Fatalf("states old=%v fresher=%v", old.State(), fresher.State())
	}
	time.Sleep(50 * time.Millisecond)
	if fresh.State() != repeated.NotStarted {
		t.Fatalf("superseded replacement state = %v, want not-started", fresh.State())
	}
	if got := ov.peak.Load(); got != 1 {
		t.Fatalf("peak concurrent invocations of gc = %d, want 1", got)
	}
	if err := g.StopAll(context.Background()); err != nil {
		t.Fatalf("StopAll: %v", err)
	}
}

func TestDeferredReplacementStartsAfterPredecessorStops(t *testing.T) {
	t.Parallel()
	r := newRuntime(t)
	g := New(logx.Nop(), nil)
	var ov overlap
	entered := make(chan struct{}, 1)

	old, _ := repeated.New("gc", 5*time.Millisecond, func(context.Context) error {
		defer ov.enter()()
		select {
		case entered <- struct{}{}:
		default:
		}
		time.Sleep(150 * time.Millisecond)
		return nil
	})
	var n atomic.Int64
	fresh, _ := repeated.New("gc", 5*time.Millisecond, func(context.Context) error {
		defer ov.enter()()
		n.Add(1)
		return nil
	})
	_ = g.Add(old, r)
	if err := g.StartAll(); err != nil {
		t.Fatalf("StartAll: %v", err)
	}
	<-entered

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := g.Replace(ctx, fresh, r); err == nil {
		t.Fatal("Replace returned nil while predecessor was still running")
	}

	deadline := time.Now().Add(2 * time.Second)
	for n.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if n.Load() == 0 || !fresh.IsRunning() {
		t.Fatalf("deferred replacement never ran: state=%v", fresh.State())
	}
	if old.State() != repeated.Stopped {
		t.Fatalf("old state = %v, want stopped", old.State())
	}
	if got := ov.peak.Load(); got != 1 {
		t.Fatalf("peak concurrent invocations of gc = %d, want 1", got)
	}
	if err := g.StopAll(context.Background()); err != nil {
		t.Fatalf("StopAll: %v", err)
	}
}
