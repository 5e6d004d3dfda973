package rt

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	logx "tickd/pkg/logx"
)

func newTestRuntime(t *testing.T, workers int) *Runtime {
	t.Helper()
	r, err := New(Config{Name: "test", Workers: workers}, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = r.Shutdown(ctx)
	})
	return r
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		cfg  Config
	}{
		{name: "empty name", cfg: Config{Name: "  "}},
		{name: "bad chars", cfg: Config{Name: "bg runtime"}},
		{name: "negative workers", cfg: Config{Name: "bg", Workers: -1}},
		{name: "too many workers", cfg: Config{Name: "bg", Workers: MaxWorkers + 1}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			r, err := New(tt.cfg, logx.Nop())
			if err == nil {
				t.Fatalf("expected error, got runtime %v", r.Name())
			}
			if KindOf(err) != KindBuildRuntime {
				t.Fatalf("KindOf = %v, want %v", KindOf(err), KindBuildRuntime)
			}
			if !errors.Is(err, ErrBuildRuntime) {
				t.Fatalf("errors.Is(err, ErrBuildRuntime) = false for %v", err)
			}
			if !strings.HasPrefix(err.Error(), "failed to build runtime") {
				t.Fatalf("unexpected message: %q", err.Error())
			}
		})
	}
}

func TestNewDefaultsWorkers(t *testing.T) {
	t.Parallel()
	r := newTestRuntime(t, 0)
	if r.Workers() < 1 {
		t.Fatalf("Workers = %d, want >= 1", r.Workers())
	}
}

func TestSpawnJoinReturnsValue(t *testing.T) {
	t.Parallel()
	r := newTestRuntime(t, 1)
	h := Spawn(r, "answer", func(ctx context.Context) (int, error) { return 42, nil })
	v, err := h.Join(context.Background())
	if err != nil {
		t.Fatalf("Join error: %v", err)
	}
	if v != 42 {
		t.Fatalf("Join value = %d, want 42", v)
	}
	if !h.Finished() {
		t.Fatal("expected handle to be finished after Join")
	}
}

func TestSpawnPassesUnitError(t *testing.T) {
	t.Parallel()
	r := newTestRuntime(t, 1)
	boom := errors.New("boom")
	_, err := Spawn(r, "fails", func(ctx context.Context) (struct{}, error) { return struct{}{}, boom }).Join(context.Background())
	if !errors.Is(err, boom) {
		t.Fatalf("Join error = %v, want %v", err, boom)
	}
	var je *JoinError
	if errors.As(err, &je) {
		t.Fatalf("plain unit error must not be a JoinError: %v", err)
	}
}

func TestSpawnPanicIsJoinError(t *testing.T) {
	t.Parallel()
	r := newTestRuntime(t, 1)
	h := Spawn(r, "panics", func(ctx context.Context) (int, error) { panic("kaboom") })
	_, err := h.Join(context.Background())
	var je *JoinError
	if !errors.As(err, &je) {
		t.Fatalf("expected *JoinError, got %T %v", err, err)
	}
	if !je.IsPanic() || je.IsCancelled() {
		t.Fatalf("IsPanic=%v IsCancelled=%v, want true/false", je.IsPanic(), je.IsCancelled())
	}
	if je.PanicValue() != "kaboom" {
		t.Fatalf("PanicValue = %v", je.PanicValue())
	}
	if je.Stack() == "" {
		t.Fatal("expected panic stack")
	}
}

func TestShutdownCancelsUnit(t *testing.T) {
	t.Parallel()
	r, err := New(Config{Name: "shutdown", Workers: 1}, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	started := make(chan struct{})
	h := Spawn(r, "waits", func(ctx context.Context) (struct{}, error) {
		close(started)
		<-ctx.Done()
		return struct{}{}, ctx.Err()
	})
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := r.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	_, err = h.Join(ctx)
	var je *JoinError
	if !errors.As(err, &je) || !je.IsCancelled() {
		t.Fatalf("expected cancelled JoinError, got %v", err)
	}

	// Spawning after shutdown resolves immediately as cancelled.
	_, err = Spawn(r, "late", func(ctx context.Context) (int, error) { return 1, nil }).Join(ctx)
	if !errors.As(err, &je) || !je.IsCancelled() {
		t.Fatalf("expected cancelled JoinError for late spawn, got %v", err)
	}
	if !r.Closed() {
		t.Fatal("expected runtime to report closed")
	}
}

func TestJoinIsMemoized(t *testing.T) {
	t.Parallel()
	r := newTestRuntime(t, 1)
	calls := 0
	h := Spawn(r, "once", func(ctx context.Context) (int, error) {
		calls++
		return calls, nil
	})
	a, _ := h.Join(context.Background())
	b, _ := h.Join(context.Background())
	if a != 1 || b != 1 {
		t.Fatalf("Join results = %d, %d; want 1, 1", a, b)
	}
}

func TestJoinContextBoundsWaitOnly(t *testing.T) {
	t.Parallel()
	r := newTestRuntime(t, 1)
	release := make(chan struct{})
	h := Spawn(r, "slow", func(ctx context.Context) (int, error) {
		<-release
		return 7, nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := h.Join(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Join error = %v, want deadline exceeded", err)
	}

	close(release)
	v, err := h.Join(context.Background())
	if err != nil || v != 7 {
		t.Fatalf("Join = %d, %v; want 7, nil", v, err)
	}
}

func TestAcquireBoundsWorkers(t *testing.T) {
	t.Parallel()
	r := newTestRuntime(t, 1)
	ctx := context.Background()

	release, ok := r.Acquire(ctx, nil)
	if !ok {
		t.Fatal("expected first permit")
	}
	if got := r.Snapshot().InFlight; got != 1 {
		t.Fatalf("InFlight = %d, want 1", got)
	}

	abort := make(chan struct{})
	close(abort)
	if _, ok := r.Acquire(ctx, abort); ok {
		t.Fatal("expected Acquire to give up when abort is closed and no permit is free")
	}

	release()
	release() // second call is a no-op

	release2, ok := r.Acquire(ctx, nil)
	if !ok {
		t.Fatal("expected permit after release")
	}
	release2()
	if got := r.Snapshot().InFlight; got != 0 {
		t.Fatalf("InFlight = %d, want 0", got)
	}
}
