package rt

import (
	"context"
	"errors"
	"fmt"
)

// JoinError is returned by JoinHandle.Join when the spawned unit did not
// complete normally.
type JoinError struct {
	name      string
	cancelled bool
	panicked  bool
	panicVal  any
	stack     string
	cause     error
}

func (e *JoinError) Error() string {
	if e.panicked {
		return fmt.Sprintf("unit %s panicked: %v", e.name, e.panicVal)
	}
	if e.cause != nil {
		return fmt.Sprintf("unit %s was cancelled: %v", e.name, e.cause)
	}
	return fmt.Sprintf("unit %s was cancelled", e.name)
}

func (e *JoinError) Unwrap() error { return e.cause }

// IsPanic reports whether the unit panicked.
func (e *JoinError) IsPanic() bool { return e.panicked }

// IsCancelled reports whether the runtime cancelled the unit.
func (e *JoinError) IsCancelled() bool { return e.cancelled }

// PanicValue returns the recovered value (nil unless IsPanic).
func (e *JoinError) PanicValue() any { return e.panicVal }

// Stack returns the goroutine stack at the panic site.
func (e *JoinError) Stack() string { return e.stack }

// JoinHandle waits for a unit spawned with Spawn.
//
// The outcome is recorded once; every Join call observes the same result.
type JoinHandle[T any] struct {
	name string
	done chan struct{}
	val  T
	err  error
}

func newJoinHandle[T any](name string) *JoinHandle[T] {
	return &JoinHandle[T]{name: name, done: make(chan struct{})}
}

// Name returns the unit name given to Spawn.
func (h *JoinHandle[T]) Name() string { return h.name }

// Done is closed once the unit has finished.
func (h *JoinHandle[T]) Done() <-chan struct{} { return h.done }

// Finished reports whether the unit has finished, without blocking.
func (h *JoinHandle[T]) Finished() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// Join blocks until the unit finished or ctx is done.
//
// ctx bounds only the caller's wait: ctx.Err() is returned as-is and the unit
// keeps running. A *JoinError reports a panic or a runtime cancellation; any
// other error is the one returned by the unit.
func (h *JoinHandle[T]) Join(ctx context.Context) (T, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case <-h.done:
		return h.val, h.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

func (h *JoinHandle[T]) finish(val T, err error) {
	h.val = val
	h.err = err
	close(h.done)
}

func (h *JoinHandle[T]) cancelled(cause error) {
	var zero T
	h.finish(zero, &JoinError{name: h.name, cancelled: true, cause: cause})
}

func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled)
}
