package rt

import (
	"errors"
	"fmt"
	"runtime"
	"strconv"
	"strings"
)

// Kind is the machine-checkable discriminant of an Error.
type Kind int

const (
	// KindBuildRuntime: the execution runtime could not be constructed.
	KindBuildRuntime Kind = iota + 1
	// KindIllegalState: a lifecycle transition not valid from the current state.
	KindIllegalState
	// KindJoinFailure: waiting for a spawned unit to finish failed.
	KindJoinFailure
)

func (k Kind) String() string {
	switch k {
	case KindBuildRuntime:
		return "build_runtime"
	case KindIllegalState:
		return "illegal_state"
	case KindJoinFailure:
		return "join_failure"
	default:
		return "Kind(" + strconv.Itoa(int(k)) + ")"
	}
}

// Sentinels for errors.Is. They match any Error of the same Kind.
var (
	ErrBuildRuntime = &Error{Kind: KindBuildRuntime}
	ErrIllegalState = &Error{Kind: KindIllegalState}
	ErrJoinFailure  = &Error{Kind: KindJoinFailure}
)

// Error is returned by runtime construction and by repeated task lifecycle calls.
//
// Name is the runtime name (KindBuildRuntime) or the task name (other kinds).
// The call stack is captured where the error was created.
type Error struct {
	Kind   Kind
	Name   string
	Reason string
	Err    error

	pcs []uintptr
}

func newError(kind Kind, name, reason string, err error) *Error {
	pcs := make([]uintptr, 32)
	// Skip runtime.Callers, newError and the exported constructor.
	n := runtime.Callers(3, pcs)
	return &Error{Kind: kind, Name: name, Reason: reason, Err: err, pcs: pcs[:n]}
}

// BuildRuntimeError reports that runtime name could not be built.
func BuildRuntimeError(name string, err error) *Error {
	return newError(KindBuildRuntime, name, "", err)
}

// IllegalStateError reports an invalid lifecycle call on task name.
// reason completes "repeated task <name> ...", e.g. "not started yet".
func IllegalStateError(name, reason string) *Error {
	return newError(KindIllegalState, name, reason, nil)
}

// JoinFailureError reports that waiting for task name to stop failed.
func JoinFailureError(name string, err error) *Error {
	return newError(KindJoinFailure, name, "", err)
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindBuildRuntime:
		return fmt.Sprintf("failed to build runtime %s: %v", e.Name, e.Err)
	case KindIllegalState:
		reason := e.Reason
		if reason == "" {
			reason = "in illegal state"
		}
		return fmt.Sprintf("repeated task %s %s", e.Name, reason)
	case KindJoinFailure:
		return fmt.Sprintf("failed to wait for repeated task %s to stop: %v", e.Name, e.Err)
	default:
		if e.Err != nil {
			return e.Err.Error()
		}
		return e.Kind.String()
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches the package sentinels by Kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t == ErrBuildRuntime || t == ErrIllegalState || t == ErrJoinFailure {
		return e.Kind == t.Kind
	}
	return e == t
}

// StackTrace formats the stack captured when the error was created.
func (e *Error) StackTrace() string {
	if len(e.pcs) == 0 {
		return ""
	}
	frames := runtime.CallersFrames(e.pcs)
	var b strings.Builder
	for {
		fr, more := frames.Next()
		if fr.File != "" {
			if b.Len() > 0 {
				b.WriteString("\n")
			}
			b.WriteString(fr.Function)
			b.WriteString("\n  ")
			b.WriteString(fr.File)
			b.WriteString(":")
			b.WriteString(strconv.Itoa(fr.Line))
		}
		if !more {
			break
		}
	}
	return b.String()
}

// KindOf returns the Kind of the first Error in err's chain, or 0.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}
