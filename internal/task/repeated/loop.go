package repeated

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/google/uuid"

	"tickd/internal/eventbus"
	logx "tickd/pkg/logx"
)

// loop is the spawned unit. It returns nil when the stop signal fired and
// the runtime context error when the runtime cancelled it out-of-band.
func (t *Task) loop(ctx context.Context) (struct{}, error) {
	timer := time.NewTimer(t.interval)
	defer timer.Stop()

	for {
		// Waiting: interval vs. stop signal vs. runtime shutdown.
		select {
		case <-t.cancel:
			return struct{}{}, nil
		case <-ctx.Done():
			return struct{}{}, ctx.Err()
		case <-timer.C:
		}
		// select picks randomly among ready cases; a fired stop signal wins.
		select {
		case <-t.cancel:
			return struct{}{}, nil
		default:
		}

		release, ok := t.acquire(ctx)
		if !ok {
			if ctx.Err() != nil {
				return struct{}{}, ctx.Err()
			}
			return struct{}{}, nil
		}
		t.invoke(ctx)
		release()

		// Fixed delay: the next wait starts after the invocation finished.
		timer.Reset(t.interval)
	}
}

// acquire takes a worker permit for one invocation. It fails when the stop
// signal fired, even if a permit was free at the same moment.
func (t *Task) acquire(ctx context.Context) (func(), bool) {
	release, ok := t.runtime.Acquire(ctx, t.cancel)
	if !ok {
		return nil, false
	}
	select {
	case <-t.cancel:
		release()
		return nil, false
	default:
		return release, true
	}
}

// invoke runs the job once. Failures (errors and panics) are reported and
// swallowed so the loop survives them.
func (t *Task) invoke(ctx context.Context) {
	runCtx := ctx
	var cancel context.CancelFunc
	if t.timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, t.timeout)
	}

	id := uuid.NewString()
	start := time.Now()
	t.lastRun.Store(start.UnixNano())
	t.invocations.Add(1)

	err := t.call(runCtx)
	if cancel != nil {
		cancel()
	}
	dur := time.Since(start)
	t.lastDur.Store(int64(dur))

	run := Run{ID: id, Task: t.name, Started: start, Duration: dur}
	ev := eventbus.RunEvent{ID: id, Name: t.name, Started: start, Duration: dur}
	if err != nil {
		n := t.failures.Add(1)
		run.Err = err.Error()
		ev.Error = run.Err
		t.lastErr.Store(run.Err)
		if t.failLog.Allow() {
			t.log.Warn("job failed; retrying next interval", logx.Err(err), logx.Duration("dur", dur), logx.Uint64("failures", n))
		} else {
			t.log.Debug("job failed", logx.Err(err), logx.Duration("dur", dur))
		}
		eventbus.Publish(t.bus, eventbus.RunFailed, ev)
	} else {
		t.lastErr.Store("")
		t.log.Debug("job completed", logx.String("run", id), logx.Duration("dur", dur))
		eventbus.Publish(t.bus, eventbus.RunFinished, ev)
	}

	if t.rec != nil {
		// Recording must not be cut short by the runtime shutting down.
		rctx, rcancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		if rerr := t.rec.RecordRun(rctx, run); rerr != nil {
			t.log.Debug("run record failed", logx.Err(rerr))
		}
		rcancel()
	}
}

func (t *Task) call(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			t.log.Error("job panicked", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		}
	}()
	return t.job(ctx)
}
