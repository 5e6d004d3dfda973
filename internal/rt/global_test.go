package rt

import (
	"context"
	"testing"
	"time"

	logx "tickd/pkg/logx"
)

// Not parallel: the global runtimes are process state.
func TestGlobalRuntimesLifecycle(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := ShutdownGlobal(ctx); err != nil {
		t.Fatalf("ShutdownGlobal: %v", err)
	}

	if err := InitGlobal(GlobalOptions{ReadWorkers: 1, WriteWorkers: 2, BackgroundWorkers: 3}, logx.Nop()); err != nil {
		t.Fatalf("InitGlobal: %v", err)
	}
	t.Cleanup(func() { _ = ShutdownGlobal(context.Background()) })

	if err := InitGlobal(GlobalOptions{}, logx.Nop()); KindOf(err) != KindIllegalState {
		t.Fatalf("second InitGlobal error = %v, want illegal state", err)
	}
	if Read().Workers() != 1 || Write().Workers() != 2 || Background().Workers() != 3 {
		t.Fatalf("unexpected worker sizes: %d/%d/%d", Read().Workers(), Write().Workers(), Background().Workers())
	}
	if r, ok := Lookup(""); !ok || r != Background() {
		t.Fatal("empty lookup should resolve to the background runtime")
	}
	if _, ok := Lookup("nope"); ok {
		t.Fatal("unknown runtime should not resolve")
	}

	bg := Background()
	if err := ShutdownGlobal(ctx); err != nil {
		t.Fatalf("ShutdownGlobal: %v", err)
	}
	if !bg.Closed() {
		t.Fatal("expected old background runtime to be closed")
	}
	if Background() == bg {
		t.Fatal("expected a fresh background runtime after shutdown")
	}
}

func TestInitGlobalBuildFailure(t *testing.T) {
	_ = ShutdownGlobal(context.Background())
	t.Cleanup(func() { _ = ShutdownGlobal(context.Background()) })

	err := InitGlobal(GlobalOptions{WriteWorkers: -2}, logx.Nop())
	if KindOf(err) != KindBuildRuntime {
		t.Fatalf("InitGlobal error = %v, want build runtime", err)
	}
}
