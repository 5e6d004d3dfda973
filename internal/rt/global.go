package rt

import (
	"context"
	"errors"
	"sync"

	logx "tickd/pkg/logx"
)

// Names of the process-wide runtimes.
const (
	ReadRuntime       = "read"
	WriteRuntime      = "write"
	BackgroundRuntime = "bg"
)

// GlobalOptions sizes the process-wide runtimes. Zero sizes mean GOMAXPROCS.
type GlobalOptions struct {
	ReadWorkers       int
	WriteWorkers      int
	BackgroundWorkers int
}

type globalRuntimes struct {
	read, write, bg *Runtime
}

var (
	globalMu sync.Mutex
	global   *globalRuntimes
)

// InitGlobal builds the read, write and background runtimes.
//
// It fails with a KindBuildRuntime error if any runtime cannot be built, and
// with KindIllegalState if the runtimes already exist.
func InitGlobal(opts GlobalOptions, log logx.Logger) error {
	globalMu.Lock()
	defer globalMu.Unlock()
	if global != nil {
		return IllegalStateError("global runtimes", "already initialized")
	}
	g, err := buildGlobal(opts, log)
	if err != nil {
		return err
	}
	global = g
	return nil
}

func buildGlobal(opts GlobalOptions, log logx.Logger) (*globalRuntimes, error) {
	read, err := New(Config{Name: ReadRuntime, Workers: opts.ReadWorkers}, log)
	if err != nil {
		return nil, err
	}
	write, err := New(Config{Name: WriteRuntime, Workers: opts.WriteWorkers}, log)
	if err != nil {
		_ = read.Shutdown(context.Background())
		return nil, err
	}
	bg, err := New(Config{Name: BackgroundRuntime, Workers: opts.BackgroundWorkers}, log)
	if err != nil {
		_ = read.Shutdown(context.Background())
		_ = write.Shutdown(context.Background())
		return nil, err
	}
	return &globalRuntimes{read: read, write: write, bg: bg}, nil
}

func globals() *globalRuntimes {
	globalMu.Lock()
	defer globalMu.Unlock()
	if global == nil {
		// Defaults cannot fail: fixed valid names and zero sizes.
		g, err := buildGlobal(GlobalOptions{}, logx.Nop())
		if err != nil {
			panic(err)
		}
		global = g
	}
	return global
}

// Read returns the global runtime for read-path work.
func Read() *Runtime { return globals().read }

// Write returns the global runtime for write-path work.
func Write() *Runtime { return globals().write }

// Background returns the global runtime for periodic and housekeeping work.
func Background() *Runtime { return globals().bg }

// Lookup returns the global runtime by name.
func Lookup(name string) (*Runtime, bool) {
	g := globals()
	switch name {
	case ReadRuntime:
		return g.read, true
	case WriteRuntime:
		return g.write, true
	case BackgroundRuntime, "":
		return g.bg, true
	default:
		return nil, false
	}
}

// Globals lists the global runtimes in a stable order.
func Globals() []*Runtime {
	g := globals()
	return []*Runtime{g.read, g.write, g.bg}
}

// ShutdownGlobal shuts the global runtimes down and forgets them, so a later
// call to InitGlobal or an accessor builds fresh ones.
func ShutdownGlobal(ctx context.Context) error {
	globalMu.Lock()
	g := global
	global = nil
	globalMu.Unlock()
	if g == nil {
		return nil
	}
	return errors.Join(g.bg.Shutdown(ctx), g.write.Shutdown(ctx), g.read.Shutdown(ctx))
}
