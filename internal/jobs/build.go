package jobs

import (
	"fmt"
	"strings"
	"time"

	"tickd/internal/storage"
	"tickd/internal/task/repeated"
	logx "tickd/pkg/logx"
)

// Kinds accepted by Build.
const (
	KindHistoryGC = "history_gc"
	KindVacuum    = "vacuum"
	KindDirSweep  = "dir_sweep"
)

// Spec is the job part of a configured task.
type Spec struct {
	Kind      string
	Retention time.Duration
	Dir       string
	Pattern   string
	MaxAge    time.Duration
}

// Deps are the shared resources jobs may use.
type Deps struct {
	Store storage.Store
	Log   logx.Logger
}

// Build maps a configured job to its implementation. Store-backed jobs fail
// to build when storage is disabled.
func Build(s Spec, d Deps) (repeated.Job, error) {
	log := d.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	kind := strings.ToLower(strings.TrimSpace(s.Kind))
	log = log.With(logx.String("job", kind))

	switch kind {
	case KindHistoryGC:
		if d.Store == nil {
			return nil, fmt.Errorf("job %s requires storage", kind)
		}
		if s.Retention <= 0 {
			return nil, fmt.Errorf("job %s: retention must be > 0", kind)
		}
		return HistoryGC(d.Store, s.Retention, log), nil
	case KindVacuum:
		if d.Store == nil {
			return nil, fmt.Errorf("job %s requires storage", kind)
		}
		return Vacuum(d.Store), nil
	case KindDirSweep:
		if strings.TrimSpace(s.Dir) == "" {
			return nil, fmt.Errorf("job %s: dir is required", kind)
		}
		if s.MaxAge <= 0 {
			return nil, fmt.Errorf("job %s: max_age must be > 0", kind)
		}
		return DirSweep(s.Dir, s.Pattern, s.MaxAge, log), nil
	case "":
		return nil, fmt.Errorf("job kind is required")
	default:
		return nil, fmt.Errorf("unknown job kind %q", s.Kind)
	}
}
