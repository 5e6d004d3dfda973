package storage

import (
	"context"
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file (modernc.org/sqlite, no cgo)
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // 0 means default
}

// Run records one job invocation.
// Keep it compact and schema-stable.
type Run struct {
	ID       string
	Task     string
	Started  time.Time
	Duration time.Duration
	Error    string
}

// Store is the persistence API used by tasks and housekeeping jobs.
type Store interface {
	RecordRun(ctx context.Context, r Run) error
	RecentRuns(ctx context.Context, task string, limit int) ([]Run, error)
	PruneRuns(ctx context.Context, before time.Time) (int64, error)
	Vacuum(ctx context.Context) error
	Close() error
}
