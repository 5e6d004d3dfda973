// Package jobs provides the concrete work tickd repeats.
//
// Every constructor returns a repeated.Job. Jobs are opaque to the scheduler:
// they return an error on failure and are invoked again next interval.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"tickd/internal/storage"
	"tickd/internal/task/repeated"
	logx "tickd/pkg/logx"
)

// HistoryGC deletes run history older than retention.
func HistoryGC(store storage.Store, retention time.Duration, log logx.Logger) repeated.Job {
	return func(ctx context.Context) error {
		if store == nil {
			return storage.ErrDisabled
		}
		if retention <= 0 {
			return errors.New("history_gc: retention must be > 0")
		}
		n, err := store.PruneRuns(ctx, time.Now().Add(-retention))
		if err != nil {
			return fmt.Errorf("history_gc: %w", err)
		}
		if n > 0 {
			log.Info("run history pruned", logx.Int64("rows", n), logx.Duration("retention", retention))
		}
		return nil
	}
}

// Vacuum reclaims free pages of the run history database.
func Vacuum(store storage.Store) repeated.Job {
	return func(ctx context.Context) error {
		if store == nil {
			return storage.ErrDisabled
		}
		if err := store.Vacuum(ctx); err != nil {
			return fmt.Errorf("vacuum: %w", err)
		}
		return nil
	}
}

// DirSweep removes regular files in dir whose base name matches pattern
// (filepath.Match syntax, "*" when empty) and whose mtime is older than
// maxAge. Subdirectories are not descended into.
func DirSweep(dir, pattern string, maxAge time.Duration, log logx.Logger) repeated.Job {
	if strings.TrimSpace(pattern) == "" {
		pattern = "*"
	}
	return func(ctx context.Context) error {
		if maxAge <= 0 {
			return errors.New("dir_sweep: max_age must be > 0")
		}
		if _, err := filepath.Match(pattern, ""); err != nil {
			return fmt.Errorf("dir_sweep: bad pattern %q: %w", pattern, err)
		}
		entries, err := os.ReadDir(dir)
		if err != nil {
			return fmt.Errorf("dir_sweep: %w", err)
		}
		cutoff := time.Now().Add(-maxAge)
		var (
			removed int
			errs    []error
		)
		for _, e := range entries {
			if err := ctx.Err(); err != nil {
				return err
			}
			if !e.Type().IsRegular() {
				continue
			}
			if ok, _ := filepath.Match(pattern, e.Name()); !ok {
				continue
			}
			info, err := e.Info()
			if err != nil {
				if !errors.Is(err, os.ErrNotExist) {
					errs = append(errs, err)
				}
				continue
			}
			if info.ModTime().After(cutoff) {
				continue
			}
			if err := os.Remove(filepath.Join(dir, e.Name())); err != nil && !errors.Is(err, os.ErrNotExist) {
				errs = append(errs, err)
				continue
			}
			removed++
		}
		if removed > 0 {
			log.Info("stale files removed", logx.String("dir", dir), logx.Int("count", removed))
		}
		return errors.Join(errs...)
	}
}
