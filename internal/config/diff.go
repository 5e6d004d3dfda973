package config

import (
	"reflect"
	"sort"
	"strings"

	logx "tickd/pkg/logx"
)

// TaskChanges lists task names by how they differ between two configs.
// A disabled task counts as absent.
type TaskChanges struct {
	Added   []string
	Removed []string
	Changed []string
}

func (c TaskChanges) Empty() bool {
	return len(c.Added) == 0 && len(c.Removed) == 0 && len(c.Changed) == 0
}

// SummarizeConfigChange returns (1) a compact list of changed sections,
// (2) safe structured attrs for logging (never includes the admin token),
// and (3) the task entries that were added, removed or changed.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, TaskChanges) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 5)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if oldCfg.Runtime != newCfg.Runtime {
		changed = append(changed, "runtime")
		attrs = append(attrs,
			logx.Int("runtime.read_workers", newCfg.Runtime.ReadWorkers),
			logx.Int("runtime.write_workers", newCfg.Runtime.WriteWorkers),
			logx.Int("runtime.background_workers", newCfg.Runtime.BackgroundWorkers),
			logx.Bool("runtime.restart_required", true),
		)
	}

	oSt, nSt := derefStorage(oldCfg.Storage), derefStorage(newCfg.Storage)
	if oSt != nSt {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", nSt.Driver),
			logx.String("storage.path", nSt.Path),
			logx.Bool("storage.restart_required", true),
		)
	}

	oA, nA := oldCfg.Admin, newCfg.Admin
	if strings.TrimSpace(oA.Addr) != strings.TrimSpace(nA.Addr) ||
		oA.AllowInsecure != nA.AllowInsecure ||
		oA.Pprof != nA.Pprof ||
		oA.ReadTimeout != nA.ReadTimeout ||
		oA.WriteTimeout != nA.WriteTimeout ||
		oA.IdleTimeout != nA.IdleTimeout ||
		oA.Token != nA.Token {
		changed = append(changed, "admin")
		attrs = append(attrs,
			logx.String("admin.addr", strings.TrimSpace(nA.Addr)),
			logx.Bool("admin.token_set", strings.TrimSpace(nA.Token) != ""),
			logx.Bool("admin.allow_insecure", nA.AllowInsecure),
			logx.Bool("admin.pprof", nA.Pprof),
		)
	}

	tc := diffTasks(oldCfg.Tasks, newCfg.Tasks)
	if !tc.Empty() {
		changed = append(changed, "tasks")
		attrs = append(attrs,
			logx.String("tasks.added", strings.Join(tc.Added, ",")),
			logx.String("tasks.removed", strings.Join(tc.Removed, ",")),
			logx.String("tasks.changed", strings.Join(tc.Changed, ",")),
		)
	}

	return changed, attrs, tc
}

func derefStorage(s *StorageConfig) StorageConfig {
	if s == nil {
		return StorageConfig{}
	}
	return *s
}

func activeTasks(list []TaskConfig) map[string]TaskConfig {
	m := make(map[string]TaskConfig, len(list))
	for _, t := range list {
		if t.Disabled {
			continue
		}
		m[strings.TrimSpace(t.Name)] = t
	}
	return m
}

func diffTasks(oldList, newList []TaskConfig) TaskChanges {
	o, n := activeTasks(oldList), activeTasks(newList)
	var tc TaskChanges
	for name, nt := range n {
		ot, ok := o[name]
		switch {
		case !ok:
			tc.Added = append(tc.Added, name)
		case ot != nt:
			tc.Changed = append(tc.Changed, name)
		}
	}
	for name := range o {
		if _, ok := n[name]; !ok {
			tc.Removed = append(tc.Removed, name)
		}
	}
	sort.Strings(tc.Added)
	sort.Strings(tc.Removed)
	sort.Strings(tc.Changed)
	return tc
}
