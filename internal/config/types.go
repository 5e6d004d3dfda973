package config

// Config is the tickd configuration file.
//
// All durations are strings: Go durations ("90s", "2h30m"). Task intervals
// additionally accept "HH:MM" and "@every <duration>".
type Config struct {
	Logging LoggingConfig  `json:"logging"`
	Runtime RuntimeConfig  `json:"runtime,omitempty"`
	Storage *StorageConfig `json:"storage,omitempty"`
	Admin   AdminConfig    `json:"admin,omitempty"`
	Tasks   []TaskConfig   `json:"tasks"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// RuntimeConfig sizes the global runtimes. 0 means GOMAXPROCS.
// Changes take effect on restart only.
type RuntimeConfig struct {
	ReadWorkers       int `json:"read_workers,omitempty"`
	WriteWorkers      int `json:"write_workers,omitempty"`
	BackgroundWorkers int `json:"background_workers,omitempty"`
}

// StorageConfig controls the run history store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/tickd.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// AdminConfig controls the admin HTTP server. It is disabled unless Addr
// is set.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:7070").
//   - A non-loopback address requires a token or allow_insecure.
type AdminConfig struct {
	Addr          string `json:"addr,omitempty"`
	Token         string `json:"token,omitempty"` // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	// Pprof mounts net/http/pprof under /debug/pprof/.
	Pprof bool `json:"pprof,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

// TaskConfig declares one repeated task.
//
// Job-specific fields:
//   - history_gc: retention
//   - vacuum: (none)
//   - dir_sweep: dir, pattern, max_age
type TaskConfig struct {
	Name     string `json:"name"`
	Interval string `json:"interval"`
	Job      string `json:"job"`
	// Runtime is one of "read", "write", "bg". Empty means "bg".
	Runtime  string `json:"runtime,omitempty"`
	Timeout  string `json:"timeout,omitempty"`
	Disabled bool   `json:"disabled,omitempty"`

	Retention string `json:"retention,omitempty"`
	Dir       string `json:"dir,omitempty"`
	Pattern   string `json:"pattern,omitempty"`
	MaxAge    string `json:"max_age,omitempty"`
}
