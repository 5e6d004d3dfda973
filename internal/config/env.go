package config

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
)

// Environment overrides. They win over the config file; .env values never
// override variables already set in the process environment.
const (
	EnvLogLevel    = "TICKD_LOG_LEVEL"
	EnvAdminAddr   = "TICKD_ADMIN_ADDR"
	EnvStoragePath = "TICKD_STORAGE_PATH"
)

// LoadDotEnv loads the .env file next to the config file, if present.
func LoadDotEnv(configPath string) error {
	p := filepath.Join(filepath.Dir(configPath), ".env")
	if _, err := os.Stat(p); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}
	return godotenv.Load(p)
}

func ApplyEnv(cfg *Config) {
	if cfg == nil {
		return
	}
	if v, ok := lookupEnv(EnvLogLevel); ok {
		cfg.Logging.Level = v
	}
	if v, ok := lookupEnv(EnvAdminAddr); ok {
		cfg.Admin.Addr = v
	}
	if v, ok := lookupEnv(EnvStoragePath); ok {
		if cfg.Storage == nil {
			cfg.Storage = &StorageConfig{Driver: "sqlite"}
		}
		cfg.Storage.Path = v
	}
}

func lookupEnv(key string) (string, bool) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return "", false
	}
	v = strings.TrimSpace(v)
	return v, v != ""
}
