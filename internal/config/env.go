package config

import (
	"os"
	"strings"

	"github.com/joho/godotenv"
)

// Environment overrides, applied after the file.
const (
	EnvLogLevel        = "TASKWARDEN_LOG_LEVEL"
	EnvStateDir        = "TASKWARDEN_STATE_DIR"
	EnvHistoryDriver   = "TASKWARDEN_HISTORY_DRIVER"
	EnvHistoryPath     = "TASKWARDEN_HISTORY_PATH"
	EnvContainerBinary = "TASKWARDEN_CONTAINER_BINARY"
)

func lookupEnv(k string) string { return os.Getenv(k) }

// LoadDotEnv loads KEY=VALUE pairs from the given files into the process
// environment without overriding variables that are already set. Missing
// files are skipped.
func LoadDotEnv(paths ...string) error {
	for _, p := range paths {
		if p == "" {
			continue
		}
		if _, err := os.Stat(p); err != nil {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return err
		}
	}
	return nil
}

func applyEnv(cfg *Config, env func(string) string) {
	if env == nil {
		return
	}
	set := func(dst *string, key string) {
		if v := strings.TrimSpace(env(key)); v != "" {
			*dst = v
		}
	}
	set(&cfg.Logging.Level, EnvLogLevel)
	set(&cfg.StateDir, EnvStateDir)
	set(&cfg.History.Driver, EnvHistoryDriver)
	set(&cfg.History.Path, EnvHistoryPath)
	set(&cfg.Backends.Container.Binary, EnvContainerBinary)
}
