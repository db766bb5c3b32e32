package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"taskwarden/internal/executor"
	"taskwarden/internal/history"
)

// Validate checks values that do not need resolving to be wrong.
func (c *Config) Validate() error {
	switch strings.ToLower(strings.TrimSpace(c.Logging.Level)) {
	case "", "trace", "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("logging.level: unknown level %q", c.Logging.Level)
	}
	if c.Logging.File.Enabled && strings.TrimSpace(c.Logging.File.Path) == "" {
		return fmt.Errorf("logging.file.path: required when file logging is enabled")
	}
	switch strings.ToLower(c.History.Driver) {
	case "", "none", "memory", "file", "sqlite":
	default:
		return fmt.Errorf("history.driver: unknown driver %q", c.History.Driver)
	}
	for path, n := range map[string]int{
		"executor.max_output_bytes":    c.Executor.MaxOutputBytes,
		"history.per_task_cap":         c.History.PerTaskCap,
		"history.global_cap":           c.History.GlobalCap,
		"history.stream_cap":           c.History.StreamCap,
		"backends.container.cache_max": c.Backends.Container.CacheMax,
	} {
		if n < 0 {
			return fmt.Errorf("%s: must be >= 0", path)
		}
	}
	_, err := c.Resolve()
	return err
}

// Settings is Config with defaults filled in and durations parsed.
type Settings struct {
	Logging  LoggingConfig
	StateDir string

	DefaultTimeout time.Duration
	ProbeTimeout   time.Duration
	RunTimeout     time.Duration
	PullTimeout    time.Duration
	MaxOutputBytes int

	History history.Config

	SystemdEnabledCacheTTL time.Duration
	ContainerCachePath     string

	WatchEnabled     bool
	WatchDebounce    time.Duration
	WatchMinInterval time.Duration
}

const (
	DefaultProbeTimeout = 10 * time.Second
	DefaultRunTimeout   = 10 * time.Minute
	DefaultPullTimeout  = 2 * time.Minute
)

// Resolve fills defaults and parses durations.
func (c *Config) Resolve() (*Settings, error) {
	var d durations
	s := &Settings{
		Logging:          c.Logging,
		StateDir:         c.StateDir,
		DefaultTimeout:   d.or("executor.default_timeout", c.Executor.DefaultTimeout, executor.DefaultTimeout),
		ProbeTimeout:     d.or("executor.probe_timeout", c.Executor.ProbeTimeout, DefaultProbeTimeout),
		RunTimeout:       d.or("executor.run_timeout", c.Executor.RunTimeout, DefaultRunTimeout),
		PullTimeout:      d.or("executor.pull_timeout", c.Executor.PullTimeout, DefaultPullTimeout),
		MaxOutputBytes:   c.Executor.MaxOutputBytes,
		WatchEnabled:     c.Watch.Enabled,
		WatchDebounce:    d.or("watch.debounce", c.Watch.Debounce, 500*time.Millisecond),
		WatchMinInterval: d.or("watch.min_interval", c.Watch.MinInterval, 2*time.Second),
		SystemdEnabledCacheTTL: d.signed("backends.systemd.enabled_cache_ttl",
			c.Backends.Systemd.EnabledCacheTTL, 5*time.Second),
		History: history.Config{
			Driver:      strings.ToLower(c.History.Driver),
			Path:        c.History.Path,
			PerTaskCap:  c.History.PerTaskCap,
			GlobalCap:   c.History.GlobalCap,
			StreamCap:   c.History.StreamCap,
			Retention:   d.or("history.retention", c.History.Retention, history.DefaultRetention),
			Debounce:    d.or("history.debounce", c.History.Debounce, history.DefaultDebounce),
			BusyTimeout: d.or("history.busy_timeout", c.History.BusyTimeout, 5*time.Second),
		},
	}
	if d.err != nil {
		return nil, d.err
	}
	if s.MaxOutputBytes == 0 {
		s.MaxOutputBytes = executor.DefaultMaxOutput
	}
	if s.StateDir == "" {
		base, err := os.UserCacheDir()
		if err != nil {
			base = os.TempDir()
		}
		s.StateDir = filepath.Join(base, "taskwarden")
	}
	if s.History.Path == "" {
		switch s.History.Driver {
		case "file":
			s.History.Path = filepath.Join(s.StateDir, "history.json")
		case "sqlite":
			s.History.Path = filepath.Join(s.StateDir, "history.db")
		}
	}
	s.ContainerCachePath = c.Backends.Container.CachePath
	if s.ContainerCachePath == "" {
		s.ContainerCachePath = filepath.Join(s.StateDir, "containers.cache")
	}
	return s, nil
}
