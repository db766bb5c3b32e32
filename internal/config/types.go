package config

// Config is the on-disk configuration, JSON or YAML. Durations are Go
// duration strings ("500ms", "10s", "1m"); empty or zero means the default.
type Config struct {
	Logging LoggingConfig `json:"logging"`

	// StateDir holds history and caches. Default: the user cache dir plus
	// "/taskwarden".
	StateDir string `json:"state_dir,omitempty"`

	Executor ExecutorConfig `json:"executor"`
	History  HistoryConfig  `json:"history"`
	Backends BackendsConfig `json:"backends"`
	Watch    WatchConfig    `json:"watch"`
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

// ExecutorConfig bounds external commands.
//
// Defaults:
//   - default_timeout: "30s"
//   - probe_timeout: "10s" (status and listing commands)
//   - run_timeout: "10m" (run-now)
//   - pull_timeout: "2m" (container start and stop)
//   - max_output_bytes: 1048576 per stream
type ExecutorConfig struct {
	DefaultTimeout string `json:"default_timeout,omitempty"`
	ProbeTimeout   string `json:"probe_timeout,omitempty"`
	RunTimeout     string `json:"run_timeout,omitempty"`
	PullTimeout    string `json:"pull_timeout,omitempty"`
	MaxOutputBytes int    `json:"max_output_bytes,omitempty"`
}

// HistoryConfig controls run history.
//
// Example:
//
//	"history": { "driver": "file", "retention": "720h" }
type HistoryConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	PerTaskCap  int    `json:"per_task_cap,omitempty"`
	GlobalCap   int    `json:"global_cap,omitempty"`
	StreamCap   int    `json:"stream_cap,omitempty"`
	Retention   string `json:"retention,omitempty"`
	Debounce    string `json:"debounce,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite
}

type BackendsConfig struct {
	Launchd    LaunchdConfig   `json:"launchd"`
	Systemd    SystemdConfig   `json:"systemd"`
	Crontab    CrontabConfig   `json:"crontab"`
	Container  ContainerConfig `json:"container"`
	VirtualBox VMConfig        `json:"virtualbox"`
	Parallels  VMConfig        `json:"parallels"`
	UTM        VMConfig        `json:"utm"`
}

type LaunchdConfig struct {
	Enabled   *bool  `json:"enabled,omitempty"`
	Launchctl string `json:"launchctl,omitempty"`
}

type SystemdConfig struct {
	Enabled *bool `json:"enabled,omitempty"`
	// EnabledCacheTTL caches unit-file enablement lookups. "-1s" disables.
	EnabledCacheTTL string `json:"enabled_cache_ttl,omitempty"`
}

type CrontabConfig struct {
	Enabled *bool  `json:"enabled,omitempty"`
	Binary  string `json:"binary,omitempty"`
}

type ContainerConfig struct {
	Enabled *bool `json:"enabled,omitempty"`
	// Binary is docker or podman (or a path to either).
	Binary    string `json:"binary,omitempty"`
	CachePath string `json:"cache_path,omitempty"`
	CacheMax  int    `json:"cache_max,omitempty"`
}

type VMConfig struct {
	Enabled *bool  `json:"enabled,omitempty"`
	Binary  string `json:"binary,omitempty"`
}

// On resolves an optional toggle against a default.
func On(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}

type WatchConfig struct {
	Enabled     bool   `json:"enabled"`
	Debounce    string `json:"debounce,omitempty"`
	MinInterval string `json:"min_interval,omitempty"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		Logging: LoggingConfig{Level: "info", Console: true},
		History: HistoryConfig{Driver: "file"},
		Watch:   WatchConfig{Enabled: true},
	}
}
