package history

import (
	"context"
	"time"

	"taskwarden/internal/task"
)

const (
	DefaultPerTaskCap = 50
	DefaultGlobalCap  = 2000
	DefaultStreamCap  = 10 * 1024
	DefaultRetention  = 30 * 24 * time.Hour
	DefaultDebounce   = time.Second
)

// Config configures the store. Zero caps and durations take the defaults.
type Config struct {
	Driver     string
	Path       string
	PerTaskCap int
	GlobalCap  int
	// StreamCap bounds stdout and stderr separately, in bytes.
	StreamCap   int
	Retention   time.Duration
	Debounce    time.Duration
	BusyTimeout time.Duration // sqlite only
}

func (c Config) withDefaults() Config {
	if c.PerTaskCap <= 0 {
		c.PerTaskCap = DefaultPerTaskCap
	}
	if c.GlobalCap <= 0 {
		c.GlobalCap = DefaultGlobalCap
	}
	if c.StreamCap <= 0 {
		c.StreamCap = DefaultStreamCap
	}
	if c.Retention <= 0 {
		c.Retention = DefaultRetention
	}
	if c.Debounce <= 0 {
		c.Debounce = DefaultDebounce
	}
	return c
}

// Stats summarizes a task's recorded runs.
type Stats struct {
	Runs     int
	Failures int
	LastRun  time.Time
}

// driver persists the full record set. Save replaces whatever was stored.
type driver interface {
	Load(ctx context.Context) ([]task.ExecutionResult, error)
	Save(ctx context.Context, records []task.ExecutionResult) error
	Close() error
}

// memoryDriver keeps nothing.
type memoryDriver struct{}

func (memoryDriver) Load(context.Context) ([]task.ExecutionResult, error) { return nil, nil }
func (memoryDriver) Save(context.Context, []task.ExecutionResult) error   { return nil }
func (memoryDriver) Close() error                                         { return nil }
