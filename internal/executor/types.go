package executor

import (
	"context"
	"errors"
	"fmt"
	"time"
)

const (
	DefaultTimeout   = 30 * time.Second
	DefaultMaxOutput = 1 << 20
	// TruncationMarker is appended to a captured stream that hit the cap.
	TruncationMarker = "\n[output truncated]"

	defaultWaitDelay = 2 * time.Second
)

// Config controls executor defaults. Zero values pick the defaults above.
type Config struct {
	DefaultTimeout time.Duration
	MaxOutput      int
	// TempDir is where script bodies are staged; empty uses os.TempDir().
	TempDir string
}

// Command describes one process invocation.
type Command struct {
	Path string
	Args []string
	Dir  string
	// Env is overlaid on the inherited environment after deny-list filtering.
	Env   map[string]string
	Stdin string
	// Timeout overrides Config.DefaultTimeout when > 0.
	Timeout time.Duration
}

func (c Command) String() string {
	return fmt.Sprintf("%s %q", c.Path, c.Args)
}

// Result is what a finished (or killed) process produced.
type Result struct {
	ExitCode        int
	Stdout          string
	Stderr          string
	StdoutTruncated bool
	StderrTruncated bool
	TimedOut        bool
	Started         time.Time
	Finished        time.Time
}

func (r *Result) Success() bool { return r != nil && r.ExitCode == 0 && !r.TimedOut }

// Runner is the process-spawning surface adapters depend on. Tests substitute
// fakes for it.
type Runner interface {
	Run(ctx context.Context, cmd Command) (*Result, error)
	// RunScript stages body in a private temp file and runs it with
	// interpreter. The file is removed on every exit path.
	RunScript(ctx context.Context, interpreter, body string, cmd Command) (*Result, error)
	LookPath(name string) (string, error)
}

// ErrSpawn is matched by every *SpawnError.
var ErrSpawn = errors.New("command could not be started")

// SpawnError reports that the process never ran (missing binary, permission
// denied, bad working directory).
type SpawnError struct {
	Path string
	Err  error
}

func (e *SpawnError) Error() string   { return fmt.Sprintf("spawn %s: %v", e.Path, e.Err) }
func (e *SpawnError) Unwrap() error   { return e.Err }
func (e *SpawnError) Is(t error) bool { return t == ErrSpawn }
