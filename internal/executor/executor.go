package executor

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"strings"
	"sync/atomic"
	"time"

	"taskwarden/pkg/logx"
)

// Executor is the production Runner.
type Executor struct {
	cfg Config
	log logx.Logger
}

var _ Runner = (*Executor)(nil)

func New(cfg Config, log logx.Logger) *Executor {
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = DefaultTimeout
	}
	if cfg.MaxOutput <= 0 {
		cfg.MaxOutput = DefaultMaxOutput
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Executor{cfg: cfg, log: log.With(logx.String("comp", "executor"))}
}

func (e *Executor) LookPath(name string) (string, error) { return exec.LookPath(name) }

func (e *Executor) Run(ctx context.Context, c Command) (*Result, error) {
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = e.cfg.DefaultTimeout
	}

	cmd := exec.Command(c.Path, c.Args...)
	cmd.Dir = c.Dir
	cmd.Env = Environ(os.Environ(), c.Env)
	if c.Stdin != "" {
		cmd.Stdin = strings.NewReader(c.Stdin)
	}
	stdout := newCappedBuffer(e.cfg.MaxOutput)
	stderr := newCappedBuffer(e.cfg.MaxOutput)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	// Grandchildren holding the pipes open must not stall Wait forever.
	cmd.WaitDelay = defaultWaitDelay
	setProcessGroup(cmd)

	started := time.Now()
	if err := cmd.Start(); err != nil {
		e.log.Debug("spawn failed", logx.String("path", c.Path), logx.Err(err))
		return nil, &SpawnError{Path: c.Path, Err: err}
	}

	var timedOut atomic.Bool
	watchdog := time.AfterFunc(timeout, func() {
		timedOut.Store(true)
		killProcessGroup(cmd)
	})
	stopCtx := context.AfterFunc(ctx, func() { killProcessGroup(cmd) })

	waitErr := cmd.Wait()
	watchdog.Stop()
	stopCtx()

	res := &Result{
		Stdout:          stdout.String(),
		Stderr:          stderr.String(),
		StdoutTruncated: stdout.Truncated(),
		StderrTruncated: stderr.Truncated(),
		TimedOut:        timedOut.Load(),
		Started:         started,
		Finished:        time.Now(),
	}
	res.ExitCode = exitCode(cmd, waitErr)
	if res.TimedOut && res.ExitCode == 0 {
		res.ExitCode = -1
	}

	e.log.Debug("command finished",
		logx.String("path", c.Path),
		logx.Int("exit", res.ExitCode),
		logx.Bool("timed_out", res.TimedOut),
		logx.Duration("took", res.Finished.Sub(started)),
	)
	return res, nil
}

func (e *Executor) RunScript(ctx context.Context, interpreter, body string, c Command) (*Result, error) {
	f, err := os.CreateTemp(e.cfg.TempDir, "taskwarden-*.script")
	if err != nil {
		return nil, &SpawnError{Path: interpreter, Err: err}
	}
	path := f.Name()
	defer os.Remove(path)

	if err := f.Chmod(0o600); err != nil {
		_ = f.Close()
		return nil, &SpawnError{Path: interpreter, Err: err}
	}
	if _, err := f.WriteString(body); err != nil {
		_ = f.Close()
		return nil, &SpawnError{Path: interpreter, Err: err}
	}
	if err := f.Close(); err != nil {
		return nil, &SpawnError{Path: interpreter, Err: err}
	}

	c.Path = interpreter
	c.Args = append([]string{path}, c.Args...)
	return e.Run(ctx, c)
}

func exitCode(cmd *exec.Cmd, waitErr error) int {
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		return exitErr.ExitCode()
	}
	if cmd.ProcessState != nil {
		return cmd.ProcessState.ExitCode()
	}
	if waitErr != nil {
		return -1
	}
	return 0
}
