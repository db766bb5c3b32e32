// Package executortest provides a scripted executor.Runner for adapter tests.
package executortest

import (
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"taskwarden/internal/executor"
)

// Call is one recorded invocation.
type Call struct {
	Path        string
	Args        []string
	Dir         string
	Env         map[string]string
	Stdin       string
	Interpreter string
	Script      string
}

// Line renders the call as "<base> <args...>" for easy assertions.
func (c Call) Line() string {
	return strings.TrimSpace(filepath.Base(c.Path) + " " + strings.Join(c.Args, " "))
}

type Handler func(c executor.Command) (*executor.Result, error)

// Runner answers commands from registered handlers. Handlers are keyed by
// the binary base name followed by leading arguments; the longest matching
// key wins, e.g. "launchctl list" beats "launchctl".
type Runner struct {
	mu       sync.Mutex
	calls    []Call
	handlers map[string]Handler
	missing  map[string]bool
	// Default answers commands with no handler. Nil means exit 0, no output.
	Default Handler
}

var _ executor.Runner = (*Runner)(nil)

func New() *Runner {
	return &Runner{handlers: map[string]Handler{}, missing: map[string]bool{}}
}

func (r *Runner) On(key string, h Handler) *Runner {
	r.mu.Lock()
	r.handlers[key] = h
	r.mu.Unlock()
	return r
}

// Missing makes LookPath fail for name.
func (r *Runner) Missing(name string) *Runner {
	r.mu.Lock()
	r.missing[name] = true
	r.mu.Unlock()
	return r
}

func (r *Runner) Calls() []Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Call(nil), r.calls...)
}

// Lines returns Call.Line for every recorded call whose binary is name (all
// calls when name is empty).
func (r *Runner) Lines(name string) []string {
	var out []string
	for _, c := range r.Calls() {
		if name == "" || filepath.Base(c.Path) == name {
			out = append(out, c.Line())
		}
	}
	return out
}

func (r *Runner) LookPath(name string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.missing[filepath.Base(name)] {
		return "", &exec.Error{Name: name, Err: exec.ErrNotFound}
	}
	return "/usr/bin/" + name, nil
}

func (r *Runner) Run(ctx context.Context, c executor.Command) (*executor.Result, error) {
	r.mu.Lock()
	r.calls = append(r.calls, Call{
		Path: c.Path, Args: append([]string(nil), c.Args...), Dir: c.Dir,
		Env: executor.FilterEnv(c.Env), Stdin: c.Stdin,
	})
	missing := r.missing[filepath.Base(c.Path)]
	h := r.lookup(c)
	r.mu.Unlock()

	if missing {
		return nil, &executor.SpawnError{Path: c.Path, Err: exec.ErrNotFound}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return h(c)
}

func (r *Runner) RunScript(ctx context.Context, interpreter, body string, c executor.Command) (*executor.Result, error) {
	r.mu.Lock()
	r.calls = append(r.calls, Call{
		Path: interpreter, Args: append([]string(nil), c.Args...), Dir: c.Dir,
		Env: executor.FilterEnv(c.Env), Interpreter: interpreter, Script: body,
	})
	c.Path = interpreter
	h := r.lookup(c)
	r.mu.Unlock()
	return h(c)
}

func (r *Runner) lookup(c executor.Command) Handler {
	base := filepath.Base(c.Path)
	for n := len(c.Args); n >= 0; n-- {
		key := strings.TrimSpace(base + " " + strings.Join(c.Args[:n], " "))
		if h, ok := r.handlers[key]; ok {
			return h
		}
	}
	if r.Default != nil {
		return r.Default
	}
	return OK("")
}

// OK answers with exit code 0 and stdout.
func OK(stdout string) Handler {
	return func(executor.Command) (*executor.Result, error) {
		now := time.Now()
		return &executor.Result{Stdout: stdout, Started: now, Finished: now}, nil
	}
}

// Exit answers with a non-zero exit code and stderr.
func Exit(code int, stderr string) Handler {
	return func(executor.Command) (*executor.Result, error) {
		now := time.Now()
		return &executor.Result{ExitCode: code, Stderr: stderr, Started: now, Finished: now}, nil
	}
}

// Fail answers with a spawn error.
func Fail(msg string) Handler {
	return func(c executor.Command) (*executor.Result, error) {
		return nil, &executor.SpawnError{Path: c.Path, Err: fmt.Errorf("%s", msg)}
	}
}
