// Package crontab manages entries in the current user's crontab. Managed
// entries carry a tag comment on the line above; everything else in the
// table is reported read-only and written back untouched.
package crontab

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"taskwarden/internal/backend"
	"taskwarden/internal/executor"
	"taskwarden/internal/task"
	"taskwarden/pkg/logx"
)

const (
	defaultCrontab      = "crontab"
	defaultProbeTimeout = 10 * time.Second
)

type Options struct {
	Crontab      string
	Runner       executor.Runner
	ProbeTimeout time.Duration
	RunTimeout   time.Duration
	Log          logx.Logger
}

type Adapter struct {
	opts Options
	log  logx.Logger

	// mu serializes read-modify-write cycles on the table.
	mu sync.Mutex
}

var _ backend.Adapter = (*Adapter)(nil)

func New(opts Options) *Adapter {
	if opts.Crontab == "" {
		opts.Crontab = defaultCrontab
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = defaultProbeTimeout
	}
	log := opts.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Adapter{opts: opts, log: log.With(logx.String("comp", "crontab"))}
}

func (a *Adapter) Kind() task.Backend { return task.BackendCrontab }

func (a *Adapter) SupportedTriggers() []task.TriggerKind {
	return []task.TriggerKind{task.TriggerCalendar}
}

func (a *Adapter) read(ctx context.Context) (*table, error) {
	res, err := a.opts.Runner.Run(ctx, executor.Command{
		Path: a.opts.Crontab, Args: []string{"-l"}, Timeout: a.opts.ProbeTimeout,
	})
	if err != nil {
		return nil, backend.Fail("read", a.Kind(), nil, backend.ErrBackendUnavailable, err)
	}
	if res.ExitCode != 0 {
		if strings.Contains(strings.ToLower(res.Stderr), "no crontab") {
			return &table{}, nil
		}
		return nil, backend.Fail("read", a.Kind(), nil, backend.ErrBackendUnavailable,
			fmt.Errorf("crontab -l: exit %d: %s", res.ExitCode, strings.TrimSpace(res.Stderr)))
	}
	return parseTable(res.Stdout), nil
}

func (a *Adapter) write(ctx context.Context, t *task.Task, tb *table) error {
	res, err := a.opts.Runner.Run(ctx, executor.Command{
		Path: a.opts.Crontab, Args: []string{"-"}, Stdin: tb.render(), Timeout: a.opts.ProbeTimeout,
	})
	if err == nil && res.ExitCode != 0 {
		err = fmt.Errorf("crontab -: exit %d: %s", res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	if err != nil {
		return backend.Fail("write", a.Kind(), t, backend.ErrConfigWrite, err)
	}
	return nil
}

// modify runs fn over the current table and writes it back when fn reports
// a change.
func (a *Adapter) modify(ctx context.Context, t *task.Task, fn func(tb *table) (bool, error)) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	tb, err := a.read(ctx)
	if err != nil {
		return err
	}
	changed, err := fn(tb)
	if err != nil || !changed {
		return err
	}
	return a.write(ctx, t, tb)
}

func (a *Adapter) validate(op string, t *task.Task) error {
	if t.ReadOnly {
		return backend.Fail(op, a.Kind(), t, backend.ErrReadOnly, nil)
	}
	if err := backend.Validate(a, t); err != nil {
		return err
	}
	if t.RunAsUser != "" {
		return backend.Fail(op, a.Kind(), t, backend.ErrInvalidTask,
			fmt.Errorf("a user crontab cannot run as another user"))
	}
	if err := lineSafe(t); err != nil {
		return backend.Fail(op, a.Kind(), t, backend.ErrInvalidTask, err)
	}
	return nil
}

// Install writes the entry; it is active immediately unless t is disabled.
func (a *Adapter) Install(ctx context.Context, t *task.Task) error {
	if err := a.validate("install", t); err != nil {
		return err
	}
	e, err := encodeEntry(t)
	if err != nil {
		return backend.Fail("install", a.Kind(), t, backend.ErrInvalidTask, err)
	}
	return a.modify(ctx, t, func(tb *table) (bool, error) {
		tb.put(e)
		return true, nil
	})
}

func (a *Adapter) Uninstall(ctx context.Context, t *task.Task) error {
	if t.ReadOnly {
		return backend.Fail("uninstall", a.Kind(), t, backend.ErrReadOnly, nil)
	}
	return a.modify(ctx, t, func(tb *table) (bool, error) {
		return tb.remove(t.Label), nil
	})
}

func (a *Adapter) Enable(ctx context.Context, t *task.Task) error {
	return a.setDisabled(ctx, "enable", t, false)
}

func (a *Adapter) Disable(ctx context.Context, t *task.Task) error {
	return a.setDisabled(ctx, "disable", t, true)
}

func (a *Adapter) setDisabled(ctx context.Context, op string, t *task.Task, disabled bool) error {
	if t.ReadOnly {
		return backend.Fail(op, a.Kind(), t, backend.ErrReadOnly, nil)
	}
	var install bool
	err := a.modify(ctx, t, func(tb *table) (bool, error) {
		_, e := tb.find(t.Label)
		if e == nil {
			if disabled {
				return false, backend.Fail(op, a.Kind(), t, backend.ErrNotFound, nil)
			}
			install = true
			return false, nil
		}
		if e.disabled == disabled {
			return false, nil
		}
		e.disabled = disabled
		return true, nil
	})
	if err != nil || !install {
		return err
	}
	cp := t.Clone()
	cp.Enabled = true
	return a.Install(ctx, cp)
}

// Update rewrites the table once with the old entry removed and the new one
// in its place, so there is no window with both or neither present.
func (a *Adapter) Update(ctx context.Context, old, updated *task.Task) error {
	if old.ReadOnly {
		return backend.Fail("update", a.Kind(), old, backend.ErrReadOnly, nil)
	}
	if err := a.validate("update", updated); err != nil {
		return err
	}
	e, err := encodeEntry(updated)
	if err != nil {
		return backend.Fail("update", a.Kind(), updated, backend.ErrInvalidTask, err)
	}
	return a.modify(ctx, updated, func(tb *table) (bool, error) {
		if old.Label != updated.Label {
			tb.remove(updated.Label)
		}
		if i, _ := tb.find(old.Label); i >= 0 {
			tb.items[i].entry = e
		} else {
			tb.items = append(tb.items, item{entry: e})
		}
		return true, nil
	})
}

func (a *Adapter) RunNow(ctx context.Context, t *task.Task) (*task.ExecutionResult, error) {
	return backend.RunAction(ctx, a.opts.Runner, t, a.opts.RunTimeout)
}

func (a *Adapter) IsInstalled(ctx context.Context, t *task.Task) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	tb, err := a.read(ctx)
	if err != nil {
		return false, err
	}
	_, e := tb.find(t.Label)
	return e != nil, nil
}

// IsRunning is always false: cron does not track the processes it starts.
func (a *Adapter) IsRunning(context.Context, *task.Task) (bool, error) {
	return false, nil
}

func (a *Adapter) Discover(ctx context.Context) ([]*task.Task, error) {
	if _, err := a.opts.Runner.LookPath(a.opts.Crontab); err != nil {
		return nil, backend.Fail("discover", a.Kind(), nil, backend.ErrBackendUnavailable, err)
	}
	a.mu.Lock()
	tb, err := a.read(ctx)
	a.mu.Unlock()
	if err != nil {
		return nil, err
	}

	var out []*task.Task
	for _, it := range tb.items {
		var (
			t  *task.Task
			ok bool
		)
		if it.entry != nil {
			t, ok = decodeEntry(it.entry)
		} else {
			t, ok = decodeForeign(it.raw)
		}
		if !ok {
			continue
		}
		if t.Enabled {
			t.Status.State = task.StateEnabled
		} else {
			t.Status.State = task.StateDisabled
		}
		t.Location = task.Location{Scope: task.ScopeUser}
		out = append(out, t)
	}
	a.log.Debug("crontab scanned", logx.Int("tasks", len(out)))
	return out, nil
}
