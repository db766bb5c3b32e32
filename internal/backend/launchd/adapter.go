// Package launchd manages macOS launch agents and daemons through plist files
// and launchctl.
package launchd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/afero"

	"taskwarden/internal/backend"
	"taskwarden/internal/executor"
	"taskwarden/internal/task"
	"taskwarden/pkg/logx"
)

const (
	defaultLaunchctl    = "/bin/launchctl"
	defaultProbeTimeout = 10 * time.Second
	promptTimeout       = 2 * time.Minute

	systemAgents  = "/Library/LaunchAgents"
	systemDaemons = "/Library/LaunchDaemons"
	appleAgents   = "/System/Library/LaunchAgents"
	appleDaemons  = "/System/Library/LaunchDaemons"
)

type Options struct {
	Home      string
	Launchctl string
	Fs        afero.Fs
	Runner    executor.Runner
	// Elevator handles system-scope writes; defaults to the osascript prompt.
	Elevator  Elevator
	IsRoot    func() bool
	StartTime backend.StartTimeFunc

	ProbeTimeout time.Duration
	RunTimeout   time.Duration
	Log          logx.Logger
}

type scanDir struct {
	path     string
	scope    task.Scope
	daemon   bool
	writable bool
}

// Adapter implements backend.Adapter for launchd.
type Adapter struct {
	opts Options
	fs   afero.Fs
	log  logx.Logger
	dirs []scanDir
}

var (
	_ backend.Adapter   = (*Adapter)(nil)
	_ backend.Enricher  = (*Adapter)(nil)
	_ backend.Lifecycle = (*Adapter)(nil)
)

func New(opts Options) *Adapter {
	if opts.Home == "" {
		opts.Home = backend.HomeDir()
	}
	if opts.Launchctl == "" {
		opts.Launchctl = defaultLaunchctl
	}
	if opts.Fs == nil {
		opts.Fs = afero.NewOsFs()
	}
	if opts.Elevator == nil {
		opts.Elevator = OSAScriptElevator{Runner: opts.Runner}
	}
	if opts.IsRoot == nil {
		opts.IsRoot = func() bool { return os.Geteuid() == 0 }
	}
	if opts.StartTime == nil {
		opts.StartTime = backend.ProcessStartTime
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = defaultProbeTimeout
	}
	log := opts.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Adapter{
		opts: opts,
		fs:   opts.Fs,
		log:  log.With(logx.String("comp", "launchd")),
		dirs: []scanDir{
			{path: filepath.Join(opts.Home, "Library", "LaunchAgents"), scope: task.ScopeUser, writable: true},
			{path: systemAgents, scope: task.ScopeSystem, writable: true},
			{path: systemDaemons, scope: task.ScopeSystem, daemon: true, writable: true},
			{path: appleAgents, scope: task.ScopeSystem},
			{path: appleDaemons, scope: task.ScopeSystem, daemon: true},
		},
	}
}

func (a *Adapter) Kind() task.Backend { return task.BackendLaunchd }

func (a *Adapter) SupportedTriggers() []task.TriggerKind {
	return []task.TriggerKind{
		task.TriggerCalendar, task.TriggerInterval, task.TriggerAtLogin,
		task.TriggerStartup, task.TriggerOnDemand,
	}
}

// UserDir is the per-user agents directory.
func (a *Adapter) UserDir() string { return a.dirs[0].path }

// WatchDirs lists the writable directories a watcher should observe.
func (a *Adapter) WatchDirs() []string { return a.writableDirs() }

func (a *Adapter) writableDirs() []string {
	var out []string
	for _, d := range a.dirs {
		if d.writable {
			out = append(out, d.path)
		}
	}
	return out
}

// ConfigPath resolves where t's plist lives. A stored path is reused only if
// it is still inside a writable scan directory and named after t's label.
func (a *Adapter) ConfigPath(t *task.Task) string {
	p := t.Location.ConfigPath
	if p != "" && filepath.Base(p) == t.Label+".plist" && backend.WithinDirs(p, a.writableDirs()) {
		return p
	}
	dir := a.UserDir()
	if t.Location.Scope == task.ScopeSystem {
		dir = systemAgents
		if isDaemon(t) {
			dir = systemDaemons
		}
	}
	return filepath.Join(dir, t.Label+".plist")
}

func isDaemon(t *task.Task) bool {
	return t.Trigger.Kind == task.TriggerStartup || t.RunAsUser != ""
}

func (a *Adapter) needsElevation(t *task.Task) bool {
	return t.Location.Scope == task.ScopeSystem && !a.opts.IsRoot()
}

func (a *Adapter) checkWritable(op string, t *task.Task) error {
	if t.ReadOnly {
		return backend.Fail(op, a.Kind(), t, backend.ErrReadOnly, nil)
	}
	return nil
}

func (a *Adapter) validate(op string, t *task.Task) error {
	if err := a.checkWritable(op, t); err != nil {
		return err
	}
	if err := backend.Validate(a, t); err != nil {
		return err
	}
	if t.Trigger.Kind == task.TriggerStartup && t.Location.Scope != task.ScopeSystem {
		return backend.Fail(op, a.Kind(), t, backend.ErrInvalidTask,
			fmt.Errorf("startup triggers need a system-scope daemon"))
	}
	return nil
}

func (a *Adapter) Install(ctx context.Context, t *task.Task) error {
	if err := a.validate("install", t); err != nil {
		return err
	}
	return a.WriteConfig(ctx, t)
}

func (a *Adapter) Uninstall(ctx context.Context, t *task.Task) error {
	if err := a.checkWritable("uninstall", t); err != nil {
		return err
	}
	installed, err := a.IsInstalled(ctx, t)
	if err != nil || !installed {
		return err
	}
	if err := a.Deactivate(ctx, t); err != nil {
		return err
	}
	return a.RemoveConfig(ctx, t)
}

func (a *Adapter) Enable(ctx context.Context, t *task.Task) error {
	if err := a.checkWritable("enable", t); err != nil {
		return err
	}
	installed, err := a.IsInstalled(ctx, t)
	if err != nil {
		return err
	}
	if !installed {
		if err := a.Install(ctx, t); err != nil {
			return err
		}
	}
	return a.Activate(ctx, t)
}

func (a *Adapter) Disable(ctx context.Context, t *task.Task) error {
	if err := a.checkWritable("disable", t); err != nil {
		return err
	}
	installed, err := a.IsInstalled(ctx, t)
	if err != nil {
		return err
	}
	if !installed {
		return backend.Fail("disable", a.Kind(), t, backend.ErrNotFound, nil)
	}
	return a.Deactivate(ctx, t)
}

func (a *Adapter) Update(ctx context.Context, old, updated *task.Task) error {
	if err := a.checkWritable("update", old); err != nil {
		return err
	}
	if err := a.validate("update", updated); err != nil {
		return err
	}
	return backend.Replace(ctx, a, old, updated)
}

func (a *Adapter) RunNow(ctx context.Context, t *task.Task) (*task.ExecutionResult, error) {
	return backend.RunAction(ctx, a.opts.Runner, t, a.opts.RunTimeout)
}

func (a *Adapter) IsInstalled(_ context.Context, t *task.Task) (bool, error) {
	ok, err := afero.Exists(a.fs, a.ConfigPath(t))
	if err != nil {
		return false, fmt.Errorf("stat %s: %w", a.ConfigPath(t), err)
	}
	return ok, nil
}

func (a *Adapter) IsRunning(ctx context.Context, t *task.Task) (bool, error) {
	list, err := a.list(ctx)
	if err != nil {
		return false, err
	}
	return list[t.Label].PID > 0, nil
}

//
// Lifecycle primitives
//

func (a *Adapter) WriteConfig(ctx context.Context, t *task.Task) error {
	path := a.ConfigPath(t)
	data, err := Encode(t)
	if err != nil {
		return backend.Fail("write", a.Kind(), t, backend.ErrConfigWrite, err)
	}

	if a.needsElevation(t) {
		if err := a.writeElevated(ctx, path, data); err != nil {
			return backend.Fail("write", a.Kind(), t, backend.ErrConfigWrite, err)
		}
	} else {
		if err := a.fs.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return backend.Fail("write", a.Kind(), t, backend.ErrConfigWrite, err)
		}
		if err := afero.WriteFile(a.fs, path, data, 0o644); err != nil {
			return backend.Fail("write", a.Kind(), t, backend.ErrConfigWrite, err)
		}
	}
	t.Location.ConfigPath = path
	t.Location.RequiresElevation = t.Location.Scope == task.ScopeSystem
	a.log.Debug("plist written", logx.String("label", t.Label), logx.String("path", path))
	return nil
}

// writeElevated stages data in a temp file we own and copies it into place
// as root.
func (a *Adapter) writeElevated(ctx context.Context, dst string, data []byte) error {
	tmp, err := afero.TempFile(a.fs, "", "taskwarden-*.plist")
	if err != nil {
		return err
	}
	defer a.fs.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	cmd := strings.Join([]string{
		"/bin/mkdir -p " + backend.Quote(filepath.Dir(dst)),
		"/bin/cp " + backend.Quote(tmp.Name()) + " " + backend.Quote(dst),
		"/usr/sbin/chown root:wheel " + backend.Quote(dst),
		"/bin/chmod 644 " + backend.Quote(dst),
	}, " && ")
	return checkResult(a.opts.Elevator.RunElevated(ctx, cmd))
}

func (a *Adapter) RemoveConfig(ctx context.Context, t *task.Task) error {
	path := a.ConfigPath(t)
	ok, err := afero.Exists(a.fs, path)
	if err != nil || !ok {
		return err
	}
	if a.needsElevation(t) {
		err = checkResult(a.opts.Elevator.RunElevated(ctx, "/bin/rm -f "+backend.Quote(path)))
	} else {
		err = a.fs.Remove(path)
		if os.IsNotExist(err) {
			err = nil
		}
	}
	if err != nil {
		return backend.Fail("remove", a.Kind(), t, backend.ErrConfigWrite, err)
	}
	return nil
}

func (a *Adapter) Activate(ctx context.Context, t *task.Task) error {
	if err := a.launchctl(ctx, t, "load", "-w", a.ConfigPath(t)); err != nil {
		return backend.Fail("activate", a.Kind(), t, backend.ErrActivation, err)
	}
	return nil
}

// Deactivate unloads t; a task with no config or one launchd does not know
// is already inactive.
func (a *Adapter) Deactivate(ctx context.Context, t *task.Task) error {
	path := a.ConfigPath(t)
	if ok, _ := afero.Exists(a.fs, path); !ok {
		return nil
	}
	err := a.launchctl(ctx, t, "unload", "-w", path)
	if err != nil && !notLoaded(err) {
		return backend.Fail("deactivate", a.Kind(), t, backend.ErrActivation, err)
	}
	return nil
}

func notLoaded(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "could not find") || strings.Contains(msg, "not loaded") ||
		strings.Contains(msg, "no such process")
}

func (a *Adapter) launchctl(ctx context.Context, t *task.Task, args ...string) error {
	if a.needsElevation(t) {
		line := backend.QuoteAll(append([]string{a.opts.Launchctl}, args...))
		return checkResult(a.opts.Elevator.RunElevated(ctx, line))
	}
	return checkResult(a.opts.Runner.Run(ctx, executor.Command{
		Path:    a.opts.Launchctl,
		Args:    args,
		Timeout: a.opts.ProbeTimeout,
	}))
}

// checkResult folds a non-zero exit, or launchctl's habit of printing
// failures with exit 0, into an error.
func checkResult(res *executor.Result, err error) error {
	if err != nil {
		return err
	}
	stderr := strings.TrimSpace(res.Stderr)
	if !res.Success() {
		if stderr == "" {
			stderr = fmt.Sprintf("exit status %d", res.ExitCode)
		}
		return fmt.Errorf("%s", stderr)
	}
	if strings.Contains(stderr, "Load failed") || strings.Contains(stderr, "Unload failed") {
		return fmt.Errorf("%s", stderr)
	}
	return nil
}

func (a *Adapter) list(ctx context.Context) (map[string]listEntry, error) {
	res, err := a.opts.Runner.Run(ctx, executor.Command{
		Path:    a.opts.Launchctl,
		Args:    []string{"list"},
		Timeout: a.opts.ProbeTimeout,
	})
	if err != nil {
		return nil, backend.Fail("list", a.Kind(), nil, backend.ErrBackendUnavailable, err)
	}
	if !res.Success() {
		return nil, backend.Fail("list", a.Kind(), nil, backend.ErrBackendUnavailable,
			fmt.Errorf("exit %d: %s", res.ExitCode, strings.TrimSpace(res.Stderr)))
	}
	return parseList(res.Stdout), nil
}

//
// Discovery
//

func (a *Adapter) Discover(ctx context.Context) ([]*task.Task, error) {
	if _, err := a.opts.Runner.LookPath(a.opts.Launchctl); err != nil {
		return nil, backend.Fail("discover", a.Kind(), nil, backend.ErrBackendUnavailable, err)
	}
	list, err := a.list(ctx)
	if err != nil {
		a.log.Warn("launchctl list failed; state unknown", logx.Err(err))
		list = map[string]listEntry{}
	}

	root := a.opts.IsRoot()
	var out []*task.Task
	for _, d := range a.dirs {
		entries, err := afero.ReadDir(a.fs, d.path)
		if err != nil {
			if !os.IsNotExist(err) {
				a.log.Debug("scan dir unreadable", logx.String("dir", d.path), logx.Err(err))
			}
			continue
		}
		for _, e := range entries {
			if e.IsDir() || filepath.Ext(e.Name()) != ".plist" {
				continue
			}
			path := filepath.Join(d.path, e.Name())
			data, err := afero.ReadFile(a.fs, path)
			if err != nil {
				a.log.Debug("plist unreadable", logx.String("path", path), logx.Err(err))
				continue
			}
			t, err := Decode(data, d.daemon)
			if err != nil {
				a.log.Debug("plist skipped", logx.String("path", path), logx.Err(err))
				continue
			}
			t.Location = task.Location{
				Scope:             d.scope,
				RequiresElevation: d.scope == task.ScopeSystem && !root,
				ConfigPath:        path,
			}
			t.ReadOnly = !d.writable || strings.HasPrefix(t.Label, "com.apple.")
			t.ModifiedAt = e.ModTime()
			applyListState(t, list, d.daemon)
			out = append(out, t)
		}
	}
	return out, nil
}

func applyListState(t *task.Task, list map[string]listEntry, daemon bool) {
	e, loaded := list[t.Label]
	switch {
	case loaded && e.PID > 0:
		t.Enabled = true
		t.Status.State = task.StateRunning
		t.Status.PID = e.PID
	case loaded && e.hasStatus && e.LastStatus != 0:
		t.Enabled = true
		t.Status.State = task.StateError
		t.Status.LastExitCode = task.Int(e.LastStatus)
	case loaded:
		t.Enabled = true
		t.Status.State = task.StateEnabled
	case daemon && t.Enabled:
		// a per-user launchctl list does not show system daemons
		t.Status.State = task.StateEnabled
	default:
		t.Enabled = false
		t.Status.State = task.StateDisabled
	}
}

// Enrich attaches process start times to running tasks.
func (a *Adapter) Enrich(ctx context.Context, tasks []*task.Task) error {
	return backend.ForEach(ctx, tasks, 0, func(ctx context.Context, t *task.Task) error {
		if t.Backend != a.Kind() || t.Status.PID <= 0 {
			return nil
		}
		started, err := a.opts.StartTime(ctx, t.Status.PID)
		if err != nil {
			a.log.Debug("start time unavailable", logx.String("label", t.Label), logx.Err(err))
			return nil
		}
		t.Status.StartedAt = &started
		return nil
	})
}
