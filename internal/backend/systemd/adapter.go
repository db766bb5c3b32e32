// Package systemd manages tasks as systemd service and timer units, over
// D-Bus for activation and with unit files on disk for configuration.
package systemd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/dbus"
	"github.com/coreos/go-systemd/v22/unit"
	"github.com/spf13/afero"

	"taskwarden/internal/backend"
	"taskwarden/internal/executor"
	"taskwarden/internal/task"
	"taskwarden/pkg/logx"
)

const (
	systemDir = "/etc/systemd/system"
	// per-unit D-Bus calls must not hang a refresh
	defaultCallTimeout = 15 * time.Second
)

var readOnlyDirs = []string{"/usr/lib/systemd/system", "/lib/systemd/system", "/usr/lib/systemd/user"}

type Options struct {
	Home   string
	Fs     afero.Fs
	Runner executor.Runner
	Dial   Dialer
	IsRoot func() bool
	// EnabledCacheTTL: 0 uses the default, < 0 disables caching.
	EnabledCacheTTL time.Duration
	CallTimeout     time.Duration
	RunTimeout      time.Duration
	Log             logx.Logger
}

type scanDir struct {
	path     string
	scope    task.Scope
	writable bool
}

type Adapter struct {
	opts    Options
	fs      afero.Fs
	log     logx.Logger
	dirs    []scanDir
	buses   *buses
	enabled *enabledCache
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
	if opts.Fs == nil {
		opts.Fs = afero.NewOsFs()
	}
	if opts.Dial == nil {
		opts.Dial = DialBus
	}
	if opts.IsRoot == nil {
		opts.IsRoot = func() bool { return os.Geteuid() == 0 }
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = defaultCallTimeout
	}
	log := opts.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	dirs := []scanDir{
		{path: filepath.Join(opts.Home, ".config", "systemd", "user"), scope: task.ScopeUser, writable: true},
		{path: systemDir, scope: task.ScopeSystem, writable: true},
	}
	for _, d := range readOnlyDirs {
		scope := task.ScopeSystem
		if strings.HasSuffix(d, "/user") {
			scope = task.ScopeUser
		}
		dirs = append(dirs, scanDir{path: d, scope: scope})
	}
	return &Adapter{
		opts:    opts,
		fs:      opts.Fs,
		log:     log.With(logx.String("comp", "systemd")),
		dirs:    dirs,
		buses:   &buses{dial: opts.Dial},
		enabled: newEnabledCache(opts.EnabledCacheTTL),
	}
}

// Close releases the D-Bus connections.
func (a *Adapter) Close() error {
	a.buses.close()
	return nil
}

func (a *Adapter) Kind() task.Backend { return task.BackendSystemd }

func (a *Adapter) SupportedTriggers() []task.TriggerKind {
	return []task.TriggerKind{
		task.TriggerCalendar, task.TriggerInterval, task.TriggerAtLogin,
		task.TriggerStartup, task.TriggerOnDemand,
	}
}

func (a *Adapter) UserDir() string { return a.dirs[0].path }

func (a *Adapter) WatchDirs() []string { return []string{a.UserDir(), systemDir} }

func (a *Adapter) writableDirs() []string { return []string{a.UserDir(), systemDir} }

func (a *Adapter) unitDir(t *task.Task) string {
	if p := t.Location.ConfigPath; p != "" && backend.WithinDirs(p, a.writableDirs()) {
		return filepath.Dir(p)
	}
	if t.Location.Scope == task.ScopeSystem {
		return systemDir
	}
	return a.UserDir()
}

// ServicePath is where t's service unit lives.
func (a *Adapter) ServicePath(t *task.Task) string {
	return filepath.Join(a.unitDir(t), t.Label+".service")
}

func (a *Adapter) timerPath(t *task.Task) string {
	return filepath.Join(a.unitDir(t), t.Label+".timer")
}

func scopeOf(t *task.Task) task.Scope {
	if t.Location.Scope == task.ScopeSystem {
		return task.ScopeSystem
	}
	return task.ScopeUser
}

func (a *Adapter) checkWritable(op string, t *task.Task) error {
	if t.ReadOnly {
		return backend.Fail(op, a.Kind(), t, backend.ErrReadOnly, nil)
	}
	if scopeOf(t) == task.ScopeSystem && !a.opts.IsRoot() {
		return backend.Fail(op, a.Kind(), t, backend.ErrElevationRequired, nil)
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
	if t.RunAsUser != "" && scopeOf(t) == task.ScopeUser {
		return backend.Fail(op, a.Kind(), t, backend.ErrInvalidTask,
			fmt.Errorf("run-as user needs a system-scope unit"))
	}
	return nil
}

func (a *Adapter) bus(ctx context.Context, scope task.Scope) (Bus, error) {
	b, err := a.buses.get(ctx, scope)
	if err != nil {
		return nil, backend.Fail("connect", a.Kind(), nil, backend.ErrBackendUnavailable, err)
	}
	return b, nil
}

// activationUnit is the unit enabled and started on activation: the timer
// for scheduled tasks, the service for boot and login tasks, nothing for
// on-demand tasks.
func activationUnit(t *task.Task) string {
	switch {
	case needsTimer(t.Trigger.Kind):
		return t.Label + ".timer"
	case t.Trigger.Kind == task.TriggerStartup || t.Trigger.Kind == task.TriggerAtLogin:
		return t.Label + ".service"
	}
	return ""
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
	return afero.Exists(a.fs, a.ServicePath(t))
}

func (a *Adapter) IsRunning(ctx context.Context, t *task.Task) (bool, error) {
	b, err := a.bus(ctx, scopeOf(t))
	if err != nil {
		return false, err
	}
	callCtx, cancel := context.WithTimeout(ctx, a.opts.CallTimeout)
	defer cancel()
	units, err := b.ListUnitsByPatternsContext(callCtx, nil, []string{t.Label + ".service"})
	if err != nil {
		return false, backend.Fail("status", a.Kind(), t, backend.ErrBackendUnavailable, err)
	}
	for _, u := range units {
		if u.Name == t.Label+".service" {
			return u.ActiveState == "active" || u.ActiveState == "activating", nil
		}
	}
	return false, nil
}

//
// Lifecycle primitives
//

func (a *Adapter) WriteConfig(ctx context.Context, t *task.Task) error {
	if err := a.checkWritable("write", t); err != nil {
		return err
	}
	u, err := encodeUnits(t, scopeOf(t))
	if err != nil {
		return backend.Fail("write", a.Kind(), t, backend.ErrConfigWrite, err)
	}
	dir := a.unitDir(t)
	if err := a.fs.MkdirAll(dir, 0o755); err != nil {
		return backend.Fail("write", a.Kind(), t, backend.ErrConfigWrite, err)
	}
	if err := a.writeUnit(a.ServicePath(t), u.Service); err != nil {
		return backend.Fail("write", a.Kind(), t, backend.ErrConfigWrite, err)
	}
	if u.Timer != nil {
		err = a.writeUnit(a.timerPath(t), u.Timer)
	} else {
		err = removeIfExists(a.fs, a.timerPath(t))
	}
	if err != nil {
		return backend.Fail("write", a.Kind(), t, backend.ErrConfigWrite, err)
	}
	t.Location.ConfigPath = a.ServicePath(t)
	t.Location.RequiresElevation = scopeOf(t) == task.ScopeSystem
	return a.reload(ctx, t)
}

func (a *Adapter) writeUnit(path string, opts []*unit.UnitOption) error {
	data, err := serialize(opts)
	if err != nil {
		return err
	}
	return afero.WriteFile(a.fs, path, data, 0o644)
}

func removeIfExists(fs afero.Fs, path string) error {
	if err := fs.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (a *Adapter) RemoveConfig(ctx context.Context, t *task.Task) error {
	if err := a.checkWritable("remove", t); err != nil {
		return err
	}
	existed, _ := afero.Exists(a.fs, a.ServicePath(t))
	for _, p := range []string{a.timerPath(t), a.ServicePath(t)} {
		if err := removeIfExists(a.fs, p); err != nil {
			return backend.Fail("remove", a.Kind(), t, backend.ErrConfigWrite, err)
		}
	}
	if !existed {
		return nil
	}
	return a.reload(ctx, t)
}

func (a *Adapter) reload(ctx context.Context, t *task.Task) error {
	b, err := a.bus(ctx, scopeOf(t))
	if err != nil {
		return err
	}
	callCtx, cancel := context.WithTimeout(ctx, a.opts.CallTimeout)
	defer cancel()
	if err := b.ReloadContext(callCtx); err != nil {
		return backend.Fail("reload", a.Kind(), t, backend.ErrActivation, err)
	}
	return nil
}

func (a *Adapter) Activate(ctx context.Context, t *task.Task) error {
	name := activationUnit(t)
	if name == "" {
		return nil
	}
	b, err := a.bus(ctx, scopeOf(t))
	if err != nil {
		return err
	}
	callCtx, cancel := context.WithTimeout(ctx, a.opts.CallTimeout)
	defer cancel()
	a.enabled.invalidate(string(scopeOf(t)) + "/" + name)
	if _, _, err := b.EnableUnitFilesContext(callCtx, []string{name}, false, true); err != nil {
		return backend.Fail("activate", a.Kind(), t, backend.ErrActivation, fmt.Errorf("enable %s: %w", name, err))
	}
	// boot tasks run at next boot, not now
	if t.Trigger.Kind == task.TriggerStartup {
		return nil
	}
	if _, err := b.StartUnitContext(callCtx, name, "replace", nil); err != nil {
		return backend.Fail("activate", a.Kind(), t, backend.ErrActivation, fmt.Errorf("start %s: %w", name, err))
	}
	return nil
}

// Deactivate stops and disables t's activation unit. Units systemd does not
// know are already inactive.
func (a *Adapter) Deactivate(ctx context.Context, t *task.Task) error {
	if ok, _ := afero.Exists(a.fs, a.ServicePath(t)); !ok {
		return nil
	}
	names := []string{t.Label + ".service"}
	if ok, _ := afero.Exists(a.fs, a.timerPath(t)); ok {
		names = append([]string{t.Label + ".timer"}, names...)
	}
	b, err := a.bus(ctx, scopeOf(t))
	if err != nil {
		return err
	}
	callCtx, cancel := context.WithTimeout(ctx, a.opts.CallTimeout)
	defer cancel()
	for _, name := range names {
		a.enabled.invalidate(string(scopeOf(t)) + "/" + name)
		if _, err := b.StopUnitContext(callCtx, name, "replace", nil); err != nil && !isNoSuchUnitErr(err) {
			return backend.Fail("deactivate", a.Kind(), t, backend.ErrActivation, fmt.Errorf("stop %s: %w", name, err))
		}
	}
	if _, err := b.DisableUnitFilesContext(callCtx, names, false); err != nil && !isNoSuchUnitErr(err) {
		return backend.Fail("deactivate", a.Kind(), t, backend.ErrActivation, err)
	}
	return nil
}

//
// Discovery
//

func (a *Adapter) Discover(ctx context.Context) ([]*task.Task, error) {
	busByScope := map[task.Scope]Bus{}
	var dialErr error
	for _, scope := range []task.Scope{task.ScopeUser, task.ScopeSystem} {
		b, err := a.bus(ctx, scope)
		if err != nil {
			dialErr = err
			continue
		}
		busByScope[scope] = b
	}
	if len(busByScope) == 0 {
		return nil, dialErr
	}

	root := a.opts.IsRoot()
	seen := map[string]bool{}
	var out []*task.Task
	for _, d := range a.dirs {
		entries, err := afero.ReadDir(a.fs, d.path)
		if err != nil {
			if !os.IsNotExist(err) {
				a.log.Debug("unit dir unreadable", logx.String("dir", d.path), logx.Err(err))
			}
			continue
		}
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			name := e.Name()
			ext := filepath.Ext(name)
			label := strings.TrimSuffix(name, ext)
			if ext != ".timer" && ext != ".service" || seen[string(d.scope)+"/"+label] {
				continue
			}
			t, ok := a.load(d, label)
			if !ok {
				continue
			}
			seen[string(d.scope)+"/"+label] = true
			t.ReadOnly = !d.writable
			t.Location = task.Location{
				Scope:             d.scope,
				RequiresElevation: d.scope == task.ScopeSystem && !root,
				ConfigPath:        filepath.Join(d.path, label+".service"),
			}
			t.ModifiedAt = e.ModTime()
			out = append(out, t)
		}
	}

	for scope, b := range busByScope {
		a.applyState(ctx, b, scope, out)
	}
	return out, nil
}

// load reads label's units from d. Timers are always reported; services
// without a timer only when they carry our metadata, since every daemon on
// the host is a service.
func (a *Adapter) load(d scanDir, label string) (*task.Task, bool) {
	svcData, err := afero.ReadFile(a.fs, filepath.Join(d.path, label+".service"))
	if err != nil {
		return nil, false
	}
	svc, err := deserialize(svcData)
	if err != nil {
		a.log.Debug("unit skipped", logx.String("unit", label), logx.Err(err))
		return nil, false
	}
	var timer []*unit.UnitOption
	if data, err := afero.ReadFile(a.fs, filepath.Join(d.path, label+".timer")); err == nil {
		timer, err = deserialize(data)
		if err != nil {
			a.log.Debug("timer skipped", logx.String("unit", label), logx.Err(err))
			return nil, false
		}
	}
	if timer == nil {
		if _, ok := lookup(svc, "Unit", keyName); !ok {
			return nil, false
		}
	}
	return decodeUnits(label, svc, timer), true
}

func (a *Adapter) applyState(ctx context.Context, b Bus, scope task.Scope, tasks []*task.Task) {
	var patterns []string
	for _, t := range tasks {
		if t.Location.Scope == scope {
			patterns = append(patterns, t.Label+".service", t.Label+".timer")
		}
	}
	if len(patterns) == 0 {
		return
	}
	callCtx, cancel := context.WithTimeout(ctx, a.opts.CallTimeout)
	defer cancel()
	units, err := b.ListUnitsByPatternsContext(callCtx, nil, patterns)
	if err != nil {
		a.log.Warn("unit state unavailable", logx.String("scope", string(scope)), logx.Err(err))
	}
	byName := make(map[string]dbus.UnitStatus, len(units))
	for _, u := range units {
		byName[u.Name] = u
	}
	for _, t := range tasks {
		if t.Location.Scope != scope {
			continue
		}
		svc := byName[t.Label+".service"]
		act := activationUnit(t)
		enabled := false
		switch {
		case act == "":
			enabled = true
		case needsTimer(t.Trigger.Kind):
			enabled = byName[act].ActiveState == "active"
		default:
			enabled = a.isEnabled(ctx, b, scope, act)
		}
		t.Enabled = enabled
		switch {
		case svc.ActiveState == "active" && svc.SubState == "running", svc.ActiveState == "activating":
			t.Status.State = task.StateRunning
		case svc.ActiveState == "failed":
			t.Status.State = task.StateError
		case enabled:
			t.Status.State = task.StateEnabled
		default:
			t.Status.State = task.StateDisabled
		}
	}
}

func (a *Adapter) isEnabled(ctx context.Context, b Bus, scope task.Scope, name string) bool {
	key := string(scope) + "/" + name
	now := time.Now()
	if en, ok := a.enabled.get(key, now); ok {
		return en
	}
	callCtx, cancel := context.WithTimeout(ctx, a.opts.CallTimeout)
	defer cancel()
	files, err := b.ListUnitFilesByPatternsContext(callCtx, nil, []string{name})
	if err != nil {
		// transient failures are not cached
		return false
	}
	enabled := false
	for _, f := range files {
		if f.Path == name || strings.HasSuffix(f.Path, "/"+name) {
			enabled = f.Type == "enabled"
			break
		}
	}
	a.enabled.put(key, enabled, now)
	return enabled
}

// Enrich reads per-unit runtime properties: main PID and start time, the
// last exit status and the timer's last trigger.
func (a *Adapter) Enrich(ctx context.Context, tasks []*task.Task) error {
	return backend.ForEach(ctx, tasks, 0, func(ctx context.Context, t *task.Task) error {
		if t.Backend != a.Kind() {
			return nil
		}
		b, err := a.bus(ctx, scopeOf(t))
		if err != nil {
			return nil
		}
		callCtx, cancel := context.WithTimeout(ctx, a.opts.CallTimeout)
		defer cancel()

		props, err := b.GetUnitTypePropertiesContext(callCtx, t.Label+".service", "Service")
		if err != nil {
			if !isNoSuchUnitErr(err) && !errors.Is(err, context.Canceled) {
				a.log.Debug("service properties unavailable", logx.String("unit", t.Label), logx.Err(err))
			}
			return nil
		}
		if pid, ok := uintProperty(props, "MainPID"); ok && pid > 0 {
			t.Status.PID = int(pid)
			if ts := parseTimestamp(props, "ExecMainStartTimestamp"); !ts.IsZero() {
				t.Status.StartedAt = &ts
			}
		}
		if code, ok := intProperty(props, "ExecMainStatus"); ok {
			if code != 0 || t.Status.State == task.StateError {
				t.Status.LastExitCode = task.Int(code)
			}
		}
		if needsTimer(t.Trigger.Kind) {
			if tp, err := b.GetUnitTypePropertiesContext(callCtx, t.Label+".timer", "Timer"); err == nil {
				if ts := parseTimestamp(tp, "LastTriggerUSec"); !ts.IsZero() {
					t.Status.LastRun = &ts
				}
			}
		}
		return nil
	})
}
