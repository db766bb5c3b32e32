// Package container exposes containers of a docker-compatible runtime as
// tasks. Containers are never created or removed here; only start, stop and
// inspection are offered.
package container

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/spf13/afero"

	"taskwarden/internal/backend"
	"taskwarden/internal/executor"
	"taskwarden/internal/task"
	"taskwarden/pkg/logx"
)

const (
	defaultBinary       = "docker"
	defaultProbeTimeout = 10 * time.Second
	defaultStartTimeout = 60 * time.Second
)

type Options struct {
	// Binary is the runtime CLI, docker or podman.
	Binary string
	Runner executor.Runner
	Fs     afero.Fs
	// CachePath enables the offline cache when set.
	CachePath    string
	CacheMax     int
	ProbeTimeout time.Duration
	// StartTimeout bounds start and stop, which may pull or wait for a
	// graceful shutdown.
	StartTimeout time.Duration
	Log          logx.Logger
}

type Adapter struct {
	opts  Options
	log   logx.Logger
	cache *offlineCache

	mu     sync.Mutex
	online bool
	probed bool
}

var (
	_ backend.Adapter  = (*Adapter)(nil)
	_ backend.Enricher = (*Adapter)(nil)
)

func New(opts Options) *Adapter {
	if opts.Binary == "" {
		opts.Binary = defaultBinary
	}
	if opts.Fs == nil {
		opts.Fs = afero.NewOsFs()
	}
	if opts.CacheMax <= 0 {
		opts.CacheMax = DefaultCacheMax
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = defaultProbeTimeout
	}
	if opts.StartTimeout <= 0 {
		opts.StartTimeout = defaultStartTimeout
	}
	log := opts.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Adapter{
		opts:  opts,
		log:   log.With(logx.String("comp", "container"), logx.String("runtime", opts.Binary)),
		cache: &offlineCache{fs: opts.Fs, path: opts.CachePath, max: opts.CacheMax},
	}
}

func (a *Adapter) Kind() task.Backend { return task.BackendContainer }

func (a *Adapter) SupportedTriggers() []task.TriggerKind {
	return []task.TriggerKind{task.TriggerOnDemand, task.TriggerStartup}
}

// Online reports whether the last discovery reached the runtime.
func (a *Adapter) Online() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.online
}

func (a *Adapter) setOnline(v bool) {
	a.mu.Lock()
	changed := !a.probed || a.online != v
	a.online, a.probed = v, true
	a.mu.Unlock()
	if changed {
		a.log.Info("container runtime status", logx.Bool("online", v))
	}
}

func (a *Adapter) run(ctx context.Context, timeout time.Duration, args ...string) (*executor.Result, error) {
	return a.opts.Runner.Run(ctx, executor.Command{Path: a.opts.Binary, Args: args, Timeout: timeout})
}

func (a *Adapter) ref(op string, t *task.Task) (string, error) {
	if t.Container == nil {
		return "", backend.Fail(op, a.Kind(), t, backend.ErrInvalidTask, fmt.Errorf("no container descriptor"))
	}
	ref := t.Container.Name
	if ref == "" {
		ref = t.Container.ID
	}
	if !ValidRef(ref) {
		return "", backend.Fail(op, a.Kind(), t, backend.ErrInvalidTask, fmt.Errorf("invalid container reference %q", ref))
	}
	return ref, nil
}

func (a *Adapter) Install(_ context.Context, t *task.Task) error {
	return backend.Unsupported("install", a.Kind(), t)
}

func (a *Adapter) Uninstall(_ context.Context, t *task.Task) error {
	return backend.Unsupported("uninstall", a.Kind(), t)
}

func (a *Adapter) Update(_ context.Context, old, _ *task.Task) error {
	return backend.Unsupported("update", a.Kind(), old)
}

// Enable starts the container.
func (a *Adapter) Enable(ctx context.Context, t *task.Task) error {
	return a.control(ctx, "start", t)
}

// Disable stops the container.
func (a *Adapter) Disable(ctx context.Context, t *task.Task) error {
	return a.control(ctx, "stop", t)
}

func (a *Adapter) control(ctx context.Context, verb string, t *task.Task) error {
	if t.Stale {
		return backend.Fail(verb, a.Kind(), t, backend.ErrBackendUnavailable, fmt.Errorf("runtime offline"))
	}
	ref, err := a.ref(verb, t)
	if err != nil {
		return err
	}
	res, err := a.run(ctx, a.opts.StartTimeout, verb, ref)
	if err != nil {
		return backend.Fail(verb, a.Kind(), t, backend.ErrBackendUnavailable, err)
	}
	if res.ExitCode != 0 {
		return backend.Fail(verb, a.Kind(), t, backend.ErrActivation,
			fmt.Errorf("%s %s: exit %d: %s", a.opts.Binary, verb, res.ExitCode, strings.TrimSpace(res.Stderr)))
	}
	return nil
}

// RunNow starts the container and reports the start command's outcome.
func (a *Adapter) RunNow(ctx context.Context, t *task.Task) (*task.ExecutionResult, error) {
	ref, err := a.ref("run", t)
	if err != nil {
		return nil, err
	}
	res, err := a.run(ctx, a.opts.StartTimeout, "start", ref)
	if err != nil {
		return nil, err
	}
	return backend.ResultFor(t.ID, res), nil
}

func (a *Adapter) inspect(ctx context.Context, refs ...string) ([]inspectEntry, error) {
	res, err := a.run(ctx, a.opts.ProbeTimeout, append([]string{"inspect"}, refs...)...)
	if err != nil {
		return nil, err
	}
	// inspect exits non-zero when any ref is missing but still prints the
	// ones it found
	entries, perr := parseInspect(res.Stdout)
	if perr != nil && res.ExitCode != 0 {
		return nil, nil
	}
	return entries, perr
}

func (a *Adapter) IsInstalled(ctx context.Context, t *task.Task) (bool, error) {
	ref, err := a.ref("status", t)
	if err != nil {
		return false, err
	}
	entries, err := a.inspect(ctx, ref)
	if err != nil {
		return false, backend.Fail("status", a.Kind(), t, backend.ErrBackendUnavailable, err)
	}
	return len(entries) > 0, nil
}

func (a *Adapter) IsRunning(ctx context.Context, t *task.Task) (bool, error) {
	ref, err := a.ref("status", t)
	if err != nil {
		return false, err
	}
	entries, err := a.inspect(ctx, ref)
	if err != nil {
		return false, backend.Fail("status", a.Kind(), t, backend.ErrBackendUnavailable, err)
	}
	return len(entries) > 0 && entries[0].State.Running, nil
}

// Discover lists every container. When the runtime is missing or its
// daemon does not answer, the offline cache is served with Stale set.
func (a *Adapter) Discover(ctx context.Context) ([]*task.Task, error) {
	infos, err := a.list(ctx)
	if err != nil {
		a.setOnline(false)
		return a.fromCache(err)
	}
	a.setOnline(true)

	if len(infos) > 0 {
		refs := make([]string, 0, len(infos))
		for _, in := range infos {
			if ValidRef(in.ID) {
				refs = append(refs, in.ID)
			}
		}
		entries, ierr := a.inspect(ctx, refs...)
		if ierr != nil {
			a.log.Debug("inspect failed", logx.Err(ierr))
		}
		byID := map[string]inspectEntry{}
		for _, e := range entries {
			byID[e.ID] = e
		}
		for i := range infos {
			if e, ok := matchInspect(byID, infos[i].ID); ok {
				infos[i].RestartPolicy = e.HostConfig.RestartPolicy.Name
				if len(e.Mounts) > 0 {
					infos[i].Volumes = e.volumes()
				}
			}
		}
	}

	if err := a.cache.save(a.opts.Binary, infos); err != nil {
		a.log.Warn("container cache not saved", logx.Err(err))
	}
	out := make([]*task.Task, 0, len(infos))
	for _, in := range infos {
		out = append(out, toTask(a.opts.Binary, in))
	}
	return out, nil
}

// matchInspect finds the inspect entry for a possibly shortened ps id.
func matchInspect(byID map[string]inspectEntry, id string) (inspectEntry, bool) {
	if e, ok := byID[id]; ok {
		return e, true
	}
	for full, e := range byID {
		if strings.HasPrefix(full, id) {
			return e, true
		}
	}
	return inspectEntry{}, false
}

func (a *Adapter) list(ctx context.Context) ([]task.ContainerInfo, error) {
	if _, err := a.opts.Runner.LookPath(a.opts.Binary); err != nil {
		return nil, err
	}
	res, err := a.run(ctx, a.opts.ProbeTimeout, "ps", "-a", "--no-trunc", "--format", "{{json .}}")
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		return nil, fmt.Errorf("%s ps: exit %d: %s", a.opts.Binary, res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	return parsePS(res.Stdout), nil
}

func (a *Adapter) fromCache(cause error) ([]*task.Task, error) {
	cf, err := a.cache.load()
	if err != nil {
		a.log.Warn("container cache unreadable", logx.Err(err))
	}
	if cf == nil {
		return nil, backend.Fail("discover", a.Kind(), nil, backend.ErrBackendUnavailable, cause)
	}
	a.log.Debug("serving cached containers",
		logx.Int("count", len(cf.Containers)), logx.Time("saved_at", cf.SavedAt), logx.Err(cause))
	out := make([]*task.Task, 0, len(cf.Containers))
	for _, in := range cf.Containers {
		t := toTask(a.opts.Binary, in)
		t.Stale = true
		out = append(out, t)
	}
	return out, nil
}

// Enrich attaches the main PID, start time and last exit code.
func (a *Adapter) Enrich(ctx context.Context, tasks []*task.Task) error {
	var refs []string
	for _, t := range tasks {
		if t.Backend == a.Kind() && !t.Stale && t.Container != nil && ValidRef(t.Container.ID) {
			refs = append(refs, t.Container.ID)
		}
	}
	if len(refs) == 0 {
		return nil
	}
	entries, err := a.inspect(ctx, refs...)
	if err != nil {
		return fmt.Errorf("inspect containers: %w", err)
	}
	byID := map[string]inspectEntry{}
	for _, e := range entries {
		byID[e.ID] = e
	}
	for _, t := range tasks {
		if t.Backend != a.Kind() || t.Container == nil {
			continue
		}
		e, ok := matchInspect(byID, t.Container.ID)
		if !ok {
			continue
		}
		if e.State.Running {
			t.Status.PID = e.State.Pid
			if ts, ok := e.startedAt(); ok {
				t.Status.StartedAt = &ts
			}
			continue
		}
		if e.State.ExitCode != 0 {
			t.Status.LastExitCode = task.Int(e.State.ExitCode)
			t.Status.State = task.StateError
		}
		if ts, ok := e.startedAt(); ok {
			t.Status.LastRun = &ts
		}
	}
	return nil
}
