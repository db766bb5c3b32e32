// Package app assembles taskwarden from configuration: logging, the command
// executor, backend adapters, run history and the reconciler.
package app

import (
	"context"
	"errors"
	"runtime"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"

	"taskwarden/internal/backend"
	"taskwarden/internal/backend/container"
	"taskwarden/internal/backend/crontab"
	"taskwarden/internal/backend/launchd"
	"taskwarden/internal/backend/systemd"
	"taskwarden/internal/backend/vm"
	"taskwarden/internal/config"
	"taskwarden/internal/eventbus"
	"taskwarden/internal/executor"
	"taskwarden/internal/history"
	"taskwarden/internal/reconcile"
	"taskwarden/internal/task"
	logx "taskwarden/pkg/logx"
)

type Options struct {
	ConfigPath string
	// EnvFiles are dotenv files loaded before the config is parsed.
	EnvFiles []string

	// Fs, Runner and Log replace the OS defaults. Tests set them.
	Fs     afero.Fs
	Runner executor.Runner
	Log    logx.Logger
	// GOOS overrides runtime.GOOS when picking default backends.
	GOOS string
}

type App struct {
	cfgm     *config.ConfigManager
	settings *config.Settings

	logs *logx.Service
	log  logx.Logger

	bus      eventbus.Bus
	history  *history.Store
	registry *backend.Registry
	rec      *reconcile.Reconciler

	closers []func() error
}

// New loads configuration and builds every component. Nothing is
// discovered until Refresh or Run.
func New(ctx context.Context, opts Options) (*App, error) {
	if err := config.LoadDotEnv(opts.EnvFiles...); err != nil {
		return nil, err
	}
	fsys := opts.Fs
	if fsys == nil {
		fsys = afero.NewOsFs()
	}
	cfgm := config.NewConfigManagerFs(fsys, opts.ConfigPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	settings, err := cfg.Resolve()
	if err != nil {
		return nil, err
	}

	a := &App{cfgm: cfgm, settings: settings}
	if opts.Log.IsZero() {
		a.logs, a.log = logx.New(logConfig(cfg))
		a.closers = append(a.closers, a.logs.Close)
	} else {
		a.log = opts.Log
	}
	cfgm.SetLogger(a.log)

	runner := opts.Runner
	if runner == nil {
		runner = executor.New(executor.Config{
			DefaultTimeout: settings.DefaultTimeout,
			MaxOutput:      settings.MaxOutputBytes,
		}, a.log)
	}

	a.bus = eventbus.New()

	hist, err := history.OpenFs(ctx, fsys, settings.History, a.log.With(logx.String("comp", "history")))
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	a.history = hist
	a.closers = append(a.closers, hist.Close)

	goos := opts.GOOS
	if goos == "" {
		goos = runtime.GOOS
	}
	a.registry = backend.NewRegistry()
	for _, ad := range buildAdapters(cfg, settings, goos, fsys, runner, a.log) {
		a.registry.Register(ad)
		if c, ok := ad.(interface{ Close() error }); ok {
			a.closers = append(a.closers, c.Close)
		}
	}

	a.rec = reconcile.New(reconcile.Options{
		Registry:     a.registry,
		History:      hist,
		Bus:          a.bus,
		OpTimeout:    settings.DefaultTimeout * 2,
		RunTimeout:   settings.RunTimeout,
		BatchTimeout: settings.PullTimeout,
		Log:          a.log,
	})

	a.log.Debug("app ready",
		logx.Strings("backends", kinds(a.registry)),
		logx.String("history", settings.History.Driver),
		logx.String("state_dir", settings.StateDir),
	)
	return a, nil
}

func logConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File:    logx.FileConfig{Enabled: cfg.Logging.File.Enabled, Path: cfg.Logging.File.Path},
	}
}

func kinds(r *backend.Registry) []string {
	var out []string
	for _, k := range r.Kinds() {
		out = append(out, string(k))
	}
	return out
}

// buildAdapters returns the enabled adapters. Platform defaults: launchd
// and the Parallels and UTM drivers on darwin, systemd on linux, crontab on
// both, containers and VirtualBox everywhere.
func buildAdapters(cfg *config.Config, s *config.Settings, goos string, fsys afero.Fs, runner executor.Runner, log logx.Logger) []backend.Adapter {
	b := cfg.Backends
	darwin, linux := goos == "darwin", goos == "linux"
	var out []backend.Adapter

	if config.On(b.Launchd.Enabled, darwin) {
		out = append(out, launchd.New(launchd.Options{
			Launchctl:    b.Launchd.Launchctl,
			Fs:           fsys,
			Runner:       runner,
			ProbeTimeout: s.ProbeTimeout,
			RunTimeout:   s.RunTimeout,
			Log:          log,
		}))
	}
	if config.On(b.Systemd.Enabled, linux) {
		out = append(out, systemd.New(systemd.Options{
			Fs:              fsys,
			Runner:          runner,
			EnabledCacheTTL: s.SystemdEnabledCacheTTL,
			CallTimeout:     s.ProbeTimeout,
			RunTimeout:      s.RunTimeout,
			Log:             log,
		}))
	}
	if config.On(b.Crontab.Enabled, darwin || linux) {
		out = append(out, crontab.New(crontab.Options{
			Crontab:      b.Crontab.Binary,
			Runner:       runner,
			ProbeTimeout: s.ProbeTimeout,
			RunTimeout:   s.RunTimeout,
			Log:          log,
		}))
	}
	if config.On(b.Container.Enabled, true) {
		out = append(out, container.New(container.Options{
			Binary:       b.Container.Binary,
			Runner:       runner,
			Fs:           fsys,
			CachePath:    s.ContainerCachePath,
			CacheMax:     b.Container.CacheMax,
			ProbeTimeout: s.ProbeTimeout,
			StartTimeout: s.PullTimeout,
			Log:          log,
		}))
	}
	for _, v := range []struct {
		kind task.Backend
		cfg  config.VMConfig
		def  bool
	}{
		{task.BackendVirtualBox, b.VirtualBox, true},
		{task.BackendParallels, b.Parallels, darwin},
		{task.BackendUTM, b.UTM, darwin},
	} {
		if !config.On(v.cfg.Enabled, v.def) {
			continue
		}
		drv, err := vm.DriverFor(v.kind)
		if err != nil {
			log.Warn("vm driver unavailable", logx.String("kind", string(v.kind)), logx.Err(err))
			continue
		}
		out = append(out, vm.New(vm.Options{
			Driver:       drv,
			Binary:       v.cfg.Binary,
			Runner:       runner,
			ProbeTimeout: s.ProbeTimeout,
			PowerTimeout: s.PullTimeout,
			Log:          log,
		}))
	}
	return out
}

func (a *App) Log() logx.Logger                     { return a.log }
func (a *App) Bus() eventbus.Bus                    { return a.bus }
func (a *App) History() *history.Store              { return a.history }
func (a *App) Registry() *backend.Registry          { return a.registry }
func (a *App) Reconciler() *reconcile.Reconciler    { return a.rec }
func (a *App) Settings() *config.Settings           { return a.settings }
func (a *App) ConfigManager() *config.ConfigManager { return a.cfgm }

// Refresh runs one discovery pass.
func (a *App) Refresh(ctx context.Context) (*reconcile.Snapshot, error) {
	return a.rec.Refresh(ctx)
}

// Run refreshes, then keeps the snapshot current from filesystem changes
// and applies hot config changes until ctx ends.
func (a *App) Run(ctx context.Context) error {
	if _, err := a.rec.Refresh(ctx); err != nil {
		return err
	}
	g, ctx := errgroup.WithContext(ctx)

	if a.settings.WatchEnabled {
		g.Go(func() error {
			err := a.rec.Watch(ctx, reconcile.WatchOptions{
				Debounce:    a.settings.WatchDebounce,
				MinInterval: a.settings.WatchMinInterval,
			})
			if err != nil {
				a.log.Warn("filesystem watch disabled", logx.Err(err))
				<-ctx.Done()
			}
			return nil
		})
	}
	if a.cfgm.Path() != "" {
		updates := a.cfgm.Subscribe(1)
		g.Go(func() error {
			defer a.cfgm.Unsubscribe(updates)
			for {
				select {
				case <-ctx.Done():
					return nil
				case cfg := <-updates:
					a.applyConfig(cfg)
				}
			}
		})
		g.Go(func() error {
			if err := a.cfgm.Watch(ctx); err != nil {
				a.log.Warn("config hot reload disabled", logx.Err(err))
			}
			return nil
		})
	}

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// applyConfig applies the sections that change without a restart.
func (a *App) applyConfig(cfg *config.Config) {
	if a.logs != nil {
		if err := a.logs.Apply(logConfig(cfg)); err != nil {
			a.log.Warn("logging reconfigure failed", logx.Err(err))
		}
	}
}

// Close flushes history and releases backend connections.
func (a *App) Close() error {
	var result *multierror.Error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			result = multierror.Append(result, err)
		}
	}
	a.closers = nil
	return result.ErrorOrNil()
}

// shutdownTimeout bounds Close when called from a signal handler.
const shutdownTimeout = 5 * time.Second

// Shutdown closes the app, giving up after a short timeout.
func (a *App) Shutdown() error {
	done := make(chan error, 1)
	go func() { done <- a.Close() }()
	select {
	case err := <-done:
		return err
	case <-time.After(shutdownTimeout):
		return errors.New("shutdown timed out")
	}
}
