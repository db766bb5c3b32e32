package reconcile

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/time/rate"

	"taskwarden/pkg/logx"
)

const (
	defaultWatchDebounce = 500 * time.Millisecond
	defaultWatchInterval = 2 * time.Second
)

// DirWatcher is implemented by adapters whose native configuration lives in
// directories worth watching.
type DirWatcher interface {
	WatchDirs() []string
}

type WatchOptions struct {
	// Debounce is the quiet period after the last change before a refresh.
	Debounce time.Duration
	// MinInterval is the minimum spacing between watch-triggered refreshes.
	MinInterval time.Duration
	// Dirs adds directories beyond those the adapters report.
	Dirs []string
}

// WatchDirs collects the existing configuration directories of every
// registered adapter.
func (r *Reconciler) WatchDirs(extra ...string) []string {
	seen := map[string]bool{}
	var out []string
	add := func(d string) {
		d = filepath.Clean(d)
		if d == "." || seen[d] {
			return
		}
		seen[d] = true
		if fi, err := os.Stat(d); err == nil && fi.IsDir() {
			out = append(out, d)
		}
	}
	for _, a := range r.opts.Registry.All() {
		if w, ok := a.(DirWatcher); ok {
			for _, d := range w.WatchDirs() {
				add(d)
			}
		}
	}
	for _, d := range extra {
		add(d)
	}
	sort.Strings(out)
	return out
}

// Watch refreshes whenever a watched configuration directory changes, until
// ctx ends. Bursts of changes collapse into one refresh, and refreshes are
// rate limited.
func (r *Reconciler) Watch(ctx context.Context, opts WatchOptions) error {
	if opts.Debounce <= 0 {
		opts.Debounce = defaultWatchDebounce
	}
	if opts.MinInterval <= 0 {
		opts.MinInterval = defaultWatchInterval
	}
	dirs := r.WatchDirs(opts.Dirs...)
	if len(dirs) == 0 {
		return errors.New("no configuration directories to watch")
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()
	added := 0
	for _, d := range dirs {
		if err := w.Add(d); err != nil {
			r.log.Debug("watch skipped", logx.String("dir", d), logx.Err(err))
			continue
		}
		added++
	}
	if added == 0 {
		return errors.New("no configuration directory could be watched")
	}
	r.log.Info("watching", logx.Strings("dirs", dirs))

	limiter := rate.NewLimiter(rate.Every(opts.MinInterval), 1)
	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if ev.Op == fsnotify.Chmod {
				continue
			}
			timer.Reset(opts.Debounce)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			r.log.Warn("watch error", logx.Err(err))
		case <-timer.C:
			if err := limiter.Wait(ctx); err != nil {
				return nil
			}
			if _, err := r.Refresh(ctx); err != nil && ctx.Err() == nil {
				r.log.Warn("watch refresh failed", logx.Err(err))
			}
		}
	}
}
