// Package reconcile builds the canonical task list from every registered
// backend and routes user operations to the owning adapter.
package reconcile

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"taskwarden/internal/backend"
	"taskwarden/internal/eventbus"
	"taskwarden/internal/history"
	"taskwarden/internal/task"
	"taskwarden/pkg/logx"
)

const (
	defaultDiscoverTimeout = 30 * time.Second
	defaultEnrichTimeout   = 20 * time.Second
	defaultOpTimeout       = 60 * time.Second
	defaultRunTimeout      = 10 * time.Minute
)

// History is the slice of the history store the reconciler uses.
type History interface {
	Record(r task.ExecutionResult) error
	Latest(id task.ID) (task.ExecutionResult, bool)
	Stats(id task.ID) history.Stats
}

type Options struct {
	Registry *backend.Registry
	History  History
	Bus      eventbus.Bus

	DiscoverTimeout time.Duration
	EnrichTimeout   time.Duration
	OpTimeout       time.Duration
	RunTimeout      time.Duration
	// BatchTimeout bounds each task inside EnableAll and DisableAll.
	BatchTimeout time.Duration

	Log logx.Logger
}

// Snapshot is one published discovery pass. It is never mutated after
// publication; readers that want to edit a task take a Clone.
type Snapshot struct {
	Tasks       []*task.Task
	RefreshedAt time.Time
	// Failed maps backends whose discovery failed to the error.
	Failed map[task.Backend]error

	byID map[task.ID]*task.Task
}

func newSnapshot(tasks []*task.Task, failed map[task.Backend]error) *Snapshot {
	s := &Snapshot{Tasks: tasks, RefreshedAt: time.Now(), Failed: failed, byID: make(map[task.ID]*task.Task, len(tasks))}
	for _, t := range tasks {
		s.byID[t.ID] = t
	}
	return s
}

func (s *Snapshot) Get(id task.ID) (*task.Task, bool) {
	if s == nil {
		return nil, false
	}
	t, ok := s.byID[id]
	return t, ok
}

type Reconciler struct {
	opts Options
	log  logx.Logger

	snap atomic.Pointer[Snapshot]

	// refreshMu serializes discovery passes.
	refreshMu sync.Mutex

	selMu    sync.Mutex
	selected *task.ID
}

func New(opts Options) *Reconciler {
	if opts.Registry == nil {
		opts.Registry = backend.NewRegistry()
	}
	if opts.Bus == nil {
		opts.Bus = eventbus.Nop{}
	}
	if opts.DiscoverTimeout <= 0 {
		opts.DiscoverTimeout = defaultDiscoverTimeout
	}
	if opts.EnrichTimeout <= 0 {
		opts.EnrichTimeout = defaultEnrichTimeout
	}
	if opts.OpTimeout <= 0 {
		opts.OpTimeout = defaultOpTimeout
	}
	if opts.RunTimeout <= 0 {
		opts.RunTimeout = defaultRunTimeout
	}
	log := opts.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	r := &Reconciler{opts: opts, log: log.With(logx.String("comp", "reconcile"))}
	r.snap.Store(newSnapshot(nil, nil))
	return r
}

// Snapshot returns the last published pass.
func (r *Reconciler) Snapshot() *Snapshot { return r.snap.Load() }

// Tasks returns the published task list.
func (r *Reconciler) Tasks() []*task.Task { return r.snap.Load().Tasks }

// Find resolves a task by id, label or display name (case-insensitive), in
// that order.
func (r *Reconciler) Find(ref string) (*task.Task, bool) {
	s := r.snap.Load()
	if id, err := task.ParseID(ref); err == nil {
		if t, ok := s.Get(id); ok {
			return t, true
		}
	}
	for _, t := range s.Tasks {
		if t.Label == ref {
			return t, true
		}
	}
	for _, t := range s.Tasks {
		if strings.EqualFold(t.Name, ref) {
			return t, true
		}
	}
	return nil, false
}

// Select marks id as the selected task. It reports false, and leaves the
// selection unchanged, when id is not in the current snapshot.
func (r *Reconciler) Select(id task.ID) bool {
	if _, ok := r.snap.Load().Get(id); !ok {
		return false
	}
	r.selMu.Lock()
	r.selected = &id
	r.selMu.Unlock()
	return true
}

func (r *Reconciler) ClearSelection() {
	r.selMu.Lock()
	r.selected = nil
	r.selMu.Unlock()
}

// Selected returns the selected task as it appears in the current snapshot.
func (r *Reconciler) Selected() (*task.Task, bool) {
	r.selMu.Lock()
	sel := r.selected
	r.selMu.Unlock()
	if sel == nil {
		return nil, false
	}
	return r.snap.Load().Get(*sel)
}

type discovery struct {
	adapter backend.Adapter
	tasks   []*task.Task
	err     error
}

// Refresh runs one discovery pass and publishes its result:
//
//  1. discover on every backend concurrently
//  2. merge by id, preferring editable records
//  3. enrich with live runtime state, per backend
//  4. fill gaps from local history
//  5. sort by name and publish
//
// A backend that fails contributes nothing (or its stale cache) and is
// listed in Snapshot.Failed; the pass itself only fails when ctx ends.
func (r *Reconciler) Refresh(ctx context.Context) (*Snapshot, error) {
	r.refreshMu.Lock()
	defer r.refreshMu.Unlock()

	adapters := r.opts.Registry.All()
	results := make([]discovery, len(adapters))
	g, gctx := errgroup.WithContext(ctx)
	for i, a := range adapters {
		i, a := i, a
		g.Go(func() error {
			dctx, cancel := context.WithTimeout(gctx, r.opts.DiscoverTimeout)
			defer cancel()
			tasks, err := a.Discover(dctx)
			results[i] = discovery{adapter: a, tasks: tasks, err: err}
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	failed := map[task.Backend]error{}
	var raw [][]*task.Task
	for _, d := range results {
		if d.err != nil {
			failed[d.adapter.Kind()] = d.err
			lvl := r.log.Warn
			if errors.Is(d.err, backend.ErrBackendUnavailable) {
				lvl = r.log.Debug
			}
			lvl("discovery failed", logx.String("backend", string(d.adapter.Kind())), logx.Err(d.err))
		}
		raw = append(raw, d.tasks)
	}
	merged := Merge(raw...)

	r.enrich(ctx, adapters, merged)
	r.mergeHistory(merged)
	sortTasks(merged)

	snap := newSnapshot(merged, failed)
	r.publish(snap)

	names := make([]string, 0, len(failed))
	for k := range failed {
		names = append(names, string(k))
	}
	sort.Strings(names)
	r.opts.Bus.Publish(eventbus.Event{Type: eventbus.TasksRefreshed, Data: eventbus.Refreshed{Count: len(merged), Failed: names}})
	r.log.Debug("refreshed", logx.Int("tasks", len(merged)), logx.Strings("failed", names))
	return snap, nil
}

// publish swaps in snap and drops a selection that no longer resolves.
func (r *Reconciler) publish(snap *Snapshot) {
	r.snap.Store(snap)
	r.selMu.Lock()
	if r.selected != nil {
		if _, ok := snap.Get(*r.selected); !ok {
			r.selected = nil
		}
	}
	r.selMu.Unlock()
}

// Merge combines discovery results keyed by id. On collision the editable
// record wins over a read-only or stale one; otherwise the first seen
// stays.
func Merge(lists ...[]*task.Task) []*task.Task {
	byID := map[task.ID]int{}
	var out []*task.Task
	for _, list := range lists {
		for _, t := range list {
			if t == nil {
				continue
			}
			i, ok := byID[t.ID]
			if !ok {
				byID[t.ID] = len(out)
				out = append(out, t)
				continue
			}
			if !out[i].Editable() && t.Editable() {
				out[i] = t
			}
		}
	}
	return out
}

func sortTasks(tasks []*task.Task) {
	sort.SliceStable(tasks, func(i, j int) bool {
		a, b := strings.ToLower(tasks[i].Name), strings.ToLower(tasks[j].Name)
		if a != b {
			return a < b
		}
		return tasks[i].Label < tasks[j].Label
	})
}

// enrich hands each Enricher its own tasks. Backends run concurrently and
// all finish before the pass continues.
func (r *Reconciler) enrich(ctx context.Context, adapters []backend.Adapter, tasks []*task.Task) {
	byBackend := map[task.Backend][]*task.Task{}
	for _, t := range tasks {
		if !t.Stale {
			byBackend[t.Backend] = append(byBackend[t.Backend], t)
		}
	}
	var g errgroup.Group
	for _, a := range adapters {
		en, ok := a.(backend.Enricher)
		own := byBackend[a.Kind()]
		if !ok || len(own) == 0 {
			continue
		}
		kind := a.Kind()
		g.Go(func() error {
			ectx, cancel := context.WithTimeout(ctx, r.opts.EnrichTimeout)
			defer cancel()
			if err := en.Enrich(ectx, own); err != nil {
				r.log.Warn("enrichment failed", logx.String("backend", string(kind)), logx.Err(err))
			}
			return nil
		})
	}
	_ = g.Wait()
}

// mergeHistory fills last-run data the backend did not report from runs
// recorded here.
func (r *Reconciler) mergeHistory(tasks []*task.Task) {
	h := r.opts.History
	if h == nil {
		return
	}
	for _, t := range tasks {
		latest, ok := h.Latest(t.ID)
		if !ok {
			continue
		}
		if t.Status.LastResult == nil {
			lr := latest
			t.Status.LastResult = &lr
		}
		if t.Status.LastRun == nil || latest.Started.After(*t.Status.LastRun) {
			ts := latest.Started
			t.Status.LastRun = &ts
		}
		if t.Status.RunCount == 0 {
			st := h.Stats(t.ID)
			t.Status.RunCount = st.Runs
			t.Status.FailureCount = st.Failures
		}
	}
}
