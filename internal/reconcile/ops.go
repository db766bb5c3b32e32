package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"taskwarden/internal/backend"
	"taskwarden/internal/eventbus"
	"taskwarden/internal/task"
	"taskwarden/pkg/logx"
)

func (r *Reconciler) adapterFor(t *task.Task) (backend.Adapter, error) {
	if t == nil {
		return nil, fmt.Errorf("%w: nil task", backend.ErrInvalidTask)
	}
	return r.opts.Registry.Get(t.Backend)
}

func (r *Reconciler) changed(ctx context.Context, t *task.Task, op string) {
	r.opts.Bus.Publish(eventbus.Event{Type: eventbus.TaskChanged, Data: eventbus.Changed{Label: t.Label, Op: op}})
	if _, err := r.Refresh(ctx); err != nil {
		r.log.Warn("refresh after change failed", logx.String("op", op), logx.Err(err))
	}
}

func (r *Reconciler) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, r.opts.OpTimeout)
}

// Add validates t, installs it and activates it when t.Enabled. Validation
// failures never reach the adapter.
func (r *Reconciler) Add(ctx context.Context, t *task.Task) error {
	a, err := r.adapterFor(t)
	if err != nil {
		return err
	}
	t.ID = task.DeriveID(t.Label)
	if t.Name == "" {
		t.Name = task.DeriveName(t.Label)
	}
	if err := backend.Validate(a, t); err != nil {
		return err
	}
	if existing, ok := r.snap.Load().Get(t.ID); ok && existing.Backend == t.Backend {
		return fmt.Errorf("task %s already exists", t.Label)
	}
	now := time.Now()
	t.CreatedAt, t.ModifiedAt = now, now

	opCtx, cancel := r.opContext(ctx)
	defer cancel()
	if err := a.Install(opCtx, t); err != nil {
		return err
	}
	if t.Enabled {
		if err := a.Enable(opCtx, t); err != nil {
			return err
		}
	}
	r.log.Info("task added", logx.String("label", t.Label), logx.String("backend", string(t.Backend)))
	r.changed(ctx, t, "add")
	return nil
}

// Update replaces old with updated. Moving a task to another backend
// installs it there before removing the old copy.
func (r *Reconciler) Update(ctx context.Context, old, updated *task.Task) error {
	if !old.Editable() {
		return backend.Fail("update", old.Backend, old, backend.ErrReadOnly, nil)
	}
	a, err := r.adapterFor(updated)
	if err != nil {
		return err
	}
	updated.ID = task.DeriveID(updated.Label)
	if updated.Label != old.Label || updated.Backend != old.Backend {
		updated.Location.ConfigPath = ""
	}
	if err := backend.Validate(a, updated); err != nil {
		return err
	}
	updated.ModifiedAt = time.Now()

	opCtx, cancel := r.opContext(ctx)
	defer cancel()
	if old.Backend == updated.Backend {
		if err := a.Update(opCtx, old, updated); err != nil {
			return err
		}
	} else {
		oldAdapter, err := r.adapterFor(old)
		if err != nil {
			return err
		}
		if err := a.Install(opCtx, updated); err != nil {
			return err
		}
		if updated.Enabled {
			if err := a.Enable(opCtx, updated); err != nil {
				return err
			}
		}
		if err := oldAdapter.Uninstall(opCtx, old); err != nil {
			return fmt.Errorf("installed on %s but old copy remains: %w", updated.Backend, err)
		}
	}
	r.log.Info("task updated", logx.String("label", updated.Label), logx.String("was", old.Label))
	r.changed(ctx, updated, "update")
	return nil
}

func (r *Reconciler) Delete(ctx context.Context, t *task.Task) error {
	if !t.Editable() {
		return backend.Fail("delete", t.Backend, t, backend.ErrReadOnly, nil)
	}
	a, err := r.adapterFor(t)
	if err != nil {
		return err
	}
	opCtx, cancel := r.opContext(ctx)
	defer cancel()
	if err := a.Uninstall(opCtx, t.Clone()); err != nil {
		return err
	}
	r.log.Info("task deleted", logx.String("label", t.Label))
	r.changed(ctx, t, "delete")
	return nil
}

func (r *Reconciler) SetEnabled(ctx context.Context, t *task.Task, enabled bool) error {
	if !t.Editable() {
		return backend.Fail("toggle", t.Backend, t, backend.ErrReadOnly, nil)
	}
	a, err := r.adapterFor(t)
	if err != nil {
		return err
	}
	// adapters may fill in Location; snapshot tasks stay untouched
	target := t.Clone()
	opCtx, cancel := r.opContext(ctx)
	defer cancel()
	op := "enable"
	if enabled {
		err = a.Enable(opCtx, target)
	} else {
		op = "disable"
		err = a.Disable(opCtx, target)
	}
	if err != nil {
		return err
	}
	r.changed(ctx, t, op)
	return nil
}

// RunNow runs t immediately and records the result in history. A run that
// could not be started is recorded too, with exit code -1.
func (r *Reconciler) RunNow(ctx context.Context, t *task.Task) (*task.ExecutionResult, error) {
	a, err := r.adapterFor(t)
	if err != nil {
		return nil, err
	}
	started := time.Now()
	runCtx, cancel := context.WithTimeout(ctx, r.opts.RunTimeout)
	defer cancel()
	res, runErr := a.RunNow(runCtx, t.Clone())
	if runErr != nil {
		if errors.Is(runErr, backend.ErrInvalidTask) {
			return nil, runErr
		}
		res = backend.SpawnFailure(t.ID, started, runErr)
	}
	if r.opts.History != nil {
		if err := r.opts.History.Record(*res); err != nil {
			r.log.Warn("run not recorded", logx.String("label", t.Label), logx.Err(err))
		}
	}
	r.applyRun(t.ID, *res)
	r.opts.Bus.Publish(eventbus.Event{Type: eventbus.TaskRan, Data: eventbus.Ran{Label: t.Label, ExitCode: res.ExitCode, TimedOut: res.TimedOut}})
	r.log.Info("task ran", logx.String("label", t.Label), logx.Int("exit", res.ExitCode),
		logx.Duration("took", res.Duration()), logx.Bool("timed_out", res.TimedOut))
	return res, runErr
}

// applyRun publishes a copy of the snapshot with id's run status updated,
// so readers see the run before the next refresh.
func (r *Reconciler) applyRun(id task.ID, res task.ExecutionResult) {
	r.refreshMu.Lock()
	defer r.refreshMu.Unlock()
	cur := r.snap.Load()
	if _, ok := cur.Get(id); !ok {
		return
	}
	tasks := make([]*task.Task, len(cur.Tasks))
	for i, t := range cur.Tasks {
		if t.ID != id {
			tasks[i] = t
			continue
		}
		cp := t.Clone()
		started := res.Started
		cp.Status.LastRun = &started
		cp.Status.LastResult = &res
		cp.Status.RunCount++
		if !res.Succeeded() {
			cp.Status.FailureCount++
		}
		tasks[i] = cp
	}
	snap := newSnapshot(tasks, cur.Failed)
	snap.RefreshedAt = cur.RefreshedAt
	r.publish(snap)
}

// EnableAll activates every editable scheduled task. Containers and VMs
// are left alone. Failures are collected, not fatal.
func (r *Reconciler) EnableAll(ctx context.Context) backend.BatchResult {
	return r.bulk(ctx, "enable", func(t *task.Task) bool { return !t.Enabled }, func(ctx context.Context, a backend.Adapter, t *task.Task) error {
		return a.Enable(ctx, t)
	})
}

func (r *Reconciler) DisableAll(ctx context.Context) backend.BatchResult {
	return r.bulk(ctx, "disable", func(t *task.Task) bool { return t.Enabled }, func(ctx context.Context, a backend.Adapter, t *task.Task) error {
		return a.Disable(ctx, t)
	})
}

func (r *Reconciler) bulk(ctx context.Context, verb string, want func(*task.Task) bool, op func(context.Context, backend.Adapter, *task.Task) error) backend.BatchResult {
	var targets []*task.Task
	for _, t := range r.snap.Load().Tasks {
		if t.Editable() && !t.Backend.IsVirtualization() && want(t) {
			targets = append(targets, t)
		}
	}
	res := backend.Batch(ctx, targets, r.opts.BatchTimeout, verb, func(ctx context.Context, t *task.Task) error {
		a, err := r.adapterFor(t)
		if err != nil {
			return err
		}
		return op(ctx, a, t.Clone())
	})
	for _, f := range res.Failed() {
		r.log.Warn("bulk operation failed", logx.String("op", verb), logx.String("label", f.Label), logx.Err(f.Error))
	}
	r.log.Info("bulk operation done", logx.String("op", verb),
		logx.Int("ok", res.SuccessCount), logx.Int("failed", res.FailureCount))
	if res.Total > 0 {
		if _, err := r.Refresh(ctx); err != nil {
			r.log.Warn("refresh after bulk operation failed", logx.Err(err))
		}
	}
	return res
}
