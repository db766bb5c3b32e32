package backend

import (
	"context"

	"taskwarden/internal/task"
)

// Lifecycle is the set of native primitives an adapter without an atomic
// "replace" operation exposes to Replace.
type Lifecycle interface {
	Activate(ctx context.Context, t *task.Task) error
	// Deactivate must succeed when t is not currently active.
	Deactivate(ctx context.Context, t *task.Task) error
	WriteConfig(ctx context.Context, t *task.Task) error
	// RemoveConfig must succeed when no configuration exists.
	RemoveConfig(ctx context.Context, t *task.Task) error
}

// Replace swaps old for updated in this order:
//
//	deactivate old, remove old config, write new config, activate new
//
// A failure part way leaves the new config on disk with activation the only
// step outstanding. When updated is disabled it is still activated once and
// then deactivated, so the native system has registered the current
// definition.
func Replace(ctx context.Context, lc Lifecycle, old, updated *task.Task) error {
	if old != nil {
		if err := lc.Deactivate(ctx, old); err != nil {
			return err
		}
		if err := lc.RemoveConfig(ctx, old); err != nil {
			return err
		}
	}
	if err := lc.WriteConfig(ctx, updated); err != nil {
		return err
	}
	if err := lc.Activate(ctx, updated); err != nil {
		return err
	}
	if !updated.Enabled {
		return lc.Deactivate(ctx, updated)
	}
	return nil
}
