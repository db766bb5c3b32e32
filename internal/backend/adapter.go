// Package backend defines the contract every native scheduler adapter
// implements, plus the pieces adapters share: typed errors, a registry keyed
// by backend kind, batch results and the ordered replace sequence.
package backend

import (
	"context"

	"taskwarden/internal/task"
)

// Adapter is one native system (launchd, systemd, crontab, a container
// runtime, a hypervisor). Implementations must be safe for concurrent use.
type Adapter interface {
	Kind() task.Backend
	// SupportedTriggers lists the trigger kinds Install accepts.
	SupportedTriggers() []task.TriggerKind

	// Install writes native configuration without necessarily activating it.
	Install(ctx context.Context, t *task.Task) error
	// Uninstall deactivates and removes native configuration. Calling it for
	// a task with no configuration is a no-op.
	Uninstall(ctx context.Context, t *task.Task) error
	// Enable activates t, installing it first when no configuration exists.
	Enable(ctx context.Context, t *task.Task) error
	Disable(ctx context.Context, t *task.Task) error
	Update(ctx context.Context, old, updated *task.Task) error

	// RunNow executes the action immediately, whether or not the task is
	// enabled natively.
	RunNow(ctx context.Context, t *task.Task) (*task.ExecutionResult, error)

	IsInstalled(ctx context.Context, t *task.Task) (bool, error)
	IsRunning(ctx context.Context, t *task.Task) (bool, error)

	// Discover returns every task visible in native state. A backend that is
	// not present on the host returns (nil, ErrBackendUnavailable) or a
	// stale cached list.
	Discover(ctx context.Context) ([]*task.Task, error)
}

// Enricher is implemented by adapters that can attach live runtime state
// (PID, start time, last exit code) after discovery has finished for every
// backend.
type Enricher interface {
	Enrich(ctx context.Context, tasks []*task.Task) error
}

// Validate runs structural validation against the triggers a supports.
func Validate(a Adapter, t *task.Task) error {
	return task.Validate(t, a.SupportedTriggers())
}
