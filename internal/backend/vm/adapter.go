// Package vm exposes virtual machines of a hypervisor as tasks. One Adapter
// serves one hypervisor through its Driver; machines can be started and
// stopped but never created or deleted.
package vm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"taskwarden/internal/backend"
	"taskwarden/internal/executor"
	"taskwarden/internal/task"
	"taskwarden/pkg/logx"
)

const (
	defaultProbeTimeout = 15 * time.Second
	defaultPowerTimeout = 90 * time.Second
)

// Driver knows one hypervisor CLI: its binary, how to list machines and
// which arguments start and stop one.
type Driver interface {
	Kind() task.Backend
	Binary() string
	List(ctx context.Context, run RunFunc) ([]task.VMInfo, error)
	StartArgs(id string) []string
	StopArgs(id string) []string
}

// RunFunc runs the driver's binary with args and returns stdout. A non-zero
// exit is an error.
type RunFunc func(ctx context.Context, args ...string) (string, error)

type Options struct {
	Driver Driver
	// Binary overrides Driver.Binary, e.g. a full path.
	Binary       string
	Runner       executor.Runner
	ProbeTimeout time.Duration
	PowerTimeout time.Duration
	Log          logx.Logger
}

type Adapter struct {
	opts   Options
	driver Driver
	log    logx.Logger
}

var _ backend.Adapter = (*Adapter)(nil)

func New(opts Options) *Adapter {
	if opts.Binary == "" {
		opts.Binary = opts.Driver.Binary()
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = defaultProbeTimeout
	}
	if opts.PowerTimeout <= 0 {
		opts.PowerTimeout = defaultPowerTimeout
	}
	log := opts.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Adapter{
		opts:   opts,
		driver: opts.Driver,
		log:    log.With(logx.String("comp", "vm"), logx.String("hypervisor", string(opts.Driver.Kind()))),
	}
}

func (a *Adapter) Kind() task.Backend { return a.driver.Kind() }

func (a *Adapter) SupportedTriggers() []task.TriggerKind {
	return []task.TriggerKind{task.TriggerOnDemand}
}

// CanonicalID validates a VM identifier and returns its canonical form. Only
// UUIDs ever reach a hypervisor command line.
func CanonicalID(s string) (string, error) {
	id, err := uuid.Parse(strings.TrimSpace(s))
	if err != nil {
		return "", fmt.Errorf("invalid vm id %q: %w", s, err)
	}
	return id.String(), nil
}

func (a *Adapter) runFunc(timeout time.Duration) RunFunc {
	return func(ctx context.Context, args ...string) (string, error) {
		res, err := a.opts.Runner.Run(ctx, executor.Command{Path: a.opts.Binary, Args: args, Timeout: timeout})
		if err != nil {
			return "", err
		}
		if !res.Success() {
			return "", fmt.Errorf("%s %s: exit %d: %s", a.opts.Binary, strings.Join(args, " "), res.ExitCode, strings.TrimSpace(res.Stderr))
		}
		return res.Stdout, nil
	}
}

func (a *Adapter) vmID(op string, t *task.Task) (string, error) {
	if t.VM == nil {
		return "", backend.Fail(op, a.Kind(), t, backend.ErrInvalidTask, fmt.Errorf("no vm descriptor"))
	}
	id, err := CanonicalID(t.VM.ID)
	if err != nil {
		return "", backend.Fail(op, a.Kind(), t, backend.ErrInvalidTask, err)
	}
	return id, nil
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

// Enable starts the machine.
func (a *Adapter) Enable(ctx context.Context, t *task.Task) error {
	id, err := a.vmID("start", t)
	if err != nil {
		return err
	}
	return a.power(ctx, "start", t, a.driver.StartArgs(id))
}

// Disable asks the guest to shut down.
func (a *Adapter) Disable(ctx context.Context, t *task.Task) error {
	id, err := a.vmID("stop", t)
	if err != nil {
		return err
	}
	return a.power(ctx, "stop", t, a.driver.StopArgs(id))
}

func (a *Adapter) power(ctx context.Context, op string, t *task.Task, args []string) error {
	if _, err := a.runFunc(a.opts.PowerTimeout)(ctx, args...); err != nil {
		kind := backend.ErrActivation
		if errors.Is(err, executor.ErrSpawn) {
			kind = backend.ErrBackendUnavailable
		}
		return backend.Fail(op, a.Kind(), t, kind, err)
	}
	return nil
}

func (a *Adapter) RunNow(ctx context.Context, t *task.Task) (*task.ExecutionResult, error) {
	id, err := a.vmID("run", t)
	if err != nil {
		return nil, err
	}
	res, err := a.opts.Runner.Run(ctx, executor.Command{
		Path: a.opts.Binary, Args: a.driver.StartArgs(id), Timeout: a.opts.PowerTimeout,
	})
	if err != nil {
		return nil, err
	}
	return backend.ResultFor(t.ID, res), nil
}

func (a *Adapter) find(ctx context.Context, t *task.Task) (*task.VMInfo, error) {
	id, err := a.vmID("status", t)
	if err != nil {
		return nil, err
	}
	vms, err := a.driver.List(ctx, a.runFunc(a.opts.ProbeTimeout))
	if err != nil {
		return nil, backend.Fail("status", a.Kind(), t, backend.ErrBackendUnavailable, err)
	}
	for i := range vms {
		if vms[i].ID == id {
			return &vms[i], nil
		}
	}
	return nil, nil
}

func (a *Adapter) IsInstalled(ctx context.Context, t *task.Task) (bool, error) {
	vm, err := a.find(ctx, t)
	return vm != nil, err
}

func (a *Adapter) IsRunning(ctx context.Context, t *task.Task) (bool, error) {
	vm, err := a.find(ctx, t)
	return vm != nil && vm.State == "running", err
}

// Discover lists the hypervisor's machines. A missing CLI is reported as
// ErrBackendUnavailable without running anything.
func (a *Adapter) Discover(ctx context.Context) ([]*task.Task, error) {
	if _, err := a.opts.Runner.LookPath(a.opts.Binary); err != nil {
		return nil, backend.Fail("discover", a.Kind(), nil, backend.ErrBackendUnavailable, err)
	}
	vms, err := a.driver.List(ctx, a.runFunc(a.opts.ProbeTimeout))
	if err != nil {
		return nil, backend.Fail("discover", a.Kind(), nil, backend.ErrBackendUnavailable, err)
	}
	out := make([]*task.Task, 0, len(vms))
	for _, vm := range vms {
		out = append(out, a.toTask(vm))
	}
	return out, nil
}

// toTask keys the task on the VM's UUID; display names are not unique.
func (a *Adapter) toTask(vm task.VMInfo) *task.Task {
	t := task.New(a.Kind(), vm.ID)
	t.Name = vm.Name
	if vm.OSType != "" {
		t.Description = vm.OSType
	}
	t.Action = task.Action{Kind: task.ActionExecutable, Path: a.opts.Binary, Args: a.driver.StartArgs(vm.ID)}
	t.Trigger = task.Trigger{Kind: task.TriggerOnDemand}
	t.Enabled = vm.State == "running"
	switch vm.State {
	case "running":
		t.Status.State = task.StateRunning
	case "aborted", "invalid", "error":
		t.Status.State = task.StateError
	default:
		t.Status.State = task.StateDisabled
	}
	vm.Hypervisor = a.Kind()
	t.VM = &vm
	return t
}
