package task

import (
	"time"

	"github.com/google/uuid"
)

// Backend names the external system that owns a task's native configuration.
type Backend string

const (
	BackendLaunchd    Backend = "launchd"
	BackendSystemd    Backend = "systemd"
	BackendCrontab    Backend = "crontab"
	BackendContainer  Backend = "container"
	BackendVirtualBox Backend = "vm.virtualbox"
	BackendParallels  Backend = "vm.parallels"
	BackendUTM        Backend = "vm.utm"
)

// IsVirtualization reports whether tasks of this backend wrap a container or VM
// that this system did not create.
func (b Backend) IsVirtualization() bool {
	switch b {
	case BackendContainer, BackendVirtualBox, BackendParallels, BackendUTM:
		return true
	}
	return false
}

// ID is the derived identity of a task. See DeriveID.
type ID = uuid.UUID

type State string

const (
	StateEnabled  State = "enabled"
	StateDisabled State = "disabled"
	StateRunning  State = "running"
	StateError    State = "error"
)

type Scope string

const (
	ScopeUser   Scope = "user"
	ScopeSystem Scope = "system"
)

// Location records where a task's native configuration lives.
type Location struct {
	Scope             Scope
	RequiresElevation bool
	// ConfigPath is the native config file, empty for backends without one
	// (crontab lines, containers, VMs).
	ConfigPath string
}

// Status is runtime state filled in by discovery and enrichment.
type Status struct {
	State        State
	LastRun      *time.Time
	LastResult   *ExecutionResult
	RunCount     int
	FailureCount int
	StartedAt    *time.Time
	LastExitCode *int
	PID          int
}

// ExecutionResult is an immutable record of one run.
type ExecutionResult struct {
	TaskID          ID        `json:"task_id"`
	Started         time.Time `json:"started"`
	Finished        time.Time `json:"finished"`
	ExitCode        int       `json:"exit_code"`
	Stdout          string    `json:"stdout,omitempty"`
	Stderr          string    `json:"stderr,omitempty"`
	TimedOut        bool      `json:"timed_out,omitempty"`
	StdoutTruncated bool      `json:"stdout_truncated,omitempty"`
	StderrTruncated bool      `json:"stderr_truncated,omitempty"`
}

func (r ExecutionResult) Succeeded() bool { return r.ExitCode == 0 && !r.TimedOut }

func (r ExecutionResult) Duration() time.Duration { return r.Finished.Sub(r.Started) }

// ContainerInfo describes a container wrapped by a container-backend task.
type ContainerInfo struct {
	ID            string   `msgpack:"id"`
	Name          string   `msgpack:"name"`
	Image         string   `msgpack:"image"`
	Ports         []string `msgpack:"ports"`
	Volumes       []string `msgpack:"volumes"`
	RestartPolicy string   `msgpack:"restart_policy"`
	State         string   `msgpack:"state"`
}

// VMInfo describes a virtual machine wrapped by a VM-backend task.
type VMInfo struct {
	ID         string
	Name       string
	Hypervisor Backend
	OSType     string
	State      string
}

// Task is the unified representation of one scheduled or long-running job.
type Task struct {
	ID          ID
	Label       string
	Name        string
	Description string
	Backend     Backend

	Action  Action
	Trigger Trigger
	Status  Status

	// Enabled is the desired activation state for install/update.
	Enabled bool

	KeepAlive  bool
	RunAsUser  string
	StdoutPath string
	StderrPath string

	Location Location
	ReadOnly bool
	// Stale is set when the task was served from a cached snapshot.
	Stale bool

	Container *ContainerInfo
	VM        *VMInfo

	CreatedAt  time.Time
	ModifiedAt time.Time
}

// New builds a task for label with its identity derived.
func New(backend Backend, label string) *Task {
	return &Task{
		ID:      DeriveID(label),
		Label:   label,
		Name:    DeriveName(label),
		Backend: backend,
	}
}

// Editable reports whether the task may be mutated through its backend.
func (t *Task) Editable() bool {
	return t != nil && !t.ReadOnly && !t.Stale
}

// Clone returns a deep copy, so callers can mutate a task taken from a
// published snapshot without affecting other readers.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	cp := *t
	cp.Action = t.Action.clone()
	cp.Trigger = t.Trigger.clone()
	if t.Status.LastRun != nil {
		v := *t.Status.LastRun
		cp.Status.LastRun = &v
	}
	if t.Status.LastResult != nil {
		v := *t.Status.LastResult
		cp.Status.LastResult = &v
	}
	if t.Status.StartedAt != nil {
		v := *t.Status.StartedAt
		cp.Status.StartedAt = &v
	}
	if t.Status.LastExitCode != nil {
		v := *t.Status.LastExitCode
		cp.Status.LastExitCode = &v
	}
	if t.Container != nil {
		c := *t.Container
		c.Ports = append([]string(nil), t.Container.Ports...)
		c.Volumes = append([]string(nil), t.Container.Volumes...)
		cp.Container = &c
	}
	if t.VM != nil {
		v := *t.VM
		cp.VM = &v
	}
	return &cp
}
