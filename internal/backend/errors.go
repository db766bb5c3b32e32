package backend

import (
	"errors"
	"fmt"

	"taskwarden/internal/task"
)

var (
	ErrConfigWrite        = errors.New("native configuration write failed")
	ErrActivation         = errors.New("native system rejected activation change")
	ErrBackendUnavailable = errors.New("backend unavailable")
	ErrUnsupported        = errors.New("operation not supported by backend")
	ErrInvalidTask        = errors.New("task is missing backend-specific data")
	ErrElevationRequired  = errors.New("operation requires elevated privileges")
	ErrNotFound           = errors.New("task not found")
	ErrReadOnly           = errors.New("task is read-only")
)

// OpError is returned by adapters. Kind is one of the sentinels above and is
// what errors.Is matches; Err is the underlying cause.
type OpError struct {
	Op      string
	Backend task.Backend
	Label   string
	Kind    error
	Err     error
}

func (e *OpError) Error() string {
	msg := fmt.Sprintf("%s %s", e.Backend, e.Op)
	if e.Label != "" {
		msg += " " + e.Label
	}
	if e.Kind != nil {
		msg += ": " + e.Kind.Error()
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *OpError) Unwrap() error { return e.Err }

func (e *OpError) Is(target error) bool {
	return e.Kind != nil && target == e.Kind
}

// Fail builds an *OpError for t.
func Fail(op string, b task.Backend, t *task.Task, kind, err error) error {
	label := ""
	if t != nil {
		label = t.Label
	}
	return &OpError{Op: op, Backend: b, Label: label, Kind: kind, Err: err}
}

// Unsupported is the error virtualization backends return for install and
// uninstall.
func Unsupported(op string, b task.Backend, t *task.Task) error {
	return Fail(op, b, t, ErrUnsupported, nil)
}
