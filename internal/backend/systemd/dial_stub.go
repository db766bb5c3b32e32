//go:build !linux

package systemd

import (
	"context"
	"errors"

	"taskwarden/internal/task"
)

// DialBus always fails off Linux.
func DialBus(context.Context, task.Scope) (Bus, error) {
	return nil, errors.New("systemd is only available on linux")
}
