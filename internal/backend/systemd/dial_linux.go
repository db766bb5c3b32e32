//go:build linux

package systemd

import (
	"context"
	"fmt"

	"github.com/coreos/go-systemd/v22/dbus"

	"taskwarden/internal/task"
)

// DialBus connects to the user or system manager over D-Bus.
func DialBus(ctx context.Context, scope task.Scope) (Bus, error) {
	var (
		conn *dbus.Conn
		err  error
	)
	if scope == task.ScopeSystem {
		conn, err = dbus.NewSystemConnectionContext(ctx)
	} else {
		conn, err = dbus.NewUserConnectionContext(ctx)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to systemd (%s): %w", scope, err)
	}
	return conn, nil
}
