package backend

import (
	"context"
	"time"

	"github.com/shirou/gopsutil/v4/process"
	"golang.org/x/sync/errgroup"

	"taskwarden/internal/task"
)

// defaultEnrichLimit bounds concurrent per-task probes inside one backend.
const defaultEnrichLimit = 8

// ForEach runs fn for every task concurrently, at most limit at a time, and
// waits for all of them. The first error is returned after every fn has
// finished.
func ForEach(ctx context.Context, tasks []*task.Task, limit int, fn func(context.Context, *task.Task) error) error {
	if limit <= 0 {
		limit = defaultEnrichLimit
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for _, t := range tasks {
		t := t
		g.Go(func() error { return fn(gctx, t) })
	}
	return g.Wait()
}

// StartTimeFunc resolves a PID to its process start time.
type StartTimeFunc func(ctx context.Context, pid int) (time.Time, error)

// ProcessStartTime reads a process start time from the OS process table.
func ProcessStartTime(ctx context.Context, pid int) (time.Time, error) {
	p, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return time.Time{}, err
	}
	ms, err := p.CreateTimeWithContext(ctx)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(ms), nil
}
