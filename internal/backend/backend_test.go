package backend

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"taskwarden/internal/executor"
	"taskwarden/internal/executor/executortest"
	"taskwarden/internal/task"
)

type recordingLifecycle struct {
	steps  []string
	failAt string
}

func (l *recordingLifecycle) step(name string, t *task.Task) error {
	s := name + " " + t.Label
	l.steps = append(l.steps, s)
	if s == l.failAt {
		return errors.New("boom")
	}
	return nil
}

func (l *recordingLifecycle) Activate(_ context.Context, t *task.Task) error {
	return l.step("activate", t)
}
func (l *recordingLifecycle) Deactivate(_ context.Context, t *task.Task) error {
	return l.step("deactivate", t)
}
func (l *recordingLifecycle) WriteConfig(_ context.Context, t *task.Task) error {
	return l.step("write", t)
}
func (l *recordingLifecycle) RemoveConfig(_ context.Context, t *task.Task) error {
	return l.step("remove", t)
}

func TestReplaceOrder(t *testing.T) {
	t.Parallel()
	old := task.New(task.BackendLaunchd, "a")
	updated := task.New(task.BackendLaunchd, "b")
	updated.Enabled = true

	lc := &recordingLifecycle{}
	require.NoError(t, Replace(context.Background(), lc, old, updated))
	require.Equal(t, []string{"deactivate a", "remove a", "write b", "activate b"}, lc.steps)
}

func TestReplaceDisabledStillRegisters(t *testing.T) {
	t.Parallel()
	old := task.New(task.BackendLaunchd, "a")
	updated := task.New(task.BackendLaunchd, "a")

	lc := &recordingLifecycle{}
	require.NoError(t, Replace(context.Background(), lc, old, updated))
	require.Equal(t, []string{"deactivate a", "remove a", "write a", "activate a", "deactivate a"}, lc.steps)
}

func TestReplaceStopsAtFirstFailure(t *testing.T) {
	t.Parallel()
	old := task.New(task.BackendLaunchd, "a")
	updated := task.New(task.BackendLaunchd, "b")
	updated.Enabled = true

	lc := &recordingLifecycle{failAt: "activate b"}
	require.Error(t, Replace(context.Background(), lc, old, updated))
	// new config is in place, old one gone
	require.Equal(t, []string{"deactivate a", "remove a", "write b", "activate b"}, lc.steps)
}

func TestOpErrorMatchesKind(t *testing.T) {
	t.Parallel()
	cause := errors.New("launchctl: exit 5")
	err := Fail("enable", task.BackendLaunchd, task.New(task.BackendLaunchd, "com.x"), ErrActivation, cause)
	require.ErrorIs(t, err, ErrActivation)
	require.ErrorIs(t, err, cause)
	require.NotErrorIs(t, err, ErrConfigWrite)
	require.Contains(t, err.Error(), "com.x")

	var op *OpError
	require.ErrorAs(t, err, &op)
	require.Equal(t, "enable", op.Op)

	require.ErrorIs(t, Unsupported("install", task.BackendContainer, nil), ErrUnsupported)
}

func TestBatchCollectsFailures(t *testing.T) {
	t.Parallel()
	tasks := []*task.Task{
		task.New(task.BackendCrontab, "c"),
		task.New(task.BackendCrontab, "a"),
		task.New(task.BackendCrontab, "b"),
	}
	res := Batch(context.Background(), tasks, time.Second, "enable", func(_ context.Context, tk *task.Task) error {
		if tk.Label == "b" {
			return ErrActivation
		}
		return nil
	})
	require.Equal(t, 3, res.Total)
	require.Equal(t, 2, res.SuccessCount)
	require.Equal(t, 1, res.FailureCount)
	require.Equal(t, []string{"a", "b", "c"}, []string{res.Results[0].Label, res.Results[1].Label, res.Results[2].Label})
	require.Len(t, res.Failed(), 1)
	require.ErrorIs(t, res.Err(), ErrActivation)

	clean := Batch(context.Background(), tasks[:1], 0, "enable", func(context.Context, *task.Task) error { return nil })
	require.NoError(t, clean.Err())
}

type stubAdapter struct {
	Adapter
	kind task.Backend
}

func (s stubAdapter) Kind() task.Backend { return s.kind }

func TestRegistry(t *testing.T) {
	t.Parallel()
	r := NewRegistry(stubAdapter{kind: task.BackendSystemd}, stubAdapter{kind: task.BackendCrontab})
	a, err := r.Get(task.BackendCrontab)
	require.NoError(t, err)
	require.Equal(t, task.BackendCrontab, a.Kind())

	_, err = r.Get(task.BackendUTM)
	require.ErrorIs(t, err, ErrBackendUnavailable)
	require.Equal(t, []task.Backend{task.BackendCrontab, task.BackendSystemd}, r.Kinds())
}

func TestWithinDirs(t *testing.T) {
	t.Parallel()
	dirs := []string{"/Users/me/Library/LaunchAgents", "/Library/LaunchDaemons"}
	require.True(t, WithinDirs("/Library/LaunchDaemons/com.x.plist", dirs))
	require.True(t, WithinDirs("/Users/me/Library/LaunchAgents/a.plist", dirs))
	require.False(t, WithinDirs("/Library/LaunchDaemons/../../etc/sudoers", dirs))
	require.False(t, WithinDirs("/Library/LaunchDaemons", dirs))
	require.False(t, WithinDirs("relative/a.plist", dirs))
	require.False(t, WithinDirs("/tmp/a.plist", dirs))
}

func TestRunActionInlineScriptUsesTempFile(t *testing.T) {
	t.Parallel()
	r := executortest.New()
	r.On("sh", executortest.OK("done\n"))

	tk := task.New(task.BackendLaunchd, "com.user.backup-docs")
	tk.Action = task.Action{Kind: task.ActionShellScript, Script: "rsync -av ~/Documents ~/Backups"}
	res, err := RunAction(context.Background(), r, tk, time.Second)
	require.NoError(t, err)
	require.Equal(t, tk.ID, res.TaskID)
	require.Equal(t, "done\n", res.Stdout)

	calls := r.Calls()
	require.Len(t, calls, 1)
	require.Equal(t, "/bin/sh", calls[0].Interpreter)
	require.Equal(t, "rsync -av ~/Documents ~/Backups", calls[0].Script)
}

func TestRunActionExecutable(t *testing.T) {
	t.Parallel()
	r := executortest.New()
	r.On("false", executortest.Exit(1, "nope"))

	tk := task.New(task.BackendCrontab, "x")
	tk.Action = task.Action{Kind: task.ActionExecutable, Path: "/usr/bin/false", Env: map[string]string{"LD_PRELOAD": "/x.so", "A": "b"}}
	res, err := RunAction(context.Background(), r, tk, time.Second)
	require.NoError(t, err)
	require.Equal(t, 1, res.ExitCode)
	require.False(t, res.Succeeded())
	require.Equal(t, map[string]string{"A": "b"}, r.Calls()[0].Env)

	r.Missing("false")
	_, err = RunAction(context.Background(), r, tk, time.Second)
	require.ErrorIs(t, err, executor.ErrSpawn)

	tk.Action.Path = ""
	_, err = RunAction(context.Background(), r, tk, time.Second)
	require.ErrorIs(t, err, ErrInvalidTask)
}
