package reconcile

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"taskwarden/internal/backend"
	"taskwarden/internal/backend/launchd"
	"taskwarden/internal/eventbus"
	"taskwarden/internal/executor"
	"taskwarden/internal/executor/executortest"
	"taskwarden/internal/history"
	"taskwarden/internal/task"
	"taskwarden/pkg/logx"
)

// memAdapter keeps installed tasks in a map.
type memAdapter struct {
	kind      task.Backend
	mu        sync.Mutex
	installed map[string]*task.Task
	extra     []*task.Task
	discErr   error
	failOn    map[string]error // label -> error for Enable/Disable
	runResult *task.ExecutionResult
	runErr    error
	enriched  int
	dirs      []string
}

func newMem(kind task.Backend) *memAdapter {
	return &memAdapter{kind: kind, installed: map[string]*task.Task{}, failOn: map[string]error{}}
}

func (m *memAdapter) Kind() task.Backend { return m.kind }

func (m *memAdapter) SupportedTriggers() []task.TriggerKind {
	return []task.TriggerKind{task.TriggerCalendar, task.TriggerInterval, task.TriggerOnDemand}
}

func (m *memAdapter) Install(_ context.Context, t *task.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := t.Clone()
	cp.Enabled = false
	m.installed[t.Label] = cp
	return nil
}

func (m *memAdapter) Uninstall(_ context.Context, t *task.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.installed, t.Label)
	return nil
}

func (m *memAdapter) setEnabled(t *task.Task, v bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failOn[t.Label]; err != nil {
		return err
	}
	cur, ok := m.installed[t.Label]
	if !ok {
		// installs on demand, recording where it wrote
		t.Location.ConfigPath = "/mem/" + t.Label
		cur = t.Clone()
		m.installed[t.Label] = cur
	}
	cur.Enabled = v
	return nil
}

func (m *memAdapter) Enable(_ context.Context, t *task.Task) error  { return m.setEnabled(t, true) }
func (m *memAdapter) Disable(_ context.Context, t *task.Task) error { return m.setEnabled(t, false) }

func (m *memAdapter) Update(ctx context.Context, old, updated *task.Task) error {
	_ = m.Uninstall(ctx, old)
	_ = m.Install(ctx, updated)
	return m.setEnabled(updated, updated.Enabled)
}

func (m *memAdapter) RunNow(context.Context, *task.Task) (*task.ExecutionResult, error) {
	return m.runResult, m.runErr
}

func (m *memAdapter) IsInstalled(_ context.Context, t *task.Task) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.installed[t.Label]
	return ok, nil
}

func (m *memAdapter) IsRunning(context.Context, *task.Task) (bool, error) { return false, nil }

func (m *memAdapter) Discover(context.Context) ([]*task.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.discErr != nil {
		return nil, m.discErr
	}
	var out []*task.Task
	for _, t := range m.installed {
		cp := t.Clone()
		cp.Status.State = task.StateDisabled
		if cp.Enabled {
			cp.Status.State = task.StateEnabled
		}
		out = append(out, cp)
	}
	for _, t := range m.extra {
		out = append(out, t.Clone())
	}
	return out, nil
}

func (m *memAdapter) Enrich(_ context.Context, tasks []*task.Task) error {
	m.mu.Lock()
	m.enriched += len(tasks)
	m.mu.Unlock()
	for _, t := range tasks {
		if t.Backend != m.kind {
			return errors.New("foreign task handed to enricher")
		}
	}
	return nil
}

func (m *memAdapter) WatchDirs() []string { return m.dirs }

func newTask(kind task.Backend, label string) *task.Task {
	t := task.New(kind, label)
	t.Action = task.Action{Kind: task.ActionShellScript, Script: "echo hi"}
	t.Trigger = task.Daily(2, 0)
	t.Enabled = true
	return t
}

type fixture struct {
	r       *Reconciler
	launchd *memAdapter
	cron    *memAdapter
	hist    *history.Store
	bus     eventbus.Bus
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	h, err := history.OpenFs(context.Background(), afero.NewMemMapFs(), history.Config{}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.Close() })
	f := &fixture{launchd: newMem(task.BackendLaunchd), cron: newMem(task.BackendCrontab), hist: h, bus: eventbus.New()}
	f.r = New(Options{
		Registry: backend.NewRegistry(f.launchd, f.cron),
		History:  h,
		Bus:      f.bus,
	})
	return f
}

func TestMergePrefersEditable(t *testing.T) {
	t.Parallel()
	ro := newTask(task.BackendLaunchd, "com.example.agent")
	ro.ReadOnly = true
	rw := newTask(task.BackendLaunchd, "com.example.agent")
	other := newTask(task.BackendLaunchd, "com.example.other")

	got := Merge([]*task.Task{ro, other}, []*task.Task{rw})
	require.Len(t, got, 2)
	require.Same(t, rw, got[0])

	// an editable record is never replaced by a read-only one
	got = Merge([]*task.Task{rw}, []*task.Task{ro})
	require.Same(t, rw, got[0])

	stale := newTask(task.BackendContainer, "web")
	stale.Stale = true
	live := newTask(task.BackendContainer, "web")
	require.Same(t, live, Merge([]*task.Task{stale}, []*task.Task{live})[0])
}

func TestRefreshToleratesBackendFailure(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.launchd.extra = []*task.Task{newTask(task.BackendLaunchd, "com.user.zeta"), newTask(task.BackendLaunchd, "com.user.alpha")}
	f.cron.discErr = backend.Fail("discover", task.BackendCrontab, nil, backend.ErrBackendUnavailable, errors.New("no crontab binary"))
	events, unsub := f.bus.Subscribe(4, eventbus.TasksRefreshed)
	defer unsub()

	snap, err := f.r.Refresh(context.Background())
	require.NoError(t, err)
	require.Len(t, snap.Tasks, 2)
	require.Equal(t, "Alpha", snap.Tasks[0].Name)
	require.Equal(t, "Zeta", snap.Tasks[1].Name)
	require.ErrorIs(t, snap.Failed[task.BackendCrontab], backend.ErrBackendUnavailable)
	require.Equal(t, 2, f.launchd.enriched)
	require.Zero(t, f.cron.enriched)

	ev := <-events
	require.Equal(t, []string{"crontab"}, ev.Data.(eventbus.Refreshed).Failed)
}

func TestAddThenDiscover(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	tk := newTask(task.BackendLaunchd, "com.user.backup-docs")
	tk.Action.Script = "rsync -av ~/Documents ~/Backups"

	require.NoError(t, f.r.Add(ctx, tk))
	got, ok := f.r.Find("com.user.backup-docs")
	require.True(t, ok)
	require.Equal(t, task.DeriveID("com.user.backup-docs"), got.ID)
	require.Equal(t, task.StateEnabled, got.Status.State)
	require.Equal(t, "02:00", got.Trigger.Display())

	byID, ok := f.r.Find(got.ID.String())
	require.True(t, ok)
	require.Same(t, got, byID)
	byName, ok := f.r.Find("backup docs")
	require.True(t, ok)
	require.Same(t, got, byName)

	require.Error(t, f.r.Add(ctx, newTask(task.BackendLaunchd, "com.user.backup-docs")))
}

func TestAddRejectsInvalidBeforeAdapter(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	tk := newTask(task.BackendLaunchd, "com.user.bad")
	tk.Trigger = task.Trigger{Kind: task.TriggerCalendar, Calendar: &task.Calendar{Hour: task.Int(24)}}
	err := f.r.Add(context.Background(), tk)
	require.ErrorIs(t, err, task.ErrValidation)
	require.Empty(t, f.launchd.installed)

	tk = newTask(task.BackendLaunchd, "com.user.login")
	tk.Trigger = task.Trigger{Kind: task.TriggerAtLogin}
	require.ErrorIs(t, f.r.Add(context.Background(), tk), task.ErrValidation)
}

func TestUpdateDeleteAndSelection(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	tk := newTask(task.BackendLaunchd, "com.user.a")
	require.NoError(t, f.r.Add(ctx, tk))
	cur, _ := f.r.Find("com.user.a")
	require.True(t, f.r.Select(cur.ID))

	updated := cur.Clone()
	updated.Label = "com.user.b"
	require.NoError(t, f.r.Update(ctx, cur, updated))
	_, ok := f.r.Find("com.user.a")
	require.False(t, ok)
	b, ok := f.r.Find("com.user.b")
	require.True(t, ok)
	require.Equal(t, task.DeriveID("com.user.b"), b.ID)

	// the selected task disappeared with the relabel
	_, ok = f.r.Selected()
	require.False(t, ok)
	require.False(t, f.r.Select(task.DeriveID("missing")))

	require.True(t, f.r.Select(b.ID))
	sel, ok := f.r.Selected()
	require.True(t, ok)
	require.Equal(t, b.ID, sel.ID)

	require.NoError(t, f.r.Delete(ctx, b))
	require.Empty(t, f.r.Tasks())
	_, ok = f.r.Selected()
	require.False(t, ok)
}

func TestRelabelMovesLaunchdPlist(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	fs := afero.NewMemMapFs()
	la := launchd.New(launchd.Options{
		Home:   "/Users/me",
		Fs:     fs,
		Runner: executortest.New(),
		IsRoot: func() bool { return false },
	})
	r := New(Options{Registry: backend.NewRegistry(la)})
	dir := la.UserDir()

	a := newTask(task.BackendLaunchd, "com.user.a")
	a.Location.Scope = task.ScopeUser
	require.NoError(t, r.Add(ctx, a))
	cur, ok := r.Find("com.user.a")
	require.True(t, ok)
	require.Equal(t, filepath.Join(dir, "com.user.a.plist"), cur.Location.ConfigPath)

	updated := cur.Clone()
	updated.Label = "com.user.b"
	require.NoError(t, r.Update(ctx, cur, updated))

	labelIn := func(name string) string {
		data, err := afero.ReadFile(fs, filepath.Join(dir, name))
		require.NoError(t, err)
		got, err := launchd.Decode(data, false)
		require.NoError(t, err)
		return got.Label
	}
	entries, err := afero.ReadDir(fs, dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "com.user.b.plist", entries[0].Name())
	require.Equal(t, "com.user.b", labelIn("com.user.b.plist"))

	// reusing the old label must not overwrite the relabelled task
	require.NoError(t, r.Add(ctx, newTask(task.BackendLaunchd, "com.user.a")))
	require.Equal(t, "com.user.a", labelIn("com.user.a.plist"))
	require.Equal(t, "com.user.b", labelIn("com.user.b.plist"))
	_, ok = r.Find("com.user.b")
	require.True(t, ok)
	_, ok = r.Find("com.user.a")
	require.True(t, ok)
}

func TestUpdateMovesBetweenBackends(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.r.Add(ctx, newTask(task.BackendLaunchd, "nightly")))
	cur, _ := f.r.Find("nightly")

	moved := cur.Clone()
	moved.Backend = task.BackendCrontab
	require.NoError(t, f.r.Update(ctx, cur, moved))
	require.Empty(t, f.launchd.installed)
	require.Contains(t, f.cron.installed, "nightly")
	got, _ := f.r.Find("nightly")
	require.Equal(t, task.BackendCrontab, got.Backend)
}

func TestReadOnlyTasksAreRejected(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ro := newTask(task.BackendLaunchd, "com.apple.thing")
	ro.ReadOnly = true
	ctx := context.Background()
	require.ErrorIs(t, f.r.Delete(ctx, ro), backend.ErrReadOnly)
	require.ErrorIs(t, f.r.SetEnabled(ctx, ro, false), backend.ErrReadOnly)
	require.ErrorIs(t, f.r.Update(ctx, ro, ro.Clone()), backend.ErrReadOnly)

	stale := newTask(task.BackendLaunchd, "com.user.cached")
	stale.Stale = true
	f.launchd.installed[stale.Label] = stale.Clone()
	require.ErrorIs(t, f.r.Delete(ctx, stale), backend.ErrReadOnly)
	require.Contains(t, f.launchd.installed, "com.user.cached")
}

func TestOperationsLeaveSnapshotTasksUntouched(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	one := newTask(task.BackendLaunchd, "com.user.one")
	one.Enabled = false
	two := newTask(task.BackendLaunchd, "com.user.two")
	two.Enabled = false
	f.launchd.extra = []*task.Task{one, two}
	_, err := f.r.Refresh(ctx)
	require.NoError(t, err)

	cur, ok := f.r.Find("com.user.one")
	require.True(t, ok)
	require.NoError(t, f.r.SetEnabled(ctx, cur, true))
	require.Empty(t, cur.Location.ConfigPath)
	require.False(t, cur.Enabled)
	require.Equal(t, "/mem/com.user.one", f.launchd.installed["com.user.one"].Location.ConfigPath)

	other, ok := f.r.Find("com.user.two")
	require.True(t, ok)
	res := f.r.EnableAll(ctx)
	require.Zero(t, res.FailureCount)
	require.Empty(t, other.Location.ConfigPath)
	require.Equal(t, "/mem/com.user.two", f.launchd.installed["com.user.two"].Location.ConfigPath)
}

func TestRunNowRecordsHistory(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	tk := newTask(task.BackendLaunchd, "com.user.job")
	require.NoError(t, f.r.Add(ctx, tk))
	cur, _ := f.r.Find("com.user.job")
	ran, unsub := f.bus.Subscribe(2, eventbus.TaskRan)
	defer unsub()

	start := time.Now()
	f.launchd.runResult = &task.ExecutionResult{TaskID: cur.ID, Started: start, Finished: start.Add(time.Second), ExitCode: 3, Stderr: "boom"}
	res, err := f.r.RunNow(ctx, cur)
	require.NoError(t, err)
	require.Equal(t, 3, res.ExitCode)

	latest, ok := f.hist.Latest(cur.ID)
	require.True(t, ok)
	require.Equal(t, "boom", latest.Stderr)

	after, _ := f.r.Find("com.user.job")
	require.Equal(t, 1, after.Status.RunCount)
	require.Equal(t, 1, after.Status.FailureCount)
	require.NotNil(t, after.Status.LastRun)
	require.Nil(t, cur.Status.LastRun, "published tasks are not mutated")
	require.Equal(t, 3, (<-ran).Data.(eventbus.Ran).ExitCode)

	// history survives into the next pass
	_, err = f.r.Refresh(ctx)
	require.NoError(t, err)
	again, _ := f.r.Find("com.user.job")
	require.Equal(t, 1, again.Status.RunCount)
	require.Equal(t, 3, again.Status.LastResult.ExitCode)
}

func TestRunNowSpawnFailureIsRecorded(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.r.Add(ctx, newTask(task.BackendLaunchd, "com.user.gone")))
	cur, _ := f.r.Find("com.user.gone")

	f.launchd.runErr = &executor.SpawnError{Path: "/nope", Err: os.ErrNotExist}
	res, err := f.r.RunNow(ctx, cur)
	require.ErrorIs(t, err, executor.ErrSpawn)
	require.Equal(t, -1, res.ExitCode)
	latest, ok := f.hist.Latest(cur.ID)
	require.True(t, ok)
	require.Equal(t, -1, latest.ExitCode)
}

func TestBulkCollectsFailures(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	for _, l := range []string{"a", "b", "c"} {
		require.NoError(t, f.r.Add(ctx, newTask(task.BackendLaunchd, l)))
	}
	ro := newTask(task.BackendLaunchd, "com.apple.ro")
	ro.ReadOnly = true
	f.launchd.extra = []*task.Task{ro}
	vmTask := newTask(task.BackendContainer, "web")
	f.cron.extra = []*task.Task{vmTask}
	_, err := f.r.Refresh(ctx)
	require.NoError(t, err)

	f.launchd.failOn["b"] = errors.New("launchctl said no")
	res := f.r.DisableAll(ctx)
	require.Equal(t, 3, res.Total)
	require.Equal(t, 2, res.SuccessCount)
	require.Equal(t, 1, res.FailureCount)
	require.Equal(t, "b", res.Failed()[0].Label)
	require.ErrorContains(t, res.Err(), "launchctl said no")

	delete(f.launchd.failOn, "b")
	res = f.r.EnableAll(ctx)
	require.Equal(t, 2, res.Total)
	require.NoError(t, res.Err())
}

func TestWatchRefreshesOnChange(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	dir := t.TempDir()
	f.launchd.dirs = []string{dir, filepath.Join(dir, "missing")}
	require.Equal(t, []string{dir}, f.r.WatchDirs())

	events, unsub := f.bus.Subscribe(8, eventbus.TasksRefreshed)
	defer unsub()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- f.r.Watch(ctx, WatchOptions{Debounce: 20 * time.Millisecond, MinInterval: 10 * time.Millisecond})
	}()

	require.Eventually(t, func() bool {
		_ = os.WriteFile(filepath.Join(dir, "x.plist"), []byte("x"), 0o600)
		return len(events) > 0
	}, 5*time.Second, 50*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
}
