package crontab

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"taskwarden/internal/backend"
	"taskwarden/internal/executor"
	"taskwarden/internal/executor/executortest"
	"taskwarden/internal/task"
)

// fakeTable is an in-memory crontab behind `crontab -l` / `crontab -`.
type fakeTable struct {
	mu      sync.Mutex
	content string
	exists  bool
	writes  int
}

func (f *fakeTable) install(r *executortest.Runner) {
	r.On("crontab -l", func(executor.Command) (*executor.Result, error) {
		f.mu.Lock()
		defer f.mu.Unlock()
		if !f.exists {
			return &executor.Result{ExitCode: 1, Stderr: "crontab: no crontab for me\n"}, nil
		}
		return &executor.Result{Stdout: f.content}, nil
	})
	r.On("crontab -", func(c executor.Command) (*executor.Result, error) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.content = c.Stdin
		f.exists = true
		f.writes++
		return &executor.Result{}, nil
	})
}

func (f *fakeTable) text() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.content
}

func newTestAdapter(t *testing.T, initial string) (*Adapter, *executortest.Runner, *fakeTable) {
	t.Helper()
	r := executortest.New()
	ft := &fakeTable{content: initial, exists: initial != ""}
	ft.install(r)
	return New(Options{Runner: r}), r, ft
}

func backupTask() *task.Task {
	tk := task.New(task.BackendCrontab, "com.user.backup-docs")
	tk.Action = task.Action{Kind: task.ActionShellScript, Script: "rsync -av ~/Documents ~/Backups"}
	tk.Trigger = task.Daily(2, 0)
	tk.Enabled = true
	return tk
}

func TestEntryRoundTrip(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		mut  func(tk *task.Task)
	}{
		{"inline script with quotes", func(tk *task.Task) {
			tk.Action = task.Action{Kind: task.ActionShellScript, Script: `echo "it's 100% <done> & ok" | tee -a /tmp/x`}
		}},
		{"executable with env and cwd", func(tk *task.Task) {
			tk.Action = task.Action{
				Kind: task.ActionExecutable, Path: "/usr/local/bin/sync tool",
				Args: []string{"--from", "a'b", "--to", "c d"}, WorkingDir: "/srv/data dir",
				Env: map[string]string{"MODE": "fast & loose", "LEVEL": "3"},
			}
			tk.StdoutPath = "/tmp/out.log"
			tk.StderrPath = "/tmp/err log"
		}},
		{"weekly with metadata", func(tk *task.Task) {
			tk.Name = `Nightly "Backup"`
			tk.Description = "copies <docs> & more"
			tk.Action = task.Action{Kind: task.ActionShellScript, Interpreter: "/bin/bash", Path: "/opt/job.sh"}
			tk.Trigger = task.Trigger{Kind: task.TriggerCalendar, Calendar: &task.Calendar{Weekday: task.Int(1), Hour: task.Int(9), Minute: task.Int(30)}}
		}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			in := backupTask()
			tt.mut(in)
			e, err := encodeEntry(in)
			require.NoError(t, err)

			tb := parseTable((&table{items: []item{{entry: e}}}).render())
			require.Len(t, tb.items, 1)
			out, ok := decodeEntry(tb.items[0].entry)
			require.True(t, ok)

			require.Equal(t, in.ID, out.ID)
			require.Equal(t, in.Name, out.Name)
			require.Equal(t, in.Description, out.Description)
			require.Equal(t, in.Action.Command(), out.Action.Command())
			require.Equal(t, in.Action.Script, out.Action.Script)
			require.Equal(t, in.Action.WorkingDir, out.Action.WorkingDir)
			require.Equal(t, len(in.Action.Env), len(out.Action.Env))
			for k, v := range in.Action.Env {
				require.Equal(t, v, out.Action.Env[k])
			}
			require.Equal(t, in.StdoutPath, out.StdoutPath)
			require.Equal(t, in.StderrPath, out.StderrPath)
			require.Equal(t, in.Trigger.Display(), out.Trigger.Display())
		})
	}
}

func TestCommandEscapesPercent(t *testing.T) {
	t.Parallel()
	tk := backupTask()
	tk.Action = task.Action{Kind: task.ActionExecutable, Path: "/bin/date", Args: []string{"+%Y-%m-%d"}}
	e, err := encodeEntry(tk)
	require.NoError(t, err)
	require.Equal(t, `0 2 * * * '/bin/date' '+\%Y-\%m-\%d'`, e.line)
}

func TestForeignLines(t *testing.T) {
	t.Parallel()
	a, _, _ := newTestAdapter(t, strings.Join([]string{
		"MAILTO=me@example.com",
		"# a comment",
		"*/5 * * * * /usr/local/bin/poll > /dev/null 2>&1",
		"@reboot /usr/local/bin/start-agent",
		"30 4 * * 7 /usr/bin/weekly",
		"not a cron line at all",
		"",
	}, "\n"))

	found, err := a.Discover(context.Background())
	require.NoError(t, err)
	require.Len(t, found, 3)

	poll := found[0]
	require.True(t, poll.ReadOnly)
	require.True(t, strings.HasPrefix(poll.Label, "crontab."))
	require.Len(t, poll.Label, len("crontab.")+8)
	require.Equal(t, "*/5 * * * *", poll.Trigger.Display())
	require.Equal(t, "/usr/local/bin/poll > /dev/null 2>&1", poll.Action.Script)
	require.Equal(t, "Poll", poll.Name)
	require.Equal(t, ForeignLabel("*/5 * * * * /usr/local/bin/poll > /dev/null 2>&1"), poll.Label)

	require.Equal(t, task.TriggerStartup, found[1].Trigger.Kind)
	require.Equal(t, "Sun 04:30", found[2].Trigger.Display())

	err = a.Uninstall(context.Background(), poll)
	require.ErrorIs(t, err, backend.ErrReadOnly)
}

func TestAddThenDiscover(t *testing.T) {
	t.Parallel()
	a, _, ft := newTestAdapter(t, "")
	ctx := context.Background()
	tk := backupTask()

	require.NoError(t, a.Install(ctx, tk))
	require.NoError(t, a.Enable(ctx, tk))
	require.Equal(t, "# taskwarden:com.user.backup-docs\n0 2 * * * '/bin/sh' '-c' 'rsync -av ~/Documents ~/Backups'\n", ft.text())

	found, err := a.Discover(ctx)
	require.NoError(t, err)
	require.Len(t, found, 1)
	require.Equal(t, tk.ID, found[0].ID)
	require.Equal(t, task.StateEnabled, found[0].Status.State)
	require.Equal(t, "02:00", found[0].Trigger.Display())
	require.Equal(t, "Backup Docs", found[0].Name)
	require.False(t, found[0].ReadOnly)
}

func TestDisableEnableToggle(t *testing.T) {
	t.Parallel()
	a, _, ft := newTestAdapter(t, "15 * * * * /usr/bin/foreign\n")
	ctx := context.Background()
	tk := backupTask()
	require.NoError(t, a.Install(ctx, tk))

	require.NoError(t, a.Disable(ctx, tk))
	require.Contains(t, ft.text(), "# 0 2 * * * '/bin/sh'")
	require.True(t, strings.HasPrefix(ft.text(), "15 * * * * /usr/bin/foreign\n"))

	found, err := a.Discover(ctx)
	require.NoError(t, err)
	require.Len(t, found, 2)
	require.Equal(t, task.StateDisabled, found[1].Status.State)

	require.NoError(t, a.Enable(ctx, tk))
	require.NotContains(t, ft.text(), "# 0 2")
}

func TestEnableInstallsMissingEntry(t *testing.T) {
	t.Parallel()
	a, _, ft := newTestAdapter(t, "")
	tk := backupTask()
	tk.Enabled = false
	require.NoError(t, a.Enable(context.Background(), tk))
	require.Contains(t, ft.text(), "\n0 2 * * *")

	require.ErrorIs(t, a.Disable(context.Background(), task.New(task.BackendCrontab, "missing")), backend.ErrNotFound)
}

func TestMultiLineFieldsAreRejected(t *testing.T) {
	t.Parallel()
	const initial = "15 * * * * /usr/bin/foreign\n"
	tests := []struct {
		name string
		mut  func(tk *task.Task)
		want error
	}{
		{"script body", func(tk *task.Task) { tk.Action.Script = "echo one\n* * * * * touch /tmp/pwned #" }, backend.ErrInvalidTask},
		{"carriage return", func(tk *task.Task) { tk.Action.Script = "echo one\r* * * * * id" }, backend.ErrInvalidTask},
		{"argument", func(tk *task.Task) { tk.Action.Args = []string{"ok", "two\nlines"} }, backend.ErrInvalidTask},
		{"env value", func(tk *task.Task) { tk.Action.Env = map[string]string{"GREETING": "hi\nthere"} }, backend.ErrInvalidTask},
		// paths are refused earlier by structural validation
		{"executable path", func(tk *task.Task) {
			tk.Action = task.Action{Kind: task.ActionExecutable, Path: "/usr/bin/env\n* * * * * id"}
		}, task.ErrValidation},
		{"working dir", func(tk *task.Task) { tk.Action.WorkingDir = "/tmp\n* * * * * id" }, task.ErrValidation},
		{"stdout path", func(tk *task.Task) { tk.StdoutPath = "/tmp/out\n* * * * * id" }, task.ErrValidation},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			a, _, ft := newTestAdapter(t, initial)
			ctx := context.Background()
			tk := backupTask()
			tt.mut(tk)

			require.ErrorIs(t, a.Install(ctx, tk), tt.want)
			require.ErrorIs(t, a.Enable(ctx, tk), tt.want)
			require.Equal(t, initial, ft.text())

			found, err := a.Discover(ctx)
			require.NoError(t, err)
			require.Len(t, found, 1)
		})
	}

	// an update into a multi-line body leaves the old entry alone
	a, _, ft := newTestAdapter(t, "")
	ctx := context.Background()
	old := backupTask()
	require.NoError(t, a.Install(ctx, old))
	before := ft.text()
	updated := old.Clone()
	updated.Action.Script = "echo one\necho two"
	require.ErrorIs(t, a.Update(ctx, old, updated), backend.ErrInvalidTask)
	require.Equal(t, before, ft.text())
}

func TestUninstallIsIdempotent(t *testing.T) {
	t.Parallel()
	a, _, ft := newTestAdapter(t, "")
	require.NoError(t, a.Uninstall(context.Background(), backupTask()))
	require.Zero(t, ft.writes)

	tk := backupTask()
	require.NoError(t, a.Install(context.Background(), tk))
	require.NoError(t, a.Uninstall(context.Background(), tk))
	require.Equal(t, "", ft.text())
	require.NoError(t, a.Uninstall(context.Background(), tk))
	require.Equal(t, 2, ft.writes)
}

func TestUpdateChangesLabel(t *testing.T) {
	t.Parallel()
	a, _, ft := newTestAdapter(t, "")
	ctx := context.Background()
	old := backupTask()
	require.NoError(t, a.Install(ctx, old))

	updated := old.Clone()
	updated.Label = "com.user.backup-documents"
	updated.ID = task.DeriveID(updated.Label)
	updated.Trigger = task.Daily(3, 15)
	require.NoError(t, a.Update(ctx, old, updated))

	text := ft.text()
	require.NotContains(t, text, "taskwarden:com.user.backup-docs\n")
	require.Equal(t, 1, strings.Count(text, "taskwarden:com.user.backup-documents"))

	found, err := a.Discover(ctx)
	require.NoError(t, err)
	require.Len(t, found, 1)
	require.Equal(t, "03:15", found[0].Trigger.Display())
	require.Equal(t, task.StateEnabled, found[0].Status.State)
}

func TestOnlyCalendarTriggers(t *testing.T) {
	t.Parallel()
	a, r, _ := newTestAdapter(t, "")
	tk := backupTask()
	tk.Trigger = task.Every(time.Hour)
	require.ErrorIs(t, a.Install(context.Background(), tk), task.ErrValidation)
	require.Empty(t, r.Calls())
}

func TestDiscoverWithoutCrontabBinary(t *testing.T) {
	t.Parallel()
	a, r, _ := newTestAdapter(t, "")
	r.Missing("crontab")
	found, err := a.Discover(context.Background())
	require.ErrorIs(t, err, backend.ErrBackendUnavailable)
	require.Empty(t, found)
}

func TestParseSchedule(t *testing.T) {
	cases := []struct {
		expr    string
		want    string
		wantErr bool
	}{
		{expr: "30 2 * * *", want: "02:30"},
		{expr: "0 9 * * 7", want: "Sun 09:00"},
		{expr: "@hourly", want: "hourly at :00"},
		{expr: "*/5 * * * *", want: "*/5 * * * *"},
		{expr: "@reboot", want: "At startup"},
		{expr: "0 3 * *", wantErr: true},
		{expr: "0 3 * * * extra", wantErr: true},
		{expr: "61 3 * * *", wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.expr, func(t *testing.T) {
			got, err := ParseSchedule(tc.expr)
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.want, got.Display())
		})
	}
}
