package systemd

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"taskwarden/internal/task"
)

func TestUnitsRoundTrip(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		edit func(*task.Task)
	}{
		{"daily script", func(tk *task.Task) {}},
		{"weekly executable", func(tk *task.Task) {
			tk.Action = task.Action{Kind: task.ActionExecutable, Path: "/usr/local/bin/report", Args: []string{"--out", "/tmp/a b.txt"}}
			tk.Trigger = task.Trigger{Kind: task.TriggerCalendar, Calendar: &task.Calendar{Weekday: task.Int(1), Hour: task.Int(9), Minute: task.Int(30)}}
		}},
		{"interval", func(tk *task.Task) { tk.Trigger = task.Every(15 * time.Minute) }},
		{"login", func(tk *task.Task) { tk.Trigger = task.Trigger{Kind: task.TriggerAtLogin} }},
		{"startup", func(tk *task.Task) { tk.Trigger = task.Trigger{Kind: task.TriggerStartup} }},
		{"on demand", func(tk *task.Task) { tk.Trigger = task.Trigger{Kind: task.TriggerOnDemand} }},
		{"metadata with markup", func(tk *task.Task) {
			tk.Name = `Backup "docs" & <more>`
			tk.Description = "nightly 100% copy of $HOME"
			tk.Action.Script = `echo "50% done" && echo $HOME > 'x'`
		}},
		{"env and paths", func(tk *task.Task) {
			tk.Action.Env = map[string]string{"MODE": "fast lane", "LD_PRELOAD": "/evil.so"}
			tk.Action.WorkingDir = "/srv/data"
			tk.StdoutPath = "/var/log/backup.out"
			tk.StderrPath = "/var/log/backup.err"
		}},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			tk := task.New(task.BackendSystemd, "backup-docs")
			tk.Action = task.Action{Kind: task.ActionShellScript, Script: "rsync -av ~/Documents ~/Backups"}
			tk.Trigger = task.Daily(2, 0)
			tc.edit(tk)

			u, err := encodeUnits(tk, task.ScopeUser)
			require.NoError(t, err)
			svcData, err := serialize(u.Service)
			require.NoError(t, err)
			svc, err := deserialize(svcData)
			require.NoError(t, err)
			var timer = u.Timer
			if timer != nil {
				data, err := serialize(u.Timer)
				require.NoError(t, err)
				timer, err = deserialize(data)
				require.NoError(t, err)
			}

			got := decodeUnits(tk.Label, svc, timer)
			require.Equal(t, tk.ID, got.ID)
			require.Equal(t, tk.Name, got.Name)
			require.Equal(t, tk.Description, got.Description)
			require.Equal(t, tk.Action.Command(), got.Action.Command())
			require.Equal(t, tk.Action.WorkingDir, got.Action.WorkingDir)
			require.Equal(t, tk.Trigger.Display(), got.Trigger.Display())
			require.Equal(t, tk.StdoutPath, got.StdoutPath)
			require.Equal(t, tk.StderrPath, got.StderrPath)
			if tk.Action.Env != nil {
				require.Equal(t, map[string]string{"MODE": "fast lane"}, got.Action.Env)
			}
		})
	}
}

func TestEncodeKeepAlive(t *testing.T) {
	t.Parallel()
	tk := task.New(task.BackendSystemd, "watcher")
	tk.Action = task.Action{Kind: task.ActionExecutable, Path: "/usr/bin/watcher"}
	tk.Trigger = task.Trigger{Kind: task.TriggerStartup}
	tk.KeepAlive = true
	u, err := encodeUnits(tk, task.ScopeSystem)
	require.NoError(t, err)
	require.Nil(t, u.Timer)
	v, _ := lookup(u.Service, "Service", "Restart")
	require.Equal(t, "always", v)
	require.True(t, decodeUnits("watcher", u.Service, nil).KeepAlive)
}

func TestOnCalendar(t *testing.T) {
	t.Parallel()
	cases := []struct {
		cal  task.Calendar
		want string
	}{
		{task.Calendar{Hour: task.Int(2), Minute: task.Int(0)}, "*-*-* 02:00:00"},
		{task.Calendar{Weekday: task.Int(1), Hour: task.Int(9), Minute: task.Int(30)}, "Mon *-*-* 09:30:00"},
		{task.Calendar{Month: task.Int(3), Day: task.Int(15), Hour: task.Int(8), Minute: task.Int(0)}, "*-03-15 08:00:00"},
		{task.Calendar{Minute: task.Int(5)}, "*-*-* *:05:00"},
	}
	for _, tc := range cases {
		got := onCalendar(&tc.cal)
		require.Equal(t, tc.want, got)
		require.Equal(t, tc.cal, *parseOnCalendar(got))
	}
}

func TestParseOnCalendarShorthandsAndRaw(t *testing.T) {
	t.Parallel()
	require.Equal(t, task.Calendar{Hour: task.Int(0), Minute: task.Int(0)}, *parseOnCalendar("daily"))
	require.Equal(t, task.Calendar{Minute: task.Int(0)}, *parseOnCalendar("hourly"))
	require.Equal(t, "Mon..Fri *-*-* 10:00", parseOnCalendar("Mon..Fri *-*-* 10:00").Raw)
	require.Equal(t, "2026-01-01 00:00:00", parseOnCalendar("2026-01-01 00:00:00").Raw)
}

func TestParseTimeSpan(t *testing.T) {
	t.Parallel()
	cases := map[string]time.Duration{
		"900":       15 * time.Minute,
		"15min":     15 * time.Minute,
		"1h 30min":  90 * time.Minute,
		"2d":        48 * time.Hour,
		"500ms":     500 * time.Millisecond,
		"1w":        7 * 24 * time.Hour,
		"3 minutes": 0,
	}
	for in, want := range cases {
		got, err := parseTimeSpan(in)
		if want == 0 {
			require.Error(t, err, in)
			continue
		}
		require.NoError(t, err, in)
		require.Equal(t, want, got, in)
	}
}

func TestExecQuoting(t *testing.T) {
	t.Parallel()
	cases := []struct {
		argv []string
		want string
	}{
		{[]string{"/usr/bin/true"}, "/usr/bin/true"},
		{[]string{"/bin/sh", "-c", "echo hi"}, `/bin/sh -c "echo hi"`},
		{[]string{"/bin/echo", `say "x"`}, `/bin/echo "say \"x\""`},
		{[]string{"/bin/echo", "100%", "$HOME"}, "/bin/echo 100%% $$HOME"},
		{[]string{"/bin/echo", ""}, `/bin/echo ""`},
		{[]string{"/bin/echo", "a\nb"}, `/bin/echo "a\nb"`},
	}
	for _, tc := range cases {
		line := joinExec(tc.argv)
		require.Equal(t, tc.want, line)
		back, err := splitExec(line)
		require.NoError(t, err)
		require.Equal(t, tc.argv, back)
	}
}

func TestSplitExecPrefixesAndErrors(t *testing.T) {
	t.Parallel()
	argv, err := splitExec("-/usr/bin/env 'a b' c")
	require.NoError(t, err)
	require.Equal(t, []string{"/usr/bin/env", "a b", "c"}, argv)

	_, err = splitExec(`/bin/echo "open`)
	require.Error(t, err)
}
