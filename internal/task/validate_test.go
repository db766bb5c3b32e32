package task

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func validTask() *Task {
	t := New(BackendLaunchd, "com.user.backup-docs")
	t.Action = Action{Kind: ActionExecutable, Path: "/usr/bin/rsync", Args: []string{"-a"}}
	t.Trigger = Daily(2, 0)
	return t
}

func TestValidateAcceptsValidTask(t *testing.T) {
	t.Parallel()
	require.NoError(t, Validate(validTask(), []TriggerKind{TriggerCalendar}))
}

func TestValidateCalendarBoundaries(t *testing.T) {
	t.Parallel()
	cal := func(mut func(c *Calendar)) *Task {
		tk := validTask()
		c := &Calendar{}
		mut(c)
		tk.Trigger = Trigger{Kind: TriggerCalendar, Calendar: c}
		return tk
	}
	ok := []func(c *Calendar){
		func(c *Calendar) { c.Hour = Int(0) },
		func(c *Calendar) { c.Hour = Int(23) },
		func(c *Calendar) { c.Minute = Int(0) },
		func(c *Calendar) { c.Minute = Int(59) },
		func(c *Calendar) { c.Day = Int(1) },
		func(c *Calendar) { c.Day = Int(31) },
		func(c *Calendar) { c.Weekday = Int(0) },
		func(c *Calendar) { c.Weekday = Int(6) },
		func(c *Calendar) { c.Month = Int(1) },
		func(c *Calendar) { c.Month = Int(12) },
	}
	for i, m := range ok {
		require.NoError(t, Validate(cal(m), nil), "case %d", i)
	}
	bad := []func(c *Calendar){
		func(c *Calendar) { c.Hour = Int(24) },
		func(c *Calendar) { c.Hour = Int(-1) },
		func(c *Calendar) { c.Minute = Int(60) },
		func(c *Calendar) { c.Day = Int(0) },
		func(c *Calendar) { c.Day = Int(32) },
		func(c *Calendar) { c.Weekday = Int(7) },
		func(c *Calendar) { c.Month = Int(0) },
		func(c *Calendar) { c.Month = Int(13) },
		func(c *Calendar) { c.Raw = "*/5 * * * *" },
	}
	for i, m := range bad {
		err := Validate(cal(m), nil)
		require.ErrorIs(t, err, ErrValidation, "case %d", i)
	}
}

func TestValidateInterval(t *testing.T) {
	t.Parallel()
	tk := validTask()
	tk.Trigger = Every(0)
	require.ErrorIs(t, Validate(tk, nil), ErrValidation)
	tk.Trigger = Every(MaxInterval + time.Second)
	require.ErrorIs(t, Validate(tk, nil), ErrValidation)
	tk.Trigger = Every(MaxInterval)
	require.NoError(t, Validate(tk, nil))
}

func TestValidateUnsupportedTrigger(t *testing.T) {
	t.Parallel()
	tk := validTask()
	tk.Trigger = Trigger{Kind: TriggerAtLogin}
	err := Validate(tk, []TriggerKind{TriggerCalendar})
	require.ErrorIs(t, err, ErrValidation)
	require.Contains(t, err.Error(), "not supported")
}

func TestValidateLabel(t *testing.T) {
	t.Parallel()
	for _, label := range []string{"", "has space", ".leading", "semi;colon", strings.Repeat("a", 256)} {
		tk := validTask()
		tk.Label = label
		require.ErrorIs(t, Validate(tk, nil), ErrValidation, "label %q", label)
	}
}

func TestValidateAction(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		a    Action
		ok   bool
	}{
		{"relative path", Action{Kind: ActionExecutable, Path: "rsync"}, false},
		{"null in arg", Action{Kind: ActionExecutable, Path: "/bin/echo", Args: []string{"a\x00b"}}, false},
		{"exec with script", Action{Kind: ActionExecutable, Path: "/bin/echo", Script: "x"}, false},
		{"script with both", Action{Kind: ActionShellScript, Path: "/opt/a.sh", Script: "x"}, false},
		{"script with neither", Action{Kind: ActionShellScript}, false},
		{"inline script", Action{Kind: ActionShellScript, Script: "echo hi"}, true},
		{"wrong interpreter", Action{Kind: ActionShellScript, Script: "x", Interpreter: "/usr/bin/osascript"}, false},
		{"bash interpreter", Action{Kind: ActionShellScript, Script: "x", Interpreter: "/bin/bash"}, true},
		{"bad env key", Action{Kind: ActionExecutable, Path: "/bin/echo", Env: map[string]string{"1BAD": "x"}}, false},
		{"relative working dir", Action{Kind: ActionExecutable, Path: "/bin/echo", WorkingDir: "tmp"}, false},
		{"unknown kind", Action{Kind: "python", Path: "/x"}, false},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			tk := validTask()
			tk.Action = tt.a
			err := Validate(tk, nil)
			if tt.ok {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, ErrValidation)
		})
	}
}

func TestValidateOutputPaths(t *testing.T) {
	t.Parallel()
	for path, ok := range map[string]bool{
		"/Users/me/Library/Logs/job.log": true,
		"/dev/null":                      true,
		"/etc/passwd":                    false,
		"/usr/bin/evil":                  false,
		"/System/Library/x":              false,
		"/dev/sda":                       false,
		"relative.log":                   false,
		"/tmp/bell\a.log":                false,
	} {
		tk := validTask()
		tk.StdoutPath = path
		err := Validate(tk, nil)
		if ok {
			require.NoError(t, err, path)
		} else {
			require.ErrorIs(t, err, ErrValidation, path)
		}
	}
}

func TestValidationErrorCollectsAll(t *testing.T) {
	t.Parallel()
	tk := validTask()
	tk.Label = ""
	tk.Trigger = Trigger{}
	tk.Action = Action{Kind: ActionExecutable}
	err := Validate(tk, nil)
	var ve *ValidationError
	require.True(t, errors.As(err, &ve))
	require.GreaterOrEqual(t, len(ve.Problems), 3)
}
