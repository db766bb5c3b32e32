package systemd

import (
	"fmt"
	"io"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/unit"

	"taskwarden/internal/executor"
	"taskwarden/internal/task"
)

// Extension keys in [Unit]; systemd ignores X- prefixed keys.
const (
	keyName        = "X-Taskwarden-Name"
	keyDescription = "X-Taskwarden-Description"
)

// units is the pair of unit files a task maps to. Timer is nil for
// triggers that do not need one.
type units struct {
	Service []*unit.UnitOption
	Timer   []*unit.UnitOption
}

func needsTimer(k task.TriggerKind) bool {
	return k == task.TriggerCalendar || k == task.TriggerInterval
}

// encodeUnits renders t as a service unit plus, for calendar and interval
// triggers, a timer unit.
func encodeUnits(t *task.Task, scope task.Scope) (units, error) {
	opt := unit.NewUnitOption
	a := t.Action

	svc := []*unit.UnitOption{
		opt("Unit", "Description", oneLine(t.Name)),
		opt("Unit", keyName, oneLine(t.Name)),
	}
	if t.Description != "" {
		svc = append(svc, opt("Unit", keyDescription, oneLine(t.Description)))
	}
	if t.KeepAlive {
		svc = append(svc, opt("Service", "Type", "simple"), opt("Service", "Restart", "always"))
	} else {
		svc = append(svc, opt("Service", "Type", "oneshot"))
	}
	svc = append(svc, opt("Service", "ExecStart", joinExec(a.Command())))
	if a.WorkingDir != "" {
		svc = append(svc, opt("Service", "WorkingDirectory", a.WorkingDir))
	}
	env := executor.FilterEnv(a.Env)
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		svc = append(svc, opt("Service", "Environment", quoteExecArg(k+"="+env[k], true)))
	}
	if t.RunAsUser != "" {
		svc = append(svc, opt("Service", "User", t.RunAsUser))
	}
	if t.StdoutPath != "" {
		svc = append(svc, opt("Service", "StandardOutput", "append:"+t.StdoutPath))
	}
	if t.StderrPath != "" {
		svc = append(svc, opt("Service", "StandardError", "append:"+t.StderrPath))
	}

	var u units
	switch t.Trigger.Kind {
	case task.TriggerCalendar:
		if t.Trigger.Calendar == nil {
			return u, fmt.Errorf("calendar trigger without schedule")
		}
		u.Timer = timerUnit(t, opt("Timer", "OnCalendar", onCalendar(t.Trigger.Calendar)), opt("Timer", "Persistent", "true"))
	case task.TriggerInterval:
		secs := strconv.FormatInt(int64(t.Trigger.Interval/time.Second), 10) + "s"
		u.Timer = timerUnit(t, opt("Timer", "OnBootSec", secs), opt("Timer", "OnUnitActiveSec", secs))
	case task.TriggerStartup:
		svc = append(svc, opt("Install", "WantedBy", "multi-user.target"))
	case task.TriggerAtLogin:
		target := "default.target"
		if scope == task.ScopeSystem {
			target = "graphical.target"
		}
		svc = append(svc, opt("Install", "WantedBy", target))
	case task.TriggerOnDemand:
	default:
		return u, fmt.Errorf("unsupported trigger %q", t.Trigger.Kind)
	}
	u.Service = svc
	return u, nil
}

func timerUnit(t *task.Task, opts ...*unit.UnitOption) []*unit.UnitOption {
	out := []*unit.UnitOption{unit.NewUnitOption("Unit", "Description", oneLine("Timer for "+t.Name))}
	out = append(out, opts...)
	out = append(out,
		unit.NewUnitOption("Timer", "Unit", t.Label+".service"),
		unit.NewUnitOption("Install", "WantedBy", "timers.target"),
	)
	return out
}

func oneLine(s string) string {
	return strings.NewReplacer("\r", " ", "\n", " ").Replace(s)
}

func serialize(opts []*unit.UnitOption) ([]byte, error) {
	return io.ReadAll(unit.Serialize(opts))
}

func deserialize(data []byte) ([]*unit.UnitOption, error) {
	return unit.DeserializeOptions(strings.NewReader(string(data)))
}

// lookup returns the last value of section/name; later assignments win in
// systemd.
func lookup(opts []*unit.UnitOption, section, name string) (string, bool) {
	val, ok := "", false
	for _, o := range opts {
		if o.Section == section && o.Name == name {
			val, ok = o.Value, true
		}
	}
	return val, ok
}

func lookupAll(opts []*unit.UnitOption, section, name string) []string {
	var out []string
	for _, o := range opts {
		if o.Section == section && o.Name == name {
			out = append(out, o.Value)
		}
	}
	return out
}

// decodeUnits rebuilds a task from a service unit and its optional timer.
func decodeUnits(label string, svc, timer []*unit.UnitOption) *task.Task {
	t := task.New(task.BackendSystemd, label)
	if v, ok := lookup(svc, "Unit", keyName); ok && v != "" {
		t.Name = v
	}
	if v, ok := lookup(svc, "Unit", keyDescription); ok {
		t.Description = v
	} else if v, ok := lookup(svc, "Unit", "Description"); ok && t.Name == task.DeriveName(label) {
		// foreign unit: the native description is the best description we have
		t.Description = v
	}

	if v, ok := lookup(svc, "Service", "ExecStart"); ok {
		argv, err := splitExec(v)
		if err == nil {
			t.Action = task.ActionFromCommand(argv)
		} else {
			t.Action = task.Action{Kind: task.ActionShellScript, Script: v}
		}
	}
	if v, ok := lookup(svc, "Service", "WorkingDirectory"); ok {
		t.Action.WorkingDir = v
	}
	for _, line := range lookupAll(svc, "Service", "Environment") {
		args, err := splitExec(line)
		if err != nil {
			continue
		}
		for _, kv := range args {
			if k, v, ok := strings.Cut(kv, "="); ok {
				if t.Action.Env == nil {
					t.Action.Env = map[string]string{}
				}
				t.Action.Env[k] = v
			}
		}
	}
	t.RunAsUser, _ = lookup(svc, "Service", "User")
	if v, ok := lookup(svc, "Service", "StandardOutput"); ok {
		t.StdoutPath = outputPath(v)
	}
	if v, ok := lookup(svc, "Service", "StandardError"); ok {
		t.StderrPath = outputPath(v)
	}
	if v, _ := lookup(svc, "Service", "Restart"); v == "always" || v == "on-failure" {
		t.KeepAlive = true
	}

	t.Trigger = decodeTrigger(svc, timer)
	return t
}

func outputPath(v string) string {
	for _, p := range []string{"append:", "file:", "truncate:"} {
		if strings.HasPrefix(v, p) {
			return strings.TrimPrefix(v, p)
		}
	}
	return ""
}

func decodeTrigger(svc, timer []*unit.UnitOption) task.Trigger {
	if timer != nil {
		cals := lookupAll(timer, "Timer", "OnCalendar")
		if len(cals) > 0 {
			tr := task.Trigger{Kind: task.TriggerCalendar, Calendar: parseOnCalendar(cals[0])}
			if len(cals) > 1 {
				tr.CalendarCount = len(cals)
			}
			return tr
		}
		for _, key := range []string{"OnUnitActiveSec", "OnUnitInactiveSec", "OnBootSec", "OnStartupSec"} {
			if v, ok := lookup(timer, "Timer", key); ok {
				if d, err := parseTimeSpan(v); err == nil && d > 0 {
					return task.Every(d)
				}
			}
		}
		return task.Trigger{Kind: task.TriggerOnDemand}
	}
	for _, w := range lookupAll(svc, "Install", "WantedBy") {
		switch {
		case strings.Contains(w, "default.target"), strings.Contains(w, "graphical.target"):
			return task.Trigger{Kind: task.TriggerAtLogin}
		case strings.Contains(w, "multi-user.target"):
			return task.Trigger{Kind: task.TriggerStartup}
		}
	}
	return task.Trigger{Kind: task.TriggerOnDemand}
}

var weekdayAbbrev = [...]string{"Sun", "Mon", "Tue", "Wed", "Thu", "Fri", "Sat"}

// onCalendar renders a structured calendar as a systemd calendar event,
// e.g. "Mon *-*-* 09:30:00".
func onCalendar(c *task.Calendar) string {
	f := func(v *int, width int) string {
		if v == nil {
			return "*"
		}
		return fmt.Sprintf("%0*d", width, *v)
	}
	s := fmt.Sprintf("*-%s-%s %s:%s:00", f(c.Month, 2), f(c.Day, 2), f(c.Hour, 2), f(c.Minute, 2))
	if c.Weekday != nil && *c.Weekday >= 0 && *c.Weekday <= 6 {
		s = weekdayAbbrev[*c.Weekday] + " " + s
	}
	return s
}

var calendarRe = regexp.MustCompile(`^(?:(Sun|Mon|Tue|Wed|Thu|Fri|Sat)\s+)?(\*|\d{4})-(\*|\d{1,2})-(\*|\d{1,2})\s+(\*|\d{1,2}):(\*|\d{1,2})(?::(?:00|0))?$`)

// parseOnCalendar maps the event forms onCalendar writes, plus the
// shorthands, back onto fields. Anything else is kept as Raw.
func parseOnCalendar(s string) *task.Calendar {
	s = strings.TrimSpace(s)
	switch strings.ToLower(s) {
	case "minutely":
		return &task.Calendar{}
	case "hourly":
		return &task.Calendar{Minute: task.Int(0)}
	case "daily":
		return &task.Calendar{Hour: task.Int(0), Minute: task.Int(0)}
	case "weekly":
		return &task.Calendar{Weekday: task.Int(1), Hour: task.Int(0), Minute: task.Int(0)}
	case "monthly":
		return &task.Calendar{Day: task.Int(1), Hour: task.Int(0), Minute: task.Int(0)}
	case "yearly", "annually":
		return &task.Calendar{Month: task.Int(1), Day: task.Int(1), Hour: task.Int(0), Minute: task.Int(0)}
	}
	m := calendarRe.FindStringSubmatch(s)
	if m == nil || m[2] != "*" {
		return &task.Calendar{Raw: s}
	}
	num := func(v string) *int {
		if v == "*" {
			return nil
		}
		n, _ := strconv.Atoi(v)
		return task.Int(n)
	}
	c := &task.Calendar{Month: num(m[3]), Day: num(m[4]), Hour: num(m[5]), Minute: num(m[6])}
	if m[1] != "" {
		for i, d := range weekdayAbbrev {
			if d == m[1] {
				c.Weekday = task.Int(i)
			}
		}
	}
	return c
}

var spanUnits = []struct {
	suffixes []string
	unit     time.Duration
}{
	{[]string{"usec", "us"}, time.Microsecond},
	{[]string{"msec", "ms"}, time.Millisecond},
	{[]string{"seconds", "second", "sec", "s"}, time.Second},
	{[]string{"minutes", "minute", "min", "m"}, time.Minute},
	{[]string{"hours", "hour", "hr", "h"}, time.Hour},
	{[]string{"days", "day", "d"}, 24 * time.Hour},
	{[]string{"weeks", "week", "w"}, 7 * 24 * time.Hour},
}

// parseTimeSpan reads systemd.time(7) spans such as "900", "15min" or
// "1h 30min".
func parseTimeSpan(s string) (time.Duration, error) {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return 0, fmt.Errorf("empty time span")
	}
	var total time.Duration
	for _, f := range fields {
		i := 0
		for i < len(f) && f[i] >= '0' && f[i] <= '9' {
			i++
		}
		if i == 0 {
			return 0, fmt.Errorf("bad time span %q", s)
		}
		n, err := strconv.ParseInt(f[:i], 10, 64)
		if err != nil {
			return 0, err
		}
		suffix := f[i:]
		unitDur := time.Duration(0)
		if suffix == "" {
			unitDur = time.Second
		}
		for _, u := range spanUnits {
			for _, sfx := range u.suffixes {
				if suffix == sfx {
					unitDur = u.unit
				}
			}
		}
		if unitDur == 0 {
			return 0, fmt.Errorf("bad time span unit %q", suffix)
		}
		total += time.Duration(n) * unitDur
	}
	return total, nil
}
