package launchd

import (
	"fmt"
	"strings"
	"time"

	"howett.net/plist"

	"taskwarden/internal/task"
)

// document is the subset of launchd.plist(5) we read and write.
// StartCalendarInterval and KeepAlive are decoded loosely because native
// files use both a dict and an array (resp. a bool and a dict) for them.
type document struct {
	Label                 string            `plist:"Label"`
	Program               string            `plist:"Program,omitempty"`
	ProgramArguments      []string          `plist:"ProgramArguments,omitempty"`
	WorkingDirectory      string            `plist:"WorkingDirectory,omitempty"`
	EnvironmentVariables  map[string]string `plist:"EnvironmentVariables,omitempty"`
	StartCalendarInterval any               `plist:"StartCalendarInterval,omitempty"`
	StartInterval         int               `plist:"StartInterval,omitempty"`
	RunAtLoad             bool              `plist:"RunAtLoad,omitempty"`
	KeepAlive             any               `plist:"KeepAlive,omitempty"`
	StandardOutPath       string            `plist:"StandardOutPath,omitempty"`
	StandardErrorPath     string            `plist:"StandardErrorPath,omitempty"`
	UserName              string            `plist:"UserName,omitempty"`
	Disabled              bool              `plist:"Disabled,omitempty"`

	// Extension keys launchd ignores and we read back.
	TaskwardenName        string `plist:"TaskwardenName,omitempty"`
	TaskwardenDescription string `plist:"TaskwardenDescription,omitempty"`
}

// Encode renders t as an XML property list. Markup escaping is done by the
// encoder.
func Encode(t *task.Task) ([]byte, error) {
	doc := document{
		Label:                 t.Label,
		ProgramArguments:      t.Action.Command(),
		WorkingDirectory:      t.Action.WorkingDir,
		EnvironmentVariables:  t.Action.Env,
		StandardOutPath:       t.StdoutPath,
		StandardErrorPath:     t.StderrPath,
		UserName:              t.RunAsUser,
		TaskwardenName:        t.Name,
		TaskwardenDescription: t.Description,
	}
	if len(doc.EnvironmentVariables) == 0 {
		doc.EnvironmentVariables = nil
	}
	if t.KeepAlive {
		doc.KeepAlive = true
	}
	switch t.Trigger.Kind {
	case task.TriggerCalendar:
		if t.Trigger.Calendar == nil {
			return nil, fmt.Errorf("calendar trigger without schedule")
		}
		doc.StartCalendarInterval = calendarDict(t.Trigger.Calendar)
	case task.TriggerInterval:
		doc.StartInterval = int(t.Trigger.Interval / time.Second)
	case task.TriggerAtLogin, task.TriggerStartup:
		doc.RunAtLoad = true
	case task.TriggerOnDemand:
	default:
		return nil, fmt.Errorf("unsupported trigger %q", t.Trigger.Kind)
	}
	return plist.MarshalIndent(doc, plist.XMLFormat, "\t")
}

func calendarDict(c *task.Calendar) map[string]int {
	m := map[string]int{}
	set := func(k string, v *int) {
		if v != nil {
			m[k] = *v
		}
	}
	set("Minute", c.Minute)
	set("Hour", c.Hour)
	set("Day", c.Day)
	set("Weekday", c.Weekday)
	set("Month", c.Month)
	return m
}

// Decode parses a property list (XML or binary) into a task. daemon selects
// how RunAtLoad is read: at startup for daemons, at login for agents.
func Decode(data []byte, daemon bool) (*task.Task, error) {
	var doc document
	if _, err := plist.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode plist: %w", err)
	}
	if strings.TrimSpace(doc.Label) == "" {
		return nil, fmt.Errorf("plist has no Label")
	}

	t := task.New(task.BackendLaunchd, doc.Label)
	if doc.TaskwardenName != "" {
		t.Name = doc.TaskwardenName
	}
	t.Description = doc.TaskwardenDescription
	t.Enabled = !doc.Disabled
	t.KeepAlive = keepAlive(doc.KeepAlive)
	t.RunAsUser = doc.UserName
	t.StdoutPath = doc.StandardOutPath
	t.StderrPath = doc.StandardErrorPath

	argv := doc.ProgramArguments
	if doc.Program != "" {
		// Program wins over ProgramArguments[0], which is then only argv[0].
		rest := []string(nil)
		if len(argv) > 1 {
			rest = argv[1:]
		}
		argv = append([]string{doc.Program}, rest...)
	}
	t.Action = task.ActionFromCommand(argv)
	t.Action.WorkingDir = doc.WorkingDirectory
	if len(doc.EnvironmentVariables) > 0 {
		t.Action.Env = doc.EnvironmentVariables
	}

	switch {
	case doc.StartCalendarInterval != nil:
		cal, count := parseCalendar(doc.StartCalendarInterval)
		t.Trigger = task.Trigger{Kind: task.TriggerCalendar, Calendar: cal}
		if count > 1 {
			t.Trigger.CalendarCount = count
			if t.Description == "" {
				t.Description = fmt.Sprintf("Runs on %d calendar schedules", count)
			}
		}
	case doc.StartInterval > 0:
		t.Trigger = task.Every(time.Duration(doc.StartInterval) * time.Second)
	case doc.RunAtLoad && daemon:
		t.Trigger = task.Trigger{Kind: task.TriggerStartup}
	case doc.RunAtLoad:
		t.Trigger = task.Trigger{Kind: task.TriggerAtLogin}
	default:
		t.Trigger = task.Trigger{Kind: task.TriggerOnDemand}
	}
	return t, nil
}

// parseCalendar accepts a single dict or an array of dicts. Only the first
// entry is kept; the count is returned alongside.
func parseCalendar(v any) (*task.Calendar, int) {
	switch x := v.(type) {
	case map[string]any:
		return calendarFrom(x), 1
	case []any:
		if len(x) == 0 {
			return &task.Calendar{}, 0
		}
		first, _ := x[0].(map[string]any)
		return calendarFrom(first), len(x)
	}
	return &task.Calendar{}, 0
}

func calendarFrom(m map[string]any) *task.Calendar {
	c := &task.Calendar{}
	get := func(k string) *int {
		if n, ok := toInt(m[k]); ok {
			return task.Int(n)
		}
		return nil
	}
	c.Minute = get("Minute")
	c.Hour = get("Hour")
	c.Day = get("Day")
	c.Weekday = get("Weekday")
	c.Month = get("Month")
	// launchd accepts 7 for Sunday.
	if c.Weekday != nil && *c.Weekday == 7 {
		c.Weekday = task.Int(0)
	}
	return c
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case uint64:
		return int(n), true
	case int32:
		return int(n), true
	case uint32:
		return int(n), true
	case float64:
		return int(n), true
	}
	return 0, false
}

// keepAlive treats a dict-form KeepAlive (conditional restart) as true.
func keepAlive(v any) bool {
	switch x := v.(type) {
	case bool:
		return x
	case map[string]any:
		return len(x) > 0
	}
	return false
}

// listEntry is one row of `launchctl list`.
type listEntry struct {
	PID        int
	LastStatus int
	hasStatus  bool
}

// parseList reads `launchctl list` output: "PID\tStatus\tLabel" rows, "-"
// for a missing PID.
func parseList(out string) map[string]listEntry {
	entries := map[string]listEntry{}
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 3 || fields[0] == "PID" {
			continue
		}
		var e listEntry
		if fields[0] != "-" {
			fmt.Sscanf(fields[0], "%d", &e.PID)
		}
		if fields[1] != "-" {
			if _, err := fmt.Sscanf(fields[1], "%d", &e.LastStatus); err == nil {
				e.hasStatus = true
			}
		}
		entries[fields[2]] = e
	}
	return entries
}
