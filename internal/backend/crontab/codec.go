package crontab

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/kballard/go-shellquote"
	"github.com/robfig/cron/v3"

	"taskwarden/internal/backend"
	"taskwarden/internal/executor"
	"taskwarden/internal/task"
)

// TagPrefix marks the comment line above every managed entry:
//
//	# taskwarden:<label> {"name":"...","description":"..."}
const TagPrefix = "taskwarden"

var (
	tagRe    = regexp.MustCompile(`^#\s*` + TagPrefix + `:(\S+)(?:\s+(\{.*\}))?\s*$`)
	envKeyRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

	scheduleParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
)

type meta struct {
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
}

// entry is one managed line plus its tag.
type entry struct {
	label    string
	meta     meta
	line     string
	disabled bool
}

// item is either a managed entry or a foreign raw line kept verbatim.
type item struct {
	raw   string
	entry *entry
}

// table is a parsed crontab. Foreign lines and their order survive a
// parse/render cycle untouched.
type table struct {
	items []item
}

func parseTable(text string) *table {
	lines := strings.Split(strings.TrimRight(text, "\n"), "\n")
	if len(lines) == 1 && lines[0] == "" {
		lines = nil
	}
	tb := &table{}
	for i := 0; i < len(lines); i++ {
		m := tagRe.FindStringSubmatch(strings.TrimSpace(lines[i]))
		if m == nil || i+1 >= len(lines) {
			tb.items = append(tb.items, item{raw: lines[i]})
			continue
		}
		e := &entry{label: m[1]}
		if m[2] != "" {
			_ = json.Unmarshal([]byte(m[2]), &e.meta)
		}
		next := strings.TrimSpace(lines[i+1])
		if strings.HasPrefix(next, "#") {
			e.disabled = true
			next = strings.TrimSpace(strings.TrimPrefix(next, "#"))
		}
		e.line = next
		tb.items = append(tb.items, item{entry: e})
		i++
	}
	return tb
}

func (tb *table) render() string {
	var b strings.Builder
	for _, it := range tb.items {
		if it.entry == nil {
			b.WriteString(it.raw)
			b.WriteByte('\n')
			continue
		}
		e := it.entry
		b.WriteString("# " + TagPrefix + ":" + e.label)
		if e.meta != (meta{}) {
			js, _ := json.Marshal(e.meta)
			b.WriteByte(' ')
			b.Write(js)
		}
		b.WriteByte('\n')
		if e.disabled {
			b.WriteString("# ")
		}
		b.WriteString(e.line)
		b.WriteByte('\n')
	}
	return b.String()
}

func (tb *table) find(label string) (int, *entry) {
	for i, it := range tb.items {
		if it.entry != nil && it.entry.label == label {
			return i, it.entry
		}
	}
	return -1, nil
}

// put replaces the entry for e.label in place, or appends it.
func (tb *table) put(e *entry) {
	if i, _ := tb.find(e.label); i >= 0 {
		tb.items[i].entry = e
		return
	}
	tb.items = append(tb.items, item{entry: e})
}

func (tb *table) remove(label string) bool {
	i, _ := tb.find(label)
	if i < 0 {
		return false
	}
	tb.items = append(tb.items[:i], tb.items[i+1:]...)
	return true
}

// encodeEntry renders t as a managed crontab entry.
func encodeEntry(t *task.Task) (*entry, error) {
	if t.Trigger.Kind != task.TriggerCalendar || t.Trigger.Calendar == nil {
		return nil, fmt.Errorf("crontab only supports calendar triggers")
	}
	e := &entry{
		label:    t.Label,
		disabled: !t.Enabled,
		line:     schedule(t.Trigger.Calendar) + " " + command(t),
	}
	if t.Name != task.DeriveName(t.Label) {
		e.meta.Name = t.Name
	}
	e.meta.Description = t.Description
	return e, nil
}

func schedule(c *task.Calendar) string {
	f := func(v *int) string {
		if v == nil {
			return "*"
		}
		return strconv.Itoa(*v)
	}
	return strings.Join([]string{f(c.Minute), f(c.Hour), f(c.Day), f(c.Month), f(c.Weekday)}, " ")
}

type field struct{ name, value string }

// lineSafe reports the first rendered value containing a line break.
func lineSafe(t *task.Task) error {
	a := t.Action
	fields := []field{
		{"label", t.Label},
		{"working directory", a.WorkingDir},
		{"stdout path", t.StdoutPath},
		{"stderr path", t.StderrPath},
	}
	for i, arg := range a.Command() {
		fields = append(fields, field{fmt.Sprintf("command word %d", i), arg})
	}
	for k, v := range executor.FilterEnv(a.Env) {
		fields = append(fields, field{"environment value " + k, v})
	}
	for _, f := range fields {
		if strings.ContainsAny(f.value, "\r\n") {
			return fmt.Errorf("%s spans multiple lines", f.name)
		}
	}
	return nil
}

// command renders the shell part: optional cd, env assignments, argv, and
// output redirection. Every value is single-quoted and '%' is escaped for
// cron.
func command(t *task.Task) string {
	var parts []string
	a := t.Action
	if a.WorkingDir != "" {
		parts = append(parts, "cd", backend.Quote(a.WorkingDir), "&&")
	}
	env := executor.FilterEnv(a.Env)
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		parts = append(parts, k+"="+backend.Quote(env[k]))
	}
	parts = append(parts, backend.QuoteAll(a.Command()))
	if t.StdoutPath != "" {
		parts = append(parts, ">>", backend.Quote(t.StdoutPath))
	}
	if t.StderrPath != "" {
		parts = append(parts, "2>>", backend.Quote(t.StderrPath))
	}
	return strings.ReplaceAll(strings.Join(parts, " "), "%", `\%`)
}

// splitLine separates the schedule from the command. It returns ok=false
// for lines that are not cron entries (blank, comments, variable
// assignments, bad schedules).
func splitLine(line string) (spec, cmd string, ok bool) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return "", "", false
	}
	n := 5
	if strings.HasPrefix(line, "@") {
		n = 1
	}
	rest := line
	fields := make([]string, 0, n)
	for len(fields) < n {
		rest = strings.TrimLeft(rest, " \t")
		i := strings.IndexAny(rest, " \t")
		if i < 0 {
			return "", "", false
		}
		fields = append(fields, rest[:i])
		rest = rest[i:]
	}
	spec = strings.Join(fields, " ")
	cmd = strings.TrimSpace(rest)
	if cmd == "" {
		return "", "", false
	}
	if spec == "@reboot" {
		return spec, cmd, true
	}
	check := spec
	if n == 5 && fields[4] == "7" {
		// cron accepts 7 for Sunday, the parser does not
		check = strings.Join(append(fields[:4:4], "0"), " ")
	}
	if _, err := scheduleParser.Parse(check); err != nil {
		return "", "", false
	}
	return spec, cmd, true
}

// ParseSchedule parses a five-field cron expression or an @-shorthand.
func ParseSchedule(expr string) (task.Trigger, error) {
	spec, _, ok := splitLine(strings.TrimSpace(expr) + " :")
	if !ok || spec != strings.Join(strings.Fields(expr), " ") {
		return task.Trigger{}, fmt.Errorf("invalid cron schedule %q", expr)
	}
	return parseTrigger(spec), nil
}

// parseTrigger maps a schedule onto a structured trigger. Ranges, steps and
// lists are kept as a Raw expression.
func parseTrigger(spec string) task.Trigger {
	switch spec {
	case "@reboot":
		return task.Trigger{Kind: task.TriggerStartup}
	case "@yearly", "@annually":
		return calendar(task.Int(0), task.Int(0), task.Int(1), task.Int(1), nil)
	case "@monthly":
		return calendar(task.Int(0), task.Int(0), task.Int(1), nil, nil)
	case "@weekly":
		return calendar(task.Int(0), task.Int(0), nil, nil, task.Int(0))
	case "@daily", "@midnight":
		return task.Daily(0, 0)
	case "@hourly":
		return calendar(task.Int(0), nil, nil, nil, nil)
	}
	if strings.HasPrefix(spec, "@") {
		return task.Trigger{Kind: task.TriggerCalendar, Calendar: &task.Calendar{Raw: spec}}
	}
	fields := strings.Fields(spec)
	vals := make([]*int, len(fields))
	for i, f := range fields {
		if f == "*" {
			continue
		}
		n, err := strconv.Atoi(f)
		if err != nil {
			return task.Trigger{Kind: task.TriggerCalendar, Calendar: &task.Calendar{Raw: spec}}
		}
		vals[i] = task.Int(n)
	}
	if vals[4] != nil && *vals[4] == 7 {
		vals[4] = task.Int(0)
	}
	return calendar(vals[0], vals[1], vals[2], vals[3], vals[4])
}

func calendar(minute, hour, day, month, weekday *int) task.Trigger {
	return task.Trigger{Kind: task.TriggerCalendar, Calendar: &task.Calendar{
		Minute: minute, Hour: hour, Day: day, Month: month, Weekday: weekday,
	}}
}

// decodeEntry rebuilds a task from a managed entry.
func decodeEntry(e *entry) (*task.Task, bool) {
	spec, cmd, ok := splitLine(e.line)
	if !ok {
		return nil, false
	}
	t := task.New(task.BackendCrontab, e.label)
	if e.meta.Name != "" {
		t.Name = e.meta.Name
	}
	t.Description = e.meta.Description
	t.Trigger = parseTrigger(spec)
	t.Enabled = !e.disabled
	parseCommand(t, cmd)
	return t, true
}

func parseCommand(t *task.Task, cmd string) {
	tokens, err := shellquote.Split(strings.ReplaceAll(cmd, `\%`, "%"))
	if err != nil || len(tokens) == 0 {
		t.Action = task.Action{Kind: task.ActionShellScript, Script: cmd}
		return
	}
	var wd string
	if len(tokens) >= 3 && tokens[0] == "cd" && tokens[2] == "&&" {
		wd = tokens[1]
		tokens = tokens[3:]
	}
	env := map[string]string{}
	for len(tokens) > 0 {
		k, v, ok := strings.Cut(tokens[0], "=")
		if !ok || !envKeyRe.MatchString(k) {
			break
		}
		env[k] = v
		tokens = tokens[1:]
	}
redirects:
	for len(tokens) >= 3 {
		switch tokens[len(tokens)-2] {
		case "2>>":
			t.StderrPath = tokens[len(tokens)-1]
		case ">>":
			t.StdoutPath = tokens[len(tokens)-1]
		default:
			break redirects
		}
		tokens = tokens[:len(tokens)-2]
	}
	t.Action = task.ActionFromCommand(tokens)
	t.Action.WorkingDir = wd
	if len(env) > 0 {
		t.Action.Env = env
	}
}

// decodeForeign reads an untagged line as a read-only task. Cron hands the
// command to sh, so it is kept verbatim as an inline shell script.
func decodeForeign(line string) (*task.Task, bool) {
	spec, cmd, ok := splitLine(line)
	if !ok {
		return nil, false
	}
	t := task.New(task.BackendCrontab, ForeignLabel(line))
	t.Name = foreignName(cmd)
	t.Description = strings.TrimSpace(line)
	t.Trigger = parseTrigger(spec)
	t.Action = task.Action{Kind: task.ActionShellScript, Interpreter: "/bin/sh", Script: strings.ReplaceAll(cmd, `\%`, "%")}
	t.Enabled = true
	t.ReadOnly = true
	return t, true
}

// ForeignLabel derives a stable label for an untagged line.
func ForeignLabel(line string) string {
	id := task.DeriveID(strings.TrimSpace(line))
	return "crontab." + strings.ReplaceAll(id.String(), "-", "")[:8]
}

func foreignName(cmd string) string {
	tokens, err := shellquote.Split(cmd)
	if err != nil || len(tokens) == 0 {
		return "Cron Job"
	}
	base := tokens[0]
	if i := strings.LastIndex(base, "/"); i >= 0 {
		base = base[i+1:]
	}
	return task.DeriveName(base)
}
