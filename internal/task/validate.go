package task

import (
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"unicode"
)

// ErrValidation is matched by every *ValidationError.
var ErrValidation = errors.New("task validation failed")

// ValidationError carries every problem found, in the order checked.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "invalid task: " + strings.Join(e.Problems, "; ")
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

const maxLabelLen = 255

var (
	labelRe    = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)
	envKeyRe   = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
	userNameRe = regexp.MustCompile(`^[a-z_][a-z0-9_-]{0,31}$`)
)

// criticalPrefixes are directories no task may write output into.
var criticalPrefixes = []string{
	"/System", "/bin", "/sbin", "/usr/bin", "/usr/sbin", "/usr/lib",
	"/etc", "/private/etc", "/boot", "/dev", "/proc", "/sys",
	"/Library/Apple",
}

// allowedDevices are write targets under /dev that are harmless.
var allowedDevices = map[string]bool{"/dev/null": true}

// Validate checks t structurally before any backend sees it. supported lists
// the trigger kinds the target backend can represent; nil skips that check.
func Validate(t *Task, supported []TriggerKind) error {
	if t == nil {
		return &ValidationError{Problems: []string{"task is nil"}}
	}
	var p []string
	add := func(format string, args ...any) { p = append(p, fmt.Sprintf(format, args...)) }

	switch {
	case t.Label == "":
		add("label is required")
	case len(t.Label) > maxLabelLen:
		add("label is longer than %d characters", maxLabelLen)
	case !labelRe.MatchString(t.Label):
		add("label %q may only contain letters, digits, '.', '_' and '-'", t.Label)
	}
	if t.Backend == "" {
		add("backend is required")
	}
	if t.RunAsUser != "" && !userNameRe.MatchString(t.RunAsUser) {
		add("run-as user %q is not a valid user name", t.RunAsUser)
	}

	p = append(p, validateAction(t.Action)...)
	p = append(p, validateTrigger(t.Trigger)...)

	if t.Trigger.Kind != "" && supported != nil && !slices.Contains(supported, t.Trigger.Kind) {
		add("trigger %q is not supported by backend %s", t.Trigger.Kind, t.Backend)
	}

	for _, f := range []struct{ name, path string }{
		{"stdout path", t.StdoutPath},
		{"stderr path", t.StderrPath},
	} {
		if f.path == "" {
			continue
		}
		if msg := checkPath(f.name, f.path); msg != "" {
			p = append(p, msg)
			continue
		}
		if msg := checkWritable(f.name, f.path); msg != "" {
			p = append(p, msg)
		}
	}

	if len(p) > 0 {
		return &ValidationError{Problems: p}
	}
	return nil
}

func validateAction(a Action) []string {
	var p []string
	switch a.Kind {
	case ActionExecutable:
		if a.Script != "" {
			p = append(p, "executable actions cannot carry an inline script")
		}
		if a.Path == "" {
			p = append(p, "action path is required")
		} else if msg := checkPath("action path", a.Path); msg != "" {
			p = append(p, msg)
		}
	case ActionShellScript, ActionPlatformScript:
		switch {
		case a.Script == "" && a.Path == "":
			p = append(p, "script actions need either an inline script or a script path")
		case a.Script != "" && a.Path != "":
			p = append(p, "script actions take an inline script or a script path, not both")
		case a.Path != "":
			if msg := checkPath("script path", a.Path); msg != "" {
				p = append(p, msg)
			}
		}
		if strings.ContainsRune(a.Script, 0) {
			p = append(p, "inline script contains a null byte")
		}
		if a.Interpreter != "" {
			if msg := checkPath("interpreter", a.Interpreter); msg != "" {
				p = append(p, msg)
			} else if InterpreterKind(a.Interpreter) != a.Kind {
				p = append(p, fmt.Sprintf("interpreter %s does not run %s actions", a.Interpreter, a.Kind))
			}
		}
	default:
		p = append(p, fmt.Sprintf("unknown action kind %q", a.Kind))
	}
	if a.WorkingDir != "" {
		if msg := checkPath("working directory", a.WorkingDir); msg != "" {
			p = append(p, msg)
		}
	}
	for _, arg := range a.Args {
		if strings.ContainsRune(arg, 0) {
			p = append(p, "argument contains a null byte")
			break
		}
	}
	for k := range a.Env {
		if !envKeyRe.MatchString(k) {
			p = append(p, fmt.Sprintf("environment variable name %q is invalid", k))
		}
	}
	slices.Sort(p)
	return p
}

func validateTrigger(t Trigger) []string {
	var p []string
	switch t.Kind {
	case TriggerCalendar:
		if t.Calendar == nil {
			return []string{"calendar trigger needs a schedule"}
		}
		c := t.Calendar
		p = appendRange(p, "minute", c.Minute, 0, 59)
		p = appendRange(p, "hour", c.Hour, 0, 23)
		p = appendRange(p, "day", c.Day, 1, 31)
		p = appendRange(p, "weekday", c.Weekday, 0, 6)
		p = appendRange(p, "month", c.Month, 1, 12)
		if c.Raw != "" {
			p = append(p, "calendar expressions that cannot be represented structurally are read-only")
		}
	case TriggerInterval:
		if t.Interval <= 0 {
			p = append(p, "interval must be positive")
		} else if t.Interval > MaxInterval {
			p = append(p, fmt.Sprintf("interval must not exceed %s", MaxInterval))
		}
	case TriggerAtLogin, TriggerStartup, TriggerOnDemand:
	case "":
		p = append(p, "trigger is required")
	default:
		p = append(p, fmt.Sprintf("unknown trigger kind %q", t.Kind))
	}
	return p
}

func appendRange(p []string, name string, v *int, lo, hi int) []string {
	if v == nil {
		return p
	}
	if *v < lo || *v > hi {
		return append(p, fmt.Sprintf("%s %d is out of range %d-%d", name, *v, lo, hi))
	}
	return p
}

func checkPath(name, path string) string {
	if strings.ContainsRune(path, 0) {
		return name + " contains a null byte"
	}
	for _, r := range path {
		if !unicode.IsPrint(r) {
			return fmt.Sprintf("%s contains a non-printable character", name)
		}
	}
	if !filepath.IsAbs(path) {
		return fmt.Sprintf("%s %q must be absolute", name, path)
	}
	return ""
}

func checkWritable(name, path string) string {
	clean := filepath.Clean(path)
	if allowedDevices[clean] {
		return ""
	}
	for _, pre := range criticalPrefixes {
		if clean == pre || strings.HasPrefix(clean, pre+"/") {
			return fmt.Sprintf("%s %q is inside protected directory %s", name, path, pre)
		}
	}
	return ""
}
