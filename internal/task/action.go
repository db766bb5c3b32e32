package task

import (
	"path/filepath"
	"strings"
)

type ActionKind string

const (
	ActionExecutable     ActionKind = "executable"
	ActionShellScript    ActionKind = "shell-script"
	ActionPlatformScript ActionKind = "platform-script"
)

// Action is what a task runs.
//
// For script kinds, either Script holds an inline body (run as
// `Interpreter -c Script`, or `-e` for platform scripts) or Path points to a
// script file handed to Interpreter as its first argument.
type Action struct {
	Kind        ActionKind
	Path        string
	Args        []string
	WorkingDir  string
	Env         map[string]string
	Script      string
	Interpreter string
}

func (a Action) clone() Action {
	cp := a
	cp.Args = append([]string(nil), a.Args...)
	if a.Env != nil {
		cp.Env = make(map[string]string, len(a.Env))
		for k, v := range a.Env {
			cp.Env[k] = v
		}
	}
	return cp
}

// DefaultInterpreter returns the interpreter used when Interpreter is empty.
func (a Action) DefaultInterpreter() string {
	if a.Interpreter != "" {
		return a.Interpreter
	}
	if a.Kind == ActionPlatformScript {
		return "/usr/bin/osascript"
	}
	return "/bin/sh"
}

// InlineFlag is the flag that makes the interpreter read its program from the
// next argument.
func (a Action) InlineFlag() string {
	if a.Kind == ActionPlatformScript || InterpreterKind(a.DefaultInterpreter()) == ActionPlatformScript {
		return "-e"
	}
	return "-c"
}

// Command resolves the action to an argv. It is what native configs store as
// their program/arguments and what run-now executes.
func (a Action) Command() []string {
	switch a.Kind {
	case ActionShellScript, ActionPlatformScript:
		interp := a.DefaultInterpreter()
		if a.Script != "" {
			return append([]string{interp, a.InlineFlag(), a.Script}, a.Args...)
		}
		return append([]string{interp, a.Path}, a.Args...)
	default:
		return append([]string{a.Path}, a.Args...)
	}
}

var shellInterpreters = map[string]bool{
	"sh": true, "bash": true, "zsh": true, "dash": true, "ksh": true, "fish": true,
}

var platformInterpreters = map[string]bool{
	"osascript": true,
}

// InterpreterKind classifies a program path by its base name. It returns the
// script kind for known interpreters and ActionExecutable otherwise.
func InterpreterKind(path string) ActionKind {
	base := filepath.Base(strings.TrimSpace(path))
	switch {
	case shellInterpreters[base]:
		return ActionShellScript
	case platformInterpreters[base]:
		return ActionPlatformScript
	default:
		return ActionExecutable
	}
}

// ActionFromCommand rebuilds an Action from a native argv, recognizing the
// shell-wrapped forms `interp -c body` and `interp path`. Keeping the inline
// body separate avoids wrapping it a second time on the next install.
func ActionFromCommand(argv []string) Action {
	if len(argv) == 0 {
		return Action{Kind: ActionExecutable}
	}
	kind := InterpreterKind(argv[0])
	if kind == ActionExecutable || len(argv) < 2 {
		return Action{Kind: ActionExecutable, Path: argv[0], Args: append([]string(nil), argv[1:]...)}
	}
	a := Action{Kind: kind, Interpreter: argv[0]}
	switch flag := argv[1]; {
	case (flag == "-c" || flag == "-e") && len(argv) >= 3:
		a.Script = argv[2]
		a.Args = append([]string(nil), argv[3:]...)
	case strings.HasPrefix(flag, "-"):
		// Interpreter options we do not model; keep the argv verbatim.
		return Action{Kind: ActionExecutable, Path: argv[0], Args: append([]string(nil), argv[1:]...)}
	default:
		a.Path = flag
		a.Args = append([]string(nil), argv[2:]...)
	}
	return a
}
