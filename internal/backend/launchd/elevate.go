package launchd

import (
	"context"
	"strings"

	"taskwarden/internal/executor"
)

// Elevator runs a shell command line with administrator rights.
type Elevator interface {
	RunElevated(ctx context.Context, shellCmd string) (*executor.Result, error)
}

// OSAScriptElevator asks for credentials through the standard macOS
// authorization prompt via `do shell script ... with administrator
// privileges`.
type OSAScriptElevator struct {
	Runner    executor.Runner
	OSAScript string
}

func (e OSAScriptElevator) RunElevated(ctx context.Context, shellCmd string) (*executor.Result, error) {
	bin := e.OSAScript
	if bin == "" {
		bin = "/usr/bin/osascript"
	}
	return e.Runner.Run(ctx, executor.Command{
		Path: bin,
		Args: []string{"-e", ElevatedScript(shellCmd)},
		// the prompt waits on a human
		Timeout: promptTimeout,
	})
}

// ElevatedScript wraps an already shell-quoted command line in an AppleScript
// string literal. Callers must build shellCmd with backend.Quote for every
// user-controlled value; this second layer only makes the whole line a valid
// AppleScript literal.
func ElevatedScript(shellCmd string) string {
	return `do shell script "` + escapeAppleScript(shellCmd) + `" with administrator privileges`
}

// Only these are special inside an AppleScript literal. Shell metacharacters
// such as $, ` and ! are inert because callers single-quote every value.
var appleScriptEscaper = strings.NewReplacer(
	`\`, `\\`,
	`"`, `\"`,
	"\n", `\n`,
	"\r", `\r`,
	"\t", `\t`,
)

func escapeAppleScript(s string) string {
	return appleScriptEscaper.Replace(s)
}
