package backend

import (
	"context"
	"time"

	"taskwarden/internal/executor"
	"taskwarden/internal/task"
)

// RunAction executes t's action through r and converts the outcome into an
// ExecutionResult. Inline script bodies are staged in a temp file rather than
// passed with -c, so long bodies do not hit argv limits.
func RunAction(ctx context.Context, r executor.Runner, t *task.Task, timeout time.Duration) (*task.ExecutionResult, error) {
	a := t.Action
	cmd := executor.Command{
		Dir:     a.WorkingDir,
		Env:     a.Env,
		Timeout: timeout,
	}

	var (
		res *executor.Result
		err error
	)
	switch {
	case (a.Kind == task.ActionShellScript || a.Kind == task.ActionPlatformScript) && a.Script != "":
		cmd.Args = a.Args
		res, err = r.RunScript(ctx, a.DefaultInterpreter(), a.Script, cmd)
	default:
		argv := a.Command()
		if len(argv) == 0 || argv[0] == "" {
			return nil, Fail("run", t.Backend, t, ErrInvalidTask, nil)
		}
		cmd.Path = argv[0]
		cmd.Args = argv[1:]
		res, err = r.Run(ctx, cmd)
	}
	if err != nil {
		return nil, err
	}
	return ResultFor(t.ID, res), nil
}

// ResultFor converts an executor result into a history record for id.
func ResultFor(id task.ID, res *executor.Result) *task.ExecutionResult {
	return &task.ExecutionResult{
		TaskID:          id,
		Started:         res.Started,
		Finished:        res.Finished,
		ExitCode:        res.ExitCode,
		Stdout:          res.Stdout,
		Stderr:          res.Stderr,
		TimedOut:        res.TimedOut,
		StdoutTruncated: res.StdoutTruncated,
		StderrTruncated: res.StderrTruncated,
	}
}

// SpawnFailure records a run that never started, so it still shows up in
// history.
func SpawnFailure(id task.ID, started time.Time, err error) *task.ExecutionResult {
	return &task.ExecutionResult{
		TaskID:   id,
		Started:  started,
		Finished: time.Now(),
		ExitCode: -1,
		Stderr:   err.Error(),
	}
}
