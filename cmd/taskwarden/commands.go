package main

import (
	"encoding/json"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"taskwarden/internal/backend/crontab"
	"taskwarden/internal/eventbus"
	"taskwarden/internal/task"
)

func resolve(cmd *cobra.Command, ref string) (*task.Task, error) {
	if _, err := tw.Refresh(cmd.Context()); err != nil {
		return nil, err
	}
	t, ok := tw.Reconciler().Find(ref)
	if !ok {
		return nil, fmt.Errorf("no task matches %q", ref)
	}
	return t, nil
}

func newListCmd() *cobra.Command {
	var (
		only   []string
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List tasks from every enabled backend",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			snap, err := tw.Refresh(cmd.Context())
			if err != nil {
				return err
			}
			tasks := snap.Tasks
			if len(only) > 0 {
				want := map[string]bool{}
				for _, b := range only {
					want[b] = true
				}
				var filtered []*task.Task
				for _, t := range tasks {
					if want[string(t.Backend)] {
						filtered = append(filtered, t)
					}
				}
				tasks = filtered
			}
			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(tasks)
			}
			for b, err := range snap.Failed {
				fmt.Fprintf(cmd.ErrOrStderr(), "warning: %s: %v\n", b, err)
			}
			return writeTaskTable(out, tasks)
		},
	}
	cmd.Flags().StringSliceVar(&only, "backend", nil, "only these backends")
	cmd.Flags().BoolVar(&asJSON, "json", false, "JSON output")
	return cmd
}

func newShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id|label|name>",
		Short: "Show one task in detail",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := resolve(cmd, args[0])
			if err != nil {
				return err
			}
			tw.Reconciler().Select(t.ID)
			return writeTask(cmd.OutOrStdout(), t)
		},
	}
}

type addFlags struct {
	backend, label, name, description string

	exec, script, scriptFile, interpreter string
	workDir                               string
	env                                   map[string]string

	daily, cron      string
	every            time.Duration
	atLogin, startup bool
	disabled, keep   bool
	system           bool
	runAs            string
	stdout, stderr   string
}

func (f *addFlags) trigger() (task.Trigger, error) {
	var set []task.Trigger
	if f.daily != "" {
		var h, m int
		if _, err := fmt.Sscanf(f.daily, "%d:%d", &h, &m); err != nil {
			return task.Trigger{}, fmt.Errorf("--daily wants HH:MM, got %q", f.daily)
		}
		set = append(set, task.Daily(h, m))
	}
	if f.cron != "" {
		tr, err := crontab.ParseSchedule(f.cron)
		if err != nil {
			return task.Trigger{}, err
		}
		set = append(set, tr)
	}
	if f.every > 0 {
		set = append(set, task.Every(f.every))
	}
	if f.atLogin {
		set = append(set, task.Trigger{Kind: task.TriggerAtLogin})
	}
	if f.startup {
		set = append(set, task.Trigger{Kind: task.TriggerStartup})
	}
	switch len(set) {
	case 0:
		return task.Trigger{Kind: task.TriggerOnDemand}, nil
	case 1:
		return set[0], nil
	}
	return task.Trigger{}, fmt.Errorf("choose one of --daily, --cron, --every, --at-login, --at-startup")
}

func (f *addFlags) action(args []string) (task.Action, error) {
	a := task.Action{WorkingDir: f.workDir, Env: f.env, Interpreter: f.interpreter, Args: args}
	n := 0
	if f.exec != "" {
		a.Kind, a.Path = task.ActionExecutable, f.exec
		n++
	}
	if f.script != "" {
		a.Kind, a.Script = task.ActionShellScript, f.script
		n++
	}
	if f.scriptFile != "" {
		a.Kind, a.Path = task.ActionShellScript, f.scriptFile
		n++
	}
	if n != 1 {
		return task.Action{}, fmt.Errorf("choose exactly one of --exec, --script, --script-file")
	}
	if a.Kind == task.ActionShellScript && f.interpreter != "" {
		a.Kind = task.InterpreterKind(f.interpreter)
		if a.Kind == task.ActionExecutable {
			a.Kind = task.ActionShellScript
		}
	}
	return a, nil
}

func (f *addFlags) build(args []string) (*task.Task, error) {
	if f.label == "" {
		return nil, fmt.Errorf("--label is required")
	}
	tr, err := f.trigger()
	if err != nil {
		return nil, err
	}
	act, err := f.action(args)
	if err != nil {
		return nil, err
	}
	t := task.New(task.Backend(f.backend), f.label)
	if f.name != "" {
		t.Name = f.name
	}
	t.Description = f.description
	t.Trigger = tr
	t.Action = act
	t.Enabled = !f.disabled
	t.KeepAlive = f.keep
	t.RunAsUser = f.runAs
	t.StdoutPath, t.StderrPath = f.stdout, f.stderr
	t.Location.Scope = task.ScopeUser
	if f.system {
		t.Location.Scope = task.ScopeSystem
	}
	return t, nil
}

func newAddCmd() *cobra.Command {
	f := &addFlags{}
	cmd := &cobra.Command{
		Use:   "add --backend <kind> --label <label> (--exec path|--script body|--script-file path) [-- args...]",
		Short: "Install a new task",
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := f.build(args)
			if err != nil {
				return err
			}
			if err := tw.Reconciler().Add(cmd.Context(), t); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "added %s (%s)\n", t.Label, t.ID)
			return nil
		},
	}
	fl := cmd.Flags()
	fl.StringVar(&f.backend, "backend", "", "launchd, systemd or crontab")
	fl.StringVar(&f.label, "label", "", "stable identifier, e.g. com.example.backup")
	fl.StringVar(&f.name, "name", "", "display name (default: derived from the label)")
	fl.StringVar(&f.description, "description", "", "free text")
	fl.StringVar(&f.exec, "exec", "", "program to run")
	fl.StringVar(&f.script, "script", "", "inline shell script")
	fl.StringVar(&f.scriptFile, "script-file", "", "script file run by the interpreter")
	fl.StringVar(&f.interpreter, "interpreter", "", "script interpreter (default /bin/sh)")
	fl.StringVar(&f.workDir, "workdir", "", "working directory")
	fl.StringToStringVar(&f.env, "env", nil, "environment, KEY=VALUE")
	fl.StringVar(&f.daily, "daily", "", "run daily at HH:MM")
	fl.StringVar(&f.cron, "cron", "", "five-field cron schedule")
	fl.DurationVar(&f.every, "every", 0, "run at a fixed interval")
	fl.BoolVar(&f.atLogin, "at-login", false, "run at login")
	fl.BoolVar(&f.startup, "at-startup", false, "run at system startup")
	fl.BoolVar(&f.disabled, "disabled", false, "install without activating")
	fl.BoolVar(&f.keep, "keep-alive", false, "restart when it exits")
	fl.BoolVar(&f.system, "system", false, "install system-wide (needs elevation)")
	fl.StringVar(&f.runAs, "run-as", "", "user to run as (system scope)")
	fl.StringVar(&f.stdout, "stdout", "", "stdout log file")
	fl.StringVar(&f.stderr, "stderr", "", "stderr log file")
	_ = cmd.MarkFlagRequired("backend")
	return cmd
}

func newToggleCmd(enable bool) *cobra.Command {
	verb := "disable"
	if enable {
		verb = "enable"
	}
	return &cobra.Command{
		Use:   verb + " <id|label|name>",
		Short: strings.ToUpper(verb[:1]) + verb[1:] + " a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := resolve(cmd, args[0])
			if err != nil {
				return err
			}
			if err := tw.Reconciler().SetEnabled(cmd.Context(), t, enable); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%sd %s\n", verb, t.Label)
			return nil
		},
	}
}

func newDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "delete <id|label|name>",
		Aliases: []string{"rm"},
		Short:   "Uninstall a task",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := resolve(cmd, args[0])
			if err != nil {
				return err
			}
			if err := tw.Reconciler().Delete(cmd.Context(), t); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", t.Label)
			return nil
		},
	}
}

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run <id|label|name>",
		Short: "Run a task now and record the result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := resolve(cmd, args[0])
			if err != nil {
				return err
			}
			res, err := tw.Reconciler().RunNow(cmd.Context(), t)
			if res != nil {
				writeResult(cmd.OutOrStdout(), *res)
			}
			if err != nil {
				return err
			}
			if !res.Succeeded() {
				return fmt.Errorf("%s failed", t.Label)
			}
			return nil
		},
	}
}

func newHistoryCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history <id|label|name>",
		Short: "Show recorded runs, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := resolve(cmd, args[0])
			if err != nil {
				return err
			}
			runs := tw.History().ForTask(t.ID)
			if limit > 0 && len(runs) > limit {
				runs = runs[:limit]
			}
			out := cmd.OutOrStdout()
			if len(runs) == 0 {
				fmt.Fprintf(out, "no runs recorded for %s\n", t.Label)
				return nil
			}
			st := tw.History().Stats(t.ID)
			fmt.Fprintf(out, "%s: %d runs, %d failed, last %s\n", t.Label, st.Runs, st.Failures, ago(&st.LastRun))
			for _, r := range runs {
				writeResult(out, r)
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 10, "show at most n runs (0 for all)")
	return cmd
}

func newBulkCmd(enable bool) *cobra.Command {
	verb := "disable-all"
	if enable {
		verb = "enable-all"
	}
	return &cobra.Command{
		Use:   verb,
		Short: "Apply to every editable launchd, systemd and crontab task",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if _, err := tw.Refresh(cmd.Context()); err != nil {
				return err
			}
			run := tw.Reconciler().DisableAll
			if enable {
				run = tw.Reconciler().EnableAll
			}
			res := run(cmd.Context())
			writeBatch(cmd.OutOrStdout(), verb, res)
			return res.Err()
		},
	}
}

func newWatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Keep running and report task changes as they happen",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			events, unsubscribe := tw.Bus().Subscribe(32)
			defer unsubscribe()
			out := cmd.OutOrStdout()
			go func() {
				for ev := range events {
					fmt.Fprintln(out, describeEvent(ev))
				}
			}()
			return tw.Run(cmd.Context())
		},
	}
}

func describeEvent(ev eventbus.Event) string {
	ts := ev.Time.Format(time.TimeOnly)
	switch d := ev.Data.(type) {
	case eventbus.Refreshed:
		s := fmt.Sprintf("%s refreshed: %d tasks", ts, d.Count)
		if len(d.Failed) > 0 {
			s += " (unavailable: " + strings.Join(d.Failed, ", ") + ")"
		}
		return s
	case eventbus.Ran:
		if d.TimedOut {
			return fmt.Sprintf("%s ran %s: timed out", ts, d.Label)
		}
		return fmt.Sprintf("%s ran %s: exit %d", ts, d.Label, d.ExitCode)
	case eventbus.Changed:
		return fmt.Sprintf("%s %s %s", ts, d.Op, d.Label)
	}
	return ts + " " + ev.Type
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			out := cmd.OutOrStdout()
			info, ok := debug.ReadBuildInfo()
			if !ok {
				fmt.Fprintln(out, "taskwarden: version info not available")
				return
			}
			fmt.Fprintf(out, "taskwarden: %s\n", info.Main.Version)
			fmt.Fprintf(out, "go:         %s\n", info.GoVersion)
			for _, s := range info.Settings {
				if s.Key == "vcs.revision" {
					fmt.Fprintf(out, "commit:     %s\n", s.Value)
				}
			}
		},
	}
}
