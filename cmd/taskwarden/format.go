package main

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"

	"taskwarden/internal/backend"
	"taskwarden/internal/task"
)

func ago(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "never"
	}
	return humanize.Time(*t)
}

func state(t *task.Task) string {
	s := string(t.Status.State)
	if s == "" {
		s = "unknown"
	}
	var tags []string
	if t.ReadOnly {
		tags = append(tags, "read-only")
	}
	if t.Stale {
		tags = append(tags, "stale")
	}
	if len(tags) > 0 {
		s += " (" + strings.Join(tags, ", ") + ")"
	}
	return s
}

func writeTaskTable(w io.Writer, tasks []*task.Task) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tLABEL\tBACKEND\tSTATE\tTRIGGER\tLAST RUN\tRUNS")
	for _, t := range tasks {
		runs := "-"
		if t.Status.RunCount > 0 {
			runs = fmt.Sprintf("%d (%d failed)", t.Status.RunCount, t.Status.FailureCount)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			t.Name, t.Label, t.Backend, state(t), t.Trigger.Display(), ago(t.Status.LastRun), runs)
	}
	return tw.Flush()
}

func writeTask(w io.Writer, t *task.Task) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	row := func(k, v string) {
		if v != "" {
			fmt.Fprintf(tw, "%s:\t%s\n", k, v)
		}
	}
	row("Name", t.Name)
	row("Label", t.Label)
	row("ID", t.ID.String())
	row("Backend", string(t.Backend))
	row("State", state(t))
	row("Description", t.Description)
	row("Trigger", t.Trigger.Display())
	if argv := t.Action.Command(); len(argv) > 0 && argv[0] != "" {
		row("Command", backend.QuoteAll(argv))
	}
	row("Working dir", t.Action.WorkingDir)
	if len(t.Action.Env) > 0 {
		keys := make([]string, 0, len(t.Action.Env))
		for k := range t.Action.Env {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			row("Env", k+"="+t.Action.Env[k])
		}
	}
	if t.KeepAlive {
		row("Keep alive", "yes")
	}
	row("Run as", t.RunAsUser)
	row("Stdout", t.StdoutPath)
	row("Stderr", t.StderrPath)
	row("Scope", string(t.Location.Scope))
	row("Config", t.Location.ConfigPath)
	if t.Status.PID > 0 {
		row("PID", fmt.Sprint(t.Status.PID))
	}
	if t.Status.StartedAt != nil {
		row("Started", ago(t.Status.StartedAt))
	}
	row("Last run", ago(t.Status.LastRun))
	if t.Status.LastExitCode != nil {
		row("Last exit", fmt.Sprint(*t.Status.LastExitCode))
	}
	if t.Status.RunCount > 0 {
		row("Runs", fmt.Sprintf("%d (%d failed)", t.Status.RunCount, t.Status.FailureCount))
	}
	if c := t.Container; c != nil {
		row("Image", c.Image)
		row("Container", c.ID)
		row("Ports", strings.Join(c.Ports, ", "))
		row("Volumes", strings.Join(c.Volumes, ", "))
		row("Restart", c.RestartPolicy)
	}
	if v := t.VM; v != nil {
		row("VM", v.Name)
		row("OS", v.OSType)
	}
	return tw.Flush()
}

func writeResult(w io.Writer, r task.ExecutionResult) {
	status := fmt.Sprintf("exit %d", r.ExitCode)
	if r.TimedOut {
		status = "timed out"
	}
	fmt.Fprintf(w, "%s  %s  took %s\n", r.Started.Format(time.DateTime), status, r.Duration().Round(time.Millisecond))
	stream := func(name, body string, truncated bool) {
		if body == "" {
			return
		}
		note := humanize.Bytes(uint64(len(body)))
		if truncated {
			note += ", truncated"
		}
		fmt.Fprintf(w, "--- %s (%s)\n%s", name, note, body)
		if !strings.HasSuffix(body, "\n") {
			fmt.Fprintln(w)
		}
	}
	stream("stdout", r.Stdout, r.StdoutTruncated)
	stream("stderr", r.Stderr, r.StderrTruncated)
}

func writeBatch(w io.Writer, verb string, b backend.BatchResult) {
	for _, r := range b.Results {
		fmt.Fprintln(w, r.Message)
	}
	fmt.Fprintf(w, "%s: %d of %d succeeded\n", verb, b.SuccessCount, b.Total)
}
