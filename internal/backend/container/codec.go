package container

import (
	"bufio"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"taskwarden/internal/task"
)

// refRe is the allow-list for container names and ids placed on a command
// line. It matches the runtime's own naming rule.
var refRe = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_.-]{0,127}$`)

// ValidRef reports whether s is safe to pass to the container CLI.
func ValidRef(s string) bool { return refRe.MatchString(s) }

// stringList decodes either a JSON string ("a,b") or an array. Docker emits
// the former in `ps` output, podman the latter.
type stringList []string

func (l *stringList) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*l = splitList(s)
		return nil
	}
	var arr []string
	if err := json.Unmarshal(b, &arr); err == nil {
		*l = arr
		return nil
	}
	// podman ports are objects; keep their raw form
	var objs []map[string]any
	if err := json.Unmarshal(b, &objs); err != nil {
		return err
	}
	for _, o := range objs {
		*l = append(*l, portString(o))
	}
	return nil
}

func portString(o map[string]any) string {
	num := func(k string) string {
		if v, ok := o[k].(float64); ok {
			return fmt.Sprintf("%d", int(v))
		}
		return ""
	}
	host, cont, proto := num("host_port"), num("container_port"), o["protocol"]
	if proto == nil {
		proto = "tcp"
	}
	if host == "" {
		return fmt.Sprintf("%s/%v", cont, proto)
	}
	return fmt.Sprintf("%s->%s/%v", host, cont, proto)
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// psEntry is one line of `ps -a --format {{json .}}`.
type psEntry struct {
	ID     string     `json:"ID"`
	PodID  string     `json:"Id"`
	Names  stringList `json:"Names"`
	Image  string     `json:"Image"`
	Ports  stringList `json:"Ports"`
	Mounts stringList `json:"Mounts"`
	State  string     `json:"State"`
	Status string     `json:"Status"`
}

// parsePS reads line-delimited JSON. Podman may print a single array
// instead; both are accepted. Lines that do not parse are skipped.
func parsePS(out string) []task.ContainerInfo {
	out = strings.TrimSpace(out)
	var entries []psEntry
	if strings.HasPrefix(out, "[") {
		_ = json.Unmarshal([]byte(out), &entries)
	} else {
		sc := bufio.NewScanner(strings.NewReader(out))
		sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
		for sc.Scan() {
			line := strings.TrimSpace(sc.Text())
			if line == "" {
				continue
			}
			var e psEntry
			if err := json.Unmarshal([]byte(line), &e); err != nil {
				continue
			}
			entries = append(entries, e)
		}
	}

	infos := make([]task.ContainerInfo, 0, len(entries))
	for _, e := range entries {
		id := e.ID
		if id == "" {
			id = e.PodID
		}
		if id == "" || len(e.Names) == 0 {
			continue
		}
		state := strings.ToLower(e.State)
		if state == "" {
			state = stateFromStatus(e.Status)
		}
		infos = append(infos, task.ContainerInfo{
			ID:      id,
			Name:    strings.TrimPrefix(e.Names[0], "/"),
			Image:   e.Image,
			Ports:   e.Ports,
			Volumes: e.Mounts,
			State:   state,
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}

// stateFromStatus handles older runtimes that only print "Up 3 hours" or
// "Exited (1) 2 days ago".
func stateFromStatus(s string) string {
	switch {
	case strings.HasPrefix(s, "Up"):
		return "running"
	case strings.HasPrefix(s, "Exited"):
		return "exited"
	case strings.HasPrefix(s, "Created"):
		return "created"
	}
	return strings.ToLower(s)
}

// inspectEntry is the subset of `inspect` output used for enrichment.
type inspectEntry struct {
	ID    string `json:"Id"`
	Name  string `json:"Name"`
	State struct {
		Status    string `json:"Status"`
		Running   bool   `json:"Running"`
		Pid       int    `json:"Pid"`
		ExitCode  int    `json:"ExitCode"`
		StartedAt string `json:"StartedAt"`
	} `json:"State"`
	HostConfig struct {
		RestartPolicy struct {
			Name string `json:"Name"`
		} `json:"RestartPolicy"`
	} `json:"HostConfig"`
	Mounts []struct {
		Source      string `json:"Source"`
		Destination string `json:"Destination"`
	} `json:"Mounts"`
}

func parseInspect(out string) ([]inspectEntry, error) {
	var entries []inspectEntry
	if err := json.Unmarshal([]byte(strings.TrimSpace(out)), &entries); err != nil {
		return nil, fmt.Errorf("decode inspect output: %w", err)
	}
	return entries, nil
}

func (e inspectEntry) startedAt() (time.Time, bool) {
	ts, err := time.Parse(time.RFC3339Nano, e.State.StartedAt)
	if err != nil || ts.IsZero() || ts.Year() < 2000 {
		return time.Time{}, false
	}
	return ts, true
}

func (e inspectEntry) volumes() []string {
	out := make([]string, 0, len(e.Mounts))
	for _, m := range e.Mounts {
		out = append(out, m.Source+":"+m.Destination)
	}
	return out
}

func keepsRunning(policy string) bool {
	return policy == "always" || policy == "unless-stopped"
}

// toTask maps a container onto the task model. The task's action is the
// start command, so run-now and enable mean the same thing.
func toTask(binary string, info task.ContainerInfo) *task.Task {
	t := task.New(task.BackendContainer, info.Name)
	t.Description = info.Image
	t.Action = task.Action{Kind: task.ActionExecutable, Path: binary, Args: []string{"start", info.Name}}
	t.Trigger = task.Trigger{Kind: task.TriggerOnDemand}
	if keepsRunning(info.RestartPolicy) {
		t.Trigger = task.Trigger{Kind: task.TriggerStartup}
		t.KeepAlive = true
	}
	t.Enabled = info.State == "running"
	t.Status.State = stateOf(info.State)
	c := info
	t.Container = &c
	return t
}

func stateOf(s string) task.State {
	switch s {
	case "running", "restarting":
		return task.StateRunning
	case "dead":
		return task.StateError
	}
	return task.StateDisabled
}
