package config

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"

	logx "taskwarden/pkg/logx"
)

// hotKeys are applied without restarting. Everything else needs a restart.
var hotKeys = map[string]bool{
	"logging": true,
	"watch":   true,
}

// SummarizeConfigChange lists the top-level sections that differ, log fields
// describing the interesting ones, and the subset that needs a restart.
func SummarizeConfigChange(old, new *Config) (changed []string, fields []logx.Field, restart []string) {
	if old == nil || new == nil {
		return nil, nil, nil
	}
	a, b := sections(old), sections(new)
	for k := range union(a, b) {
		if !reflect.DeepEqual(a[k], b[k]) {
			changed = append(changed, k)
		}
	}
	sort.Strings(changed)
	for _, k := range changed {
		if !hotKeys[k] {
			restart = append(restart, k)
		}
	}

	if old.Logging.Level != new.Logging.Level {
		fields = append(fields, logx.String("log_level", fmt.Sprintf("%s->%s", old.Logging.Level, new.Logging.Level)))
	}
	if old.Watch.Enabled != new.Watch.Enabled {
		fields = append(fields, logx.Bool("watch", new.Watch.Enabled))
	}
	if old.History.Driver != new.History.Driver {
		fields = append(fields, logx.String("history_driver", fmt.Sprintf("%s->%s", old.History.Driver, new.History.Driver)))
	}
	if len(restart) > 0 {
		fields = append(fields, logx.Strings("restart_required", restart))
	}
	return changed, fields, restart
}

// sections splits a config into its top-level JSON keys.
func sections(c *Config) map[string]any {
	b, err := json.Marshal(c)
	if err != nil {
		return nil
	}
	var m map[string]any
	_ = json.Unmarshal(b, &m)
	return m
}

func union(a, b map[string]any) map[string]struct{} {
	out := make(map[string]struct{}, len(a)+len(b))
	for k := range a {
		out[k] = struct{}{}
	}
	for k := range b {
		out[k] = struct{}{}
	}
	return out
}
