package executor

import (
	"sort"
	"strings"
)

// deniedEnv lists variables that let a caller hijack the child: dynamic
// linker injection, shell startup files, interpreter module paths and
// compiler flags.
var deniedEnv = map[string]bool{
	// dynamic linker
	"LD_PRELOAD": true, "LD_LIBRARY_PATH": true, "LD_AUDIT": true,
	"DYLD_INSERT_LIBRARIES": true, "DYLD_LIBRARY_PATH": true, "DYLD_FRAMEWORK_PATH": true,
	"DYLD_FALLBACK_LIBRARY_PATH": true, "DYLD_FALLBACK_FRAMEWORK_PATH": true,
	"DYLD_IMAGE_SUFFIX": true, "DYLD_VERSIONED_LIBRARY_PATH": true,
	// shell startup
	"BASH_ENV": true, "ENV": true, "ZDOTDIR": true, "PROMPT_COMMAND": true,
	"SHELLOPTS": true, "BASHOPTS": true, "PS4": true,
	// interpreter paths
	"PYTHONPATH": true, "PYTHONSTARTUP": true, "PYTHONHOME": true,
	"PERL5LIB": true, "PERL5OPT": true, "PERLLIB": true,
	"RUBYLIB": true, "RUBYOPT": true, "NODE_OPTIONS": true, "NODE_PATH": true,
	// compiler flags
	"CFLAGS": true, "CXXFLAGS": true, "CPPFLAGS": true, "LDFLAGS": true,
	"LIBRARY_PATH": true, "CPATH": true, "C_INCLUDE_PATH": true,
}

var deniedPrefixes = []string{"DYLD_", "BASH_FUNC_"}

// IsDenied reports whether name is on the deny-list, ignoring case.
func IsDenied(name string) bool {
	up := strings.ToUpper(strings.TrimSpace(name))
	if deniedEnv[up] {
		return true
	}
	for _, p := range deniedPrefixes {
		if strings.HasPrefix(up, p) {
			return true
		}
	}
	return false
}

// FilterEnv returns a copy of env without deny-listed keys.
func FilterEnv(env map[string]string) map[string]string {
	if env == nil {
		return nil
	}
	out := make(map[string]string, len(env))
	for k, v := range env {
		if IsDenied(k) {
			continue
		}
		out[k] = v
	}
	return out
}

// Environ builds a child environment: base (KEY=VALUE form) minus denied
// keys, then overlay minus denied keys. Overlay entries replace base entries.
func Environ(base []string, overlay map[string]string) []string {
	merged := make(map[string]string, len(base)+len(overlay))
	for _, kv := range base {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" || IsDenied(k) {
			continue
		}
		merged[k] = v
	}
	for k, v := range FilterEnv(overlay) {
		merged[k] = v
	}
	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+merged[k])
	}
	return out
}
