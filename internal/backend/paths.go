package backend

import (
	"os"
	"path/filepath"
	"strings"
)

// WithinDirs reports whether path, once cleaned, sits directly or deeper
// under one of dirs. Stored config paths are only reused when this holds, so
// a stale or tampered path cannot redirect a privileged write.
func WithinDirs(path string, dirs []string) bool {
	if path == "" || !filepath.IsAbs(path) {
		return false
	}
	clean := filepath.Clean(path)
	for _, d := range dirs {
		d = filepath.Clean(d)
		if strings.HasPrefix(clean, d+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

// HomeDir returns the user's home directory, falling back to $HOME.
func HomeDir() string {
	if h, err := os.UserHomeDir(); err == nil && h != "" {
		return h
	}
	return os.Getenv("HOME")
}
