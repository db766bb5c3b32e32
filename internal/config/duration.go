package config

import (
	"fmt"
	"strings"
	"time"
)

// ParseDurationField parses a config duration. Empty means zero; negative
// values are rejected unless allowNegative is set.
func ParseDurationField(path, raw string) (time.Duration, error) {
	return parseDuration(path, raw, false)
}

func parseDuration(path, raw string, allowNegative bool) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 && !allowNegative {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

// ParseDurationOrDefault returns def when raw is empty or zero.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}

// durations collects the first parse error across several fields.
type durations struct{ err error }

func (p *durations) or(path, raw string, def time.Duration) time.Duration {
	if p.err != nil {
		return def
	}
	d, err := ParseDurationOrDefault(path, raw, def)
	if err != nil {
		p.err = err
		return def
	}
	return d
}

// signed keeps negative values, which some fields use as "off".
func (p *durations) signed(path, raw string, def time.Duration) time.Duration {
	if p.err != nil {
		return def
	}
	d, err := parseDuration(path, raw, true)
	if err != nil {
		p.err = err
		return def
	}
	if d == 0 {
		return def
	}
	return d
}
