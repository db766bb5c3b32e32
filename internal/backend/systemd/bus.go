package systemd

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/coreos/go-systemd/v22/dbus"

	"taskwarden/internal/task"
)

// Bus is the slice of the systemd D-Bus API the adapter uses. *dbus.Conn
// satisfies it; tests use a fake.
type Bus interface {
	ReloadContext(ctx context.Context) error
	EnableUnitFilesContext(ctx context.Context, files []string, runtime, force bool) (bool, []dbus.EnableUnitFileChange, error)
	DisableUnitFilesContext(ctx context.Context, files []string, runtime bool) ([]dbus.DisableUnitFileChange, error)
	StartUnitContext(ctx context.Context, name, mode string, ch chan<- string) (int, error)
	StopUnitContext(ctx context.Context, name, mode string, ch chan<- string) (int, error)
	ListUnitsByPatternsContext(ctx context.Context, states, patterns []string) ([]dbus.UnitStatus, error)
	ListUnitFilesByPatternsContext(ctx context.Context, states, patterns []string) ([]dbus.UnitFile, error)
	GetUnitTypePropertiesContext(ctx context.Context, unit, unitType string) (map[string]interface{}, error)
	Close()
}

// Dialer opens the bus for a scope: the user manager for ScopeUser, the
// system manager for ScopeSystem.
type Dialer func(ctx context.Context, scope task.Scope) (Bus, error)

// buses lazily dials and caches one connection per scope.
type buses struct {
	mu    sync.Mutex
	dial  Dialer
	conns map[task.Scope]Bus
}

func (b *buses) get(ctx context.Context, scope task.Scope) (Bus, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if c, ok := b.conns[scope]; ok {
		return c, nil
	}
	c, err := b.dial(ctx, scope)
	if err != nil {
		return nil, err
	}
	if b.conns == nil {
		b.conns = map[task.Scope]Bus{}
	}
	b.conns[scope] = c
	return c, nil
}

func (b *buses) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for k, c := range b.conns {
		c.Close()
		delete(b.conns, k)
	}
}

func isNoSuchUnitErr(err error) bool {
	if err == nil {
		return false
	}
	es := err.Error()
	// systemd returns org.freedesktop.systemd1.NoSuchUnit for missing units.
	if strings.Contains(es, "NoSuchUnit") {
		return true
	}
	return strings.Contains(es, "not-found") || strings.Contains(es, "not loaded")
}

func parseTimestamp(props map[string]interface{}, key string) time.Time {
	if ts, ok := props[key].(uint64); ok && ts > 0 {
		// systemd timestamps are in microseconds since the Unix epoch
		return time.UnixMicro(int64(ts))
	}
	return time.Time{}
}

func uintProperty(props map[string]interface{}, key string) (uint64, bool) {
	switch v := props[key].(type) {
	case uint32:
		return uint64(v), true
	case uint64:
		return v, true
	}
	return 0, false
}

func intProperty(props map[string]interface{}, key string) (int, bool) {
	switch v := props[key].(type) {
	case int32:
		return int(v), true
	case int64:
		return int(v), true
	case uint32:
		return int(v), true
	}
	return 0, false
}

//
// Enabled-state cache
//

type enabledCacheEntry struct {
	enabled bool
	expires time.Time
}

const (
	defaultEnabledCacheTTL = 30 * time.Second
	defaultEnabledCacheMax = 512
)

// enabledCache memoizes unit-file enablement so a refresh does not issue
// one ListUnitFiles call per unit.
type enabledCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	max     int
	entries map[string]enabledCacheEntry
}

func newEnabledCache(ttl time.Duration) *enabledCache {
	if ttl == 0 {
		ttl = defaultEnabledCacheTTL
	}
	return &enabledCache{ttl: ttl, max: defaultEnabledCacheMax, entries: map[string]enabledCacheEntry{}}
}

func (c *enabledCache) get(key string, now time.Time) (bool, bool) {
	if c.ttl < 0 {
		return false, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	ent, ok := c.entries[key]
	if !ok || !now.Before(ent.expires) {
		return false, false
	}
	return ent.enabled, true
}

func (c *enabledCache) put(key string, enabled bool, now time.Time) {
	if c.ttl < 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = enabledCacheEntry{enabled: enabled, expires: now.Add(c.ttl)}
	if len(c.entries) > c.max {
		c.pruneLocked(now)
	}
}

func (c *enabledCache) invalidate(keys ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, k := range keys {
		delete(c.entries, k)
	}
}

func (c *enabledCache) pruneLocked(now time.Time) {
	for k, ent := range c.entries {
		if now.After(ent.expires) {
			delete(c.entries, k)
		}
	}
	if len(c.entries) <= c.max {
		return
	}
	type kv struct {
		k string
		e time.Time
	}
	items := make([]kv, 0, len(c.entries))
	for k, ent := range c.entries {
		items = append(items, kv{k: k, e: ent.expires})
	}
	sort.Slice(items, func(i, j int) bool { return items[i].e.Before(items[j].e) })
	for i := 0; i < len(items)-c.max; i++ {
		delete(c.entries, items[i].k)
	}
}
