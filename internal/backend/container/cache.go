package container

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/afero"
	"github.com/vmihailenco/msgpack/v5"

	"taskwarden/internal/task"
)

const (
	DefaultCacheMax = 500
	cacheMode       = 0o400
)

type cacheFile struct {
	SavedAt    time.Time            `msgpack:"saved_at"`
	Binary     string               `msgpack:"binary"`
	Containers []task.ContainerInfo `msgpack:"containers"`
}

// offlineCache persists the last container listing so discovery can report
// something while the runtime is unreachable. The file is owner-read-only;
// saves replace it through a rename.
type offlineCache struct {
	fs   afero.Fs
	path string
	max  int
}

func (c *offlineCache) enabled() bool { return c != nil && c.path != "" }

func (c *offlineCache) save(binary string, infos []task.ContainerInfo) error {
	if !c.enabled() {
		return nil
	}
	if len(infos) > c.max {
		infos = infos[:c.max]
	}
	data, err := msgpack.Marshal(cacheFile{SavedAt: time.Now().UTC(), Binary: binary, Containers: infos})
	if err != nil {
		return fmt.Errorf("encode container cache: %w", err)
	}
	dir := filepath.Dir(c.path)
	if err := c.fs.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create cache dir: %w", err)
	}
	f, err := afero.TempFile(c.fs, dir, ".containers-*.tmp")
	if err != nil {
		return fmt.Errorf("create cache temp: %w", err)
	}
	tmp := f.Name()
	_, werr := f.Write(data)
	cerr := f.Close()
	if werr == nil {
		werr = cerr
	}
	if werr == nil {
		werr = c.fs.Chmod(tmp, cacheMode)
	}
	if werr == nil {
		werr = c.fs.Rename(tmp, c.path)
	}
	if werr != nil {
		_ = c.fs.Remove(tmp)
		return fmt.Errorf("write container cache: %w", werr)
	}
	return nil
}

// load returns the cached listing. A missing file yields (nil, nil).
func (c *offlineCache) load() (*cacheFile, error) {
	if !c.enabled() {
		return nil, nil
	}
	data, err := afero.ReadFile(c.fs, c.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read container cache: %w", err)
	}
	var cf cacheFile
	if err := msgpack.Unmarshal(data, &cf); err != nil {
		return nil, fmt.Errorf("decode container cache: %w", err)
	}
	if len(cf.Containers) > c.max {
		cf.Containers = cf.Containers[:c.max]
	}
	return &cf, nil
}
