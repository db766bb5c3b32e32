package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"

	"taskwarden/internal/task"
)

// fileDriver stores every record as one JSON array, rewritten through a
// temp file and rename.
type fileDriver struct {
	fs   afero.Fs
	path string
}

func openFile(fs afero.Fs, cfg Config) (*fileDriver, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("history.path is required for file driver")
	}
	if err := fs.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}
	return &fileDriver{fs: fs, path: path}, nil
}

func (d *fileDriver) Load(context.Context) ([]task.ExecutionResult, error) {
	data, err := afero.ReadFile(d.fs, d.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, nil
	}
	var recs []task.ExecutionResult
	if err := json.Unmarshal(data, &recs); err != nil {
		return nil, fmt.Errorf("decode %s: %w", d.path, err)
	}
	return recs, nil
}

func (d *fileDriver) Save(_ context.Context, recs []task.ExecutionResult) error {
	if recs == nil {
		recs = []task.ExecutionResult{}
	}
	data, err := json.MarshalIndent(recs, "", "  ")
	if err != nil {
		return err
	}
	tmp := d.path + ".tmp"
	if err := afero.WriteFile(d.fs, tmp, data, 0o600); err != nil {
		return err
	}
	if err := d.fs.Rename(tmp, d.path); err != nil {
		_ = d.fs.Remove(tmp)
		return err
	}
	return nil
}

func (d *fileDriver) Close() error { return nil }
