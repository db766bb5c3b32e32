//go:build unix

package executor

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"taskwarden/pkg/logx"
)

func newTestExecutor(t *testing.T, cfg Config) *Executor {
	t.Helper()
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("/bin/sh not available")
	}
	return New(cfg, logx.Nop())
}

func TestRunCapturesOutputAndExitCode(t *testing.T) {
	t.Parallel()
	e := newTestExecutor(t, Config{})
	res, err := e.Run(context.Background(), Command{
		Path: "/bin/sh",
		Args: []string{"-c", `echo out; echo err 1>&2; exit 3`},
	})
	require.NoError(t, err)
	require.Equal(t, 3, res.ExitCode)
	require.Equal(t, "out\n", res.Stdout)
	require.Equal(t, "err\n", res.Stderr)
	require.False(t, res.TimedOut)
	require.False(t, res.Success())
}

func TestRunStripsDeniedEnvironment(t *testing.T) {
	t.Parallel()
	e := newTestExecutor(t, Config{})
	res, err := e.Run(context.Background(), Command{
		Path: "/bin/sh",
		Args: []string{"-c", `printf '%s|%s' "$GOOD" "$ld_preload$LD_PRELOAD"`},
		Env:  map[string]string{"GOOD": "yes", "ld_preload": "/evil.so", "LD_PRELOAD": "/evil.so"},
	})
	require.NoError(t, err)
	require.Equal(t, "yes|", res.Stdout)
}

func TestRunTruncatesLargeOutput(t *testing.T) {
	t.Parallel()
	e := newTestExecutor(t, Config{MaxOutput: 1024})
	res, err := e.Run(context.Background(), Command{
		Path: "/bin/sh",
		Args: []string{"-c", `i=0; while [ $i -lt 500 ]; do echo 0123456789; i=$((i+1)); done`},
	})
	require.NoError(t, err)
	require.Equal(t, 0, res.ExitCode)
	require.True(t, res.StdoutTruncated)
	require.Len(t, res.Stdout, 1024+len(TruncationMarker))
	require.True(t, strings.HasSuffix(res.Stdout, TruncationMarker))
}

func TestRunTimeoutKillsProcess(t *testing.T) {
	t.Parallel()
	e := newTestExecutor(t, Config{})
	start := time.Now()
	res, err := e.Run(context.Background(), Command{
		Path:    "/bin/sh",
		Args:    []string{"-c", "echo before; echo err >&2; sleep 30"},
		Timeout: 300 * time.Millisecond,
	})
	require.NoError(t, err)
	require.True(t, res.TimedOut)
	require.NotEqual(t, 0, res.ExitCode)
	require.Equal(t, "before\n", res.Stdout)
	require.Equal(t, "err\n", res.Stderr)
	require.Less(t, time.Since(start), 5*time.Second)
}

func TestRunContextCancelKillsProcess(t *testing.T) {
	t.Parallel()
	e := newTestExecutor(t, Config{})
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	res, err := e.Run(ctx, Command{Path: "/bin/sh", Args: []string{"-c", "sleep 30"}})
	require.NoError(t, err)
	require.False(t, res.TimedOut)
	require.NotEqual(t, 0, res.ExitCode)
}

func TestRunSpawnError(t *testing.T) {
	t.Parallel()
	e := newTestExecutor(t, Config{})
	_, err := e.Run(context.Background(), Command{Path: "/nonexistent/taskwarden-binary"})
	require.ErrorIs(t, err, ErrSpawn)
	var se *SpawnError
	require.ErrorAs(t, err, &se)
	require.Equal(t, "/nonexistent/taskwarden-binary", se.Path)
}

func TestRunStdinAndDir(t *testing.T) {
	t.Parallel()
	e := newTestExecutor(t, Config{})
	dir := t.TempDir()
	res, err := e.Run(context.Background(), Command{
		Path:  "/bin/sh",
		Args:  []string{"-c", `cat; pwd`},
		Dir:   dir,
		Stdin: "hello\n",
	})
	require.NoError(t, err)
	resolved, _ := filepath.EvalSymlinks(dir)
	lines := strings.Split(strings.TrimSpace(res.Stdout), "\n")
	require.Equal(t, "hello", lines[0])
	require.Contains(t, []string{dir, resolved}, lines[1])
}

func TestRunScriptRemovesTempFile(t *testing.T) {
	t.Parallel()
	tmp := t.TempDir()
	e := newTestExecutor(t, Config{TempDir: tmp})
	res, err := e.RunScript(context.Background(), "/bin/sh", "echo \"$0\"; echo \"$1\"\n", Command{Args: []string{"arg1"}})
	require.NoError(t, err)
	require.Equal(t, 0, res.ExitCode)
	lines := strings.Split(strings.TrimSpace(res.Stdout), "\n")
	require.Len(t, lines, 2)
	require.True(t, strings.HasPrefix(lines[0], tmp))
	require.Equal(t, "arg1", lines[1])

	entries, err := os.ReadDir(tmp)
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestRunScriptRemovesTempFileOnSpawnError(t *testing.T) {
	t.Parallel()
	tmp := t.TempDir()
	e := newTestExecutor(t, Config{TempDir: tmp})
	_, err := e.RunScript(context.Background(), "/nonexistent/interp", "true", Command{})
	require.ErrorIs(t, err, ErrSpawn)
	entries, err := os.ReadDir(tmp)
	require.NoError(t, err)
	require.Empty(t, entries)
}
