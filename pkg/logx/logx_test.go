package logx

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func decodeLines(t *testing.T, b []byte) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(string(b)), "\n") {
		if line == "" {
			continue
		}
		m := map[string]any{}
		require.NoError(t, json.Unmarshal([]byte(line), &m))
		out = append(out, m)
	}
	return out
}

func TestWriterFieldsAndCaller(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriter(&buf, "debug").With(String("comp", "test"))
	log.Info("hello", Int("n", 3), Err(errors.New("boom")), Err(nil),
		Duration("took", 1500*time.Millisecond), Strings("tags", []string{"a", "b"}))

	lines := decodeLines(t, buf.Bytes())
	require.Len(t, lines, 1)
	got := lines[0]
	require.Equal(t, "hello", got["message"])
	require.Equal(t, "info", got["level"])
	require.Equal(t, "test", got["comp"])
	require.EqualValues(t, 3, got["n"])
	require.Equal(t, "boom", got["err"])
	require.Equal(t, "1.5s", got["took"])
	require.Equal(t, []any{"a", "b"}, got["tags"])
	require.True(t, strings.HasPrefix(got["caller"].(string), "logx_test.go:"))
}

func TestWithDoesNotLeakIntoParent(t *testing.T) {
	var buf bytes.Buffer
	parent := NewWriter(&buf, "info").With(String("a", "1"))
	_ = parent.With(String("b", "2"))
	parent.Info("x")
	lines := decodeLines(t, buf.Bytes())
	require.Len(t, lines, 1)
	require.NotContains(t, lines[0], "b")
}

func TestLevelFilter(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriter(&buf, "warn")
	log.Debug("no")
	log.Info("no")
	log.Warn("yes")
	log.Error("yes")
	require.Len(t, decodeLines(t, buf.Bytes()), 2)
}

func TestZeroAndNop(t *testing.T) {
	var zero Logger
	require.True(t, zero.IsZero())
	require.False(t, Nop().IsZero())
	require.False(t, zero.With(String("k", "v")).IsZero())
	zero.Error("discarded")
	Nop().Info("discarded")
}

func TestServiceFileSinkAndApply(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "tw.log")
	svc, log := New(Config{Level: "info", File: FileConfig{Enabled: true, Path: path}})
	var console bytes.Buffer
	svc.stderr = &console
	require.NoError(t, svc.Apply(Config{Level: "info", File: FileConfig{Enabled: true, Path: path}}))

	child := log.With(String("comp", "svc"))
	child.Debug("filtered")
	child.Info("kept")

	require.NoError(t, svc.Apply(Config{Level: "debug", File: FileConfig{Enabled: true, Path: path}}))
	child.Debug("now visible")
	require.NoError(t, svc.Close())

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := decodeLines(t, b)
	require.Len(t, lines, 2)
	require.Equal(t, "kept", lines[0]["message"])
	require.Equal(t, "now visible", lines[1]["message"])
	require.Empty(t, console.String())
}

func TestApplyReportsBadFile(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "file")
	require.NoError(t, os.WriteFile(blocker, nil, 0o600))

	svc, _ := New(Config{Console: true})
	var console bytes.Buffer
	svc.stderr = &console
	err := svc.Apply(Config{File: FileConfig{Enabled: true, Path: filepath.Join(blocker, "x.log")}})
	require.Error(t, err)
	svc.Logger().Info("falls back to console")
	require.Contains(t, console.String(), "falls back to console")
	require.NoError(t, svc.Close())
}

func TestParseLevel(t *testing.T) {
	cases := map[string]zerolog.Level{
		"debug":   zerolog.DebugLevel,
		" INFO ":  zerolog.InfoLevel,
		"Warning": zerolog.WarnLevel,
		"error":   zerolog.ErrorLevel,
		"trace":   zerolog.TraceLevel,
		"loud":    zerolog.FatalLevel,
	}
	for in, want := range cases {
		require.Equal(t, want, ParseLevel(in, zerolog.FatalLevel), in)
	}
}
