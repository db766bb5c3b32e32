package executor

import (
	"slices"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIsDeniedIgnoresCase(t *testing.T) {
	t.Parallel()
	for _, name := range []string{"LD_PRELOAD", "ld_preload", "Ld_PreLoad", "DYLD_INSERT_LIBRARIES", "dyld_anything", "BASH_ENV", "node_options", "BASH_FUNC_x%%"} {
		require.True(t, IsDenied(name), name)
	}
	for _, name := range []string{"PATH", "HOME", "LANG", "MY_LD_PRELOAD", "ENVIRONMENT"} {
		require.False(t, IsDenied(name), name)
	}
}

func TestFilterEnvDropsDeniedOverrides(t *testing.T) {
	t.Parallel()
	got := FilterEnv(map[string]string{"FOO": "1", "pythonpath": "/tmp", "LD_PRELOAD": "/x.so"})
	require.Equal(t, map[string]string{"FOO": "1"}, got)
	require.Nil(t, FilterEnv(nil))
}

func TestEnvironMergesAndFilters(t *testing.T) {
	t.Parallel()
	base := []string{"PATH=/usr/bin", "HOME=/root", "LD_PRELOAD=/evil.so", "broken"}
	got := Environ(base, map[string]string{"HOME": "/home/x", "Zdotdir": "/tmp", "EXTRA": "a=b"})
	require.Equal(t, []string{"EXTRA=a=b", "HOME=/home/x", "PATH=/usr/bin"}, got)
	require.False(t, slices.ContainsFunc(got, func(kv string) bool { return strings.HasPrefix(kv, "LD_") }))
}
