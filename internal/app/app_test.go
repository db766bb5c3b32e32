package app

import (
	"context"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"taskwarden/internal/config"
	"taskwarden/internal/eventbus"
	"taskwarden/internal/executor"
	"taskwarden/internal/executor/executortest"
	"taskwarden/internal/task"
	logx "taskwarden/pkg/logx"
)

const onlyCrontab = `
state_dir: /state
history:
  driver: file
backends:
  launchd: {enabled: false}
  systemd: {enabled: false}
  crontab: {enabled: true}
  container: {enabled: false}
  virtualbox: {enabled: false}
  parallels: {enabled: false}
  utm: {enabled: false}
`

func TestNewWiresConfiguredBackends(t *testing.T) {
	fsys := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fsys, "/etc/taskwarden.yaml", []byte(onlyCrontab), 0o600))

	r := executortest.New()
	r.On("crontab -l", func(executor.Command) (*executor.Result, error) {
		return &executor.Result{Stdout: "0 3 * * * /usr/local/bin/backup.sh\n"}, nil
	})

	a, err := New(context.Background(), Options{
		ConfigPath: "/etc/taskwarden.yaml",
		Fs:         fsys,
		Runner:     r,
		Log:        logx.Nop(),
	})
	require.NoError(t, err)
	require.Equal(t, []task.Backend{task.BackendCrontab}, a.Registry().Kinds())
	require.Equal(t, "/state/history.json", a.Settings().History.Path)

	snap, err := a.Refresh(context.Background())
	require.NoError(t, err)
	require.Len(t, snap.Tasks, 1)
	require.Equal(t, task.BackendCrontab, snap.Tasks[0].Backend)

	require.NoError(t, a.Close())
}

func TestNewRejectsBadConfig(t *testing.T) {
	fsys := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fsys, "/c.json", []byte(`{"history":{"driver":"redis"}}`), 0o600))
	_, err := New(context.Background(), Options{ConfigPath: "/c.json", Fs: fsys, Runner: executortest.New(), Log: logx.Nop()})
	require.Error(t, err)
}

func TestPlatformDefaults(t *testing.T) {
	cases := []struct {
		goos string
		want []task.Backend
	}{
		{"darwin", []task.Backend{task.BackendLaunchd, task.BackendCrontab, task.BackendContainer,
			task.BackendVirtualBox, task.BackendParallels, task.BackendUTM}},
		{"linux", []task.Backend{task.BackendSystemd, task.BackendCrontab, task.BackendContainer,
			task.BackendVirtualBox}},
		{"windows", []task.Backend{task.BackendContainer, task.BackendVirtualBox}},
	}
	for _, tc := range cases {
		t.Run(tc.goos, func(t *testing.T) {
			cfg := config.Default()
			cfg.StateDir = "/state"
			s, err := cfg.Resolve()
			require.NoError(t, err)
			var got []task.Backend
			for _, a := range buildAdapters(cfg, s, tc.goos, afero.NewMemMapFs(), executortest.New(), logx.Nop()) {
				got = append(got, a.Kind())
			}
			require.Equal(t, tc.want, got)
		})
	}
}

func TestRunRefreshesUntilCancelled(t *testing.T) {
	a, err := New(context.Background(), Options{Fs: afero.NewMemMapFs(), Runner: executortest.New(), Log: logx.Nop(), GOOS: "windows"})
	require.NoError(t, err)
	defer a.Close()

	events, unsubscribe := a.Bus().Subscribe(8, eventbus.TasksRefreshed)
	defer unsubscribe()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	select {
	case ev := <-events:
		require.IsType(t, eventbus.Refreshed{}, ev.Data)
	case <-time.After(5 * time.Second):
		t.Fatal("no refresh event")
	}
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}
}
