package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"taskwarden/internal/app"
	"taskwarden/internal/config"
)

var (
	flagConfig  string
	flagEnvFile string
	flagVerbose bool

	tw *app.App
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	root := newRootCmd()
	err := root.ExecuteContext(ctx)
	if tw != nil {
		if cerr := tw.Shutdown(); cerr != nil && err == nil {
			err = cerr
		}
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "taskwarden:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:               "taskwarden",
		Short:             "Manage scheduled tasks across launchd, systemd, cron, containers and VMs",
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: setup,
	}
	root.PersistentFlags().StringVar(&flagConfig, "config", "", "config file (default: taskwarden.yaml in the user config dir, if present)")
	root.PersistentFlags().StringVar(&flagEnvFile, "env-file", ".env", "dotenv file loaded before the config")
	root.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "debug logging")

	root.AddCommand(
		newListCmd(),
		newShowCmd(),
		newAddCmd(),
		newToggleCmd(true),
		newToggleCmd(false),
		newDeleteCmd(),
		newRunCmd(),
		newHistoryCmd(),
		newBulkCmd(true),
		newBulkCmd(false),
		newWatchCmd(),
		newVersionCmd(),
	)
	return root
}

func defaultConfigPath() string {
	if env := os.Getenv("TASKWARDEN_CONFIG"); env != "" {
		return env
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	for _, name := range []string{"taskwarden.yaml", "taskwarden.yml", "taskwarden.json"} {
		p := filepath.Join(dir, "taskwarden", name)
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

func setup(cmd *cobra.Command, _ []string) error {
	switch cmd.Name() {
	case "version", "help", "completion", cobra.ShellCompRequestCmd, cobra.ShellCompNoDescRequestCmd:
		return nil
	}
	if cmd.Parent() != nil && cmd.Parent().Name() == "completion" {
		return nil
	}
	path := flagConfig
	if path == "" {
		path = defaultConfigPath()
	}
	if flagVerbose {
		_ = os.Setenv(config.EnvLogLevel, "debug")
	}
	a, err := app.New(cmd.Context(), app.Options{ConfigPath: path, EnvFiles: []string{flagEnvFile}})
	if err != nil {
		return err
	}
	tw = a
	return nil
}
