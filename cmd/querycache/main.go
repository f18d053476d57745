// Command querycache runs the lead query cache against a SQL database. Change
// events travel over Redis when it is configured, so a watch in one process
// sees creates made by another.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
)

const envPrefix = "QUERYCACHE_"

// flagOrEnv returns the flag value, then the environment value, then def.
func flagOrEnv(cmd *cobra.Command, flag, env, def string) string {
	if v, _ := cmd.Flags().GetString(flag); v != "" {
		return v
	}
	if v, ok := os.LookupEnv(envPrefix + env); ok {
		return v
	}
	return def
}

func logLevel(cmd *cobra.Command) slog.Level {
	switch strings.ToLower(flagOrEnv(cmd, "log-level", "LOG_LEVEL", "warn")) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "error":
		return slog.LevelError
	}
	return slog.LevelWarn
}

func newLogger(cmd *cobra.Command) *slog.Logger {
	return slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: logLevel(cmd)}))
}

// withApp loads settings, builds the app and runs fn with it.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	settings, err := LoadSettings(flagOrEnv(cmd, "config", "CONFIG", ""))
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	a, err := newApp(ctx, settings, newLogger(cmd))
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.Migrate(ctx); err != nil {
		return err
	}
	return fn(ctx, a)
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "querycache",
		Short:         "Cached, optimistic access to lead records",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().String("config", "", "path to the YAML settings file (env QUERYCACHE_CONFIG)")
	root.PersistentFlags().String("log-level", "", "debug, info, warn or error (env QUERYCACHE_LOG_LEVEL)")

	root.AddCommand(
		newConfigCmd(),
		newSeedCmd(),
		newListCmd(),
		newCreateCmd(),
		newWatchCmd(),
	)
	return root
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		stop()
		os.Exit(1)
	}
}
