package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"go.argus.dev/wpdaemon/internal/binary"
	"go.argus.dev/wpdaemon/internal/configstore"
	"go.argus.dev/wpdaemon/internal/core"
	"go.argus.dev/wpdaemon/internal/daemon"
	"go.argus.dev/wpdaemon/internal/db"
)

// NewDaemonCommand runs the supervisor in the foreground.
func NewDaemonCommand() *cobra.Command {
	daemonCmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run the WireProxy supervisor",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon()
		},
	}

	return daemonCmd
}

func runDaemon() error {
	cfg := core.Config
	if err := cfg.EnsureDirs(); err != nil {
		return err
	}

	binaries := binary.New(cfg.InstallDir())
	if err := binaries.EnsureAvailable(); err != nil {
		return fmt.Errorf("wireproxy binary unavailable: %w", err)
	}

	configs := configstore.New(cfg.ConfsDir())
	if err := configs.Watch(); err != nil {
		slog.Warn("Config directory watch unavailable", "error", err)
	}
	defer configs.Close()

	database, err := db.Open(cfg.DatabasePath())
	if err != nil {
		slog.Error("Failed to open audit database", "error", err, "path", cfg.DatabasePath())
		database = nil
	} else {
		defer database.Close()
		version := core.FormatVersion(core.Version)
		if err := database.LogDaemonEvent("start",
			fmt.Sprintf("daemon started - version: %s, PID: %d", version, os.Getpid())); err != nil {
			slog.Error("Failed to log daemon start", "error", err)
		}
	}

	sessionLog := daemon.NewSessionLog(cfg.LogsDir(), cfg.ConfsDir())
	dispatcher := daemon.NewDispatcher(sessionLog, configs, binaries, database)
	server := daemon.NewServer(dispatcher)

	err = server.Run(cfg.Port)

	if database != nil {
		if logErr := database.LogDaemonEvent("stop", fmt.Sprintf("daemon stopped - PID: %d", os.Getpid())); logErr != nil {
			slog.Error("Failed to log daemon stop", "error", logErr)
		}
		database.Flush()
	}
	return err
}
