package cmd

import (
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"
	"go.argus.dev/wpdaemon/internal/core"
)

// NewRootCommand builds the wpdaemon CLI.
func NewRootCommand() *cobra.Command {
	var baseDir string
	var port int
	var verbose int

	rootCmd := &cobra.Command{
		Use:   "wpdaemon",
		Short: "wpdaemon - WireProxy supervisor",
		Long:  `wpdaemon - supervisor for a single WireProxy tunnel process, controlled over a loopback TCP protocol`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := core.Initialize(baseDir, port, verbose); err != nil {
				return err
			}
			setupLogging(core.Config.Verbose)
			return nil
		},
	}

	rootCmd.PersistentFlags().StringVar(&baseDir, "base-dir", "",
		"base directory (default $HOME/.argus)")
	rootCmd.PersistentFlags().IntVarP(&port, "port", "p", 0,
		"TCP control port (default 23888)")
	rootCmd.PersistentFlags().CountVarP(&verbose, "verbose", "v",
		"more output, repeat for even more")

	rootCmd.AddCommand(
		NewDaemonCommand(),
		NewStartCommand(),
		NewStopCommand(),
		NewStatusCommand(),
		NewConfsCommand(),
		NewHistoryCommand(),
		NewShellCommand(),
		NewVersionCommand(),
	)

	return rootCmd
}

// setupLogging installs a tint slog handler on stderr. Verbosity maps
// onto the level: 0 info, 1 debug, more even lower.
func setupLogging(verbose int) {
	level := slog.LevelInfo
	if verbose > 0 {
		level = slog.Level(int(slog.LevelDebug) - 4*(verbose-1))
	}

	handler := tint.NewHandler(os.Stderr, &tint.Options{
		Level:      level,
		TimeFormat: time.DateTime,
	})
	slog.SetDefault(slog.New(handler))
}
