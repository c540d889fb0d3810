package cmd

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"go.argus.dev/wpdaemon/internal/core"
	"go.argus.dev/wpdaemon/internal/daemon"
)

// NewStartCommand spins up a tunnel with the given config.
func NewStartCommand() *cobra.Command {
	startCmd := &cobra.Command{
		Use:     "start <config>",
		Aliases: []string{"up"},
		Short:   "Start the WireProxy tunnel with a configuration",
		Args:    cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			port := core.Config.Port
			if err := daemon.EnsureDaemonIsRunning(port); err != nil {
				slog.Error(err.Error())
				os.Exit(1)
			}

			reply, err := daemon.SendCommand(port, "spin_up:"+args[0])
			if err != nil {
				slog.Error(err.Error())
				os.Exit(1)
			}
			if reply.Error != nil {
				slog.Error(*reply.Error)
				os.Exit(1)
			}

			var result struct {
				Status  string `json:"status"`
				Config  string `json:"config"`
				Pid     int    `json:"pid"`
				LogFile string `json:"log_file"`
			}
			json.Unmarshal(reply.Result, &result)
			fmt.Printf("WireProxy running with %s (PID %d)\n", result.Config, result.Pid)
			fmt.Printf("Log: %s\n", result.LogFile)
		},
	}

	return startCmd
}
