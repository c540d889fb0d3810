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

// NewStopCommand spins down the running tunnel.
func NewStopCommand() *cobra.Command {
	stopCmd := &cobra.Command{
		Use:     "stop",
		Aliases: []string{"down"},
		Short:   "Stop the running WireProxy tunnel",
		Args:    cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			reply, err := daemon.SendCommand(core.Config.Port, "spin_down:")
			if err != nil {
				slog.Warn("WireProxy is not running (daemon is not reachable).")
				return
			}
			if reply.Error != nil {
				slog.Error(*reply.Error)
				os.Exit(1)
			}

			var result struct {
				Status         string `json:"status"`
				PreviousConfig string `json:"previous_config"`
				LogFile        string `json:"log_file"`
			}
			json.Unmarshal(reply.Result, &result)
			fmt.Printf("WireProxy stopped (was %s)\n", result.PreviousConfig)
			fmt.Printf("Log: %s\n", result.LogFile)
		},
	}

	return stopCmd
}
