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

// NewStatusCommand shows the current tunnel state.
func NewStatusCommand() *cobra.Command {
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show the current WireProxy state",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			reply, err := daemon.SendCommand(core.Config.Port, "state:")
			if err != nil {
				slog.Warn("WireProxy is not running (daemon is not reachable).")
				return
			}
			if reply.Error != nil {
				slog.Error(*reply.Error)
				os.Exit(1)
			}

			var result struct {
				Running bool    `json:"running"`
				Config  *string `json:"config"`
				Pid     *int    `json:"pid"`
				LogFile *string `json:"log_file"`
			}
			json.Unmarshal(reply.Result, &result)

			format, _ := cmd.Flags().GetString("format")
			switch format {
			case "text":
				if result.Running {
					fmt.Printf("WireProxy running with %s (PID %d)\n", *result.Config, *result.Pid)
					fmt.Printf("Log: %s\n", *result.LogFile)
				} else {
					fmt.Println("WireProxy is not running")
					if result.LogFile != nil {
						fmt.Printf("Last log: %s\n", *result.LogFile)
					}
				}
			case "json":
				fmt.Println(string(reply.Result))
			default:
				slog.Error("unknown format")
				os.Exit(1)
			}
		},
	}
	statusCmd.Flags().StringP("format", "F", "text", "Format to use (text/json)")

	return statusCmd
}
