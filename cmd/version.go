package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"go.argus.dev/wpdaemon/internal/core"
	"go.argus.dev/wpdaemon/internal/daemon"
)

// NewVersionCommand prints the local build version and, when the
// daemon is reachable, its whoami identification.
func NewVersionCommand() *cobra.Command {
	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Show wpdaemon version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("wpdaemon version %s\n", core.FormatVersion(core.Version))

			reply, err := daemon.SendCommand(core.Config.Port, "whoami:")
			if err != nil || reply.Error != nil {
				return
			}
			var result struct {
				Version        string `json:"version"`
				Implementation string `json:"implementation"`
			}
			json.Unmarshal(reply.Result, &result)
			fmt.Printf("daemon version %s (%s)\n", result.Version, result.Implementation)
		},
	}

	return versionCmd
}
