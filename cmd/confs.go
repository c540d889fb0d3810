package cmd

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"go.argus.dev/wpdaemon/internal/configstore"
	"go.argus.dev/wpdaemon/internal/core"
	"go.argus.dev/wpdaemon/internal/daemon"
)

// NewConfsCommand lists the available configurations. When the daemon
// is not reachable the configs directory is read directly.
func NewConfsCommand() *cobra.Command {
	confsCmd := &cobra.Command{
		Use:     "confs",
		Aliases: []string{"configs"},
		Short:   "List available WireProxy configurations",
		Args:    cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			var configs []string

			reply, err := daemon.SendCommand(core.Config.Port, "available_confs:")
			if err == nil && reply.Error == nil {
				var result struct {
					Count   int      `json:"count"`
					Configs []string `json:"configs"`
				}
				json.Unmarshal(reply.Result, &result)
				configs = result.Configs
			} else {
				configs, err = configstore.New(core.Config.ConfsDir()).List()
				if err != nil {
					slog.Error(err.Error())
					os.Exit(1)
				}
			}

			if len(configs) == 0 {
				fmt.Println("No configurations found in", core.Config.ConfsDir())
				return
			}
			for _, name := range configs {
				fmt.Println(name)
			}
		},
	}

	return confsCmd
}
