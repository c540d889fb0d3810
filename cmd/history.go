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

// NewHistoryCommand shows recent audit events from the daemon.
func NewHistoryCommand() *cobra.Command {
	historyCmd := &cobra.Command{
		Use:     "history [count]",
		Aliases: []string{"logs"},
		Short:   "Show recent commands and lifecycle events",
		Args:    cobra.MaximumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			wire := "history:"
			if len(args) == 1 {
				wire += args[0]
			}

			reply, err := daemon.SendCommand(core.Config.Port, wire)
			if err != nil {
				slog.Warn("No history available (daemon is not reachable).")
				return
			}
			if reply.Error != nil {
				slog.Error(*reply.Error)
				os.Exit(1)
			}

			var result struct {
				Commands []historyLine `json:"commands"`
				Sessions []historyLine `json:"sessions"`
				Daemon   []historyLine `json:"daemon"`
			}
			json.Unmarshal(reply.Result, &result)

			format, _ := cmd.Flags().GetString("format")
			switch format {
			case "text":
				printHistorySection("Commands:", result.Commands)
				printHistorySection("Session events:", result.Sessions)
				printHistorySection("Daemon events:", result.Daemon)
			case "json":
				fmt.Println(string(reply.Result))
			default:
				slog.Error("unknown format")
				os.Exit(1)
			}
		},
	}
	historyCmd.Flags().StringP("format", "F", "text", "Format to use (text/json)")

	return historyCmd
}

type historyLine struct {
	Timestamp string `json:"timestamp"`
	Event     string `json:"event"`
	Config    string `json:"config,omitempty"`
	Details   string `json:"details,omitempty"`
}

func printHistorySection(title string, lines []historyLine) {
	fmt.Println(title)
	if len(lines) == 0 {
		fmt.Println("  (none)")
		return
	}
	for _, line := range lines {
		out := fmt.Sprintf("  %s  %s", line.Timestamp, line.Event)
		if line.Config != "" {
			out += "  " + line.Config
		}
		if line.Details != "" {
			out += "  " + line.Details
		}
		fmt.Println(out)
	}
}
