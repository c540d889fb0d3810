package cmd

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.argus.dev/wpdaemon/internal/core"
	"go.argus.dev/wpdaemon/internal/daemon"
	"golang.org/x/term"
)

// NewShellCommand starts an interactive client session that maps
// friendly verbs onto the wire protocol.
func NewShellCommand() *cobra.Command {
	shellCmd := &cobra.Command{
		Use:     "shell",
		Aliases: []string{"interactive"},
		Short:   "Interactive WireProxy control session",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			port := core.Config.Port
			if err := daemon.EnsureDaemonIsRunning(port); err != nil {
				return err
			}
			runShell(port)
			return nil
		},
	}

	return shellCmd
}

func runShell(port int) {
	interactive := term.IsTerminal(int(os.Stdin.Fd()))
	if interactive {
		fmt.Println("Connected to wpdaemon. Type 'help' for commands, 'quit' to exit.")
	}

	scanner := bufio.NewScanner(os.Stdin)
	for {
		if interactive {
			fmt.Print("wpdaemon> ")
		}
		if !scanner.Scan() {
			return
		}

		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}

		var wire string
		switch fields[0] {
		case "quit", "exit":
			return
		case "help":
			fmt.Println("  up <config>   start the tunnel with a configuration")
			fmt.Println("  down          stop the tunnel")
			fmt.Println("  status        show tunnel state")
			fmt.Println("  confs         list available configurations")
			fmt.Println("  history [n]   show recent audit events")
			fmt.Println("  whoami        identify the daemon")
			fmt.Println("  quit          exit")
			continue
		case "up", "start":
			if len(fields) < 2 {
				fmt.Println("usage: up <config>")
				continue
			}
			wire = "spin_up:" + fields[1]
		case "down", "stop":
			wire = "spin_down:"
		case "status", "state":
			wire = "state:"
		case "confs", "configs":
			wire = "available_confs:"
		case "history", "logs":
			wire = "history:"
			if len(fields) > 1 {
				wire += fields[1]
			}
		case "whoami":
			wire = "whoami:"
		default:
			// Pass raw protocol lines straight through
			wire = scanner.Text()
		}

		reply, err := daemon.SendCommand(port, wire)
		if err != nil {
			slog.Error(err.Error())
			continue
		}
		if reply.Error != nil {
			fmt.Println("error:", *reply.Error)
			continue
		}
		fmt.Println(string(reply.Result))
	}
}
