package main

import (
	"context"
	"os"

	"github.com/carlmjohnson/versioninfo"
	"github.com/charmbracelet/fang"
	"github.com/spf13/cobra"
)

// newRootCommand creates the root cobra command
func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "nebula",
		Short: "Nebula anonymous chat relay node",
		Long: `Nebula relays end-to-end encrypted signals between peers over the Tor
network. Every node publishes a hidden service, keeps a directory of the
peers it has learned about, and forwards signals it is not the receiver of.

Start by creating an identity with "auth", optionally record a relay with
"initialize", then start the node with "run".`,
		SilenceUsage: true,
	}

	cmd.AddCommand(
		newRunCommand(),
		newAuthCommand(),
		newInitializeCommand(),
	)
	return cmd
}

func main() {
	if err := fang.Execute(
		context.Background(),
		newRootCommand(),
		fang.WithVersion(versioninfo.Short()),
	); err != nil {
		os.Exit(1)
	}
}
