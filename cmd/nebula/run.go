package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/NebulaChat/nebula-node/pkg/config"
	"github.com/NebulaChat/nebula-node/pkg/node"
)

func newRunCommand() *cobra.Command {
	var configFile string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the relay node",
		Example: `  # Start the node with the default configuration file
  nebula run

  # Start the node with a custom configuration file
  nebula run --config /etc/nebula/nebula.toml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runNode(cmd.Context(), configFile)
		},
	}

	cmd.Flags().StringVarP(&configFile, "config", "f", "nebula.toml",
		"path to the node configuration file (TOML format)")

	return cmd
}

func runNode(ctx context.Context, configFile string) error {
	cfg, err := config.LoadFile(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config file '%v': %v", configFile, err)
	}

	n, err := node.New(cfg)
	if err != nil {
		return fmt.Errorf("failed to start node: %w", err)
	}
	defer n.Close()

	// Halt the node gracefully on SIGINT/SIGTERM.
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Rotate logs upon SIGHUP.
	rotateCh := make(chan os.Signal, 1)
	signal.Notify(rotateCh, syscall.SIGHUP)
	defer signal.Stop(rotateCh)
	go func() {
		for {
			select {
			case <-rotateCh:
				if err := n.RotateLog(); err != nil {
					fmt.Fprintf(os.Stderr, "log rotation failed: %v\n", err)
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	return n.Run(ctx)
}
