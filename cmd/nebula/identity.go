package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/NebulaChat/nebula-node/pkg/config"
	"github.com/NebulaChat/nebula-node/pkg/crypto"
	"github.com/NebulaChat/nebula-node/pkg/log"
	"github.com/NebulaChat/nebula-node/pkg/network"
	"github.com/NebulaChat/nebula-node/pkg/protocol"
)

const checkTimeout = 2 * time.Minute

func identityPath(flag string) (string, error) {
	if flag != "" {
		return flag, nil
	}
	return config.DefaultClientConfigPath()
}

func newAuthCommand() *cobra.Command {
	var (
		username string
		path     string
		force    bool
	)

	cmd := &cobra.Command{
		Use:   "auth",
		Short: "Create a new identity if none exists",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := identityPath(path)
			if err != nil {
				return err
			}
			return authenticate(cmd.OutOrStdout(), p, username, force)
		},
	}

	cmd.Flags().StringVarP(&username, "username", "u", "", "username for the new identity")
	cmd.Flags().StringVar(&path, "identity", "", "identity file (defaults to the user config directory)")
	cmd.Flags().BoolVar(&force, "force", false, "replace an existing identity")
	_ = cmd.MarkFlagRequired("username")

	return cmd
}

func authenticate(w io.Writer, path, username string, force bool) error {
	existing, err := config.LoadClientConfig(path)
	switch {
	case err == nil && !force:
		id, err := existing.Identity()
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "Identity for %s already exists: %s\n", existing.Username, crypto.Fingerprint(id.PublicKey()))
		return nil
	case err != nil && !errors.Is(err, config.ErrConfigNotFound) && !force:
		return fmt.Errorf("failed to read identity '%v': %w", path, err)
	}

	cfg, err := config.NewClientConfig(username)
	if err != nil {
		return err
	}
	if err := cfg.Save(path); err != nil {
		return fmt.Errorf("failed to save identity '%v': %w", path, err)
	}

	id, err := cfg.Identity()
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "Created identity for %s: %s\n", username, crypto.Fingerprint(id.PublicKey()))
	return nil
}

func newInitializeCommand() *cobra.Command {
	var (
		relayURL string
		path     string
		proxy    string
		check    bool
	)

	cmd := &cobra.Command{
		Use:   "initialize",
		Short: "Record the relay to connect to",
		Example: `  # Record a relay by its onion address
  nebula initialize --relay-url <id>.onion:80

  # Record the relay and verify it answers through the local Tor client
  nebula initialize --relay-url <id>.onion:80 --check --proxy 127.0.0.1:9050`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := identityPath(path)
			if err != nil {
				return err
			}
			return initialize(cmd.Context(), cmd.OutOrStdout(), p, relayURL, check, proxy)
		},
	}

	cmd.Flags().StringVar(&relayURL, "relay-url", "", "onion address of the relay to connect to")
	cmd.Flags().StringVar(&path, "identity", "", "identity file (defaults to the user config directory)")
	cmd.Flags().BoolVar(&check, "check", false, "connect to the relay and complete a handshake")
	cmd.Flags().StringVar(&proxy, "proxy", "", "SOCKS5 proxy for --check, direct when empty")
	_ = cmd.MarkFlagRequired("relay-url")

	return cmd
}

func initialize(ctx context.Context, w io.Writer, path, relayURL string, check bool, proxyAddr string) error {
	if err := protocol.ValidateAddress(relayURL); err != nil {
		return err
	}

	cfg, err := config.LoadClientConfig(path)
	if errors.Is(err, config.ErrConfigNotFound) {
		return fmt.Errorf("%w: create an identity with \"nebula auth\" first", err)
	}
	if err != nil {
		return err
	}

	if check {
		if err := checkRelay(ctx, w, cfg, relayURL, proxyAddr); err != nil {
			return err
		}
	}

	cfg.RelayURL = relayURL
	if err := cfg.Save(path); err != nil {
		return fmt.Errorf("failed to save identity '%v': %w", path, err)
	}
	fmt.Fprintf(w, "Relay set to %s\n", relayURL)
	return nil
}

func checkRelay(ctx context.Context, w io.Writer, cfg *config.ClientConfig, relayURL, proxyAddr string) error {
	id, err := cfg.Identity()
	if err != nil {
		return err
	}

	backend, err := log.New("", "ERROR", true)
	if err != nil {
		return err
	}
	defer backend.Close()

	router, err := network.NewRouter(&network.RouterConfig{
		Identity:   id,
		LogBackend: backend,
	})
	if err != nil {
		return err
	}

	var client *network.Client
	if proxyAddr != "" {
		d, err := network.SOCKS5Dialer(proxyAddr)
		if err != nil {
			return err
		}
		client = network.NewClient(router, d, backend)
	} else {
		client = network.NewClient(router, nil, backend)
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()

	sess, err := client.Connect(ctx, relayURL)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "Relay %s answered as %s\n", relayURL, crypto.Fingerprint(sess.PeerKey()))
	return nil
}
