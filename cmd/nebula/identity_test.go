package main

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NebulaChat/nebula-node/pkg/config"
	"github.com/NebulaChat/nebula-node/pkg/crypto"
	"github.com/NebulaChat/nebula-node/pkg/log"
	"github.com/NebulaChat/nebula-node/pkg/network"
	"github.com/NebulaChat/nebula-node/pkg/protocol"
)

func TestAuthCreatesOnce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nebula", "config.toml")

	var out bytes.Buffer
	require.NoError(t, authenticate(&out, path, "alice", false))
	assert.Contains(t, out.String(), "Created identity for alice")

	first, err := config.LoadClientConfig(path)
	require.NoError(t, err)

	out.Reset()
	require.NoError(t, authenticate(&out, path, "mallory", false))
	assert.Contains(t, out.String(), "already exists")

	again, err := config.LoadClientConfig(path)
	require.NoError(t, err)
	assert.Equal(t, first, again, "existing identity must not be replaced")

	require.NoError(t, authenticate(&out, path, "bob", true))
	replaced, err := config.LoadClientConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "bob", replaced.Username)
	assert.NotEqual(t, first.Keypair, replaced.Keypair)
}

func TestAuthRejectsBadUsername(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	err := authenticate(&bytes.Buffer{}, path, "", false)
	assert.ErrorIs(t, err, config.ErrInvalidUsername)
}

func TestInitializeRequiresIdentity(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	err := initialize(context.Background(), &bytes.Buffer{}, path, "10.0.0.1:23690", false, "")
	assert.ErrorIs(t, err, config.ErrConfigNotFound)
}

func TestInitializeRejectsBadAddress(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, authenticate(&bytes.Buffer{}, path, "alice", false))

	err := initialize(context.Background(), &bytes.Buffer{}, path, "not-a-relay", false, "")
	assert.ErrorIs(t, err, protocol.ErrInvalidAddress)
}

func TestInitializeCheck(t *testing.T) {
	backend, err := log.New("", "ERROR", true)
	require.NoError(t, err)

	relayID, err := crypto.GenerateIdentity()
	require.NoError(t, err)
	router, err := network.NewRouter(&network.RouterConfig{Identity: relayID, LogBackend: backend})
	require.NoError(t, err)

	rs := network.NewRelayServer(network.RelayServerConfig{Address: "127.0.0.1:0"}, router, backend)
	require.NoError(t, rs.Listen())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = rs.Serve(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, authenticate(&bytes.Buffer{}, path, "alice", false))

	var out bytes.Buffer
	relayURL := rs.Addr().String()
	require.NoError(t, initialize(context.Background(), &out, path, relayURL, true, ""))
	assert.Contains(t, out.String(), crypto.Fingerprint(relayID.PublicKey()))

	cfg, err := config.LoadClientConfig(path)
	require.NoError(t, err)
	assert.Equal(t, relayURL, cfg.RelayURL)
}

func TestRootCommandWiring(t *testing.T) {
	root := newRootCommand()
	for _, name := range []string{"run", "auth", "initialize"} {
		cmd, _, err := root.Find([]string{name})
		require.NoError(t, err)
		assert.Equal(t, name, cmd.Name())
	}
}
