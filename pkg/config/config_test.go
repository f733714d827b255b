package config

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/NebulaChat/nebula-node/pkg/protocol"
)

func minimalConfig(dataDir string) string {
	return fmt.Sprintf(`
[Node]
DataDir = '%s'
IdentityFile = '%s'
`, dataDir, filepath.Join(dataDir, "identity.toml"))
}

func TestConfig(t *testing.T) {
	require := require.New(t)

	_, err := Load(nil)
	require.Error(err, "no Load() with nil config")

	dataDir := t.TempDir()
	basicConfig := fmt.Sprintf(`# A basic configuration example.
[Node]
DataDir = '%s'
IdentityFile = '%s'

[Relay]
Address = "127.0.0.1:9000"
TTL = 64
KeepaliveInterval = 10000
IdleTimeout = 60000
Peers = [ "10.0.0.2:23690", "/ip4/10.0.0.3/tcp/23690" ]

[Onion]
Nickname = "relay_one"
DisablePoW = true

[Storage]
SignalTTL = 3600

[API]
Address = "127.0.0.1:8080"
RateLimit = 30

[Logging]
Level = "debug"

[Proxy]
SOCKS5Address = "127.0.0.1:9050"
`, dataDir, filepath.Join(dataDir, "identity.toml"))

	cfg, err := Load([]byte(basicConfig))
	require.NoError(err, "Load() with basic config")

	require.Equal("127.0.0.1:9000", cfg.Relay.Address)
	require.Equal(64, cfg.Relay.TTL)
	require.Equal(10*time.Second, cfg.Relay.Keepalive())
	require.Equal(time.Minute, cfg.Relay.Idle())
	require.Len(cfg.Relay.Peers, 2)
	require.Equal("relay_one", cfg.Onion.Nickname)
	require.True(cfg.Onion.DisablePoW)
	require.Equal(time.Hour, cfg.Storage.TTL())
	require.Equal(30, cfg.API.RateLimit)
	require.Equal("DEBUG", cfg.Logging.Level, "level is forced to uppercase")
	require.Equal("127.0.0.1:9050", cfg.Proxy.SOCKS5Address)
}

func TestConfigDefaults(t *testing.T) {
	require := require.New(t)

	dataDir := t.TempDir()
	cfg, err := Load([]byte(minimalConfig(dataDir)))
	require.NoError(err)

	require.Equal(DefaultRelayAddress, cfg.Relay.Address)
	require.Equal(DefaultTTL, cfg.Relay.TTL)
	require.Equal(uint32(protocol.DefaultMaxFrameSize), cfg.Relay.MaxFrameSize)
	require.Equal(DefaultMaxPeers, cfg.Relay.MaxPeers)
	require.Equal(30*time.Second, cfg.Relay.Keepalive())
	require.Equal(2*time.Minute, cfg.Relay.Idle())

	require.False(cfg.Onion.Disable)
	require.False(cfg.Onion.DisablePoW, "proof-of-work is on by default")
	require.Equal(DefaultNickname, cfg.Onion.Nickname)
	require.Equal(DefaultVirtualPort, cfg.Onion.VirtualPort)
	require.Equal(DefaultBridgeAddress, cfg.Onion.BridgeAddress)
	require.Equal(filepath.Join(dataDir, "onion"), cfg.Onion.DataDir)

	require.Equal(filepath.Join(dataDir, "ledger.db"), cfg.Storage.LedgerFile)
	require.Equal(24*time.Hour, cfg.Storage.TTL())

	require.Equal(DefaultAPIAddress, cfg.API.Address)
	require.Equal(DefaultAPIRateLimit, cfg.API.RateLimit)
	require.Equal(defaultLogLevel, cfg.Logging.Level)
	require.Empty(cfg.Proxy.SOCKS5Address)
}

func TestIncompleteConfig(t *testing.T) {
	require := require.New(t)

	_, err := Load([]byte(`
[Relay]
Address = "127.0.0.1:9000"
`))
	require.Error(err, "Load() with config missing the Node block")
}

func TestInvalidConfig(t *testing.T) {
	dataDir := t.TempDir()

	tests := []struct {
		name  string
		extra string
	}{
		{name: "bad relay address", extra: "[Relay]\nAddress = \"nope\""},
		{name: "ttl too large", extra: "[Relay]\nTTL = 300"},
		{name: "oversized frames", extra: "[Relay]\nMaxFrameSize = 1073741824"},
		{name: "idle below keepalive", extra: "[Relay]\nKeepaliveInterval = 5000\nIdleTimeout = 1000"},
		{name: "bad peer", extra: "[Relay]\nPeers = [ \"not-an-address\" ]"},
		{name: "exposed bridge", extra: "[Onion]\nBridgeAddress = \"0.0.0.0:9999\""},
		{name: "bad nickname", extra: "[Onion]\nNickname = \"../escape\""},
		{name: "bad virtual port", extra: "[Onion]\nVirtualPort = 70000"},
		{name: "relative ledger", extra: "[Storage]\nLedgerFile = \"ledger.db\""},
		{name: "bad log level", extra: "[Logging]\nLevel = \"LOUD\""},
		{name: "bad proxy", extra: "[Proxy]\nSOCKS5Address = \"localhost\""},
		{name: "unknown key", extra: "[Relay]\nBogus = 1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load([]byte(minimalConfig(dataDir) + "\n" + tt.extra + "\n"))
			require.Error(t, err)
		})
	}
}

func TestRelativeDataDir(t *testing.T) {
	_, err := Load([]byte("[Node]\nDataDir = \"relative/dir\"\nIdentityFile = \"/tmp/id.toml\"\n"))
	require.Error(t, err)
}

func TestOnionDisabledSkipsValidation(t *testing.T) {
	dataDir := t.TempDir()
	_, err := Load([]byte(minimalConfig(dataDir) + "\n[Onion]\nDisable = true\nBridgeAddress = \"0.0.0.0:1\"\n"))
	require.NoError(t, err)
}

func TestLoadFile(t *testing.T) {
	require := require.New(t)

	dataDir := t.TempDir()
	path := filepath.Join(dataDir, "nebula.toml")
	require.NoError(os.WriteFile(path, []byte(minimalConfig(dataDir)), 0600))

	cfg, err := LoadFile(path)
	require.NoError(err)
	require.Equal(dataDir, cfg.Node.DataDir)

	_, err = LoadFile(filepath.Join(dataDir, "missing.toml"))
	require.Error(err)
}
