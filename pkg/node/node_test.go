package node

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/proxy"

	"github.com/NebulaChat/nebula-node/pkg/config"
	"github.com/NebulaChat/nebula-node/pkg/lifecycle"
	"github.com/NebulaChat/nebula-node/pkg/network"
	"github.com/NebulaChat/nebula-node/pkg/onion"
)

const testTimeout = 10 * time.Second

var testHostname = strings.Repeat("n", 56) + ".onion"

type fakeInstance struct{}

func (fakeInstance) OnionAddress() string { return testHostname }

func (fakeInstance) Dialer(context.Context) (proxy.ContextDialer, error) {
	return &net.Dialer{}, nil
}

func (fakeInstance) Close() error { return nil }

type fakeLauncher struct {
	err error
}

func (f *fakeLauncher) Launch(ctx context.Context, target string) (onion.Instance, error) {
	if f.err != nil {
		return nil, f.err
	}
	return fakeInstance{}, nil
}

// testConfig builds a validated config with a fresh identity in its own
// data directory
func testConfig(t *testing.T, username string, tweak func(*config.Config)) *config.Config {
	t.Helper()

	dataDir := t.TempDir()
	identity := filepath.Join(dataDir, "identity.toml")

	client, err := config.NewClientConfig(username)
	require.NoError(t, err)
	require.NoError(t, client.Save(identity))

	cfg := &config.Config{
		Node:    &config.Node{DataDir: dataDir, IdentityFile: identity},
		Relay:   &config.Relay{Address: "127.0.0.1:0"},
		Onion:   &config.Onion{Disable: true},
		API:     &config.API{Disable: true},
		Logging: &config.Logging{Disable: true},
	}
	if tweak != nil {
		tweak(cfg)
	}
	require.NoError(t, cfg.FixupAndValidate())
	return cfg
}

type runningNode struct {
	*Node
	cancel context.CancelFunc
	errCh  chan error
}

func startNode(t *testing.T, cfg *config.Config, opts ...Option) *runningNode {
	t.Helper()

	n, err := New(cfg, opts...)
	require.NoError(t, err)
	require.NoError(t, n.Listen())

	ctx, cancel := context.WithCancel(context.Background())
	rn := &runningNode{Node: n, cancel: cancel, errCh: make(chan error, 1)}
	go func() { rn.errCh <- n.Run(ctx) }()

	t.Cleanup(func() {
		rn.stop(t)
		n.Close()
	})
	return rn
}

func (rn *runningNode) stop(t *testing.T) error {
	rn.cancel()
	select {
	case err, ok := <-rn.errCh:
		if !ok {
			return nil
		}
		close(rn.errCh)
		return err
	case <-time.After(testTimeout):
		t.Fatal("node did not stop")
		return nil
	}
}

func TestNewMissingIdentity(t *testing.T) {
	cfg := testConfig(t, "alice", nil)
	cfg.Node.IdentityFile = filepath.Join(t.TempDir(), "missing.toml")

	_, err := New(cfg)
	assert.ErrorIs(t, err, config.ErrConfigNotFound)
}

func TestNodeSignalOverBootstrap(t *testing.T) {
	deliveries := make(chan network.Delivery, 1)
	a := startNode(t, testConfig(t, "alice", func(c *config.Config) {
		c.Storage = &config.Storage{InMemory: true}
	}), WithSignalHandler(func(d network.Delivery) { deliveries <- d }))

	b := startNode(t, testConfig(t, "bob", func(c *config.Config) {
		c.Relay.Peers = []string{a.RelayAddr().String()}
		c.Onion = &config.Onion{}
	}), WithLauncher(&fakeLauncher{}))

	// bob publishes its onion address to alice during bootstrap
	require.Eventually(t, func() bool {
		p, ok := a.Router().Directory().Lookup(b.PublicKey())
		return ok && p.Address == onion.PeerAddress(testHostname, config.DefaultVirtualPort)
	}, testTimeout, 10*time.Millisecond)

	addr, ok := b.OnionAddress()
	require.True(t, ok)
	assert.Equal(t, onion.PeerAddress(testHostname, config.DefaultVirtualPort), addr)

	id, err := b.SendSignal(a.PublicKey(), []byte("hello alice"))
	require.NoError(t, err)

	select {
	case d := <-deliveries:
		assert.Equal(t, id, d.SignalID)
		assert.Equal(t, b.PublicKey(), d.Sender)
		assert.Equal(t, []byte("hello alice"), d.Plaintext)
	case <-time.After(testTimeout):
		t.Fatal("signal was not delivered")
	}

	assert.NoError(t, b.stop(t))
	assert.NoError(t, a.stop(t))
}

func TestNodeOnionFailureStopsRun(t *testing.T) {
	cfg := testConfig(t, "carol", func(c *config.Config) {
		c.Onion = &config.Onion{}
	})
	n, err := New(cfg, WithLauncher(&fakeLauncher{err: errors.New("tor not found")}))
	require.NoError(t, err)
	defer n.Close()

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	err = n.Run(ctx)
	assert.ErrorIs(t, err, onion.ErrBootstrap)

	ev, ok := n.Events().Latest()
	require.True(t, ok)
	assert.Equal(t, lifecycle.Failed, ev.Kind)
}

// blockingLauncher stands in for a Tor bootstrap that never completes
type blockingLauncher struct {
	started chan struct{}
}

func (b *blockingLauncher) Launch(ctx context.Context, target string) (onion.Instance, error) {
	close(b.started)
	<-ctx.Done()
	return nil, fmt.Errorf("tor: bootstrap failed: %w", ctx.Err())
}

func TestNodeShutdownDuringOnionBootstrap(t *testing.T) {
	cfg := testConfig(t, "frank", func(c *config.Config) {
		c.Onion = &config.Onion{}
	})
	launcher := &blockingLauncher{started: make(chan struct{})}
	n, err := New(cfg, WithLauncher(launcher))
	require.NoError(t, err)
	defer n.Close()

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- n.Run(ctx) }()

	select {
	case <-launcher.started:
	case <-time.After(testTimeout):
		t.Fatal("onion bootstrap did not start")
	}
	cancel()

	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(testTimeout):
		t.Fatal("node did not stop")
	}

	_, ok := n.Events().Latest()
	assert.False(t, ok, "no lifecycle event on shutdown")
}

func TestNodeStatusAPI(t *testing.T) {
	n := startNode(t, testConfig(t, "dave", func(c *config.Config) {
		c.API = &config.API{Address: "127.0.0.1:0"}
	}))

	require.NotNil(t, n.APIAddr())
	resp, err := http.Get(fmt.Sprintf("http://%s/api/v1/status", n.APIAddr()))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestNodePersistentLedger(t *testing.T) {
	cfg := testConfig(t, "erin", nil)
	n, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, n.Close())

	assert.FileExists(t, cfg.Storage.LedgerFile)
}

func TestLoopbackTarget(t *testing.T) {
	tests := []struct {
		addr net.Addr
		want string
	}{
		{addr: &net.TCPAddr{IP: net.IPv4zero, Port: 23690}, want: "127.0.0.1:23690"},
		{addr: &net.TCPAddr{IP: net.IPv6unspecified, Port: 23690}, want: "[::1]:23690"},
		{addr: &net.TCPAddr{IP: net.IPv4(10, 0, 0, 1), Port: 9000}, want: "10.0.0.1:9000"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, loopbackTarget(tt.addr))
	}
}
