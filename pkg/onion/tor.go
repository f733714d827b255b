package onion

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/cretz/bine/tor"
	"golang.org/x/net/proxy"
	"gopkg.in/op/go-logging.v1"

	"github.com/NebulaChat/nebula-node/pkg/log"
)

const (
	DefaultNickname    = "nebula_chat"
	DefaultVirtualPort = 80

	hostnamePollInterval = 250 * time.Millisecond
	onionSuffix          = ".onion"
	onionV3Length        = 56
)

var ErrNoHostname = errors.New("hidden service hostname not published")

// Launcher starts an anonymity network client that publishes a hidden
// service forwarding to target
type Launcher interface {
	Launch(ctx context.Context, target string) (Instance, error)
}

// Instance is a running hidden service
type Instance interface {
	// OnionAddress is the published "<id>.onion" hostname
	OnionAddress() string
	// Dialer reaches other hidden services through the same client
	Dialer(ctx context.Context) (proxy.ContextDialer, error)
	Close() error
}

// TorConfig configures the Tor launcher
type TorConfig struct {
	ExePath     string // "tor" from PATH when empty
	DataDir     string
	Nickname    string
	VirtualPort int
	PoW         bool
	DebugWriter io.Writer
}

// TorLauncher runs a Tor process through its control port
type TorLauncher struct {
	cfg TorConfig
	log *logging.Logger
}

// NewTorLauncher creates a launcher
func NewTorLauncher(cfg TorConfig, backend *log.Backend) *TorLauncher {
	if cfg.Nickname == "" {
		cfg.Nickname = DefaultNickname
	}
	if cfg.VirtualPort == 0 {
		cfg.VirtualPort = DefaultVirtualPort
	}
	return &TorLauncher{
		cfg: cfg,
		log: backend.GetLogger("tor"),
	}
}

// HiddenServiceArgs returns the torrc options for a hidden service in dir
// publishing virtualPort and forwarding it to target
func HiddenServiceArgs(dir string, virtualPort int, target string, pow bool) []string {
	args := []string{
		"--HiddenServiceDir", dir,
		"--HiddenServicePort", strconv.Itoa(virtualPort) + " " + target,
	}
	if pow {
		args = append(args, "--HiddenServicePoWDefensesEnabled", "1")
	}
	return args
}

// Launch starts Tor, waits for bootstrap and for the hidden service
// hostname to be written
func (l *TorLauncher) Launch(ctx context.Context, target string) (Instance, error) {
	if l.cfg.DataDir == "" {
		return nil, errors.New("tor: data directory not configured")
	}

	hsDir := filepath.Join(l.cfg.DataDir, "hs", l.cfg.Nickname)
	if err := os.MkdirAll(hsDir, 0700); err != nil {
		return nil, fmt.Errorf("tor: failed to create %s: %w", hsDir, err)
	}

	l.log.Noticef("Starting Tor (hidden service %q, port %d, PoW %v)", l.cfg.Nickname, l.cfg.VirtualPort, l.cfg.PoW)

	t, err := tor.Start(ctx, &tor.StartConf{
		ExePath:     l.cfg.ExePath,
		DataDir:     filepath.Join(l.cfg.DataDir, "tor"),
		ExtraArgs:   HiddenServiceArgs(hsDir, l.cfg.VirtualPort, target, l.cfg.PoW),
		DebugWriter: l.cfg.DebugWriter,
	})
	if err != nil {
		return nil, fmt.Errorf("tor: failed to start: %w", err)
	}

	if err := t.EnableNetwork(ctx, true); err != nil {
		t.Close()
		return nil, fmt.Errorf("tor: bootstrap failed: %w", err)
	}
	l.log.Info("Tor bootstrapped")

	hostname, err := WaitHostname(ctx, filepath.Join(hsDir, "hostname"))
	if err != nil {
		t.Close()
		return nil, err
	}

	return &torInstance{tor: t, hostname: hostname}, nil
}

// WaitHostname polls path until it holds a v3 onion hostname
func WaitHostname(ctx context.Context, path string) (string, error) {
	ticker := time.NewTicker(hostnamePollInterval)
	defer ticker.Stop()

	for {
		if data, err := os.ReadFile(path); err == nil {
			hostname := strings.TrimSpace(string(data))
			if isOnionV3(hostname) {
				return hostname, nil
			}
		}

		select {
		case <-ctx.Done():
			return "", fmt.Errorf("%w: %w", ErrNoHostname, ctx.Err())
		case <-ticker.C:
		}
	}
}

func isOnionV3(hostname string) bool {
	id, ok := strings.CutSuffix(hostname, onionSuffix)
	return ok && len(id) == onionV3Length
}

type torInstance struct {
	tor      *tor.Tor
	hostname string
}

func (i *torInstance) OnionAddress() string {
	return i.hostname
}

func (i *torInstance) Dialer(ctx context.Context) (proxy.ContextDialer, error) {
	d, err := i.tor.Dialer(ctx, nil)
	if err != nil {
		return nil, err
	}
	return d, nil
}

func (i *torInstance) Close() error {
	return i.tor.Close()
}

// PeerAddress joins an onion hostname and port into a dialable address
func PeerAddress(onionAddress string, port int) string {
	return net.JoinHostPort(onionAddress, strconv.Itoa(port))
}
