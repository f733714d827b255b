// Package node wires a complete Nebula relay node together: identity,
// peer directory, seen-signal ledger, relay listener, onion service,
// outbound bootstrap and the status API.
package node

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"

	"go.uber.org/multierr"
	"golang.org/x/net/proxy"
	"golang.org/x/sync/errgroup"
	"gopkg.in/op/go-logging.v1"

	"github.com/NebulaChat/nebula-node/pkg/api"
	"github.com/NebulaChat/nebula-node/pkg/config"
	"github.com/NebulaChat/nebula-node/pkg/crypto"
	"github.com/NebulaChat/nebula-node/pkg/lifecycle"
	"github.com/NebulaChat/nebula-node/pkg/log"
	"github.com/NebulaChat/nebula-node/pkg/network"
	"github.com/NebulaChat/nebula-node/pkg/onion"
	"github.com/NebulaChat/nebula-node/pkg/protocol"
	"github.com/NebulaChat/nebula-node/pkg/storage"
)

var errOnionDown = errors.New("onion service is not running")

type ledger interface {
	network.SeenLedger
	Close() error
}

// Option customizes a Node
type Option func(*Node)

// WithLauncher replaces the Tor launcher
func WithLauncher(l onion.Launcher) Option {
	return func(n *Node) { n.launcher = l }
}

// WithSignalHandler sets the callback for signals addressed to this node
func WithSignalHandler(h network.SignalHandler) Option {
	return func(n *Node) { n.onSignal = h }
}

// Node is a running Nebula relay
type Node struct {
	cfg      *config.Config
	backend  *log.Backend
	log      *logging.Logger
	identity *crypto.Identity

	ledger ledger
	router *network.Router
	relay  *network.RelayServer
	events *lifecycle.Emitter
	api    *api.Server

	launcher onion.Launcher
	onSignal network.SignalHandler

	mu     sync.Mutex
	onion  *onion.Service
	client *network.Client

	closeOnce sync.Once
}

// New builds a node from a validated configuration
func New(cfg *config.Config, opts ...Option) (*Node, error) {
	backend, err := log.New(cfg.Logging.File, cfg.Logging.Level, cfg.Logging.Disable)
	if err != nil {
		return nil, err
	}

	n := &Node{
		cfg:     cfg,
		backend: backend,
		log:     backend.GetLogger("node"),
		events:  lifecycle.NewEmitter(lifecycle.DefaultBufferSize),
	}
	for _, opt := range opts {
		opt(n)
	}

	if err := n.init(); err != nil {
		n.log.Errorf("Failed to initialize node: %v", err)
		return nil, multierr.Append(err, n.Close())
	}
	return n, nil
}

func (n *Node) init() error {
	clientCfg, err := config.LoadClientConfig(n.cfg.Node.IdentityFile)
	if err != nil {
		return err
	}
	if n.identity, err = clientCfg.Identity(); err != nil {
		return err
	}
	n.log.Noticef("Identity %s (%s)", crypto.Fingerprint(n.identity.PublicKey()), clientCfg.Username)

	if err := os.MkdirAll(n.cfg.Node.DataDir, 0700); err != nil {
		return err
	}

	if n.ledger, err = n.openLedger(); err != nil {
		return err
	}

	relayCfg := n.cfg.Relay
	if n.router, err = network.NewRouter(&network.RouterConfig{
		Identity:   n.identity,
		Directory:  network.NewDirectory(relayCfg.MaxPeers),
		Ledger:     n.ledger,
		LogBackend: n.backend,
		Session: network.SessionConfig{
			MaxFrameSize:      relayCfg.MaxFrameSize,
			KeepaliveInterval: relayCfg.Keepalive(),
			IdleTimeout:       relayCfg.Idle(),
			WriteTimeout:      relayCfg.Write(),
		},
		OnSignal: n.deliver,
	}); err != nil {
		return err
	}

	n.relay = network.NewRelayServer(network.RelayServerConfig{
		Address: relayCfg.Address,
		TTL:     relayCfg.TTL,
	}, n.router, n.backend)

	if !n.cfg.Onion.Disable && n.launcher == nil {
		oCfg := n.cfg.Onion
		n.launcher = onion.NewTorLauncher(onion.TorConfig{
			ExePath:     oCfg.TorPath,
			DataDir:     oCfg.DataDir,
			Nickname:    oCfg.Nickname,
			VirtualPort: oCfg.VirtualPort,
			PoW:         !oCfg.DisablePoW,
			DebugWriter: n.backend.GetLogWriter("tor", "DEBUG"),
		}, n.backend)
	}

	if !n.cfg.API.Disable {
		var events *lifecycle.Emitter
		if !n.cfg.Onion.Disable {
			events = n.events
		}
		n.api = api.NewServer(api.Config{
			Address:   n.cfg.API.Address,
			RateLimit: n.cfg.API.RateLimit,
		}, n.router, events, n.backend)
	}
	return nil
}

func (n *Node) openLedger() (ledger, error) {
	sCfg := n.cfg.Storage
	if sCfg.InMemory {
		mem, err := storage.NewMemoryLedger(sCfg.CacheSize)
		if err != nil {
			return nil, err
		}
		return mem, nil
	}

	l, err := storage.NewSignalLedger(&storage.SignalLedgerConfig{
		Path:      sCfg.LedgerFile,
		TTL:       sCfg.TTL(),
		CacheSize: sCfg.CacheSize,
		Log:       n.backend.GetLogger("ledger"),
	})
	if err != nil {
		return nil, err
	}
	return l, nil
}

func (n *Node) deliver(d network.Delivery) {
	n.log.Infof("Signal %s from %s: %d bytes", d.SignalID, d.Sender.Short(), len(d.Plaintext))
	if n.onSignal != nil {
		n.onSignal(d)
	}
}

// Listen binds the relay and API listeners
func (n *Node) Listen() error {
	if err := n.relay.Listen(); err != nil {
		return fmt.Errorf("relay listener: %w", err)
	}
	if n.api != nil {
		if err := n.api.Listen(); err != nil {
			return fmt.Errorf("api listener: %w", err)
		}
	}
	return nil
}

// Run serves until ctx is cancelled or a task fails. Every task is stopped
// before Run returns.
func (n *Node) Run(ctx context.Context) error {
	if err := n.Listen(); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return n.relay.Serve(gctx)
	})

	if n.api != nil {
		g.Go(func() error {
			return n.api.Serve(gctx)
		})
	}

	var sub *lifecycle.Subscription
	if !n.cfg.Onion.Disable {
		sub = n.events.Subscribe()
		defer sub.Close()

		svc := onion.NewService(onion.ServiceConfig{
			BridgeAddress: n.cfg.Onion.BridgeAddress,
			RelayAddress:  loopbackTarget(n.relay.Addr()),
			VirtualPort:   n.cfg.Onion.VirtualPort,
		}, n.launcher, n.events, n.backend)

		n.mu.Lock()
		n.onion = svc
		n.mu.Unlock()

		g.Go(func() error {
			return svc.Run(gctx)
		})
	}

	g.Go(func() error {
		return n.bootstrap(gctx, sub)
	})

	err := g.Wait()

	n.mu.Lock()
	client := n.client
	n.client = nil
	n.mu.Unlock()
	if client != nil {
		err = multierr.Append(err, client.Close())
	}

	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// bootstrap picks the outbound dialer and keeps a session with every
// configured relay. Unreachable relays are retried, not fatal.
func (n *Node) bootstrap(ctx context.Context, sub *lifecycle.Subscription) error {
	dialer, self, err := n.outbound(ctx, sub)
	if errors.Is(err, errOnionDown) {
		// the service task reports the failure itself
		return nil
	}
	if err != nil {
		return err
	}
	if len(n.cfg.Relay.Peers) == 0 || ctx.Err() != nil {
		return nil
	}

	client := network.NewClient(n.router, dialer, n.backend)
	n.mu.Lock()
	n.client = client
	n.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, peer := range n.cfg.Relay.Peers {
		g.Go(func() error {
			return client.Maintain(gctx, peer, self)
		})
	}
	return g.Wait()
}

// outbound returns the dialer for outbound sessions and the peer record
// this node publishes. A configured SOCKS5 proxy wins, then the onion
// service once it is running, then direct dialing.
func (n *Node) outbound(ctx context.Context, sub *lifecycle.Subscription) (proxy.ContextDialer, *protocol.PeerInformation, error) {
	var self *protocol.PeerInformation

	if sub != nil {
		ev, err := sub.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil, nil, nil
			}
			return nil, nil, err
		}
		if ev.Kind != lifecycle.Running {
			return nil, nil, errOnionDown
		}
		addr, _ := n.onion.PeerAddress()
		self = &protocol.PeerInformation{PublicKey: n.identity.PublicKey(), Address: addr}
	} else if addr := n.relay.Addr(); addr != nil {
		if tcp, ok := addr.(*net.TCPAddr); ok && !tcp.IP.IsUnspecified() {
			self = &protocol.PeerInformation{PublicKey: n.identity.PublicKey(), Address: addr.String()}
		}
	}

	if n.cfg.Proxy.SOCKS5Address != "" {
		d, err := network.SOCKS5Dialer(n.cfg.Proxy.SOCKS5Address)
		return d, self, err
	}
	if sub != nil {
		d, err := n.onion.Dialer(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("onion dialer: %w", err)
		}
		return d, self, nil
	}
	return nil, self, nil
}

// loopbackTarget maps a wildcard listen address to the loopback address
// the bridge should dial
func loopbackTarget(addr net.Addr) string {
	tcp, ok := addr.(*net.TCPAddr)
	if !ok {
		return addr.String()
	}
	ip := tcp.IP
	if ip.IsUnspecified() {
		if ip.To4() != nil {
			ip = net.IPv4(127, 0, 0, 1)
		} else {
			ip = net.IPv6loopback
		}
	}
	return (&net.TCPAddr{IP: ip, Port: tcp.Port}).String()
}

// SendSignal seals plaintext for receiver and routes it
func (n *Node) SendSignal(receiver protocol.PublicKey, plaintext []byte) (protocol.SignalID, error) {
	return n.router.SendSignal(receiver, plaintext)
}

// PublicKey returns the node identity key
func (n *Node) PublicKey() protocol.PublicKey {
	return n.identity.PublicKey()
}

// Router returns the session router
func (n *Node) Router() *network.Router {
	return n.router
}

// Events returns the onion lifecycle emitter
func (n *Node) Events() *lifecycle.Emitter {
	return n.events
}

// RelayAddr returns the bound relay address, nil before Listen
func (n *Node) RelayAddr() net.Addr {
	return n.relay.Addr()
}

// APIAddr returns the bound API address, nil when disabled or before Listen
func (n *Node) APIAddr() net.Addr {
	if n.api == nil {
		return nil
	}
	return n.api.Addr()
}

// OnionAddress returns the published hidden service address while running
func (n *Node) OnionAddress() (string, bool) {
	n.mu.Lock()
	svc := n.onion
	n.mu.Unlock()

	if svc == nil {
		return "", false
	}
	return svc.PeerAddress()
}

// RotateLog reopens the log file
func (n *Node) RotateLog() error {
	return n.backend.Rotate()
}

// Close releases the ledger, the event stream and the log backend. Call it
// after Run has returned.
func (n *Node) Close() error {
	var err error
	n.closeOnce.Do(func() {
		n.events.Close()
		if n.ledger != nil {
			err = multierr.Append(err, n.ledger.Close())
		}
		err = multierr.Append(err, n.backend.Close())
	})
	return err
}
