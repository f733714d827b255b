package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"golang.org/x/net/proxy"
	"gopkg.in/op/go-logging.v1"

	"github.com/NebulaChat/nebula-node/pkg/log"
	"github.com/NebulaChat/nebula-node/pkg/protocol"
)

var (
	ErrNotConnected = errors.New("not connected")
	ErrClientClosed = errors.New("client closed")
)

// SOCKS5Dialer returns a dialer that tunnels through the SOCKS5 proxy at
// address, typically the local Tor client
func SOCKS5Dialer(address string) (proxy.ContextDialer, error) {
	d, err := proxy.SOCKS5("tcp", address, nil, proxy.Direct)
	if err != nil {
		return nil, fmt.Errorf("failed to create SOCKS5 dialer for %s: %w", address, err)
	}
	cd, ok := d.(proxy.ContextDialer)
	if !ok {
		return nil, fmt.Errorf("SOCKS5 dialer for %s does not support contexts", address)
	}
	return cd, nil
}

// Client opens outbound sessions to other relays
type Client struct {
	router  *Router
	dialer  proxy.ContextDialer
	log     *logging.Logger
	backoff time.Duration // first reconnect delay

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	sessions map[string]*Session // by dialed address
	closed   bool

	wg sync.WaitGroup
}

// NewClient creates a client dialing through dialer (direct when nil)
func NewClient(router *Router, dialer proxy.ContextDialer, backend *log.Backend) *Client {
	if dialer == nil {
		dialer = &net.Dialer{}
	}
	ctx, cancel := context.WithCancel(context.Background())

	return &Client{
		router:   router,
		dialer:   dialer,
		log:      backend.GetLogger("client"),
		backoff:  initialReconnectBackoff,
		ctx:      ctx,
		cancel:   cancel,
		sessions: make(map[string]*Session),
	}
}

// Connect dials address, runs an initiator session and waits for the
// handshake. The session lives until Close or until the peer goes away.
func (c *Client) Connect(ctx context.Context, address string) (*Session, error) {
	if s, ok := c.Session(address); ok {
		return s, nil
	}

	target, err := protocol.DialTarget(address)
	if err != nil {
		return nil, err
	}

	c.log.Debugf("Dialing %s", target)

	conn, err := c.dialer.DialContext(ctx, "tcp", target)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", address, err)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		conn.Close()
		return nil, ErrClientClosed
	}
	sess := c.router.NewSession(conn, RoleInitiator)
	c.sessions[address] = sess
	c.wg.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.wg.Done()
		defer func() {
			c.mu.Lock()
			if c.sessions[address] == sess {
				delete(c.sessions, address)
			}
			c.mu.Unlock()
		}()

		if err := sess.Run(c.ctx); err != nil {
			c.log.Warningf("Session with %s ended: %v", address, err)
		}
	}()

	if err := sess.WaitReady(ctx); err != nil {
		sess.Close()
		return nil, fmt.Errorf("handshake with %s failed: %w", address, err)
	}

	c.log.Infof("Connected to %s (%s)", address, sess.PeerKey().Short())
	return sess, nil
}

// Session returns the live session for address
func (c *Client) Session(address string) (*Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.sessions[address]
	if !ok || s.State() == StateClosed {
		return nil, false
	}
	return s, true
}

// Bootstrap connects to address, publishes self and requests the peer's
// directory
func (c *Client) Bootstrap(ctx context.Context, address string, self *protocol.PeerInformation) error {
	sess, err := c.Connect(ctx, address)
	if err != nil {
		return err
	}

	if self != nil {
		if err := sess.Publish(*self); err != nil {
			return fmt.Errorf("failed to publish to %s: %w", address, err)
		}
	}
	return sess.RequestPeers()
}

// Close ends every session and waits for them
func (c *Client) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	c.wg.Wait()
	return nil
}
