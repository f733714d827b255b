package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/NebulaChat/nebula-node/pkg/log"
)

// Listener defaults
const (
	DefaultListenAddress = "0.0.0.0:23690"
	DefaultTTL           = 128
)

var ErrServerClosed = errors.New("relay server closed")

// RelayServerConfig configures the relay listener
type RelayServerConfig struct {
	Address string // host:port, DefaultListenAddress when empty
	TTL     int    // IP TTL / hop limit on accepted connections, 0 keeps the system default
}

// RelayServer accepts connections and runs a responder session for each
type RelayServer struct {
	cfg    RelayServerConfig
	router *Router
	log    *logging.Logger

	mu       sync.Mutex
	listener net.Listener

	wg sync.WaitGroup
}

// NewRelayServer creates a relay server
func NewRelayServer(cfg RelayServerConfig, router *Router, backend *log.Backend) *RelayServer {
	if cfg.Address == "" {
		cfg.Address = DefaultListenAddress
	}
	return &RelayServer{
		cfg:    cfg,
		router: router,
		log:    backend.GetLogger("relay"),
	}
}

// Listen binds the listening socket
func (rs *RelayServer) Listen() error {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if rs.listener != nil {
		return nil
	}

	l, err := net.Listen("tcp", rs.cfg.Address)
	if err != nil {
		return fmt.Errorf("relay: failed to listen on %s: %w", rs.cfg.Address, err)
	}
	rs.listener = l

	rs.log.Noticef("Relay server listening on %s", l.Addr())
	return nil
}

// Addr returns the bound address, nil before Listen
func (rs *RelayServer) Addr() net.Addr {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if rs.listener == nil {
		return nil
	}
	return rs.listener.Addr()
}

// Serve runs the accept loop until ctx is cancelled or the listener fails.
// On return the listener is closed and every session has been cancelled
// and joined.
func (rs *RelayServer) Serve(ctx context.Context) error {
	if err := rs.Listen(); err != nil {
		return err
	}

	rs.mu.Lock()
	l := rs.listener
	rs.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	defer func() {
		cancel()
		rs.wg.Wait()
		rs.log.Notice("Relay server stopped")
	}()

	go func() {
		<-ctx.Done()
		l.Close()
	}()

	return rs.acceptLoop(ctx, l)
}

func (rs *RelayServer) spawn(ctx context.Context, conn net.Conn) {
	rs.wg.Add(1)
	go func() {
		defer rs.wg.Done()

		sess := rs.router.NewSession(conn, RoleResponder)
		start := time.Now()
		if err := sess.Run(ctx); err != nil {
			sess.log.Warningf("Session ended: %v", err)
			return
		}
		sess.log.Debugf("Session closed after %v", time.Since(start).Round(time.Millisecond))
	}()
}
