package onion

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/NebulaChat/nebula-node/pkg/instrument"
	"github.com/NebulaChat/nebula-node/pkg/log"
)

// DefaultBridgeAddress lets the system pick a loopback port
const DefaultBridgeAddress = "127.0.0.1:0"

const dialTimeout = 10 * time.Second

// Bridge is the local end of the hidden service port mapping. Tor hands
// each rendezvous stream to the bridge, which opens a connection to the
// relay listener and copies bytes both ways until either side closes.
type Bridge struct {
	listenAddr string
	target     string
	log        *logging.Logger
	dialer     net.Dialer

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}

	wg sync.WaitGroup
}

// NewBridge creates a bridge forwarding to target
func NewBridge(listenAddr, target string, backend *log.Backend) *Bridge {
	if listenAddr == "" {
		listenAddr = DefaultBridgeAddress
	}
	return &Bridge{
		listenAddr: listenAddr,
		target:     target,
		log:        backend.GetLogger("bridge"),
		dialer:     net.Dialer{Timeout: dialTimeout},
		conns:      make(map[net.Conn]struct{}),
	}
}

// Listen binds the bridge listener
func (b *Bridge) Listen() error {
	l, err := net.Listen("tcp", b.listenAddr)
	if err != nil {
		return fmt.Errorf("bridge: failed to listen on %s: %w", b.listenAddr, err)
	}

	b.mu.Lock()
	b.listener = l
	b.mu.Unlock()

	b.log.Debugf("Bridge listening on %s, forwarding to %s", l.Addr(), b.target)
	return nil
}

// Addr returns the bound listener address
func (b *Bridge) Addr() net.Addr {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.listener == nil {
		return nil
	}
	return b.listener.Addr()
}

// Serve forwards streams until ctx is cancelled. Open streams are closed
// and joined before it returns.
func (b *Bridge) Serve(ctx context.Context) error {
	b.mu.Lock()
	l := b.listener
	b.mu.Unlock()
	if l == nil {
		return errors.New("bridge: Serve called before Listen")
	}

	go func() {
		<-ctx.Done()
		l.Close()
		b.closeAll()
	}()
	defer b.wg.Wait()

	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("bridge: accept failed: %w", err)
		}

		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			b.forward(ctx, conn)
		}()
	}
}

// Close closes the listener
func (b *Bridge) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.listener == nil {
		return nil
	}
	return b.listener.Close()
}

func (b *Bridge) forward(ctx context.Context, inbound net.Conn) {
	outbound, err := b.dialer.DialContext(ctx, "tcp", b.target)
	if err != nil {
		b.log.Warningf("Failed to reach relay at %s: %v", b.target, err)
		inbound.Close()
		return
	}

	if !b.track(inbound, outbound) {
		inbound.Close()
		outbound.Close()
		return
	}
	defer b.untrack(inbound, outbound)

	instrument.BridgedStream()
	splice(inbound, outbound)
}

func (b *Bridge) track(conns ...net.Conn) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.conns == nil {
		return false
	}
	for _, c := range conns {
		b.conns[c] = struct{}{}
	}
	return true
}

func (b *Bridge) untrack(conns ...net.Conn) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, c := range conns {
		delete(b.conns, c)
	}
}

func (b *Bridge) closeAll() {
	b.mu.Lock()
	conns := b.conns
	b.conns = nil
	b.mu.Unlock()

	for c := range conns {
		c.Close()
	}
}

// splice copies in both directions. When one direction ends its write
// side is shut so the other can drain; both conns are closed on return.
func splice(a, b net.Conn) {
	var wg sync.WaitGroup
	wg.Add(2)

	pipe := func(dst, src net.Conn) {
		defer wg.Done()
		io.Copy(dst, src)
		if cw, ok := dst.(interface{ CloseWrite() error }); ok {
			cw.CloseWrite()
		} else {
			dst.Close()
		}
	}

	go pipe(a, b)
	go pipe(b, a)
	wg.Wait()

	a.Close()
	b.Close()
}
