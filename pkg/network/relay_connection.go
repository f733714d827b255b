package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"

	"github.com/NebulaChat/nebula-node/pkg/instrument"
)

const maxAcceptDelay = time.Second

// acceptLoop accepts incoming connections until the listener is closed
func (rs *RelayServer) acceptLoop(ctx context.Context, l net.Listener) error {
	var tempDelay time.Duration

	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}

			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() || isTemporary(err) {
				if tempDelay == 0 {
					tempDelay = 5 * time.Millisecond
				} else {
					tempDelay *= 2
				}
				if tempDelay > maxAcceptDelay {
					tempDelay = maxAcceptDelay
				}
				rs.log.Warningf("Accept error: %v; retrying in %v", err, tempDelay)

				select {
				case <-time.After(tempDelay):
				case <-ctx.Done():
					return nil
				}
				continue
			}

			if errors.Is(err, net.ErrClosed) {
				return ErrServerClosed
			}
			return fmt.Errorf("relay: accept failed: %w", err)
		}
		tempDelay = 0

		rs.configureConn(conn)
		instrument.Accepted()
		rs.log.Debugf("New connection from %s", conn.RemoteAddr())

		rs.spawn(ctx, conn)
	}
}

// isTemporary reports errors such as EMFILE that clear up on their own
func isTemporary(err error) bool {
	var t interface{ Temporary() bool }
	return errors.As(err, &t) && t.Temporary()
}

// configureConn applies the low-latency and TTL socket options
func (rs *RelayServer) configureConn(conn net.Conn) {
	tcp, ok := conn.(*net.TCPConn)
	if !ok {
		return
	}

	if err := tcp.SetNoDelay(true); err != nil {
		rs.log.Debugf("SetNoDelay on %s: %v", conn.RemoteAddr(), err)
	}

	if rs.cfg.TTL <= 0 {
		return
	}

	addr, ok := conn.RemoteAddr().(*net.TCPAddr)
	if !ok {
		return
	}

	var err error
	if addr.IP.To4() != nil {
		err = ipv4.NewConn(tcp).SetTTL(rs.cfg.TTL)
	} else {
		err = ipv6.NewConn(tcp).SetHopLimit(rs.cfg.TTL)
	}
	if err != nil {
		rs.log.Debugf("Setting TTL on %s: %v", conn.RemoteAddr(), err)
	}
}
