package network

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
	"github.com/NebulaChat/nebula-node/pkg/protocol"
)

// forwardQueueSize bounds the signals waiting to be forwarded to one peer
const forwardQueueSize = 64

var (
	ErrHandshakeIncomplete = errors.New("handshake incomplete")
	ErrIdleTimeout         = errors.New("session idle timeout")
	ErrSessionClosed       = errors.New("session closed")
)

// Role is the side of the connection a session plays
type Role uint8

const (
	// RoleResponder waits for the peer's handshake, then answers
	RoleResponder Role = iota
	// RoleInitiator sends its handshake first
	RoleInitiator
)

func (r Role) String() string {
	if r == RoleInitiator {
		return "initiator"
	}
	return "responder"
}

// State of a session
type State uint8

const (
	StateAwaitingHandshake State = iota
	StateActive
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateAwaitingHandshake:
		return "awaiting_handshake"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", uint8(s))
	}
}

// SessionInfo is a read-only description of a session
type SessionInfo struct {
	PeerKey    protocol.PublicKey
	RemoteAddr string
	Role       Role
	State      State
	Since      time.Time
	LastSeen   time.Time
}

// Session drives the protocol over one connection. Reads happen only on
// the goroutine running Run; writes from any goroutine are serialized.
type Session struct {
	router  *Router
	conn    net.Conn
	codec   *protocol.Codec
	role    Role
	log     *logging.Logger
	remote  string
	created time.Time

	writeMu sync.Mutex

	mu         sync.Mutex
	state      State
	peerKey    protocol.PublicKey
	lastSeen   time.Time
	registered bool
	err        error

	forwardCh chan *protocol.Signal

	readyCh   chan struct{}
	closeCh   chan struct{}
	doneCh    chan struct{}
	closeOnce sync.Once
}

func newSession(r *Router, conn net.Conn, role Role) *Session {
	remote := conn.RemoteAddr().String()
	now := time.Now()

	return &Session{
		router:    r,
		conn:      conn,
		codec:     protocol.NewCodec(r.cfg.MaxFrameSize),
		role:      role,
		log:       r.backend.GetLogger("session:" + remote),
		remote:    remote,
		created:   now,
		lastSeen:  now,
		forwardCh: make(chan *protocol.Signal, forwardQueueSize),
		readyCh:   make(chan struct{}),
		closeCh:   make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

// Run processes the connection until end of input, a fatal protocol error
// or ctx cancellation. A clean close or cancellation returns nil.
func (s *Session) Run(ctx context.Context) (err error) {
	instrument.SessionOpened()

	defer func() {
		s.Close()
		s.mu.Lock()
		registered := s.registered
		s.err = err
		s.mu.Unlock()
		if registered {
			s.router.unregister(s)
		}
		instrument.SessionClosed()
		close(s.doneCh)
	}()

	go func() {
		select {
		case <-ctx.Done():
			s.Close()
		case <-s.closeCh:
		}
	}()

	if s.role == RoleInitiator {
		if err := s.sendHandshake(); err != nil {
			return err
		}
	}

	for {
		msg, err := s.readMessage()
		if err != nil {
			switch {
			case ctx.Err() != nil:
				return nil
			case errors.Is(err, io.EOF):
				s.log.Debug("Peer closed the connection")
				return nil
			case errors.Is(err, protocol.ErrDecode), errors.Is(err, protocol.ErrUnknownMessage):
				if s.State() == StateAwaitingHandshake {
					instrument.FrameRejected("handshake_incomplete")
					return fmt.Errorf("%w: %v", ErrHandshakeIncomplete, err)
				}
				s.reject("decode", err)
				continue
			case s.isClosed():
				return nil
			case errors.Is(err, protocol.ErrMalformedFrame):
				instrument.FrameRejected("malformed")
				return err
			default:
				return err
			}
		}

		if err := s.handle(msg); err != nil {
			return err
		}
	}
}

func (s *Session) readMessage() (protocol.Message, error) {
	if timeout := s.router.cfg.IdleTimeout; timeout > 0 {
		if err := s.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return nil, err
		}
	}

	msg, err := s.codec.ReadMessage(s.conn)
	if err != nil {
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return nil, ErrIdleTimeout
		}
		return nil, err
	}
	return msg, nil
}

func (s *Session) handle(msg protocol.Message) error {
	s.mu.Lock()
	s.lastSeen = time.Now()
	state := s.state
	s.mu.Unlock()

	instrument.FrameIn(msg.Type().String())

	if state == StateAwaitingHandshake {
		hs, ok := msg.(*protocol.Handshake)
		if !ok {
			instrument.FrameRejected("handshake_incomplete")
			return fmt.Errorf("%w: received %s first", ErrHandshakeIncomplete, msg.Type())
		}
		return s.completeHandshake(hs)
	}

	switch m := msg.(type) {
	case *protocol.Bonk:
	case *protocol.Handshake:
		s.log.Debugf("Ignoring repeated handshake from %s", m.PublicKey.Short())
	case *protocol.PublishPeer:
		s.handlePublishPeer(m)
	case *protocol.RequestPeers:
		return s.handleRequestPeers()
	case *protocol.Broadcast:
		s.handleBroadcast(&m.Signal)
	}
	return nil
}

func (s *Session) sendHandshake() error {
	return s.Send(&protocol.Handshake{PublicKey: s.router.PublicKey()})
}

func (s *Session) completeHandshake(hs *protocol.Handshake) error {
	if s.role == RoleResponder {
		if err := s.sendHandshake(); err != nil {
			return err
		}
	}

	s.mu.Lock()
	s.peerKey = hs.PublicKey
	s.state = StateActive
	s.registered = true
	s.mu.Unlock()

	go s.forwardLoop()
	s.router.register(s)
	close(s.readyCh)

	s.log.Infof("Handshake complete with %s", hs.PublicKey.Short())

	if interval := s.router.cfg.KeepaliveInterval; interval > 0 {
		go s.keepalive(interval)
	}
	return nil
}

func (s *Session) keepalive(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.closeCh:
			return
		case <-ticker.C:
		}

		if err := s.Send(&protocol.Bonk{}); err != nil {
			s.log.Debugf("Keepalive failed: %v", err)
			s.Close()
			return
		}
	}
}

// forward queues signal for this peer. Writes happen on the session's own
// forwarding goroutine, so a slow peer never stalls the reader that
// received the signal. A full queue drops the signal.
func (s *Session) forward(signal *protocol.Signal) bool {
	if s.isClosed() {
		return false
	}

	select {
	case s.forwardCh <- signal:
		return true
	default:
		s.reject("forward_queue_full", fmt.Errorf("signal %s dropped", signal.SignalID))
		return false
	}
}

func (s *Session) forwardLoop() {
	for {
		select {
		case <-s.closeCh:
			return
		case signal := <-s.forwardCh:
			if err := s.Send(&protocol.Broadcast{Signal: *signal}); err != nil {
				s.log.Debugf("Forward of %s failed: %v", signal.SignalID, err)
			}
		}
	}
}

// reject reports a message dropped without ending the session
func (s *Session) reject(reason string, err error) {
	instrument.FrameRejected(reason)
	s.log.Warningf("Rejected message (%s): %v", reason, err)
}

// Send writes msg to the peer
func (s *Session) Send(msg protocol.Message) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if s.isClosed() {
		return ErrSessionClosed
	}

	if timeout := s.router.cfg.WriteTimeout; timeout > 0 {
		if err := s.conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
			return err
		}
	}

	if err := s.codec.WriteMessage(s.conn, msg); err != nil {
		return err
	}
	instrument.FrameOut(msg.Type().String())
	return nil
}

// RequestPeers asks the peer for its directory. Entries arrive as
// PublishPeer messages and are merged into the local directory.
func (s *Session) RequestPeers() error {
	return s.Send(&protocol.RequestPeers{})
}

// Publish announces info to the peer
func (s *Session) Publish(info protocol.PeerInformation) error {
	return s.Send(&protocol.PublishPeer{Peer: info})
}

// Ready is closed once the handshake completes
func (s *Session) Ready() <-chan struct{} {
	return s.readyCh
}

// Done is closed when Run has returned
func (s *Session) Done() <-chan struct{} {
	return s.doneCh
}

// Err returns the error Run ended with, once Done is closed
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// WaitReady blocks until the handshake completes or the session ends
func (s *Session) WaitReady(ctx context.Context) error {
	select {
	case <-s.readyCh:
		return nil
	case <-s.doneCh:
		if err := s.Err(); err != nil {
			return err
		}
		return ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close closes the connection; Run returns shortly after
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.state = StateClosed
		s.mu.Unlock()
		close(s.closeCh)
		err = s.conn.Close()
	})
	return err
}

func (s *Session) isClosed() bool {
	select {
	case <-s.closeCh:
		return true
	default:
		return false
	}
}

// State returns the current state
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// PeerKey returns the key the peer declared in its handshake
func (s *Session) PeerKey() protocol.PublicKey {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peerKey
}

// Info describes the session
func (s *Session) Info() SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	return SessionInfo{
		PeerKey:    s.peerKey,
		RemoteAddr: s.remote,
		Role:       s.role,
		State:      s.state,
		Since:      s.created,
		LastSeen:   s.lastSeen,
	}
}
