package network

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/NebulaChat/nebula-node/pkg/crypto"
	"github.com/NebulaChat/nebula-node/pkg/instrument"
	"github.com/NebulaChat/nebula-node/pkg/log"
	"github.com/NebulaChat/nebula-node/pkg/protocol"
	"github.com/NebulaChat/nebula-node/pkg/storage"
)

var (
	ErrUnknownSender = errors.New("signal sender is not in the directory")
	ErrNoRoute       = errors.New("no active session to route signal")
)

// Session defaults
const (
	DefaultKeepaliveInterval = 30 * time.Second
	DefaultIdleTimeout       = 2 * time.Minute
	DefaultWriteTimeout      = 30 * time.Second
)

// SeenLedger remembers which signals have already been handled
type SeenLedger interface {
	// MarkSeen records id and reports whether it was new
	MarkSeen(id protocol.SignalID) (bool, error)
}

// Delivery is a decrypted signal addressed to this node
type Delivery struct {
	SignalID   protocol.SignalID
	Sender     protocol.PublicKey
	Plaintext  []byte
	ReceivedAt time.Time
}

// SignalHandler is called for every signal delivered to this node.
// It runs on the receiving session's goroutine.
type SignalHandler func(Delivery)

// SessionConfig holds per-connection parameters
type SessionConfig struct {
	MaxFrameSize      uint32
	KeepaliveInterval time.Duration // 0 disables keepalive
	IdleTimeout       time.Duration // 0 waits forever
	WriteTimeout      time.Duration // 0 waits forever
}

// RouterConfig configures a Router
type RouterConfig struct {
	Identity   *crypto.Identity
	Directory  *Directory
	Ledger     SeenLedger // in-memory ledger when nil
	LogBackend *log.Backend
	Session    SessionConfig
	OnSignal   SignalHandler
}

// Router holds the state shared by all sessions of a node: identity,
// directory, ledger and the registry of active sessions by peer key.
type Router struct {
	identity  *crypto.Identity
	directory *Directory
	ledger    SeenLedger
	backend   *log.Backend
	log       *logging.Logger
	cfg       SessionConfig
	onSignal  SignalHandler

	mu       sync.RWMutex
	sessions map[protocol.PublicKey]*Session
}

// NewRouter creates a router
func NewRouter(cfg *RouterConfig) (*Router, error) {
	if cfg.Identity == nil {
		return nil, errors.New("network: router requires an identity")
	}
	if cfg.LogBackend == nil {
		return nil, errors.New("network: router requires a log backend")
	}

	r := &Router{
		identity:  cfg.Identity,
		directory: cfg.Directory,
		ledger:    cfg.Ledger,
		backend:   cfg.LogBackend,
		log:       cfg.LogBackend.GetLogger("router"),
		cfg:       cfg.Session,
		onSignal:  cfg.OnSignal,
		sessions:  make(map[protocol.PublicKey]*Session),
	}
	if r.directory == nil {
		r.directory = NewDirectory(DefaultMaxPeers)
	}
	if r.ledger == nil {
		mem, err := storage.NewMemoryLedger(storage.DefaultCacheSize)
		if err != nil {
			return nil, err
		}
		r.ledger = mem
	}
	if r.cfg.MaxFrameSize == 0 {
		r.cfg.MaxFrameSize = protocol.DefaultMaxFrameSize
	}

	return r, nil
}

// PublicKey returns the local node's public key
func (r *Router) PublicKey() protocol.PublicKey {
	return r.identity.PublicKey()
}

// Directory returns the shared peer directory
func (r *Router) Directory() *Directory {
	return r.directory
}

// NewSession wraps conn in a session that uses this router's state
func (r *Router) NewSession(conn net.Conn, role Role) *Session {
	return newSession(r, conn, role)
}

// register makes s the active session for its peer, replacing any earlier one
func (r *Router) register(s *Session) {
	r.mu.Lock()
	r.sessions[s.PeerKey()] = s
	r.mu.Unlock()
}

func (r *Router) unregister(s *Session) {
	key := s.PeerKey()

	r.mu.Lock()
	if r.sessions[key] == s {
		delete(r.sessions, key)
	}
	r.mu.Unlock()
}

// Sessions describes every active session
func (r *Router) Sessions() []SessionInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]SessionInfo, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s.Info())
	}
	return out
}

// SessionCount returns the number of active sessions
func (r *Router) SessionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// SendSignal seals plaintext for receiver and routes it
func (r *Router) SendSignal(receiver protocol.PublicKey, plaintext []byte) (protocol.SignalID, error) {
	id := protocol.NewSignalID()

	signal, err := crypto.SealSignal(id, r.identity, receiver, plaintext)
	if err != nil {
		return id, fmt.Errorf("failed to seal signal: %w", err)
	}

	// so echoes from the network are dropped
	if _, err := r.ledger.MarkSeen(id); err != nil {
		r.log.Warningf("Ledger error for %s: %v", id, err)
	}

	if receiver == r.identity.PublicKey() {
		if err := r.deliver(signal, receiver); err != nil {
			instrument.Signal(instrument.SignalUndecrypt)
			return id, err
		}
		instrument.Signal(instrument.SignalDelivered)
		return id, nil
	}

	if r.route(signal, nil) == 0 {
		instrument.Signal(instrument.SignalUnroutable)
		return id, ErrNoRoute
	}
	instrument.Signal(instrument.SignalSent)
	return id, nil
}

// route forwards signal to the receiver's session if one is active,
// otherwise floods it to every active session except from.
// Returns the number of sessions the signal was queued for.
func (r *Router) route(signal *protocol.Signal, from *Session) int {
	r.mu.RLock()
	targets := make([]*Session, 0, len(r.sessions))
	if direct, ok := r.sessions[signal.Receiver]; ok && direct != from {
		targets = append(targets, direct)
	} else {
		for key, s := range r.sessions {
			if s == from || key == signal.Sender {
				continue
			}
			targets = append(targets, s)
		}
	}
	r.mu.RUnlock()

	queued := 0
	for _, s := range targets {
		if s.forward(signal) {
			queued++
		}
	}
	return queued
}

// deliver decrypts a verified signal addressed to this node and hands it
// to the signal handler
func (r *Router) deliver(signal *protocol.Signal, sender protocol.PublicKey) error {
	plaintext, err := crypto.OpenSignal(signal, r.identity)
	if err != nil {
		return err
	}

	if r.onSignal != nil {
		r.onSignal(Delivery{
			SignalID:   signal.SignalID,
			Sender:     sender,
			Plaintext:  plaintext,
			ReceivedAt: time.Now(),
		})
	}
	return nil
}
