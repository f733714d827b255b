package network

import (
	"errors"
	"fmt"

	"github.com/NebulaChat/nebula-node/pkg/crypto"
	"github.com/NebulaChat/nebula-node/pkg/instrument"
	"github.com/NebulaChat/nebula-node/pkg/protocol"
)

// handlePublishPeer merges an announced peer into the directory
func (s *Session) handlePublishPeer(m *protocol.PublishPeer) {
	info := m.Peer

	if info.PublicKey.IsZero() {
		s.reject("invalid_peer", errors.New("zero public key"))
		return
	}
	if err := protocol.ValidateAddress(info.Address); err != nil {
		s.reject("invalid_address", err)
		return
	}
	if err := s.router.directory.Upsert(info); err != nil {
		s.reject("directory_full", fmt.Errorf("%w: %s", err, info.PublicKey.Short()))
		return
	}

	s.log.Debugf("Peer %s at %s", info.PublicKey.Short(), info.Address)
}

// handleRequestPeers answers with one PublishPeer per directory entry.
// The snapshot is taken before any write so the directory lock is never
// held across I/O.
func (s *Session) handleRequestPeers() error {
	peers := s.router.directory.Snapshot()

	for _, info := range peers {
		if err := s.Publish(info); err != nil {
			return err
		}
	}

	s.log.Debugf("Sent %d peers", len(peers))
	return nil
}

// handleBroadcast resolves, verifies and then delivers or forwards a signal
func (s *Session) handleBroadcast(signal *protocol.Signal) {
	r := s.router

	if _, ok := r.directory.Lookup(signal.Sender); !ok {
		s.rejectSignal(instrument.SignalUnknown, fmt.Errorf("%w: %s", ErrUnknownSender, signal.Sender.Short()))
		return
	}

	if err := crypto.VerifySignal(signal); err != nil {
		s.rejectSignal(instrument.SignalBadSig, fmt.Errorf("%w: signal %s from %s", err, signal.SignalID, signal.Sender.Short()))
		return
	}

	fresh, err := r.ledger.MarkSeen(signal.SignalID)
	if err != nil {
		s.log.Warningf("Ledger error for %s: %v", signal.SignalID, err)
		fresh = true
	}
	if !fresh {
		instrument.Signal(instrument.SignalDuplicate)
		s.log.Debugf("Dropping duplicate signal %s", signal.SignalID)
		return
	}

	if signal.Receiver == r.PublicKey() {
		if err := r.deliver(signal, signal.Sender); err != nil {
			s.rejectSignal(instrument.SignalUndecrypt, fmt.Errorf("signal %s: %w", signal.SignalID, err))
			return
		}
		instrument.Signal(instrument.SignalDelivered)
		s.log.Debugf("Delivered signal %s from %s", signal.SignalID, signal.Sender.Short())
		return
	}

	if n := r.route(signal, s); n == 0 {
		instrument.Signal(instrument.SignalUnroutable)
		s.log.Debugf("No route for signal %s to %s", signal.SignalID, signal.Receiver.Short())
	} else {
		instrument.Signal(instrument.SignalForwarded)
		s.log.Debugf("Forwarded signal %s to %d sessions", signal.SignalID, n)
	}
}

func (s *Session) rejectSignal(outcome string, err error) {
	instrument.Signal(outcome)
	s.log.Warningf("Rejected broadcast: %v", err)
}
