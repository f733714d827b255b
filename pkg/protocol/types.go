package protocol

import (
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
)

// Protocol constants
const (
	// Frame header size (big-endian payload length)
	FrameHeaderSize = 4

	// DefaultMaxFrameSize bounds a single frame payload (1 MiB)
	DefaultMaxFrameSize = 1 << 20

	PublicKeySize = 32
	SignalIDSize  = 16
	NonceSize     = 32
	SignatureSize = 64
)

// MessageType is the explicit discriminant of a Message on the wire
type MessageType uint8

// Message types
const (
	MsgTypeBonk         MessageType = 0x00
	MsgTypeHandshake    MessageType = 0x01
	MsgTypePublishPeer  MessageType = 0x02
	MsgTypeRequestPeers MessageType = 0x03
	MsgTypeBroadcast    MessageType = 0x04
)

var ErrLengthMismatch = errors.New("length mismatch")

// String returns the message type name
func (t MessageType) String() string {
	switch t {
	case MsgTypeBonk:
		return "Bonk"
	case MsgTypeHandshake:
		return "Handshake"
	case MsgTypePublishPeer:
		return "PublishPeer"
	case MsgTypeRequestPeers:
		return "RequestPeers"
	case MsgTypeBroadcast:
		return "Broadcast"
	default:
		return fmt.Sprintf("MessageType(0x%02x)", uint8(t))
	}
}

// PublicKey is an Ed25519 public key identifying a peer (32 bytes)
type PublicKey [PublicKeySize]byte

// SignalID uniquely identifies a signal (16 bytes)
type SignalID [SignalIDSize]byte

// Nonce is the per-signal encryption nonce (32 bytes)
type Nonce [NonceSize]byte

// Signature is a raw Ed25519 signature (64 bytes)
type Signature [SignatureSize]byte

// ===== HELPER FUNCTIONS =====

// NewSignalID generates a random signal ID
func NewSignalID() SignalID {
	return SignalID(uuid.New())
}

// PublicKeyFromHex parses a hex encoded public key
func PublicKeyFromHex(s string) (PublicKey, error) {
	var pk PublicKey
	b, err := hex.DecodeString(s)
	if err != nil {
		return pk, err
	}
	if len(b) != PublicKeySize {
		return pk, fmt.Errorf("public key: %w: got %d bytes, want %d", ErrLengthMismatch, len(b), PublicKeySize)
	}
	copy(pk[:], b)
	return pk, nil
}

// String returns the hex encoding of the key
func (k PublicKey) String() string {
	return hex.EncodeToString(k[:])
}

// Short returns the first 8 hex characters, for logs
func (k PublicKey) Short() string {
	return hex.EncodeToString(k[:4])
}

// IsZero checks if the key is all zeros
func (k PublicKey) IsZero() bool {
	return k == PublicKey{}
}

// String returns the hex encoding of the signal ID
func (id SignalID) String() string {
	return hex.EncodeToString(id[:])
}

// Fixed-size fields travel as CBOR byte strings of exactly their size.

func marshalFixed(b []byte) ([]byte, error) {
	return cbor.Marshal(b)
}

func unmarshalFixed(data []byte, dst []byte, name string) error {
	var b []byte
	if err := cbor.Unmarshal(data, &b); err != nil {
		return err
	}
	if len(b) != len(dst) {
		return fmt.Errorf("%s: %w: got %d bytes, want %d", name, ErrLengthMismatch, len(b), len(dst))
	}
	copy(dst, b)
	return nil
}

// MarshalCBOR encodes the key as a byte string
func (k PublicKey) MarshalCBOR() ([]byte, error) { return marshalFixed(k[:]) }

// UnmarshalCBOR decodes a 32-byte byte string
func (k *PublicKey) UnmarshalCBOR(data []byte) error {
	return unmarshalFixed(data, k[:], "public key")
}

// MarshalCBOR encodes the id as a byte string
func (id SignalID) MarshalCBOR() ([]byte, error) { return marshalFixed(id[:]) }

// UnmarshalCBOR decodes a 16-byte byte string
func (id *SignalID) UnmarshalCBOR(data []byte) error {
	return unmarshalFixed(data, id[:], "signal id")
}

// MarshalCBOR encodes the nonce as a byte string
func (n Nonce) MarshalCBOR() ([]byte, error) { return marshalFixed(n[:]) }

// UnmarshalCBOR decodes a 32-byte byte string
func (n *Nonce) UnmarshalCBOR(data []byte) error {
	return unmarshalFixed(data, n[:], "nonce")
}

// MarshalCBOR encodes the signature as exactly 64 raw bytes
func (s Signature) MarshalCBOR() ([]byte, error) { return marshalFixed(s[:]) }

// UnmarshalCBOR rejects any byte string that is not 64 bytes long
func (s *Signature) UnmarshalCBOR(data []byte) error {
	return unmarshalFixed(data, s[:], "signature")
}
