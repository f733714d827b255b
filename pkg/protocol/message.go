package protocol

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

var (
	ErrDecode         = errors.New("message decode failed")
	ErrEncode         = errors.New("message encode failed")
	ErrUnknownMessage = errors.New("unknown message type")
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	if encMode, err = cbor.CoreDetEncOptions().EncMode(); err != nil {
		panic(err)
	}
	decMode, err = cbor.DecOptions{
		DupMapKey:         cbor.DupMapKeyEnforcedAPF,
		ExtraReturnErrors: cbor.ExtraDecErrorUnknownField,
		MaxNestedLevels:   16,
	}.DecMode()
	if err != nil {
		panic(err)
	}
}

// Message is one of *Bonk, *Handshake, *PublishPeer, *RequestPeers or *Broadcast.
// The set is closed: only this package can add cases.
type Message interface {
	Type() MessageType
	isMessage()
}

// ===== MESSAGES =====

// Bonk is a keep-alive
type Bonk struct{}

// Handshake announces the sender's public key; first message on a connection
type Handshake struct {
	PublicKey PublicKey
}

// PublishPeer publishes a directory entry
type PublishPeer struct {
	Peer PeerInformation
}

// RequestPeers asks the receiver for its directory
type RequestPeers struct{}

// Broadcast carries a signal into the network
type Broadcast struct {
	Signal Signal
}

func (*Bonk) Type() MessageType         { return MsgTypeBonk }
func (*Handshake) Type() MessageType    { return MsgTypeHandshake }
func (*PublishPeer) Type() MessageType  { return MsgTypePublishPeer }
func (*RequestPeers) Type() MessageType { return MsgTypeRequestPeers }
func (*Broadcast) Type() MessageType    { return MsgTypeBroadcast }

func (*Bonk) isMessage()         {}
func (*Handshake) isMessage()    {}
func (*PublishPeer) isMessage()  {}
func (*RequestPeers) isMessage() {}
func (*Broadcast) isMessage()    {}

// ===== PAYLOAD TYPES =====

// PeerInformation is one peer directory entry
type PeerInformation struct {
	PublicKey PublicKey `cbor:"public_key"`
	Address   string    `cbor:"address"`
}

// EncryptedData is the sealed signal payload
type EncryptedData struct {
	Nonce      Nonce  `cbor:"nonce"`
	Ciphertext []byte `cbor:"ciphertext"`
}

// Signal is a signed, encrypted point-to-point payload
type Signal struct {
	SignalID      SignalID      `cbor:"signal_id"`
	Sender        PublicKey     `cbor:"sender"`
	Receiver      PublicKey     `cbor:"receiver"`
	EncryptedData EncryptedData `cbor:"encrypted_data"`
	Signature     Signature     `cbor:"signature"`
}

// SignedBytes returns signal_id ‖ sender ‖ receiver ‖ nonce ‖ ciphertext,
// the byte string covered by Signature.
func (s *Signal) SignedBytes() []byte {
	size := SignalIDSize + 2*PublicKeySize + NonceSize + len(s.EncryptedData.Ciphertext)
	buf := make([]byte, 0, size)

	buf = append(buf, s.SignalID[:]...)
	buf = append(buf, s.Sender[:]...)
	buf = append(buf, s.Receiver[:]...)
	buf = append(buf, s.EncryptedData.Nonce[:]...)
	buf = append(buf, s.EncryptedData.Ciphertext...)

	return buf
}

// ===== ENCODING =====

// envelope is the on-wire form: [type, body]
type envelope struct {
	_    struct{} `cbor:",toarray"`
	Type MessageType
	Body cbor.RawMessage
}

// EncodeMessage serializes a message to its CBOR envelope
func EncodeMessage(m Message) ([]byte, error) {
	var body interface{}

	switch v := m.(type) {
	case *Bonk, *RequestPeers:
		body = nil
	case *Handshake:
		body = v.PublicKey
	case *PublishPeer:
		body = &v.Peer
	case *Broadcast:
		body = &v.Signal
	case nil:
		return nil, fmt.Errorf("%w: nil message", ErrEncode)
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownMessage, m)
	}

	raw, err := encMode.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("%w: %s body: %v", ErrEncode, m.Type(), err)
	}

	out, err := encMode.Marshal(&envelope{Type: m.Type(), Body: raw})
	if err != nil {
		return nil, fmt.Errorf("%w: %s envelope: %v", ErrEncode, m.Type(), err)
	}
	return out, nil
}

// DecodeMessage parses a CBOR envelope into a message
func DecodeMessage(data []byte) (Message, error) {
	var env envelope
	if err := decMode.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: envelope: %w", ErrDecode, err)
	}

	switch env.Type {
	case MsgTypeBonk:
		return &Bonk{}, nil

	case MsgTypeRequestPeers:
		return &RequestPeers{}, nil

	case MsgTypeHandshake:
		m := &Handshake{}
		if err := decMode.Unmarshal(env.Body, &m.PublicKey); err != nil {
			return nil, fmt.Errorf("%w: handshake: %w", ErrDecode, err)
		}
		return m, nil

	case MsgTypePublishPeer:
		m := &PublishPeer{}
		if err := decMode.Unmarshal(env.Body, &m.Peer); err != nil {
			return nil, fmt.Errorf("%w: publish peer: %w", ErrDecode, err)
		}
		return m, nil

	case MsgTypeBroadcast:
		m := &Broadcast{}
		if err := decMode.Unmarshal(env.Body, &m.Signal); err != nil {
			return nil, fmt.Errorf("%w: broadcast: %w", ErrDecode, err)
		}
		return m, nil

	default:
		return nil, fmt.Errorf("%w: 0x%02x", ErrUnknownMessage, uint8(env.Type))
	}
}
