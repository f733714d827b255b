package crypto

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha512"
	"errors"
	"fmt"

	"filippo.io/edwards25519"

	"github.com/NebulaChat/nebula-node/pkg/protocol"
)

var (
	ErrInvalidKey       = errors.New("invalid key")
	ErrInvalidSignature = errors.New("invalid signature")
	ErrDecryptionFailed = errors.New("decryption failed")
	ErrWrongReceiver    = errors.New("signal is addressed to another peer")
)

// KeypairSize is the length of a serialized identity (seed ‖ public key)
const KeypairSize = ed25519.PrivateKeySize

// Identity is a node's long-term Ed25519 key pair.
// The same key signs signals and, converted to X25519, agrees on
// per-signal encryption keys.
type Identity struct {
	private ed25519.PrivateKey
	public  protocol.PublicKey
}

// GenerateIdentity generates a new Ed25519 identity
func GenerateIdentity() (*Identity, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}

	id := &Identity{private: priv}
	copy(id.public[:], pub)
	return id, nil
}

// IdentityFromBytes imports a 64-byte keypair as produced by Bytes
func IdentityFromBytes(keypair []byte) (*Identity, error) {
	if len(keypair) != KeypairSize {
		return nil, fmt.Errorf("%w: keypair is %d bytes, want %d", ErrInvalidKey, len(keypair), KeypairSize)
	}

	priv := ed25519.NewKeyFromSeed(keypair[:ed25519.SeedSize])
	if !bytes.Equal(priv[ed25519.SeedSize:], keypair[ed25519.SeedSize:]) {
		return nil, fmt.Errorf("%w: public half does not match seed", ErrInvalidKey)
	}

	id := &Identity{private: priv}
	copy(id.public[:], priv.Public().(ed25519.PublicKey))
	return id, nil
}

// Bytes exports the keypair (seed ‖ public key)
func (id *Identity) Bytes() []byte {
	out := make([]byte, KeypairSize)
	copy(out, id.private)
	return out
}

// PublicKey returns the identity's public key
func (id *Identity) PublicKey() protocol.PublicKey {
	return id.public
}

// Sign signs data with the identity key
func (id *Identity) Sign(data []byte) protocol.Signature {
	var sig protocol.Signature
	copy(sig[:], ed25519.Sign(id.private, data))
	return sig
}

// Verify checks an Ed25519 signature
func Verify(pk protocol.PublicKey, data []byte, sig protocol.Signature) bool {
	return ed25519.Verify(ed25519.PublicKey(pk[:]), data, sig[:])
}

// x25519Private derives the X25519 scalar from the Ed25519 seed (RFC 8032 §5.1.5);
// clamping happens inside curve25519.X25519
func (id *Identity) x25519Private() []byte {
	h := sha512.Sum512(id.private.Seed())
	return h[:32]
}

// x25519Public maps an Ed25519 public key to its Montgomery form
func x25519Public(pk protocol.PublicKey) ([]byte, error) {
	p, err := new(edwards25519.Point).SetBytes(pk[:])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return p.BytesMontgomery(), nil
}
