package crypto

import (
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"

	"github.com/NebulaChat/nebula-node/pkg/protocol"
)

// Constants
const (
	SignalInfo = "Nebula Bonk Signal v1"
)

// signalKeys derives the AEAD key and nonce for one signal.
//
// shared = X25519(local, remote)
// key ‖ nonce = HKDF-SHA256(shared, salt = signal nonce, info = SignalInfo ‖ sender ‖ receiver)
func signalKeys(local *Identity, remote protocol.PublicKey, nonce protocol.Nonce, sender, receiver protocol.PublicKey) ([]byte, []byte, error) {
	remoteDH, err := x25519Public(remote)
	if err != nil {
		return nil, nil, err
	}

	shared, err := curve25519.X25519(local.x25519Private(), remoteDH)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}

	info := make([]byte, 0, len(SignalInfo)+2*protocol.PublicKeySize)
	info = append(info, SignalInfo...)
	info = append(info, sender[:]...)
	info = append(info, receiver[:]...)

	out := make([]byte, chacha20poly1305.KeySize+chacha20poly1305.NonceSizeX)
	if _, err := io.ReadFull(hkdf.New(sha256.New, shared, nonce[:], info), out); err != nil {
		return nil, nil, err
	}

	return out[:chacha20poly1305.KeySize], out[chacha20poly1305.KeySize:], nil
}

// SealSignal pads and encrypts plaintext for receiver and signs the result
// with the sender identity
func SealSignal(id protocol.SignalID, sender *Identity, receiver protocol.PublicKey, plaintext []byte) (*protocol.Signal, error) {
	nonce, err := NewNonce()
	if err != nil {
		return nil, err
	}

	key, aeadNonce, err := signalKeys(sender, receiver, nonce, sender.PublicKey(), receiver)
	if err != nil {
		return nil, err
	}

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}

	padded, err := Pad(plaintext)
	if err != nil {
		return nil, err
	}

	signal := &protocol.Signal{
		SignalID: id,
		Sender:   sender.PublicKey(),
		Receiver: receiver,
		EncryptedData: protocol.EncryptedData{
			Nonce:      nonce,
			Ciphertext: aead.Seal(nil, aeadNonce, padded, id[:]),
		},
	}
	signal.Signature = sender.Sign(signal.SignedBytes())

	return signal, nil
}

// VerifySignal checks the signature against the sender's public key
func VerifySignal(signal *protocol.Signal) error {
	if !Verify(signal.Sender, signal.SignedBytes(), signal.Signature) {
		return ErrInvalidSignature
	}
	return nil
}

// OpenSignal decrypts a signal addressed to receiver.
// The signature must have been checked with VerifySignal first.
func OpenSignal(signal *protocol.Signal, receiver *Identity) ([]byte, error) {
	if signal.Receiver != receiver.PublicKey() {
		return nil, ErrWrongReceiver
	}

	key, aeadNonce, err := signalKeys(receiver, signal.Sender, signal.EncryptedData.Nonce, signal.Sender, signal.Receiver)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}

	padded, err := aead.Open(nil, aeadNonce, signal.EncryptedData.Ciphertext, signal.SignalID[:])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}

	plaintext, err := Unpad(padded)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	return plaintext, nil
}
