package crypto

import (
	"crypto/rand"
	"encoding/hex"
	"strings"

	"golang.org/x/crypto/blake2b"

	"github.com/NebulaChat/nebula-node/pkg/protocol"
)

// Hash generates a BLAKE2b-256 hash
func Hash(data []byte) [32]byte {
	return blake2b.Sum256(data)
}

// Fingerprint returns a short human-comparable digest of a public key,
// e.g. "3f2a-91bc-07de-4410"
func Fingerprint(pk protocol.PublicKey) string {
	sum := Hash(pk[:])
	s := hex.EncodeToString(sum[:8])

	groups := make([]string, 0, 4)
	for i := 0; i < len(s); i += 4 {
		groups = append(groups, s[i:i+4])
	}
	return strings.Join(groups, "-")
}

// NewNonce generates a random per-signal nonce
func NewNonce() (protocol.Nonce, error) {
	var nonce protocol.Nonce
	if _, err := rand.Read(nonce[:]); err != nil {
		return nonce, err
	}
	return nonce, nil
}
