package crypto

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
)

var (
	ErrInvalidPadding = errors.New("invalid padding")
)

// Standard cell sizes (like Tor)
const (
	CellSize512  = 512  // Small messages (text)
	CellSize1024 = 1024 // Medium messages
	CellSize4096 = 4096 // Large messages
	CellSize8192 = 8192 // Very large messages

	lengthPrefixSize = 4
)

// PaddedSize returns the cell size a message of messageLen bytes occupies,
// including its length prefix
func PaddedSize(messageLen int) int {
	n := messageLen + lengthPrefixSize

	switch {
	case n <= CellSize512:
		return CellSize512
	case n <= CellSize1024:
		return CellSize1024
	case n <= CellSize4096:
		return CellSize4096
	case n <= CellSize8192:
		return CellSize8192
	default:
		// Round up to nearest 8KB
		return ((n + CellSize8192 - 1) / CellSize8192) * CellSize8192
	}
}

// Pad lays out [length][message][random fill] up to the next cell size so
// that ciphertext length only leaks the cell, not the message length
func Pad(message []byte) ([]byte, error) {
	if uint64(len(message)) > 0xffffffff-lengthPrefixSize {
		return nil, fmt.Errorf("%w: message too large", ErrInvalidPadding)
	}

	padded := make([]byte, PaddedSize(len(message)))
	binary.BigEndian.PutUint32(padded[:lengthPrefixSize], uint32(len(message)))
	copy(padded[lengthPrefixSize:], message)

	fill := padded[lengthPrefixSize+len(message):]
	if len(fill) > 0 {
		if _, err := rand.Read(fill); err != nil {
			return nil, fmt.Errorf("failed to generate padding: %w", err)
		}
	}

	return padded, nil
}

// Unpad recovers the message from a padded cell
func Unpad(padded []byte) ([]byte, error) {
	if len(padded) < lengthPrefixSize {
		return nil, ErrInvalidPadding
	}

	n := binary.BigEndian.Uint32(padded[:lengthPrefixSize])
	if uint64(n) > uint64(len(padded)-lengthPrefixSize) {
		return nil, ErrInvalidPadding
	}

	return padded[lengthPrefixSize : lengthPrefixSize+int(n)], nil
}
