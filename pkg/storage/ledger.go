package storage

import (
	"errors"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/NebulaChat/nebula-node/pkg/protocol"
)

// DefaultCacheSize is the number of signal ids kept in memory
const DefaultCacheSize = 8192

var ErrClosed = errors.New("ledger closed")

// MemoryLedger remembers the most recent signal ids in an LRU.
// Ids pushed out of the cache are forgotten.
type MemoryLedger struct {
	cache *lru.Cache[protocol.SignalID, struct{}]
}

// NewMemoryLedger creates an in-memory ledger holding up to size ids
func NewMemoryLedger(size int) (*MemoryLedger, error) {
	if size <= 0 {
		size = DefaultCacheSize
	}
	cache, err := lru.New[protocol.SignalID, struct{}](size)
	if err != nil {
		return nil, err
	}
	return &MemoryLedger{cache: cache}, nil
}

// MarkSeen records id and reports whether it was new
func (m *MemoryLedger) MarkSeen(id protocol.SignalID) (bool, error) {
	seen, _ := m.cache.ContainsOrAdd(id, struct{}{})
	return !seen, nil
}

// Len returns the number of remembered ids
func (m *MemoryLedger) Len() int {
	return m.cache.Len()
}

func (m *MemoryLedger) Close() error {
	m.cache.Purge()
	return nil
}
