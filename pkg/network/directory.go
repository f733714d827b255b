package network

import (
	"bytes"
	"errors"
	"sort"
	"sync"

	"github.com/NebulaChat/nebula-node/pkg/instrument"
	"github.com/NebulaChat/nebula-node/pkg/protocol"
)

// DefaultMaxPeers bounds the directory when no limit is configured
const DefaultMaxPeers = 4096

var ErrDirectoryFull = errors.New("peer directory is full")

// Directory is the node's table of known peers, keyed by public key.
// It is shared by every session; callers copy entries out and never hold
// the lock while doing I/O.
type Directory struct {
	mu       sync.RWMutex
	peers    map[protocol.PublicKey]protocol.PeerInformation
	maxPeers int
}

// NewDirectory creates an empty directory holding at most maxPeers entries
func NewDirectory(maxPeers int) *Directory {
	if maxPeers <= 0 {
		maxPeers = DefaultMaxPeers
	}
	return &Directory{
		peers:    make(map[protocol.PublicKey]protocol.PeerInformation),
		maxPeers: maxPeers,
	}
}

// Upsert inserts info or replaces the entry with the same key.
// New keys are refused once the directory is full.
func (d *Directory) Upsert(info protocol.PeerInformation) error {
	d.mu.Lock()
	_, exists := d.peers[info.PublicKey]
	if !exists && len(d.peers) >= d.maxPeers {
		d.mu.Unlock()
		return ErrDirectoryFull
	}
	d.peers[info.PublicKey] = info
	n := len(d.peers)
	d.mu.Unlock()

	instrument.DirectorySize(n)
	return nil
}

// Lookup returns the entry for key
func (d *Directory) Lookup(key protocol.PublicKey) (protocol.PeerInformation, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	info, ok := d.peers[key]
	return info, ok
}

// Snapshot returns a copy of every entry, ordered by public key
func (d *Directory) Snapshot() []protocol.PeerInformation {
	d.mu.RLock()
	out := make([]protocol.PeerInformation, 0, len(d.peers))
	for _, info := range d.peers {
		out = append(out, info)
	}
	d.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return bytes.Compare(out[i].PublicKey[:], out[j].PublicKey[:]) < 0
	})
	return out
}

// Len returns the number of entries
func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.peers)
}
