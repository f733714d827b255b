package network

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NebulaChat/nebula-node/pkg/protocol"
)

func peer(b byte, addr string) protocol.PeerInformation {
	return protocol.PeerInformation{PublicKey: protocol.PublicKey{b}, Address: addr}
}

func TestDirectoryUpsertIdempotent(t *testing.T) {
	d := NewDirectory(0)
	info := peer(1, "10.0.0.1:9000")

	require.NoError(t, d.Upsert(info))
	require.NoError(t, d.Upsert(info))

	assert.Equal(t, 1, d.Len())
	got, ok := d.Lookup(info.PublicKey)
	require.True(t, ok)
	assert.Equal(t, info, got)
}

func TestDirectoryUpsertReplacesAddress(t *testing.T) {
	d := NewDirectory(0)

	require.NoError(t, d.Upsert(peer(1, "10.0.0.1:9000")))
	require.NoError(t, d.Upsert(peer(1, "10.0.0.2:9001")))

	assert.Equal(t, 1, d.Len())
	got, ok := d.Lookup(protocol.PublicKey{1})
	require.True(t, ok)
	assert.Equal(t, "10.0.0.2:9001", got.Address)
}

func TestDirectoryLookupMissing(t *testing.T) {
	_, ok := NewDirectory(0).Lookup(protocol.PublicKey{9})
	assert.False(t, ok)
}

func TestDirectoryFull(t *testing.T) {
	d := NewDirectory(2)

	require.NoError(t, d.Upsert(peer(1, "10.0.0.1:1")))
	require.NoError(t, d.Upsert(peer(2, "10.0.0.2:2")))

	err := d.Upsert(peer(3, "10.0.0.3:3"))
	assert.ErrorIs(t, err, ErrDirectoryFull)
	assert.Equal(t, 2, d.Len())

	// replacing a known key is always allowed
	assert.NoError(t, d.Upsert(peer(2, "10.0.0.22:2")))
}

func TestDirectorySnapshot(t *testing.T) {
	d := NewDirectory(0)
	for _, b := range []byte{3, 1, 2} {
		require.NoError(t, d.Upsert(peer(b, fmt.Sprintf("10.0.0.%d:80", b))))
	}

	snap := d.Snapshot()
	require.Len(t, snap, 3)
	for i, b := range []byte{1, 2, 3} {
		assert.Equal(t, protocol.PublicKey{b}, snap[i].PublicKey)
	}

	// the snapshot is a copy
	snap[0].Address = "changed:1"
	got, _ := d.Lookup(protocol.PublicKey{1})
	assert.Equal(t, "10.0.0.1:80", got.Address)
}

func TestDirectoryConcurrent(t *testing.T) {
	d := NewDirectory(0)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				info := peer(byte(j), fmt.Sprintf("10.0.%d.%d:80", i, j))
				assert.NoError(t, d.Upsert(info))
				d.Lookup(info.PublicKey)
				d.Snapshot()
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 100, d.Len())
}
