package storage

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NebulaChat/nebula-node/pkg/protocol"
)

func TestMemoryLedger(t *testing.T) {
	l, err := NewMemoryLedger(2)
	require.NoError(t, err)

	a, b, c := protocol.NewSignalID(), protocol.NewSignalID(), protocol.NewSignalID()

	fresh, err := l.MarkSeen(a)
	require.NoError(t, err)
	assert.True(t, fresh)

	fresh, _ = l.MarkSeen(a)
	assert.False(t, fresh, "repeated id must be reported as seen")

	l.MarkSeen(b)
	l.MarkSeen(c) // evicts a
	assert.Equal(t, 2, l.Len())

	fresh, _ = l.MarkSeen(a)
	assert.True(t, fresh, "evicted id is forgotten")
}

func newTestSignalLedger(t *testing.T, ttl time.Duration) *SignalLedger {
	t.Helper()
	l, err := NewSignalLedger(&SignalLedgerConfig{
		Path:            filepath.Join(t.TempDir(), "ledger.db"),
		TTL:             ttl,
		CleanupInterval: time.Hour,
		CacheSize:       16,
	})
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func TestSignalLedgerMarkSeen(t *testing.T) {
	l := newTestSignalLedger(t, time.Hour)
	id := protocol.NewSignalID()

	fresh, err := l.MarkSeen(id)
	require.NoError(t, err)
	assert.True(t, fresh)

	fresh, err = l.MarkSeen(id)
	require.NoError(t, err)
	assert.False(t, fresh)

	count, err := l.Count()
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestSignalLedgerPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.db")
	id := protocol.NewSignalID()

	first, err := NewSignalLedger(&SignalLedgerConfig{Path: path})
	require.NoError(t, err)
	fresh, err := first.MarkSeen(id)
	require.NoError(t, err)
	require.True(t, fresh)
	require.NoError(t, first.Close())

	second, err := NewSignalLedger(&SignalLedgerConfig{Path: path})
	require.NoError(t, err)
	defer second.Close()

	fresh, err = second.MarkSeen(id)
	require.NoError(t, err)
	assert.False(t, fresh, "ledger must survive a restart")
}

func TestSignalLedgerExpire(t *testing.T) {
	l := newTestSignalLedger(t, time.Second)
	id := protocol.NewSignalID()

	_, err := l.MarkSeen(id)
	require.NoError(t, err)

	n, err := l.Expire(time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	count, err := l.Count()
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestSignalLedgerExpiredIDIsNewAgain(t *testing.T) {
	l := newTestSignalLedger(t, time.Minute)
	clock := time.Now()
	l.now = func() time.Time { return clock }
	id := protocol.NewSignalID()

	fresh, err := l.MarkSeen(id)
	require.NoError(t, err)
	require.True(t, fresh)

	clock = clock.Add(30 * time.Second)
	fresh, err = l.MarkSeen(id)
	require.NoError(t, err)
	assert.False(t, fresh, "cached id within its ttl is seen")

	clock = clock.Add(time.Minute)
	fresh, err = l.MarkSeen(id)
	require.NoError(t, err)
	assert.True(t, fresh, "expired id counts as new even while cached")

	fresh, err = l.MarkSeen(id)
	require.NoError(t, err)
	assert.False(t, fresh)
}

func TestSignalLedgerCachesStoredExpiry(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.db")
	id := protocol.NewSignalID()
	clock := time.Now()

	first, err := NewSignalLedger(&SignalLedgerConfig{Path: path, TTL: time.Minute})
	require.NoError(t, err)
	first.now = func() time.Time { return clock }
	_, err = first.MarkSeen(id)
	require.NoError(t, err)
	require.NoError(t, first.Close())

	second, err := NewSignalLedger(&SignalLedgerConfig{Path: path, TTL: time.Minute})
	require.NoError(t, err)
	defer second.Close()
	second.now = func() time.Time { return clock }

	clock = clock.Add(30 * time.Second)
	fresh, err := second.MarkSeen(id)
	require.NoError(t, err)
	require.False(t, fresh)

	// the duplicate must not have extended the original expiry
	clock = clock.Add(31 * time.Second)
	fresh, err = second.MarkSeen(id)
	require.NoError(t, err)
	assert.True(t, fresh)
}

func TestSignalLedgerConcurrent(t *testing.T) {
	l := newTestSignalLedger(t, time.Hour)
	id := protocol.NewSignalID()

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		fresh int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := l.MarkSeen(id)
			assert.NoError(t, err)
			if ok {
				mu.Lock()
				fresh++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, fresh, "exactly one caller sees the id first")
}

func TestSignalLedgerCloseTwice(t *testing.T) {
	l, err := NewSignalLedger(&SignalLedgerConfig{Path: filepath.Join(t.TempDir(), "ledger.db")})
	require.NoError(t, err)
	assert.NoError(t, l.Close())
	assert.NoError(t, l.Close())
}
