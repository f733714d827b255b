package storage

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	_ "github.com/mattn/go-sqlite3"
	"gopkg.in/op/go-logging.v1"

	"github.com/NebulaChat/nebula-node/pkg/protocol"
)

const (
	DefaultSignalTTL       = 24 * time.Hour
	DefaultCleanupInterval = time.Hour
)

// SignalLedger persists seen signal ids so replayed or looping broadcasts
// are dropped across restarts. Only ids and expiry times are stored.
type SignalLedger struct {
	db    *sql.DB
	ttl   time.Duration
	cache *lru.Cache[protocol.SignalID, int64] // id -> expiry, unix seconds
	log   *logging.Logger
	now   func() time.Time

	closeOnce sync.Once
	haltCh    chan struct{}
	wg        sync.WaitGroup
}

// SignalLedgerConfig configures a SignalLedger
type SignalLedgerConfig struct {
	Path            string
	TTL             time.Duration
	CleanupInterval time.Duration
	CacheSize       int
	Log             *logging.Logger
}

// NewSignalLedger opens (creating if needed) the ledger database
func NewSignalLedger(cfg *SignalLedgerConfig) (*SignalLedger, error) {
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultSignalTTL
	}
	interval := cfg.CleanupInterval
	if interval <= 0 {
		interval = DefaultCleanupInterval
	}
	cacheSize := cfg.CacheSize
	if cacheSize <= 0 {
		cacheSize = DefaultCacheSize
	}

	db, err := sql.Open("sqlite3", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger database: %w", err)
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}

	cache, err := lru.New[protocol.SignalID, int64](cacheSize)
	if err != nil {
		db.Close()
		return nil, err
	}

	l := &SignalLedger{
		db:     db,
		ttl:    ttl,
		cache:  cache,
		log:    cfg.Log,
		now:    time.Now,
		haltCh: make(chan struct{}),
	}
	if l.log == nil {
		l.log = logging.MustGetLogger("ledger")
	}

	if err := l.initSchema(); err != nil {
		db.Close()
		return nil, err
	}

	l.wg.Add(1)
	go l.cleanupWorker(interval)

	return l, nil
}

func (l *SignalLedger) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS seen_signals (
		signal_id BLOB PRIMARY KEY,
		expires_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_seen_expires ON seen_signals(expires_at);
	`

	if _, err := l.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// MarkSeen records id and reports whether it was new. An id whose entry
// has expired counts as new again.
func (l *SignalLedger) MarkSeen(id protocol.SignalID) (bool, error) {
	now := l.now().Unix()

	if expiresAt, ok := l.cache.Get(id); ok {
		if now < expiresAt {
			return false, nil
		}
		l.cache.Remove(id)
	}

	expiresAt := now + int64(l.ttl.Seconds())

	query := `
		INSERT INTO seen_signals (signal_id, expires_at) VALUES (?, ?)
		ON CONFLICT(signal_id) DO UPDATE SET expires_at = excluded.expires_at
		WHERE seen_signals.expires_at <= ?
	`

	result, err := l.db.Exec(query, id[:], expiresAt, now)
	if err != nil {
		return false, fmt.Errorf("failed to record signal %s: %w", id, err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	if n > 0 {
		l.cache.Add(id, expiresAt)
		return true, nil
	}

	// already recorded; cache the stored expiry, not a fresh one
	err = l.db.QueryRow(`SELECT expires_at FROM seen_signals WHERE signal_id = ?`, id[:]).Scan(&expiresAt)
	if err != nil {
		return false, fmt.Errorf("failed to read signal %s: %w", id, err)
	}
	l.cache.Add(id, expiresAt)
	return false, nil
}

// Count returns the number of unexpired ids
func (l *SignalLedger) Count() (int, error) {
	var count int
	err := l.db.QueryRow(`SELECT COUNT(*) FROM seen_signals WHERE expires_at > ?`, time.Now().Unix()).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count signals: %w", err)
	}
	return count, nil
}

// Expire deletes entries that expired at or before now
func (l *SignalLedger) Expire(now time.Time) (int64, error) {
	result, err := l.db.Exec(`DELETE FROM seen_signals WHERE expires_at <= ?`, now.Unix())
	if err != nil {
		return 0, fmt.Errorf("failed to expire signals: %w", err)
	}
	return result.RowsAffected()
}

func (l *SignalLedger) cleanupWorker(interval time.Duration) {
	defer l.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-l.haltCh:
			return
		case <-ticker.C:
		}

		count, err := l.Expire(time.Now())
		if err != nil {
			l.log.Warningf("Cleanup failed: %v", err)
			continue
		}
		if count > 0 {
			l.log.Debugf("Expired %d signal ids", count)
		}
	}
}

// Close stops the cleanup worker and closes the database
func (l *SignalLedger) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.haltCh)
		l.wg.Wait()
		err = l.db.Close()
	})
	return err
}
