// Package cache provides the ephemeral response cache wrapped around every
// recommendation computation.
//
// Entries are stored in an embedded Badger database with a bounded
// time-to-live. The cache is strictly advisory: every error on the read or
// write path is logged and treated as a miss, never surfaced to the caller —
// a broken cache only costs recomputation.
package cache

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	badger "github.com/dgraph-io/badger/v4"
)

// DefaultTTL bounds how long a cached recommendation list stays valid.
const DefaultTTL = time.Hour

// Cache is an embedded TTL key/value cache. Safe for concurrent use.
type Cache struct {
	db  *badger.DB
	ttl time.Duration
}

// Open creates or opens a Badger-backed cache at dir. An empty dir opens an
// in-memory instance (tests, ephemeral deployments). ttl <= 0 falls back to
// DefaultTTL.
func Open(dir string, ttl time.Duration) (*Cache, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	opts := badger.DefaultOptions(dir)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	// Badger's own logger is chatty at INFO; route everything through slog
	// at debug instead.
	opts = opts.WithLogger(nil)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("cache: open badger: %w", err)
	}
	return &Cache{db: db, ttl: ttl}, nil
}

// Key builds the semantic cache key for one operation call:
// operation kind, input identity, and requested result size.
func Key(op string, input string, topK int) string {
	return fmt.Sprintf("%s:v1:%s:%d", op, strings.ToLower(strings.TrimSpace(input)), topK)
}

// GetJSON looks up key and unmarshals the stored JSON into out. It returns
// false on a miss; storage and decode errors are logged and reported as a
// miss.
func (c *Cache) GetJSON(key string, out any) bool {
	var raw []byte
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		raw, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		if err != badger.ErrKeyNotFound {
			slog.Warn("cache: read failed", "key", key, "err", err)
		}
		return false
	}
	if err := json.Unmarshal(raw, out); err != nil {
		slog.Warn("cache: corrupt entry", "key", key, "err", err)
		return false
	}
	return true
}

// SetJSON marshals v and stores it under key with the cache TTL. Errors are
// logged and swallowed; a failed write only forces recomputation later.
func (c *Cache) SetJSON(key string, v any) {
	raw, err := json.Marshal(v)
	if err != nil {
		slog.Warn("cache: marshal failed", "key", key, "err", err)
		return
	}
	err = c.db.Update(func(txn *badger.Txn) error {
		return txn.SetEntry(badger.NewEntry([]byte(key), raw).WithTTL(c.ttl))
	})
	if err != nil {
		slog.Warn("cache: write failed", "key", key, "err", err)
	}
}

// Close releases the underlying database.
func (c *Cache) Close() error {
	return c.db.Close()
}
