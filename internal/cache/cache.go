// Package cache is a small file-backed read-through cache for values
// that are expensive to recompute but tolerate short staleness, such
// as indexed-issue counts consulted on every search.
package cache

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

type entry struct {
	StoredAt time.Time       `json:"stored_at"`
	Value    json.RawMessage `json:"value"`
}

// Cache stores JSON-encoded entries under deterministic keys, one file
// per entry. Entries are validated on read; anything expired or
// undecodable is treated as a miss and discarded.
type Cache struct {
	mu  sync.Mutex
	dir string
	ttl time.Duration
	now func() time.Time
}

// New creates a cache rooted at dir. Entries older than ttl are
// ignored on read.
func New(dir string, ttl time.Duration) (*Cache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	return &Cache{dir: dir, ttl: ttl, now: time.Now}, nil
}

func (c *Cache) path(key string) string {
	sum := sha256.Sum256([]byte(key))
	return filepath.Join(c.dir, hex.EncodeToString(sum[:16])+".json")
}

// Get loads the entry for key into out. The second return is false on
// any miss: absent, expired, or corrupt.
func (c *Cache) Get(key string, out interface{}) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	path := c.path(key)
	data, err := os.ReadFile(path)
	if err != nil {
		return false
	}
	var e entry
	if err := decodeStrict(data, &e); err != nil || e.StoredAt.IsZero() {
		os.Remove(path)
		return false
	}
	if c.now().Sub(e.StoredAt) > c.ttl {
		os.Remove(path)
		return false
	}
	if err := decodeStrict(e.Value, out); err != nil {
		os.Remove(path)
		return false
	}
	return true
}

// decodeStrict rejects unknown fields so an entry written by a newer
// or incompatible build reads as a miss, not a half-filled value.
func decodeStrict(data []byte, out interface{}) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	return dec.Decode(out)
}

// Put stores value under key.
func (c *Cache) Put(key string, value interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode cache value: %w", err)
	}
	data, err := json.Marshal(entry{StoredAt: c.now(), Value: raw})
	if err != nil {
		return fmt.Errorf("encode cache entry: %w", err)
	}
	tmp := c.path(key) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write cache entry: %w", err)
	}
	if err := os.Rename(tmp, c.path(key)); err != nil {
		return fmt.Errorf("publish cache entry: %w", err)
	}
	return nil
}

// GetOrCompute returns the cached value for key, computing and storing
// it on a miss. Compute errors are returned without poisoning the
// cache.
func (c *Cache) GetOrCompute(ctx context.Context, key string, out interface{}, compute func(context.Context) (interface{}, error)) error {
	if c.Get(key, out) {
		return nil
	}
	value, err := compute(ctx)
	if err != nil {
		return err
	}
	if err := c.Put(key, value); err != nil {
		return err
	}
	// round-trip through JSON so out gets the same shape a later
	// cache hit would produce
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode computed value: %w", err)
	}
	return json.Unmarshal(raw, out)
}
