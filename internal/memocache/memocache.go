// Package memocache is a content-addressed, TTL-bounded memo of upstream
// analysis answers. Keys are stable SHA-256 fingerprints over the request
// content, so semantically different requests can never collide and the key
// can appear in logs without exposing the prompt plaintext (the digest is
// still not content protection).
package memocache

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"sync"
	"time"
)

// Fingerprint derives the cache key for an analysis request: a fixed-length
// hex digest over model identifier, prompt, and system instruction.
func Fingerprint(model, prompt, system string) string {
	h := sha256.New()
	h.Write([]byte(model))
	h.Write([]byte{0})
	h.Write([]byte(prompt))
	h.Write([]byte{0})
	h.Write([]byte(system))
	return hex.EncodeToString(h.Sum(nil))
}

type entry struct {
	value      string
	insertedAt time.Time
}

// Cache is a mutex-guarded map with lazy per-lookup expiry and bulk
// oldest-first eviction on overflow. Writes are infrequent relative to
// capacity (hundreds of entries), so sort-based eviction is adequate.
type Cache struct {
	mu         sync.Mutex
	ttl        time.Duration
	maxEntries int
	entries    map[string]entry

	now func() time.Time // test hook
}

// New creates a cache with the given TTL and capacity.
func New(ttl time.Duration, maxEntries int) *Cache {
	if maxEntries < 1 {
		maxEntries = 1
	}
	return &Cache{
		ttl:        ttl,
		maxEntries: maxEntries,
		entries:    make(map[string]entry),
		now:        time.Now,
	}
}

// Get returns the cached value for key. An entry older than the TTL is
// treated as absent and purged as a side effect — there is no background
// sweep.
func (c *Cache) Get(key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return "", false
	}
	if c.now().Sub(e.insertedAt) > c.ttl {
		delete(c.entries, key)
		return "", false
	}
	return e.value, true
}

// Set inserts or overwrites the value for key. If the insert pushes the
// cache over capacity, the oldest-inserted entries are evicted until the
// size is back at the limit.
func (c *Cache) Set(key, value string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[key] = entry{value: value, insertedAt: c.now()}

	if len(c.entries) <= c.maxEntries {
		return
	}

	type aged struct {
		key        string
		insertedAt time.Time
	}
	all := make([]aged, 0, len(c.entries))
	for k, e := range c.entries {
		all = append(all, aged{key: k, insertedAt: e.insertedAt})
	}
	sort.Slice(all, func(i, j int) bool {
		return all[i].insertedAt.Before(all[j].insertedAt)
	})

	excess := len(c.entries) - c.maxEntries
	for _, a := range all[:excess] {
		delete(c.entries, a.key)
	}
}

// Len reports the current entry count, counting stale entries that have not
// been purged yet.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
