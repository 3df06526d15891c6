package ratelimit

import (
	"sync"
	"time"
	"unsafe"

	"github.com/dgraph-io/ristretto/v2"
)

// defaultMaxCost is the default memory budget for the fallback cache (16 MiB).
const defaultMaxCost = 16 << 20

// counterCost is the approximate memory footprint of a single counter entry.
// Used as the cost parameter so ristretto can manage eviction by real memory
// rather than an arbitrary key count.
var counterCost = int64(unsafe.Sizeof(counter{}))

// FallbackLimiter provides per-key fixed-window limiting in local memory.
// Used when Redis is configured but unreachable and the failure policy is
// "inmemoryfallback".
//
// IMPORTANT: This limiter is NOT globally consistent. Each instance
// maintains its own independent counters. Under failover conditions the
// effective rate limit is per-instance, not per-fleet.
//
// Ristretto handles concurrency, TTL-based expiry, and admission/eviction
// (TinyLFU) within the memory budget. Window state is stored per key with a
// per-counter mutex so hot paths only contend on the individual key.
type FallbackLimiter struct {
	cache *ristretto.Cache[string, *counter]
}

type counter struct {
	mu          sync.Mutex
	count       int64
	windowStart time.Time
}

// NewFallbackLimiter creates an in-memory fallback limiter backed by ristretto.
func NewFallbackLimiter() *FallbackLimiter {
	// NumCounters should be ~10x the expected max items so the frequency
	// sketch stays accurate.
	estimatedItems := defaultMaxCost / counterCost
	numCounters := estimatedItems * 10

	cache, err := ristretto.NewCache(&ristretto.Config[string, *counter]{
		NumCounters: numCounters,
		MaxCost:     defaultMaxCost,
		BufferItems: 64,
	})
	if err != nil {
		// Only fails with invalid config; the values above are always valid.
		panic("ristretto: " + err.Error())
	}

	return &FallbackLimiter{cache: cache}
}

// check runs one fixed-window step for the key in local memory.
func (l *FallbackLimiter) check(key string, windowDur time.Duration, maxRequests int64, now time.Time) Decision {
	c, found := l.cache.Get(key)
	if !found {
		c = &counter{count: 1, windowStart: now}
		l.cache.SetWithTTL(key, c, counterCost, 2*windowDur)
		// Wait ensures the counter is visible to subsequent Gets. This only
		// blocks on the first request for a key; the hot path (cache hit)
		// has zero extra cost. Acceptable for a fallback limiter.
		l.cache.Wait()
		return Decision{}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if now.Sub(c.windowStart) > windowDur {
		c.count = 1
		c.windowStart = now
		return Decision{}
	}

	c.count++
	if c.count > maxRequests {
		return Decision{
			Limited:    true,
			RetryAfter: retryAfter(c.windowStart, windowDur, now),
		}
	}
	return Decision{}
}

// Close releases resources held by the cache. Safe to call multiple times.
func (l *FallbackLimiter) Close() {
	if l.cache != nil {
		l.cache.Close()
	}
}
