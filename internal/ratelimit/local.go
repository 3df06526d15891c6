package ratelimit

import (
	"math"
	"sync"
	"time"
)

// localStore is the in-process fixed-window counter store, used when no
// shared Redis counter store is configured. It is bounded: when a new key
// would exceed maxEntries, the single oldest-inserted entry is evicted
// first. Keys are inserted exactly once and removed only by eviction, so a
// FIFO of keys tracks insertion order exactly.
type localStore struct {
	mu         sync.Mutex
	maxEntries int
	entries    map[string]*window
	order      []string // insertion order, oldest first
}

type window struct {
	count       int64
	windowStart time.Time
}

func newLocalStore(maxEntries int) *localStore {
	if maxEntries < 1 {
		maxEntries = 1
	}
	return &localStore{
		maxEntries: maxEntries,
		entries:    make(map[string]*window, maxEntries),
	}
}

// check runs one fixed-window step for the key at the given instant.
func (s *localStore) check(key string, windowDur time.Duration, maxRequests int64, now time.Time) Decision {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.entries[key]
	if !ok {
		if len(s.entries) >= s.maxEntries {
			s.evictOldestLocked()
		}
		s.entries[key] = &window{count: 1, windowStart: now}
		s.order = append(s.order, key)
		return Decision{}
	}

	if now.Sub(w.windowStart) > windowDur {
		w.count = 1
		w.windowStart = now
		return Decision{}
	}

	w.count++
	if w.count > maxRequests {
		return Decision{
			Limited:    true,
			RetryAfter: retryAfter(w.windowStart, windowDur, now),
		}
	}
	return Decision{}
}

// evictOldestLocked removes the single oldest-inserted entry.
func (s *localStore) evictOldestLocked() {
	if len(s.order) == 0 {
		return
	}
	oldest := s.order[0]
	s.order = s.order[1:]
	delete(s.entries, oldest)
}

// len reports the current entry count (test hook).
func (s *localStore) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// retryAfter computes the seconds until the window resets, rounded up and
// floored at one second.
func retryAfter(windowStart time.Time, windowDur time.Duration, now time.Time) time.Duration {
	remaining := windowStart.Add(windowDur).Sub(now)
	secs := math.Ceil(remaining.Seconds())
	if secs < 1 {
		secs = 1
	}
	return time.Duration(secs) * time.Second
}
