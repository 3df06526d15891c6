// Package kvstore is the namespaced key-value layer for encrypted sync state
// and push subscriptions. The contract with Redis is strictly get/set/delete
// by key — no transactions. Keys are derived from an opaque client-supplied
// hash; the hash is validated as hex before it touches a key name so a client
// cannot smuggle separators into the keyspace.
package kvstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/habitgate/habitgate/internal/redis"
)

// Key namespaces. The sync namespace holds encrypted state blobs; the push
// namespace holds push-subscription records keyed by the same client hash.
const (
	syncPrefix = "habitgate:sync:"
	pushPrefix = "habitgate:push:"
)

// ErrNotFound is returned when no value exists for a key.
var ErrNotFound = errors.New("kvstore: key not found")

// syncKeyHashLen matches a SHA-256 hex digest.
const syncKeyHashLen = 64

// ValidSyncKeyHash reports whether a client-supplied sync-key hash is a
// well-formed lowercase-or-uppercase hex digest of the expected length.
func ValidSyncKeyHash(h string) bool {
	if len(h) != syncKeyHashLen {
		return false
	}
	for i := 0; i < len(h); i++ {
		c := h[i]
		switch {
		case c >= '0' && c <= '9':
		case c >= 'a' && c <= 'f':
		case c >= 'A' && c <= 'F':
		default:
			return false
		}
	}
	return true
}

// Store wraps a Redis client with the habitgate namespaces.
type Store struct {
	rdb redis.Client
}

// New creates a store over an established Redis client.
func New(rdb redis.Client) *Store {
	return &Store{rdb: rdb}
}

// GetSync returns the stored sync payload for a validated sync-key hash.
func (s *Store) GetSync(ctx context.Context, keyHash string) (string, error) {
	return s.get(ctx, syncPrefix+keyHash)
}

// SetSync stores the sync payload for a validated sync-key hash. Entries do
// not expire; deletion is client-driven.
func (s *Store) SetSync(ctx context.Context, keyHash, value string) error {
	return s.set(ctx, syncPrefix+keyHash, value)
}

// DelSync removes the sync payload for a validated sync-key hash. Deleting an
// absent key is not an error.
func (s *Store) DelSync(ctx context.Context, keyHash string) error {
	return s.del(ctx, syncPrefix+keyHash)
}

// DelPush removes the push subscription for a validated sync-key hash.
func (s *Store) DelPush(ctx context.Context, keyHash string) error {
	return s.del(ctx, pushPrefix+keyHash)
}

func (s *Store) get(ctx context.Context, key string) (string, error) {
	v, err := s.rdb.Get(ctx, key).Result()
	if err != nil {
		if redis.IsNotFoundErr(err) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("kvstore get %q: %w", key, err)
	}
	return v, nil
}

func (s *Store) set(ctx context.Context, key, value string) error {
	if err := s.rdb.Set(ctx, key, value, 0).Err(); err != nil {
		return fmt.Errorf("kvstore set %q: %w", key, err)
	}
	return nil
}

func (s *Store) del(ctx context.Context, key string) error {
	if err := s.rdb.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("kvstore del %q: %w", key, err)
	}
	return nil
}
