package breaker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBreaker(t *testing.T) {
	now := time.Now()

	newAt := func(at time.Time) *Breaker {
		b := New()
		b.now = func() time.Time { return at }
		return b
	}

	t.Run("starts closed", func(t *testing.T) {
		b := newAt(now)
		ok, retry := b.Allow()
		assert.True(t, ok)
		assert.Zero(t, retry)
	})

	t.Run("trip opens for the cooldown", func(t *testing.T) {
		b := newAt(now)
		b.Trip(60 * time.Second)

		ok, retry := b.Allow()
		assert.False(t, ok)
		assert.Equal(t, 60*time.Second, retry)
		assert.True(t, b.Open())
	})

	t.Run("retry-after counts down and floors at one second", func(t *testing.T) {
		b := newAt(now)
		b.Trip(60 * time.Second)

		b.now = func() time.Time { return now.Add(45 * time.Second) }
		_, retry := b.Allow()
		assert.Equal(t, 15*time.Second, retry)

		b.now = func() time.Time { return now.Add(60*time.Second - time.Millisecond) }
		_, retry = b.Allow()
		assert.Equal(t, time.Second, retry)
	})

	t.Run("closes automatically once cooldown elapses", func(t *testing.T) {
		b := newAt(now)
		b.Trip(60 * time.Second)

		b.now = func() time.Time { return now.Add(60 * time.Second) }
		ok, _ := b.Allow()
		assert.True(t, ok, "deadline reached means closed")
	})

	t.Run("reset closes immediately and is idempotent", func(t *testing.T) {
		b := newAt(now)
		b.Trip(time.Hour)

		b.Reset()
		ok, _ := b.Allow()
		assert.True(t, ok)

		b.Reset() // already closed
		ok, _ = b.Allow()
		assert.True(t, ok)
	})

	t.Run("re-trip replaces the deadline", func(t *testing.T) {
		b := newAt(now)
		b.Trip(10 * time.Second)
		b.Trip(60 * time.Second)

		_, retry := b.Allow()
		assert.Equal(t, 60*time.Second, retry)
	})
}
