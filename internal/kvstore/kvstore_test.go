package kvstore

import (
	"context"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/habitgate/habitgate/internal/config"
	"github.com/habitgate/habitgate/internal/redis"
)

const testHash = "a3f5c9d1e7b2486053a1f9c8d7e6b5a4938271605f4e3d2c1b0a998877665544"

func testStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb, err := redis.NewClient(config.RedisConfig{
		Endpoints: []string{mr.Addr()},
		Mode:      config.RedisModeSingle,
	})
	require.NoError(t, err)
	t.Cleanup(func() { rdb.Close() })
	return New(rdb), mr
}

func TestValidSyncKeyHash(t *testing.T) {
	t.Run("accepts 64 hex chars", func(t *testing.T) {
		assert.True(t, ValidSyncKeyHash(testHash))
		assert.True(t, ValidSyncKeyHash(strings.ToUpper(testHash)))
	})

	t.Run("rejects wrong length", func(t *testing.T) {
		assert.False(t, ValidSyncKeyHash(""))
		assert.False(t, ValidSyncKeyHash(testHash[:63]))
		assert.False(t, ValidSyncKeyHash(testHash+"0"))
	})

	t.Run("rejects non-hex", func(t *testing.T) {
		assert.False(t, ValidSyncKeyHash(strings.Repeat("g", 64)))
		assert.False(t, ValidSyncKeyHash(testHash[:63]+":"))
		assert.False(t, ValidSyncKeyHash(testHash[:63]+" "))
	})
}

func TestSyncRoundTrip(t *testing.T) {
	s, mr := testStore(t)
	ctx := context.Background()

	t.Run("get absent returns ErrNotFound", func(t *testing.T) {
		_, err := s.GetSync(ctx, testHash)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("set then get", func(t *testing.T) {
		require.NoError(t, s.SetSync(ctx, testHash, `{"lastModified":1,"state":"blob"}`))
		got, err := s.GetSync(ctx, testHash)
		require.NoError(t, err)
		assert.Equal(t, `{"lastModified":1,"state":"blob"}`, got)
	})

	t.Run("keys are namespaced", func(t *testing.T) {
		assert.True(t, mr.Exists("habitgate:sync:"+testHash))
	})

	t.Run("del removes, absent del is not an error", func(t *testing.T) {
		require.NoError(t, s.DelSync(ctx, testHash))
		_, err := s.GetSync(ctx, testHash)
		assert.ErrorIs(t, err, ErrNotFound)

		assert.NoError(t, s.DelSync(ctx, testHash))
	})
}

func TestPushNamespaceIsIndependent(t *testing.T) {
	s, mr := testStore(t)
	ctx := context.Background()

	require.NoError(t, s.SetSync(ctx, testHash, "state"))
	mr.Set("habitgate:push:"+testHash, "subscription")

	require.NoError(t, s.DelPush(ctx, testHash))

	assert.False(t, mr.Exists("habitgate:push:"+testHash))
	got, err := s.GetSync(ctx, testHash)
	require.NoError(t, err)
	assert.Equal(t, "state", got, "sync entry untouched by push delete")
}
