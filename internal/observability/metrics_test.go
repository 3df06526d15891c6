package observability

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
)

func TestNewMetrics(t *testing.T) {
	t.Run("creates metrics with custom registry", func(t *testing.T) {
		reg := prometheus.NewRegistry()
		m := NewMetrics(reg)
		assert.NotNil(t, m)
		assert.NotNil(t, m.promAllowed)
		assert.NotNil(t, m.promLimited)
		assert.NotNil(t, m.PromRequestDuration)
		assert.NotNil(t, m.PromUpstreamDuration)
	})
}

func TestMetricsCounters(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.IncAllowed()
	m.IncAllowed()
	m.IncLimited()
	m.IncCacheHit()
	m.IncCacheHit()
	m.IncCacheHit()
	m.IncCacheMiss()
	m.IncBreakerTrip()
	m.IncBreakerBlocked()
	m.IncRedisErrors()
	m.IncFallbackUsed()
	m.IncCORSRejected()

	snap := m.Snapshot()
	assert.Equal(t, int64(2), snap.Allowed)
	assert.Equal(t, int64(1), snap.Limited)
	assert.Equal(t, int64(3), snap.CacheHits)
	assert.Equal(t, int64(1), snap.CacheMisses)
	assert.Equal(t, int64(1), snap.BreakerTrips)
	assert.Equal(t, int64(1), snap.BreakerBlocked)
	assert.Equal(t, int64(1), snap.RedisErrors)
	assert.Equal(t, int64(1), snap.FallbackUsed)
	assert.Equal(t, int64(1), snap.CORSRejected)
}

func TestMetricsUpstreamErrorKinds(t *testing.T) {
	t.Run("accepts the closed kind set", func(t *testing.T) {
		m := NewMetrics(prometheus.NewRegistry())
		m.IncUpstreamError("quota")
		m.IncUpstreamError("timeout")
		m.IncUpstreamError("upstream")
		m.IncUpstreamError("quota")
	})
}
