// Package observability provides Prometheus metrics, health/readiness
// endpoints, structured logging, and OpenTelemetry tracing for habitgate.
package observability

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds both Prometheus counters/histograms and atomic counters for
// fast-path access in the request hot path.
type Metrics struct {
	// Atomic counters for hot-path (no mutex, no allocation).
	allowed        int64
	limited        int64
	cacheHits      int64
	cacheMisses    int64
	breakerTrips   int64
	breakerBlocked int64
	redisErrors    int64
	fallbackUsed   int64
	corsRejected   int64

	// Prometheus counters for scraping.
	promAllowed        prometheus.Counter
	promLimited        prometheus.Counter
	promCacheHits      prometheus.Counter
	promCacheMisses    prometheus.Counter
	promBreakerTrips   prometheus.Counter
	promBreakerBlocked prometheus.Counter
	promRedisErrors    prometheus.Counter
	promFallbackUsed   prometheus.Counter
	promCORSRejected   prometheus.Counter

	// Upstream LLM errors by classified kind. Kinds form a small closed set,
	// so using a label is safe from cardinality explosions.
	promUpstreamErrors *prometheus.CounterVec

	// Prometheus histograms.
	PromRequestDuration  *prometheus.HistogramVec
	PromUpstreamDuration prometheus.Histogram
}

// NewMetrics creates and registers Prometheus metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	factory := promauto.With(reg)

	m := &Metrics{
		promAllowed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "habitgate",
			Name:      "requests_allowed_total",
			Help:      "Total number of requests that passed rate limiting.",
		}),
		promLimited: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "habitgate",
			Name:      "requests_limited_total",
			Help:      "Total number of requests rejected by rate limiting.",
		}),
		promCacheHits: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "habitgate",
			Name:      "analysis_cache_hits_total",
			Help:      "Total number of analysis responses served from cache.",
		}),
		promCacheMisses: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "habitgate",
			Name:      "analysis_cache_misses_total",
			Help:      "Total number of analysis cache misses.",
		}),
		promBreakerTrips: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "habitgate",
			Name:      "breaker_trips_total",
			Help:      "Total number of times the quota breaker entered cooldown.",
		}),
		promBreakerBlocked: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "habitgate",
			Name:      "breaker_blocked_total",
			Help:      "Total number of requests short-circuited by an open breaker.",
		}),
		promRedisErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "habitgate",
			Name:      "redis_errors_total",
			Help:      "Total number of Redis errors encountered.",
		}),
		promFallbackUsed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "habitgate",
			Name:      "fallback_used_total",
			Help:      "Total number of rate-limit checks handled by the in-memory fallback.",
		}),
		promCORSRejected: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "habitgate",
			Name:      "cors_rejected_total",
			Help:      "Total number of requests from disallowed origins (strict mode).",
		}),
		promUpstreamErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "habitgate",
			Name:      "upstream_errors_total",
			Help:      "Total upstream LLM errors by classified kind.",
		}, []string{"kind"}),
		PromRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "habitgate",
			Name:      "request_duration_seconds",
			Help:      "Request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"endpoint", "status_code"}),
		PromUpstreamDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "habitgate",
			Name:      "upstream_duration_seconds",
			Help:      "Upstream LLM call duration in seconds.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 25},
		}),
	}

	return m
}

// IncAllowed increments the allowed requests counter.
func (m *Metrics) IncAllowed() {
	atomic.AddInt64(&m.allowed, 1)
	m.promAllowed.Inc()
}

// IncLimited increments the rate-limited requests counter.
func (m *Metrics) IncLimited() {
	atomic.AddInt64(&m.limited, 1)
	m.promLimited.Inc()
}

// IncCacheHit increments the analysis cache hit counter.
func (m *Metrics) IncCacheHit() {
	atomic.AddInt64(&m.cacheHits, 1)
	m.promCacheHits.Inc()
}

// IncCacheMiss increments the analysis cache miss counter.
func (m *Metrics) IncCacheMiss() {
	atomic.AddInt64(&m.cacheMisses, 1)
	m.promCacheMisses.Inc()
}

// IncBreakerTrip increments the breaker trip counter.
func (m *Metrics) IncBreakerTrip() {
	atomic.AddInt64(&m.breakerTrips, 1)
	m.promBreakerTrips.Inc()
}

// IncBreakerBlocked increments the breaker short-circuit counter.
func (m *Metrics) IncBreakerBlocked() {
	atomic.AddInt64(&m.breakerBlocked, 1)
	m.promBreakerBlocked.Inc()
}

// IncRedisErrors increments the Redis error counter.
func (m *Metrics) IncRedisErrors() {
	atomic.AddInt64(&m.redisErrors, 1)
	m.promRedisErrors.Inc()
}

// IncFallbackUsed increments the fallback usage counter.
func (m *Metrics) IncFallbackUsed() {
	atomic.AddInt64(&m.fallbackUsed, 1)
	m.promFallbackUsed.Inc()
}

// IncCORSRejected increments the strict-mode origin rejection counter.
func (m *Metrics) IncCORSRejected() {
	atomic.AddInt64(&m.corsRejected, 1)
	m.promCORSRejected.Inc()
}

// IncUpstreamError increments the upstream error counter for the given kind.
func (m *Metrics) IncUpstreamError(kind string) {
	m.promUpstreamErrors.WithLabelValues(kind).Inc()
}

// MetricsSnapshot holds a point-in-time copy of all atomic counters.
type MetricsSnapshot struct {
	Allowed        int64
	Limited        int64
	CacheHits      int64
	CacheMisses    int64
	BreakerTrips   int64
	BreakerBlocked int64
	RedisErrors    int64
	FallbackUsed   int64
	CORSRejected   int64
}

// Snapshot returns the current counter values.
func (m *Metrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		Allowed:        atomic.LoadInt64(&m.allowed),
		Limited:        atomic.LoadInt64(&m.limited),
		CacheHits:      atomic.LoadInt64(&m.cacheHits),
		CacheMisses:    atomic.LoadInt64(&m.cacheMisses),
		BreakerTrips:   atomic.LoadInt64(&m.breakerTrips),
		BreakerBlocked: atomic.LoadInt64(&m.breakerBlocked),
		RedisErrors:    atomic.LoadInt64(&m.redisErrors),
		FallbackUsed:   atomic.LoadInt64(&m.fallbackUsed),
		CORSRejected:   atomic.LoadInt64(&m.corsRejected),
	}
}
