// Package ratelimit implements fixed-window rate limiting keyed by
// (namespace, client key). Counters live in a shared Redis store when one is
// configured (atomic via a Lua script), otherwise in a bounded in-process
// store. When Redis is configured but unreachable, a configurable failure
// policy decides between passing requests through, failing closed, or
// falling back to local counters while a background loop reconnects.
package ratelimit

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/habitgate/habitgate/internal/config"
	"github.com/habitgate/habitgate/internal/observability"
	"github.com/habitgate/habitgate/internal/redis"
)

// ErrLimiterClosed is returned when Check is called after Close.
var ErrLimiterClosed = errors.New("limiter is closed")

// keyPrefix namespaces all counter keys in the shared store.
const keyPrefix = "habitgate:rl:"

// Default recovery backoff configuration.
const (
	defaultRecoveryBackoffBase = time.Second
	defaultRecoveryBackoffMax  = 30 * time.Second
)

// Request identifies one rate-limit check.
type Request struct {
	Namespace   string        // endpoint bucket, e.g. "analyze"
	Key         string        // resolved client key, usually an IP
	Window      time.Duration // fixed window length
	MaxRequests int64         // budget per window; 0 means unlimited
}

// Decision is the outcome of a rate-limit check.
type Decision struct {
	Limited    bool
	RetryAfter time.Duration // meaningful only when Limited
}

// Limiter routes checks to the right backend and owns Redis health state.
type Limiter struct {
	disabled            bool
	policy              config.FailurePolicy
	maxRecoveryAttempts int

	logger  *slog.Logger
	metrics *observability.Metrics // may be nil

	local    *localStore      // backend when no Redis is configured
	fallback *FallbackLimiter // backend when Redis is unhealthy, policy permitting

	redisCfg *config.RedisConfig

	mu sync.RWMutex
	rl *redisLimiter // nil when Redis is not configured or unhealthy

	ctx    context.Context
	cancel context.CancelFunc
	closed bool

	reconnectMu  sync.Mutex
	reconnecting bool

	backoffBase time.Duration
	backoffMax  time.Duration
	jitter      func(time.Duration) time.Duration
}

// Option customizes a Limiter.
type Option func(*Limiter)

// WithRecoveryBackoff overrides the recovery loop backoff parameters.
// Used by tests to avoid multi-second sleeps.
func WithRecoveryBackoff(base, maxBackoff time.Duration, jitter func(time.Duration) time.Duration) Option {
	return func(l *Limiter) {
		l.backoffBase = base
		l.backoffMax = maxBackoff
		l.jitter = jitter
	}
}

// defaultBackoffJitter applies +/-25% jitter to avoid synchronized
// reconnection storms across instances.
func defaultBackoffJitter(d time.Duration) time.Duration {
	factor := 0.75 + rand.Float64()*0.5 // [0.75, 1.25)
	return time.Duration(float64(d) * factor)
}

// NewLimiter builds a Limiter from configuration. When Redis is configured
// but unreachable at startup, the failure policy decides whether that is
// fatal: failclosed refuses to start degraded, the other policies start in
// fallback mode and recover in the background.
func NewLimiter(cfg config.RateLimitConfig, redisCfg *config.RedisConfig, logger *slog.Logger, metrics *observability.Metrics, opts ...Option) (*Limiter, error) {
	ctx, cancel := context.WithCancel(context.Background())

	l := &Limiter{
		disabled:            cfg.Disabled,
		policy:              cfg.FailurePolicy,
		maxRecoveryAttempts: cfg.MaxRecoveryAttempts,
		logger:              logger,
		metrics:             metrics,
		local:               newLocalStore(cfg.LocalMaxEntries),
		redisCfg:            redisCfg,
		ctx:                 ctx,
		cancel:              cancel,
		backoffBase:         defaultRecoveryBackoffBase,
		backoffMax:          defaultRecoveryBackoffMax,
		jitter:              defaultBackoffJitter,
	}
	for _, opt := range opts {
		opt(l)
	}

	if redisCfg == nil {
		return l, nil
	}

	l.fallback = NewFallbackLimiter()

	client, err := redis.NewClient(*redisCfg)
	if err != nil {
		if l.policy == config.FailurePolicyFailClosed {
			cancel()
			l.fallback.Close()
			return nil, err
		}
		logger.Warn("redis unavailable at startup, operating in fallback mode",
			"error", err, "policy", l.policy)
		l.startRecoveryIfNeeded()
		return l, nil
	}

	l.rl = newRedisLimiter(client, keyPrefix, logger)
	return l, nil
}

// Check runs one rate-limit step for the request. A zero MaxRequests or a
// disabled limiter always yields a not-limited decision.
func (l *Limiter) Check(ctx context.Context, req Request) (Decision, error) {
	if l.disabled || req.MaxRequests <= 0 {
		return Decision{}, nil
	}

	l.mu.RLock()
	if l.closed {
		l.mu.RUnlock()
		return Decision{}, ErrLimiterClosed
	}
	rl := l.rl
	l.mu.RUnlock()

	now := time.Now()
	key := req.Namespace + ":" + req.Key

	if l.redisCfg == nil {
		return l.local.check(key, req.Window, req.MaxRequests, now), nil
	}

	if rl != nil {
		d, err := rl.check(ctx, key, req.Window, req.MaxRequests, now)
		if err == nil {
			return d, nil
		}
		l.handleRedisError(err)
	}

	return l.applyFailurePolicy(key, req, now), nil
}

// handleRedisError records the failure and, for connectivity-class errors,
// tears down the limiter and kicks off background recovery.
func (l *Limiter) handleRedisError(err error) {
	if l.metrics != nil {
		l.metrics.IncRedisErrors()
	}

	if !redis.IsConnectivityErr(err) {
		l.logger.Warn("redis rate-limit check failed", "error", err)
		return
	}

	l.mu.Lock()
	old := l.rl
	l.rl = nil
	l.mu.Unlock()

	if old != nil {
		_ = old.close()
		l.logger.Warn("redis became unhealthy, switching to fallback",
			"error", err, "policy", l.policy)
	}
	l.startRecoveryIfNeeded()
}

// applyFailurePolicy decides the outcome of a check while Redis is down.
func (l *Limiter) applyFailurePolicy(key string, req Request, now time.Time) Decision {
	switch l.policy {
	case config.FailurePolicyPassThrough:
		return Decision{}
	case config.FailurePolicyFailClosed:
		return Decision{Limited: true, RetryAfter: time.Second}
	default: // inmemoryfallback
		if l.metrics != nil {
			l.metrics.IncFallbackUsed()
		}
		return l.fallback.check(key, req.Window, req.MaxRequests, now)
	}
}

// Healthy reports whether the shared counter store is usable (or not needed).
func (l *Limiter) Healthy() bool {
	if l.redisCfg == nil {
		return true
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.rl != nil
}

// Close stops background recovery and releases all backends.
func (l *Limiter) Close() error {
	l.cancel()

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	rl := l.rl
	l.rl = nil
	l.mu.Unlock()

	var err error
	if rl != nil {
		err = rl.close()
	}
	if l.fallback != nil {
		l.fallback.Close()
	}
	return err
}

// ---------------------------------------------------------------------------
// Recovery
// ---------------------------------------------------------------------------

func (l *Limiter) startRecoveryIfNeeded() {
	if l.ctx.Err() != nil {
		return
	}

	l.reconnectMu.Lock()
	if l.reconnecting {
		l.reconnectMu.Unlock()
		return
	}
	l.reconnecting = true
	l.reconnectMu.Unlock()

	go func() {
		l.recoveryLoop()
		l.reconnectMu.Lock()
		l.reconnecting = false
		l.reconnectMu.Unlock()
	}()
}

func (l *Limiter) recoveryLoop() {
	backoff := l.backoffBase
	attempt := 0

	for {
		if l.ctx.Err() != nil {
			return
		}

		client, err := redis.NewClient(*l.redisCfg)
		if err != nil {
			attempt++
			if done := l.recoveryRetry(&backoff, attempt, err); done {
				return
			}
			continue
		}

		if l.ctx.Err() != nil {
			_ = client.Close()
			return
		}

		l.mu.Lock()
		if l.closed {
			l.mu.Unlock()
			_ = client.Close()
			return
		}
		l.rl = newRedisLimiter(client, keyPrefix, l.logger)
		l.mu.Unlock()

		l.logger.Info("redis connection recovered")
		return
	}
}

func (l *Limiter) recoveryRetry(backoff *time.Duration, attempt int, err error) (done bool) {
	if l.maxRecoveryAttempts > 0 && attempt >= l.maxRecoveryAttempts {
		l.logger.Error("redis recovery exhausted max attempts, giving up",
			"attempts", attempt, "max", l.maxRecoveryAttempts, "last_error", err)
		return true
	}

	sleep := l.jitter(*backoff)

	if attempt <= 5 || attempt%10 == 0 {
		l.logger.Warn("redis recovery attempt failed",
			"attempt", attempt, "error", err, "next_in", sleep)
	}

	timer := time.NewTimer(sleep)
	select {
	case <-l.ctx.Done():
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		return true
	case <-timer.C:
	}

	*backoff = min(*backoff*2, l.backoffMax)
	return false
}
