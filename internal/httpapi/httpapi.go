// Package httpapi is the request orchestrator: per-endpoint handlers that
// sequence origin policy, client-IP resolution, rate limiting, body bounds,
// response caching, and the quota breaker in front of the upstream
// collaborators.
package httpapi

import (
	"context"
	cryptorand "crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/habitgate/habitgate/internal/breaker"
	"github.com/habitgate/habitgate/internal/config"
	"github.com/habitgate/habitgate/internal/cors"
	"github.com/habitgate/habitgate/internal/kvstore"
	"github.com/habitgate/habitgate/internal/memocache"
	"github.com/habitgate/habitgate/internal/observability"
	"github.com/habitgate/habitgate/internal/ratelimit"
)

// requestIDHeader is the canonical HTTP header for request correlation.
const requestIDHeader = "X-Request-Id"

// syncKeyHeader carries the client's opaque sync-key hash.
const syncKeyHeader = "X-Sync-Key-Hash"

// cacheHeader marks analysis responses as served from cache or computed.
const cacheHeader = "X-Cache"

// maxRequestIDLen is the maximum allowed length for a client-supplied
// X-Request-Id.
const maxRequestIDLen = 128

// requestIDRng is seeded once from crypto/rand; ChaCha8 avoids a syscall per
// generated ID.
var requestIDRng = func() *rand.ChaCha8 {
	var seed [32]byte
	if _, err := cryptorand.Read(seed[:]); err != nil {
		panic("failed to seed ChaCha8: " + err.Error())
	}
	return rand.NewChaCha8(seed)
}()

var requestIDMu sync.Mutex

// generateRequestID creates a 16-byte hex-encoded random ID.
func generateRequestID() string {
	var buf [16]byte
	requestIDMu.Lock()
	for i := 0; i < len(buf); i += 8 {
		binary.LittleEndian.PutUint64(buf[i:], requestIDRng.Uint64())
	}
	requestIDMu.Unlock()
	return hex.EncodeToString(buf[:])
}

// validRequestID checks that a client-supplied request ID is safe to echo
// into headers and logs. Allowed: alphanumeric, hyphen, underscore, dot,
// colon.
func validRequestID(s string) bool {
	if len(s) == 0 || len(s) > maxRequestIDLen {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
		case c == '-' || c == '_' || c == '.' || c == ':':
		default:
			return false
		}
	}
	return true
}

// jsonError is the structured error envelope returned by every endpoint.
type jsonError struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// writeError writes the JSON error envelope. Rate-limit and CORS headers
// already set on w are preserved.
func writeError(w http.ResponseWriter, code int, errType, details string) {
	body, _ := json.Marshal(jsonError{Error: errType, Details: details})
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(body)
}

// setRetryAfter writes the Retry-After header in whole seconds, floored at 1.
func setRetryAfter(w http.ResponseWriter, d time.Duration) {
	secs := int64((d + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	w.Header().Set("Retry-After", strconv.FormatInt(secs, 10))
}

// statusWriter captures the status code written by a handler so the request
// duration histogram can be labeled with it.
type statusWriter struct {
	http.ResponseWriter
	code    int
	written bool
}

func (sw *statusWriter) WriteHeader(code int) {
	if !sw.written {
		sw.code = code
		sw.written = true
	}
	sw.ResponseWriter.WriteHeader(code)
}

func (sw *statusWriter) Write(b []byte) (int, error) {
	if !sw.written {
		sw.code = http.StatusOK
		sw.written = true
	}
	return sw.ResponseWriter.Write(b)
}

// Unwrap supports http.ResponseController.
func (sw *statusWriter) Unwrap() http.ResponseWriter {
	return sw.ResponseWriter
}

var statusWriterPool = sync.Pool{
	New: func() any { return &statusWriter{} },
}

// Analyzer is the upstream text-analysis collaborator.
type Analyzer interface {
	Model() string
	Generate(ctx context.Context, prompt, system string) (string, error)
}

// Store is the key-value collaborator for sync state and push subscriptions.
// *kvstore.Store satisfies it.
type Store interface {
	GetSync(ctx context.Context, keyHash string) (string, error)
	SetSync(ctx context.Context, keyHash, value string) error
	DelSync(ctx context.Context, keyHash string) error
	DelPush(ctx context.Context, keyHash string) error
}

var _ Store = (*kvstore.Store)(nil)

// endpointLimit is the immutable rate budget for one endpoint.
type endpointLimit struct {
	window time.Duration
	max    int64
}

// snapshot holds the hot-reloadable knobs, swapped as one unit so a single
// request never observes a half-applied reload.
type snapshot struct {
	trustedIPHeader string
	analyze         endpointLimit
	sync            endpointLimit
	unsubscribe     endpointLimit
	cooldown        time.Duration
}

func newSnapshot(cfg *config.Config) *snapshot {
	parse := func(el config.EndpointLimit) endpointLimit {
		return endpointLimit{
			window: config.MustParseDuration(el.Window, time.Minute),
			max:    el.MaxRequests,
		}
	}
	return &snapshot{
		trustedIPHeader: cfg.RateLimit.TrustedIPHeader,
		analyze:         parse(cfg.RateLimit.Analyze),
		sync:            parse(cfg.RateLimit.Sync),
		unsubscribe:     parse(cfg.RateLimit.Unsubscribe),
		cooldown:        config.MustParseDuration(cfg.Breaker.Cooldown, time.Minute),
	}
}

// Deps are the collaborators the orchestrator composes per request.
type Deps struct {
	Logger  *slog.Logger
	Metrics *observability.Metrics
	Limiter *ratelimit.Limiter
	Cache   *memocache.Cache
	Breaker *breaker.Breaker
	LLM     Analyzer
	Store   Store
}

// API owns the per-request decision pipeline for all endpoints. The shared
// mutable structures (cache, breaker, limiter) live here as injected
// collaborators rather than package-level state, preserving their
// one-per-process shared-fate semantics without hidden globals.
type API struct {
	logger  *slog.Logger
	metrics *observability.Metrics

	limiter *ratelimit.Limiter
	cache   *memocache.Cache
	breaker *breaker.Breaker
	llm     Analyzer
	store   Store

	// Swapped atomically on config reload; read on every request.
	cors atomic.Pointer[cors.Policy]
	snap atomic.Pointer[snapshot]

	maxBodyBytes    int64
	bodyReadTimeout time.Duration

	// sem bounds concurrent upstream calls; sf collapses identical in-flight
	// prompts onto one call.
	sem *semaphore.Weighted
	sf  singleflight.Group
}

// New builds the orchestrator from validated config and collaborators.
func New(cfg *config.Config, deps Deps) *API {
	maxConcurrent := cfg.LLM.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = 8
	}

	a := &API{
		logger:          deps.Logger,
		metrics:         deps.Metrics,
		limiter:         deps.Limiter,
		cache:           deps.Cache,
		breaker:         deps.Breaker,
		llm:             deps.LLM,
		store:           deps.Store,
		maxBodyBytes:    cfg.Server.MaxBodyBytes,
		bodyReadTimeout: config.MustParseDuration(cfg.Server.BodyReadTimeout, 10*time.Second),
		sem:             semaphore.NewWeighted(int64(maxConcurrent)),
	}
	a.cors.Store(cors.NewPolicy(cfg.CORS))
	a.snap.Store(newSnapshot(cfg))
	return a
}

// Reload swaps the hot-reloadable knobs: origin policy, per-endpoint rate
// budgets, trusted IP header, and breaker cooldown. Server addresses and
// Redis topology require a restart and are ignored here.
func (a *API) Reload(cfg *config.Config) {
	a.cors.Store(cors.NewPolicy(cfg.CORS))
	a.snap.Store(newSnapshot(cfg))
	a.logger.Info("request pipeline reloaded",
		"strict_cors", cfg.CORS.Strict,
		"analyze_max", cfg.RateLimit.Analyze.MaxRequests,
		"breaker_cooldown", cfg.Breaker.Cooldown)
}

// Routes returns the API mux.
func (a *API) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/analyze", a.wrap("analyze", "POST, OPTIONS",
		func(s *snapshot) endpointLimit { return s.analyze },
		a.analyze, http.MethodPost))
	mux.HandleFunc("/api/sync", a.wrap("sync", "GET, POST, DELETE, OPTIONS",
		func(s *snapshot) endpointLimit { return s.sync },
		a.sync, http.MethodGet, http.MethodPost, http.MethodDelete))
	mux.HandleFunc("/api/unsubscribe", a.wrap("unsubscribe", "POST, OPTIONS",
		func(s *snapshot) endpointLimit { return s.unsubscribe },
		a.unsubscribe, http.MethodPost))
	return mux
}

// wrap applies the shared gating pipeline in order: request correlation →
// origin policy (strict 403, OPTIONS 204) → method allow-list → rate limit.
// The endpoint handler only runs once every gate has passed.
func (a *API) wrap(endpoint, allowMethods string, limitOf func(*snapshot) endpointLimit, next http.HandlerFunc, methods ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := statusWriterPool.Get().(*statusWriter)
		sw.ResponseWriter = w
		sw.code = http.StatusOK
		sw.written = false

		// Validate client-supplied correlation IDs so a hostile value can
		// not pollute logs or response headers.
		reqID := r.Header.Get(requestIDHeader)
		if !validRequestID(reqID) {
			reqID = generateRequestID()
			r.Header.Set(requestIDHeader, reqID)
		}
		sw.Header().Set(requestIDHeader, reqID)

		defer func() {
			a.metrics.PromRequestDuration.WithLabelValues(
				endpoint,
				strconv.Itoa(sw.code),
			).Observe(time.Since(start).Seconds())
			sw.ResponseWriter = nil
			statusWriterPool.Put(sw)
		}()

		policy := a.cors.Load()
		policy.SetHeaders(sw, r, allowMethods)

		// Strict mode rejects browser requests from disallowed origins
		// outright; non-strict answers with a "null" allow-origin and lets
		// the browser fail the response. Requests without an Origin header
		// are not browser-initiated and are never strict-rejected.
		if origin := r.Header.Get("Origin"); origin != "" && policy.Strict() && !policy.Allowed(r) {
			a.metrics.IncCORSRejected()
			a.logger.Warn("origin rejected", "origin", origin, "endpoint", endpoint, "request_id", reqID)
			writeError(sw, http.StatusForbidden, "origin_not_allowed", "origin is not permitted by CORS policy")
			return
		}

		if r.Method == http.MethodOptions {
			sw.WriteHeader(http.StatusNoContent)
			return
		}

		allowed := false
		for _, m := range methods {
			if r.Method == m {
				allowed = true
				break
			}
		}
		if !allowed {
			sw.Header().Set("Allow", allowMethods)
			writeError(sw, http.StatusMethodNotAllowed, "method_not_allowed", "method "+r.Method+" is not supported")
			return
		}

		snap := a.snap.Load()
		limit := limitOf(snap)
		key := ratelimit.ClientIP(r, snap.trustedIPHeader)

		decision, err := a.limiter.Check(r.Context(), ratelimit.Request{
			Namespace:   endpoint,
			Key:         key,
			Window:      limit.window,
			MaxRequests: limit.max,
		})
		if err != nil {
			a.logger.Error("rate limit check failed", "error", err, "endpoint", endpoint, "request_id", reqID)
			writeError(sw, http.StatusInternalServerError, "rate_limit_unavailable", "rate limiting is unavailable")
			return
		}
		if decision.Limited {
			a.metrics.IncLimited()
			setRetryAfter(sw, decision.RetryAfter)
			writeError(sw, http.StatusTooManyRequests, "rate_limited", "too many requests, retry later")
			return
		}
		a.metrics.IncAllowed()

		next(sw, r)
	}
}

// readBody reads the request body under both a size cap and a hard
// wall-clock budget, so an oversize or deliberately slow body is rejected
// before any parsing. On failure the response has already been written.
func (a *API) readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	rc := http.NewResponseController(w)
	// Best effort: recorders and exotic writers do not support deadlines.
	_ = rc.SetReadDeadline(time.Now().Add(a.bodyReadTimeout))
	defer rc.SetReadDeadline(time.Time{}) //nolint:errcheck

	body := http.MaxBytesReader(w, r.Body, a.maxBodyBytes)
	data, err := io.ReadAll(body)
	if err != nil {
		var mbe *http.MaxBytesError
		switch {
		case errors.As(err, &mbe):
			writeError(w, http.StatusRequestEntityTooLarge, "body_too_large",
				"request body exceeds "+strconv.FormatInt(a.maxBodyBytes, 10)+" bytes")
		case errors.Is(err, os.ErrDeadlineExceeded):
			writeError(w, http.StatusRequestTimeout, "body_read_timeout", "request body was not received in time")
		default:
			writeError(w, http.StatusBadRequest, "body_read_failed", "request body could not be read")
		}
		return nil, false
	}
	return data, true
}

// syncKeyHash extracts and validates the client's sync-key hash header.
// A missing or malformed hash yields 401; the response is already written.
func (a *API) syncKeyHash(w http.ResponseWriter, r *http.Request) (string, bool) {
	h := r.Header.Get(syncKeyHeader)
	if !kvstore.ValidSyncKeyHash(h) {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid sync key")
		return "", false
	}
	return h, true
}
