package httpapi

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/habitgate/habitgate/internal/breaker"
	"github.com/habitgate/habitgate/internal/config"
	"github.com/habitgate/habitgate/internal/kvstore"
	"github.com/habitgate/habitgate/internal/memocache"
	"github.com/habitgate/habitgate/internal/observability"
	"github.com/habitgate/habitgate/internal/ratelimit"
)

const testKeyHash = "a3f5c9d1e7b2486053a1f9c8d7e6b5a4938271605f4e3d2c1b0a998877665544"

// fakeLLM counts calls and returns a canned answer or error. The optional
// block channel holds Generate open until closed, for in-flight dedup tests.
type fakeLLM struct {
	mu    sync.Mutex
	calls int
	text  string
	err   error
	block chan struct{}
}

func (f *fakeLLM) Model() string { return "gemini-2.0-flash" }

func (f *fakeLLM) Generate(ctx context.Context, prompt, system string) (string, error) {
	f.mu.Lock()
	f.calls++
	block := f.block
	text, err := f.text, f.err
	f.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return text, err
}

func (f *fakeLLM) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeLLM) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

// fakeStore is an in-memory Store with a write counter and a forceable error.
type fakeStore struct {
	mu     sync.Mutex
	syncs  map[string]string
	pushes map[string]string
	writes int
	err    error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		syncs:  map[string]string{},
		pushes: map[string]string{},
	}
}

func (f *fakeStore) GetSync(ctx context.Context, keyHash string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	v, ok := f.syncs[keyHash]
	if !ok {
		return "", kvstore.ErrNotFound
	}
	return v, nil
}

func (f *fakeStore) SetSync(ctx context.Context, keyHash, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.syncs[keyHash] = value
	f.writes++
	return nil
}

func (f *fakeStore) DelSync(ctx context.Context, keyHash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	delete(f.syncs, keyHash)
	return nil
}

func (f *fakeStore) DelPush(ctx context.Context, keyHash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	delete(f.pushes, keyHash)
	return nil
}

func (f *fakeStore) writeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.writes
}

type testAPI struct {
	*API
	mux     *http.ServeMux
	llm     *fakeLLM
	store   *fakeStore
	metrics *observability.Metrics
}

func newTestAPI(t *testing.T, mutate func(*config.Config)) *testAPI {
	t.Helper()

	cfg := config.Defaults()
	if mutate != nil {
		mutate(cfg)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	metrics := observability.NewMetrics(prometheus.NewRegistry())

	limiter, err := ratelimit.NewLimiter(cfg.RateLimit, nil, logger, metrics)
	require.NoError(t, err)
	t.Cleanup(func() { limiter.Close() })

	fl := &fakeLLM{text: "analysis result"}
	fs := newFakeStore()

	api := New(cfg, Deps{
		Logger:  logger,
		Metrics: metrics,
		Limiter: limiter,
		Cache:   memocache.New(config.MustParseDuration(cfg.Cache.TTL, 10*time.Minute), cfg.Cache.MaxEntries),
		Breaker: breaker.New(),
		LLM:     fl,
		Store:   fs,
	})

	return &testAPI{API: api, mux: api.Routes(), llm: fl, store: fs, metrics: metrics}
}

func (a *testAPI) do(method, path, body string, header map[string]string) *httptest.ResponseRecorder {
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	req.RemoteAddr = "192.0.2.1:4711"
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	a.mux.ServeHTTP(rec, req)
	return rec
}

func TestRequestIDPropagation(t *testing.T) {
	api := newTestAPI(t, nil)

	t.Run("valid client id is echoed", func(t *testing.T) {
		rec := api.do(http.MethodOptions, "/api/analyze", "", map[string]string{
			"X-Request-Id": "client-id-1.a:b",
		})
		assert.Equal(t, "client-id-1.a:b", rec.Header().Get("X-Request-Id"))
	})

	t.Run("hostile id is replaced", func(t *testing.T) {
		rec := api.do(http.MethodOptions, "/api/analyze", "", map[string]string{
			"X-Request-Id": "bad id with spaces",
		})
		got := rec.Header().Get("X-Request-Id")
		assert.NotEqual(t, "bad id with spaces", got)
		assert.Len(t, got, 32)
	})

	t.Run("absent id is generated", func(t *testing.T) {
		rec := api.do(http.MethodOptions, "/api/analyze", "", nil)
		assert.Len(t, rec.Header().Get("X-Request-Id"), 32)
	})
}

func TestValidRequestID(t *testing.T) {
	assert.True(t, validRequestID("abc-123_x.y:z"))
	assert.False(t, validRequestID(""))
	assert.False(t, validRequestID("has space"))
	assert.False(t, validRequestID("newline\n"))
	assert.False(t, validRequestID(strings.Repeat("a", maxRequestIDLen+1)))
}

func TestOptionsShortCircuits(t *testing.T) {
	api := newTestAPI(t, nil)

	for _, path := range []string{"/api/analyze", "/api/sync", "/api/unsubscribe"} {
		rec := api.do(http.MethodOptions, path, "", map[string]string{"Origin": "https://app.example.com"})
		assert.Equal(t, http.StatusNoContent, rec.Code, path)
		assert.NotEmpty(t, rec.Header().Get("Access-Control-Allow-Methods"), path)
		assert.Equal(t, "Origin", rec.Header().Get("Vary"), path)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	api := newTestAPI(t, nil)

	rec := api.do(http.MethodPut, "/api/analyze", "", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.Equal(t, "POST, OPTIONS", rec.Header().Get("Allow"))

	rec = api.do(http.MethodGet, "/api/unsubscribe", "", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestStrictCORS(t *testing.T) {
	api := newTestAPI(t, func(cfg *config.Config) {
		cfg.CORS.AllowedOrigins = "https://*.vercel.app, https://habits.example.com"
		cfg.CORS.Strict = true
	})

	t.Run("allowed origin is reflected", func(t *testing.T) {
		rec := api.do(http.MethodPost, "/api/analyze",
			`{"prompt":"p","systemInstruction":"s"}`,
			map[string]string{"Origin": "https://preview.vercel.app"})
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "https://preview.vercel.app", rec.Header().Get("Access-Control-Allow-Origin"))
	})

	t.Run("disallowed origin is rejected with null allow-origin", func(t *testing.T) {
		rec := api.do(http.MethodPost, "/api/analyze",
			`{"prompt":"p","systemInstruction":"s"}`,
			map[string]string{"Origin": "https://evil.com"})
		assert.Equal(t, http.StatusForbidden, rec.Code)
		assert.Equal(t, "null", rec.Header().Get("Access-Control-Allow-Origin"))
		assert.Contains(t, rec.Body.String(), "origin_not_allowed")
	})

	t.Run("multi-level subdomain is rejected", func(t *testing.T) {
		rec := api.do(http.MethodPost, "/api/analyze",
			`{"prompt":"p","systemInstruction":"s"}`,
			map[string]string{"Origin": "https://a.b.vercel.app"})
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})

	t.Run("non-browser request without origin passes", func(t *testing.T) {
		rec := api.do(http.MethodPost, "/api/analyze",
			`{"prompt":"p","systemInstruction":"s"}`, nil)
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	assert.GreaterOrEqual(t, api.metrics.Snapshot().CORSRejected, int64(2))
}

func TestRateLimitGate(t *testing.T) {
	api := newTestAPI(t, func(cfg *config.Config) {
		cfg.RateLimit.Analyze = config.EndpointLimit{Window: "1m", MaxRequests: 2}
	})

	body := `{"prompt":"p","systemInstruction":"s"}`

	for i := 0; i < 2; i++ {
		rec := api.do(http.MethodPost, "/api/analyze", body, nil)
		require.Equal(t, http.StatusOK, rec.Code)
	}

	rec := api.do(http.MethodPost, "/api/analyze", body, nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
	assert.Contains(t, rec.Body.String(), "rate_limited")

	t.Run("other endpoints have independent budgets", func(t *testing.T) {
		rec := api.do(http.MethodPost, "/api/unsubscribe", "", map[string]string{
			syncKeyHeader: testKeyHash,
		})
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("distinct client IPs have independent budgets", func(t *testing.T) {
		rec := api.do(http.MethodPost, "/api/analyze", body, map[string]string{
			"X-Forwarded-For": "1.2.3.4, 203.0.113.10",
		})
		assert.Equal(t, http.StatusOK, rec.Code)
	})
}

func TestReloadSwapsPolicyAndLimits(t *testing.T) {
	api := newTestAPI(t, nil)
	body := `{"prompt":"p","systemInstruction":"s"}`

	rec := api.do(http.MethodPost, "/api/analyze", body, map[string]string{"Origin": "https://anywhere.example"})
	require.Equal(t, http.StatusOK, rec.Code, "permissive before reload")

	cfg := config.Defaults()
	cfg.CORS.AllowedOrigins = "https://habits.example.com"
	cfg.CORS.Strict = true
	cfg.RateLimit.Analyze = config.EndpointLimit{Window: "1m", MaxRequests: 1}
	api.Reload(cfg)

	rec = api.do(http.MethodPost, "/api/analyze", body, map[string]string{"Origin": "https://anywhere.example"})
	assert.Equal(t, http.StatusForbidden, rec.Code, "strict policy applies after reload")

	rec = api.do(http.MethodPost, "/api/analyze", body, map[string]string{"Origin": "https://habits.example.com"})
	assert.Equal(t, http.StatusTooManyRequests, rec.Code, "tightened budget applies after reload")
}
