package observability

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHealthCheckerReadiness(t *testing.T) {
	t.Run("starts in not-ready state", func(t *testing.T) {
		h := NewHealthChecker()
		assert.False(t, h.IsReady())
	})

	t.Run("set ready then not ready", func(t *testing.T) {
		h := NewHealthChecker()
		h.SetReady()
		assert.True(t, h.IsReady())
		h.SetNotReady()
		assert.False(t, h.IsReady())
	})
}

func TestHealthzHandler(t *testing.T) {
	t.Run("returns 200 even when not ready", func(t *testing.T) {
		h := NewHealthChecker()

		rr := httptest.NewRecorder()
		h.HealthzHandler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))

		assert.Equal(t, http.StatusOK, rr.Code)
		assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))

		var body map[string]string
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
		assert.Equal(t, "alive", body["status"])
	})
}

func TestReadyzHandler(t *testing.T) {
	t.Run("returns 503 when not ready", func(t *testing.T) {
		h := NewHealthChecker()

		rr := httptest.NewRecorder()
		h.ReadyzHandler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))

		assert.Equal(t, http.StatusServiceUnavailable, rr.Code)

		var body map[string]string
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
		assert.Equal(t, "not_ready", body["status"])
	})

	t.Run("returns 200 when ready", func(t *testing.T) {
		h := NewHealthChecker()
		h.SetReady()

		rr := httptest.NewRecorder()
		h.ReadyzHandler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))

		assert.Equal(t, http.StatusOK, rr.Code)
	})
}

type mockPinger struct {
	err error
}

func (m *mockPinger) Ping(_ context.Context) error { return m.err }

func TestReadyzHandlerDeepCheck(t *testing.T) {
	t.Run("deep=true returns 200 when Redis is healthy", func(t *testing.T) {
		h := NewHealthChecker()
		h.SetReady()
		h.SetRedisPinger(&mockPinger{})

		rr := httptest.NewRecorder()
		h.ReadyzHandler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz?deep=true", nil))

		assert.Equal(t, http.StatusOK, rr.Code)

		var body map[string]string
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
		assert.Equal(t, "ready", body["status"])
		assert.Equal(t, "ok", body["redis"])
	})

	t.Run("deep=true returns 503 when Redis is unreachable", func(t *testing.T) {
		h := NewHealthChecker()
		h.SetReady()
		h.SetRedisPinger(&mockPinger{err: fmt.Errorf("connection refused")})

		rr := httptest.NewRecorder()
		h.ReadyzHandler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz?deep=true", nil))

		assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	})

	t.Run("deep=true returns 200 when no pinger is set", func(t *testing.T) {
		h := NewHealthChecker()
		h.SetReady()

		rr := httptest.NewRecorder()
		h.ReadyzHandler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz?deep=true", nil))

		assert.Equal(t, http.StatusOK, rr.Code)
	})
}
