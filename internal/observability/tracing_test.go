package observability

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/habitgate/habitgate/internal/config"
)

func TestInitTracing(t *testing.T) {
	t.Run("returns no-op shutdown when disabled", func(t *testing.T) {
		shutdown, err := InitTracing(context.Background(), config.TracingConfig{Enabled: false}, "test")
		require.NoError(t, err)
		assert.NotNil(t, shutdown)
		assert.NoError(t, shutdown(context.Background()))
	})

	t.Run("creates exporter lazily for unreachable endpoint", func(t *testing.T) {
		cfg := config.TracingConfig{
			Enabled:     true,
			Endpoint:    "http://127.0.0.1:4318",
			ServiceName: "test",
			SampleRate:  1.0,
		}
		// OTLP/HTTP connects lazily, so creation succeeds even when the
		// collector is unreachable.
		shutdown, err := InitTracing(context.Background(), cfg, "test")
		if err == nil {
			_ = shutdown(context.Background())
		}
	})
}
