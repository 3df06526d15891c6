package observability

import (
	"log/slog"
	"os"

	"github.com/habitgate/habitgate/internal/config"
)

// NewLogger builds the process-wide structured logger on log/slog. Unknown
// or empty levels and formats fall back to info/JSON so a config typo can
// never silence logging.
func NewLogger(level config.LogLevel, format config.LogFormat) *slog.Logger {
	opts := &slog.HandlerOptions{Level: slogLevel(level)}
	if format == config.LogFormatText {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogLevelDebug:
		return slog.LevelDebug
	case config.LogLevelWarn:
		return slog.LevelWarn
	case config.LogLevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
