// Package main is the entry point for habitgate, the edge request-protection
// service in front of a habit-tracking PWA's serverless backend.
//
// habitgate sits between the hosting edge and the app's stateless endpoints
// and provides:
//   - CORS origin policy with single-level wildcard rules and strict mode
//   - Spoof-resistant client IP resolution from proxy headers
//   - Distributed fixed-window rate limiting via Redis (in-memory otherwise)
//   - A TTL-bounded response cache and quota circuit breaker for the
//     upstream LLM analysis endpoint
//   - Encrypted-state sync and push-unsubscribe against a key-value store
//   - Full observability: Prometheus metrics, health checks, structured
//     logging, OpenTelemetry tracing
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/habitgate/habitgate/internal/config"
	"github.com/habitgate/habitgate/internal/observability"
	"github.com/habitgate/habitgate/internal/redis"
	"github.com/habitgate/habitgate/internal/server"
)

// version is set at build time via ldflags: -ldflags "-X main.version=v1.0.0".
var version = "dev"

func main() {
	if len(os.Args) > 1 && os.Args[1] == "version" {
		fmt.Printf("habitgate %s\n", version)
		return
	}

	// Load configuration from YAML file + environment variable overrides.
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: configuration error: %v\n", err)
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	logger.Info("starting habitgate", "version", version)

	// Route go-redis internal logging through slog.
	redis.InitLogger(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv, err := server.New(cfg, logger, version)
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	// Watch the config file for hot-reload of origin policy, rate budgets,
	// and breaker cooldown.
	watcher := config.NewWatcher(config.ConfigFilePath(), func(newCfg *config.Config) {
		if reloadErr := srv.Reload(newCfg); reloadErr != nil {
			logger.Error("config reload failed", "error", reloadErr)
		}
	}, logger)
	go func() {
		if watchErr := watcher.Start(ctx); watchErr != nil {
			logger.Error("config watcher error", "error", watchErr)
		}
	}()
	defer watcher.Stop()

	if err := srv.Run(ctx); err != nil {
		logger.Error("server exited with error", "error", err)
		os.Exit(1)
	}

	logger.Info("habitgate shut down gracefully")
}
