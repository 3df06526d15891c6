// Package server wires habitgate's main API server and admin server. The
// main server carries the protected endpoints; the admin server exposes
// health checks, readiness probes, and Prometheus metrics.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/habitgate/habitgate/internal/breaker"
	"github.com/habitgate/habitgate/internal/config"
	"github.com/habitgate/habitgate/internal/httpapi"
	"github.com/habitgate/habitgate/internal/kvstore"
	"github.com/habitgate/habitgate/internal/llm"
	"github.com/habitgate/habitgate/internal/memocache"
	"github.com/habitgate/habitgate/internal/observability"
	"github.com/habitgate/habitgate/internal/ratelimit"
	iredis "github.com/habitgate/habitgate/internal/redis"
)

// Server owns both listeners and the request pipeline.
type Server struct {
	cfg     *config.Config
	logger  *slog.Logger
	version string

	mainServer  *http.Server
	adminServer *http.Server

	api     *httpapi.API
	limiter *ratelimit.Limiter
	kvRedis iredis.Client // nil when Redis is not configured

	health          *observability.HealthChecker
	metrics         *observability.Metrics
	tracingShutdown func(context.Context) error
}

// New creates a habitgate server instance from validated config.
func New(cfg *config.Config, logger *slog.Logger, version string) (*Server, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	reg.MustRegister(collectors.NewGoCollector())

	metrics := observability.NewMetrics(reg)
	health := observability.NewHealthChecker()

	if cfg.Redis != nil {
		iredis.WarnInsecureRedis(cfg.Redis.TLS, logger)
	}

	limiter, err := ratelimit.NewLimiter(cfg.RateLimit, cfg.Redis, logger, metrics)
	if err != nil {
		return nil, fmt.Errorf("create rate limiter: %w", err)
	}

	s := &Server{
		cfg:     cfg,
		logger:  logger,
		version: version,
		limiter: limiter,
		health:  health,
		metrics: metrics,
	}

	store, err := s.buildStore(cfg, logger, health)
	if err != nil {
		limiter.Close()
		return nil, err
	}

	cacheTTL := config.MustParseDuration(cfg.Cache.TTL, 10*time.Minute)
	s.api = httpapi.New(cfg, httpapi.Deps{
		Logger:  logger,
		Metrics: metrics,
		Limiter: limiter,
		Cache:   memocache.New(cacheTTL, cfg.Cache.MaxEntries),
		Breaker: breaker.New(),
		LLM:     llm.NewClient(cfg.LLM),
		Store:   store,
	})

	s.mainServer = buildMainServer(cfg, s.api.Routes())
	s.adminServer = buildAdminServer(cfg, health, reg)

	return s, nil
}

// buildStore picks the sync/push backend: a dedicated Redis connection when
// Redis is configured, an in-process store otherwise. The dedicated
// connection keeps slow KV operations from competing with the rate limiter's
// pool.
func (s *Server) buildStore(cfg *config.Config, logger *slog.Logger, health *observability.HealthChecker) (httpapi.Store, error) {
	if cfg.Redis == nil {
		logger.Warn("no redis configured, sync state is process-local and volatile")
		return kvstore.NewMemory(), nil
	}

	client, err := iredis.NewClient(*cfg.Redis)
	if err != nil {
		return nil, fmt.Errorf("kv store redis: %w", err)
	}
	s.kvRedis = client
	health.SetRedisPinger(pinger{client})

	logger.Info("kv store connected", "mode", cfg.Redis.Mode, "endpoints", cfg.Redis.Endpoints)
	return kvstore.New(client), nil
}

// pinger adapts the Redis client to the health checker's probe interface.
type pinger struct {
	c iredis.Client
}

func (p pinger) Ping(ctx context.Context) error {
	return p.c.Ping(ctx).Err()
}

func buildMainServer(cfg *config.Config, handler http.Handler) *http.Server {
	readTimeout := config.MustParseDuration(cfg.Server.ReadTimeout, 30*time.Second)
	writeTimeout := config.MustParseDuration(cfg.Server.WriteTimeout, 30*time.Second)
	idleTimeout := config.MustParseDuration(cfg.Server.IdleTimeout, 120*time.Second)

	// TLS terminates at the hosting edge; h2c lets internal HTTP/2 traffic
	// reach us over cleartext.
	h2s := &http2.Server{}

	return &http.Server{
		Addr:              cfg.Server.Address,
		Handler:           h2c.NewHandler(handler, h2s),
		ReadTimeout:       readTimeout,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       idleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		MaxHeaderBytes:    1 << 20,
		BaseContext: func(_ net.Listener) context.Context {
			return context.Background()
		},
	}
}

func buildAdminServer(cfg *config.Config, health *observability.HealthChecker, reg *prometheus.Registry) *http.Server {
	readTimeout := config.MustParseDuration(cfg.Admin.ReadTimeout, 5*time.Second)
	writeTimeout := config.MustParseDuration(cfg.Admin.WriteTimeout, 10*time.Second)
	idleTimeout := config.MustParseDuration(cfg.Admin.IdleTimeout, 30*time.Second)

	adminMux := http.NewServeMux()
	adminMux.Handle("/healthz", health.HealthzHandler())
	adminMux.Handle("/readyz", health.ReadyzHandler())
	adminMux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	}))

	return &http.Server{
		Addr:              cfg.Admin.Address,
		Handler:           adminMux,
		ReadTimeout:       readTimeout,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       idleTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}
}

// Run starts both servers and blocks until the context is canceled, then
// drains gracefully.
func (s *Server) Run(ctx context.Context) error {
	tracingShutdown, err := observability.InitTracing(ctx, s.cfg.Tracing, s.version)
	if err != nil {
		s.logger.Warn("failed to initialize tracing", "error", err)
		tracingShutdown = func(context.Context) error { return nil }
	}
	s.tracingShutdown = tracingShutdown

	errCh := make(chan error, 2)

	// readyCh closes once the main listener has bound, so readiness is never
	// signaled before the server can accept connections.
	readyCh := make(chan struct{})

	go s.startAdminServer(errCh)
	go s.startMainServer(errCh, readyCh)

	select {
	case <-readyCh:
		s.health.SetReady()
		s.logger.Info("habitgate is ready", "version", s.version)
	case srvErr := <-errCh:
		return srvErr
	}

	select {
	case <-ctx.Done():
		s.logger.Info("shutdown signal received, draining...")
	case srvErr := <-errCh:
		return srvErr
	}

	return s.shutdown()
}

func (s *Server) startAdminServer(errCh chan<- error) {
	s.logger.Info("admin server starting", "address", s.cfg.Admin.Address)
	if err := s.adminServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		errCh <- fmt.Errorf("admin server: %w", err)
	}
}

func (s *Server) startMainServer(errCh chan<- error, readyCh chan struct{}) {
	s.logger.Info("api server starting", "address", s.cfg.Server.Address)

	// Separate Listen from Serve so readiness can be signaled after bind.
	ln, err := net.Listen("tcp", s.cfg.Server.Address)
	if err != nil {
		errCh <- fmt.Errorf("api server listen: %w", err)
		return
	}
	close(readyCh)

	if err := s.mainServer.Serve(ln); err != nil && err != http.ErrServerClosed {
		errCh <- fmt.Errorf("api server: %w", err)
	}
}

// Reload hot-swaps origin policy, rate budgets, and breaker cooldown without
// restarting. Changes to listener addresses or Redis topology are logged and
// deferred to the next restart.
func (s *Server) Reload(newCfg *config.Config) error {
	if restart := newCfg.RequiresRestart(s.cfg); len(restart) > 0 {
		s.logger.Warn("config changes require a restart to take effect", "fields", restart)
	}

	s.api.Reload(newCfg)
	s.cfg = newCfg
	return nil
}

func (s *Server) shutdown() error {
	s.health.SetNotReady()

	drainTimeout := config.MustParseDuration(s.cfg.Server.DrainTimeout, 30*time.Second)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()

	if err := s.mainServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("api server shutdown error", "error", err)
	}

	if err := s.adminServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("admin server shutdown error", "error", err)
	}

	if err := s.limiter.Close(); err != nil {
		s.logger.Error("rate limiter close error", "error", err)
	}

	if s.kvRedis != nil {
		if err := s.kvRedis.Close(); err != nil {
			s.logger.Error("kv store redis close error", "error", err)
		}
	}

	if s.tracingShutdown != nil {
		if err := s.tracingShutdown(shutdownCtx); err != nil {
			s.logger.Error("tracing shutdown error", "error", err)
		}
	}

	s.logger.Info("shutdown complete")
	return nil
}
