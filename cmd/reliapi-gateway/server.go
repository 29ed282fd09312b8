// Package main wires the gateway's configuration, proxy engine, and HTTP
// servers together into a runnable binary.
package main

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/KikuAI-Lab/reliapi/api/handlers"
	"github.com/KikuAI-Lab/reliapi/internal/gwconfig"
	"github.com/KikuAI-Lab/reliapi/internal/kvstore"
	"github.com/KikuAI-Lab/reliapi/internal/metrics"
	"github.com/KikuAI-Lab/reliapi/internal/proxy"
	"github.com/KikuAI-Lab/reliapi/internal/server"
	"github.com/KikuAI-Lab/reliapi/internal/telemetry"
)

// Gateway owns the proxy engine and the two HTTP listeners (main API and
// metrics) built from one loaded gwconfig.Config.
type Gateway struct {
	cfg    *gwconfig.Config
	logger *zap.Logger

	store     kvstore.Store
	engine    *proxy.Engine
	collector *metrics.Collector
	otel      *telemetry.Providers

	httpManager    *server.Manager
	metricsManager *server.Manager

	bgCancel context.CancelFunc
}

// NewGateway constructs a Gateway. store and otel may already be connected;
// the engine and both HTTP handlers are built here.
func NewGateway(cfg *gwconfig.Config, store kvstore.Store, otelProviders *telemetry.Providers, logger *zap.Logger) *Gateway {
	collector := metrics.NewCollector("reliapi_gateway", logger)
	engine := proxy.New(cfg, store, nil, collector, logger)

	return &Gateway{
		cfg:       cfg,
		logger:    logger,
		store:     store,
		engine:    engine,
		collector: collector,
		otel:      otelProviders,
	}
}

// Start builds the HTTP mux, starts both listeners, and runs the engine's
// background loops. It returns once both listeners are accepting
// connections; shutdown happens via WaitForShutdown/Shutdown.
func (g *Gateway) Start() error {
	bgCtx, cancel := context.WithCancel(context.Background())
	g.bgCancel = cancel
	go g.engine.RunBackground(bgCtx)

	if err := g.startHTTPServer(); err != nil {
		return fmt.Errorf("start http server: %w", err)
	}
	if err := g.startMetricsServer(); err != nil {
		return fmt.Errorf("start metrics server: %w", err)
	}

	g.logger.Info("gateway started",
		zap.Int("http_port", g.cfg.Server.HTTPPort),
		zap.Int("metrics_port", g.cfg.Server.MetricsPort),
	)
	return nil
}

func (g *Gateway) startHTTPServer() error {
	mux := http.NewServeMux()

	healthHandler := handlers.NewHealthHandler(g.logger)
	healthHandler.RegisterCheck(handlers.NewKVStoreHealthCheck("kvstore", func(ctx context.Context) error {
		_, _, err := g.store.Get(ctx, "healthcheck:ping")
		return err
	}))

	probeRateLimit := RateLimiter(context.Background(), 20.0/60.0, 20)
	mux.Handle("/healthz", probeRateLimit(http.HandlerFunc(healthHandler.HandleHealthz)))
	mux.Handle("/readyz", probeRateLimit(http.HandlerFunc(healthHandler.HandleReadyz)))
	mux.Handle("/livez", probeRateLimit(http.HandlerFunc(healthHandler.HandleLivez)))

	mux.Handle("/proxy/http", handlers.NewHTTPProxyHandler(g.engine, g.logger))
	mux.Handle("/proxy/llm", handlers.NewLLMProxyHandler(g.engine, g.logger))

	handler := Chain(mux,
		Recovery(g.logger),
		RequestID(),
		RequestLogger(g.logger),
		OTelTracing(),
		SecurityHeaders(),
		CORS(g.cfg.Server.CORSAllowedOrigins),
	)

	serverConfig := server.Config{
		Addr:            fmt.Sprintf(":%d", g.cfg.Server.HTTPPort),
		ReadTimeout:     g.cfg.Server.ReadTimeout,
		WriteTimeout:    g.cfg.Server.WriteTimeout,
		IdleTimeout:     2 * g.cfg.Server.ReadTimeout,
		MaxHeaderBytes:  1 << 20,
		ShutdownTimeout: g.cfg.Server.ShutdownTimeout,
	}
	g.httpManager = server.NewManager(handler, serverConfig, g.logger)
	return g.httpManager.Start()
}

func (g *Gateway) startMetricsServer() error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	serverConfig := server.Config{
		Addr:            fmt.Sprintf(":%d", g.cfg.Server.MetricsPort),
		ReadTimeout:     g.cfg.Server.ReadTimeout,
		WriteTimeout:    g.cfg.Server.WriteTimeout,
		ShutdownTimeout: g.cfg.Server.ShutdownTimeout,
	}
	g.metricsManager = server.NewManager(mux, serverConfig, g.logger)
	return g.metricsManager.Start()
}

// WaitForShutdown blocks on SIGINT/SIGTERM (delegated to the HTTP manager)
// then runs Shutdown.
func (g *Gateway) WaitForShutdown() {
	if g.httpManager != nil {
		g.httpManager.WaitForShutdown()
	}
	g.Shutdown()
}

// Shutdown stops both listeners, the engine's background loops, and flushes
// telemetry, in that order.
func (g *Gateway) Shutdown() {
	g.logger.Info("shutting down")
	ctx := context.Background()

	if g.bgCancel != nil {
		g.bgCancel()
	}
	if g.httpManager != nil {
		if err := g.httpManager.Shutdown(ctx); err != nil {
			g.logger.Error("http server shutdown error", zap.Error(err))
		}
	}
	if g.metricsManager != nil {
		if err := g.metricsManager.Shutdown(ctx); err != nil {
			g.logger.Error("metrics server shutdown error", zap.Error(err))
		}
	}
	if g.otel != nil {
		if err := g.otel.Shutdown(ctx); err != nil {
			g.logger.Error("telemetry shutdown error", zap.Error(err))
		}
	}
	g.logger.Info("shutdown complete")
}
