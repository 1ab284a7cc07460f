package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/epvx/routingd/internal/api"
	"github.com/epvx/routingd/internal/cache"
	"github.com/epvx/routingd/internal/config"
	"github.com/epvx/routingd/internal/database"
	"github.com/epvx/routingd/internal/dispatch"
	"github.com/epvx/routingd/internal/metrics"
	"github.com/epvx/routingd/internal/routing"
	"github.com/epvx/routingd/internal/yate"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	// Configure structured logging.
	logger := slog.New(cfg.SlogHandler(os.Stdout))
	slog.SetDefault(logger)

	slog.Info("starting routingd",
		"control_port", cfg.ControlPort,
		"http_port", cfg.HTTPPort,
		"cache_backend", cfg.CacheBackend,
		"local_server_id", cfg.LocalServerID,
	)

	// Open the shared extension store and run migrations.
	db, err := database.Open(cfg.StoreDSN)
	if err != nil {
		slog.Error("failed to open routing database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	// Application context for background goroutines.
	appCtx, appCancel := context.WithCancel(context.Background())
	defer appCancel()

	// Routing result cache: in-process by default, redis when several
	// telephone servers share one numbering plan.
	var resultCache cache.Cache
	switch cfg.CacheBackend {
	case "redis":
		redisCache, err := cache.NewRedis(appCtx, cache.RedisConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err != nil {
			slog.Error("failed to connect routing cache", "error", err)
			os.Exit(1)
		}
		defer redisCache.Close()
		resultCache = redisCache
	default:
		memCache := cache.NewMemory()
		memCache.StartSweeper(appCtx, time.Minute)
		resultCache = memCache
	}

	// Metrics registry with the standard process and Go collectors.
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(registry)

	serverContacts, err := cfg.ServerContacts()
	if err != nil {
		slog.Error("failed to parse server map", "error", err)
		os.Exit(1)
	}

	dispatcher := dispatch.New(
		database.NewExtensionStore(db),
		resultCache,
		dispatch.Options{
			CacheTTL:       cfg.CacheTTL,
			RequestTimeout: cfg.RequestTimeout,
			ForwardDepth:   cfg.ForwardDepth,
			Generator: routing.GeneratorConfig{
				LocalServerID:  cfg.LocalServerID,
				ServerContacts: serverContacts,
				DialoutTarget:  cfg.DialoutTarget,
			},
		},
		m,
		logger,
	)

	// Control channel for the telephone engine.
	controlSrv := yate.NewServer(fmt.Sprintf(":%d", cfg.ControlPort), dispatcher, logger)
	errCh := make(chan error, 2)
	go func() {
		if err := controlSrv.ListenAndServe(appCtx); err != nil {
			errCh <- fmt.Errorf("control channel: %w", err)
		}
	}()

	// Diagnostic HTTP server.
	handler := api.NewServer(dispatcher, db, registry, logger)
	defer handler.Close()

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:      handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	// Wait for interrupt or server error.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("received shutdown signal", "signal", sig.String())
	case err := <-errCh:
		slog.Error("server error", "error", err)
	}

	// Graceful shutdown with timeout.
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutting down servers")
	controlSrv.Close()

	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("http server shutdown error", "error", err)
		os.Exit(1)
	}

	slog.Info("routingd stopped")
}
