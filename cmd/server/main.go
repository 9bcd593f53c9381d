// Mirror server
//
// Features:
// - Public file mirror with per-user private namespaces
// - Marker-file visibility (restricted and hidden subtrees)
// - Periodic size index with per-directory aggregation
// - Upload/rename/delete endpoints with per-tier quotas
// - Chunked uploads with resume support
// - SSE change events
// - Prometheus metrics & structured logging (zap)
package main

import (
	"context"
	"crypto/tls"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/marmak/mirror/internal/accounts"
	"github.com/marmak/mirror/internal/api"
	"github.com/marmak/mirror/internal/auth"
	"github.com/marmak/mirror/internal/config"
	"github.com/marmak/mirror/internal/downloads"
	"github.com/marmak/mirror/internal/events"
	"github.com/marmak/mirror/internal/logging"
	"github.com/marmak/mirror/internal/metrics"
	"github.com/marmak/mirror/internal/mirror"
	"github.com/marmak/mirror/internal/quota"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		// Can't use structured logging yet
		panic("configuration error: " + err.Error())
	}

	// Initialize structured logging
	if err := logging.Init(logging.Config{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
	}); err != nil {
		panic("logging init error: " + err.Error())
	}
	defer logging.Sync()

	logging.Info("mirror server starting...",
		zap.String("listen", cfg.ListenAddr),
		zap.String("metrics", cfg.MetricsAddr),
		zap.String("root", cfg.Root))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if info, err := os.Stat(cfg.Root); err != nil || !info.IsDir() {
		logging.Fatal("served root is not a directory", zap.String("root", cfg.Root))
	}

	// Initialize PostgreSQL
	logging.Info("connecting to PostgreSQL...")
	accountStore, err := accounts.New(cfg.DatabaseURL)
	if err != nil {
		logging.Fatal("database connection failed", zap.Error(err))
	}
	defer accountStore.Close()

	if err := accountStore.EnsureDefaultAdmin(ctx); err != nil {
		logging.Error("failed to ensure default admin", zap.Error(err))
	}

	downloadStore, err := downloads.New(accountStore.DB())
	if err != nil {
		logging.Fatal("download counter init failed", zap.Error(err))
	}

	// Initialize SSE broadcaster
	broadcaster := events.NewBroadcaster()

	// Core: resolver, visibility filter, size index, lister
	resolver := mirror.NewResolver(cfg.Root)
	vis := mirror.NewVisibility(cfg.Root)
	index := mirror.NewSizeIndex(cfg.Root, cfg.RefreshInterval)
	index.OnRefresh = func(files int, total int64) {
		broadcaster.Publish(events.Event{
			Type:  events.EventRefresh,
			Files: files,
			Size:  total,
		})
	}
	lister := mirror.NewLister(resolver, vis, index, cfg.IconDir, cfg.HiddenFiles, downloadStore)

	// Auth, quota admission and rate limiter
	authHandler := auth.New(accountStore, cfg.JWTSecret, cfg.TokenTTL)
	admission := quota.NewAdmission(cfg, index)
	rateLimiter := quota.NewRateLimiter()

	// Create API server
	srv := api.NewServer(cfg, resolver, vis, index, lister, admission,
		authHandler, accountStore, downloadStore, broadcaster, rateLimiter)

	// Start the size index walker; Run does the initial walk itself.
	go index.Run(ctx)

	// Start chunked upload cleanup
	srv.Uploads().StartCleanup(ctx)

	// Start metrics server
	metricsServer := &http.Server{
		Addr:    cfg.MetricsAddr,
		Handler: metrics.Handler(),
	}
	go func() {
		logging.Info("metrics server listening", zap.String("addr", cfg.MetricsAddr))
		if err := metricsServer.ListenAndServe(); err != http.ErrServerClosed {
			logging.Error("metrics server error", zap.Error(err))
		}
	}()

	// Start HTTP(S) server
	httpServer := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: srv.Handler(),
	}

	useTLS := cfg.TLSCertFile != "" && cfg.TLSKeyFile != ""
	if useTLS {
		httpServer.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS13,
		}
	}

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		logging.Info("shutting down...")
		cancel()
		httpServer.Close()
		metricsServer.Close()
	}()

	// Start periodic rate limiter bucket cleanup
	go func() {
		ticker := time.NewTicker(1 * time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				rateLimiter.Cleanup(24 * time.Hour)
			}
		}
	}()

	if useTLS {
		logging.Info("server listening (TLS 1.3)",
			zap.String("addr", cfg.ListenAddr),
			zap.String("cert", cfg.TLSCertFile))
		if err := httpServer.ListenAndServeTLS(cfg.TLSCertFile, cfg.TLSKeyFile); err != http.ErrServerClosed {
			logging.Fatal("server error", zap.Error(err))
		}
	} else {
		logging.Info("server listening (HTTP)", zap.String("addr", cfg.ListenAddr))
		if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
			logging.Fatal("server error", zap.Error(err))
		}
	}
}
