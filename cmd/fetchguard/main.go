// Package main is the entry point for FetchGuard, an SSRF-guarded resource
// fetching proxy.
//
// FetchGuard fetches remote resources (images by default) on behalf of
// clients that must never talk to arbitrary URLs themselves. It provides:
//   - Per-hop URL validation against a blocked-address registry, re-applied
//     at every redirect
//   - A typed failure taxonomy mapped to stable HTTP statuses
//   - Lazy body streaming with an optional Redis or in-memory response cache
//   - Audit events for blocked fetches
//   - Full observability: Prometheus metrics, health checks, structured
//     logging, OpenTelemetry tracing
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fetchguard/fetchguard/internal/config"
	"github.com/fetchguard/fetchguard/internal/observability"
	"github.com/fetchguard/fetchguard/internal/server"
)

// version is set at build time via ldflags: -ldflags "-X main.version=v1.0.0".
var version = "dev"

func main() {
	if len(os.Args) > 1 && os.Args[1] == "version" {
		fmt.Printf("fetchguard %s\n", version)
		return
	}

	// Load configuration from YAML file + environment variable overrides.
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: configuration error: %v\n", err)
		os.Exit(1)
	}

	// Initialize structured logger.
	logger := observability.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	logger.Info("starting fetchguard", "version", version)

	// Create root context with signal handling for graceful shutdown.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Create and start the server.
	srv, err := server.New(cfg, logger, version)
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	// Start the config file watcher for hot-reload. Fields that cannot be
	// applied in place are logged; everything else takes effect immediately.
	lastCfg := cfg
	watcher := config.NewWatcher(config.ConfigFilePath(), func(newCfg *config.Config) {
		if restart := newCfg.RequiresRestart(lastCfg); len(restart) > 0 {
			logger.Warn("config fields changed that require a restart, ignoring them", "fields", restart)
		}
		if reloadErr := srv.Reload(newCfg); reloadErr != nil {
			logger.Error("config reload failed", "error", reloadErr)
			return
		}
		lastCfg = newCfg
	}, logger)
	go func() {
		if watchErr := watcher.Start(ctx); watchErr != nil {
			logger.Error("config watcher error", "error", watchErr)
		}
	}()
	defer watcher.Stop()

	// Watch TLS certificate files for rotation.
	if cfg.Server.TLS.Enabled {
		certWatcher := config.NewCertWatcher(cfg.Server.TLS.CertFile, cfg.Server.TLS.KeyFile,
			func(certFile, keyFile string) {
				if certErr := srv.ReloadTLSCerts(certFile, keyFile); certErr != nil {
					logger.Error("TLS certificate reload failed, keeping old certificate", "error", certErr)
				} else {
					logger.Info("TLS certificates reloaded")
				}
			}, logger)
		go func() {
			if watchErr := certWatcher.Start(ctx); watchErr != nil {
				logger.Error("TLS cert watcher error", "error", watchErr)
			}
		}()
		defer certWatcher.Stop()
	}

	if err := srv.Run(ctx); err != nil {
		logger.Error("server exited with error", "error", err)
		os.Exit(1)
	}

	logger.Info("fetchguard shut down gracefully")
}
