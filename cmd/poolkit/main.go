// Package main is the entry point for the poolkit proxy daemon.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/poolkit/poolkit/internal/config"
	"github.com/poolkit/poolkit/internal/limiter"
	"github.com/poolkit/poolkit/internal/logger"
	"github.com/poolkit/poolkit/internal/metrics"
	"github.com/poolkit/poolkit/internal/proxyserver"
	"github.com/poolkit/poolkit/poolmanager"
)

// Version information set via ldflags at build time.
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

func main() {
	// Parse configuration
	cfg, err := config.ParseFlags()
	if err != nil {
		logger.Error("failed to parse configuration", "error", err)
		os.Exit(1)
	}

	// Initialize logger
	logger.Init(cfg.LogLevel, cfg.LogFormat)
	logger.Info("poolkit starting",
		"version", version,
		"commit", commit,
		"date", date,
		"port", cfg.Port,
		"metrics_port", cfg.MetricsPort,
		"num_pools", cfg.NumPools,
		"upstream_proxy", cfg.UpstreamProxy,
	)

	// Create components
	stats := metrics.NewStatsCollector()
	lim := limiter.New(cfg.MaxReqsPerHost, cfg.MaxReqsTotal)

	manager, err := buildManager(cfg)
	if err != nil {
		logger.Error("failed to build pool manager", "error", err)
		os.Exit(1)
	}
	defer manager.Close()

	// Create servers
	proxyServer := proxyserver.NewServer(cfg, manager, lim, stats)
	metricsServer := metrics.NewServer(cfg.MetricsPort, stats)
	metricsServer.SetPoolCounter(manager.PoolCount)

	// Set up config watcher if config file is specified
	var cfgWatcher *config.ConfigWatcher
	if cfg.ConfigFile != "" {
		var watcherErr error
		cfgWatcher, watcherErr = config.NewConfigWatcher(cfg.ConfigFile, cfg)
		if watcherErr != nil {
			logger.Error("failed to create config watcher", "error", watcherErr)
		} else {
			// Register callback for configuration changes
			cfgWatcher.RegisterCallback(func(newCfg *config.Config) {
				// Reconfigure logger
				logger.Reconfigure(newCfg.LogLevel, newCfg.LogFormat)

				// Update limiter
				lim.UpdateLimits(newCfg.MaxReqsPerHost, newCfg.MaxReqsTotal)

				// Update redirect behavior
				proxyServer.UpdateRedirects(newCfg.FollowRedirects, newCfg.MaxRedirects)
			})

			if startErr := cfgWatcher.Start(); startErr != nil {
				logger.Error("failed to start config watcher", "error", startErr)
			}
		}
	}

	// Start metrics server
	go func() {
		logger.Info("starting metrics server", "port", cfg.MetricsPort)
		if err := metricsServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server error", "error", err)
		}
	}()

	// Start proxy server
	go func() {
		metricsServer.SetReady(true)
		if err := proxyServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("proxy server error", "error", err)
			os.Exit(1)
		}
	}()

	// Set up signal handling
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	// Wait for signals
	for {
		sig := <-sigCh

		// Handle SIGHUP for manual config reload
		if sig == syscall.SIGHUP {
			logger.Info("received SIGHUP, reloading configuration")
			if cfgWatcher != nil {
				if reloadErr := cfgWatcher.Reload(); reloadErr != nil {
					logger.Error("config reload failed", "error", reloadErr)
				}
			} else {
				logger.Warn("config reload requested but no config file specified")
			}
			continue
		}

		// SIGINT or SIGTERM - shutdown
		logger.Info("received shutdown signal", "signal", sig)
		break
	}

	// Graceful shutdown
	if cfgWatcher != nil {
		cfgWatcher.Stop()
	}

	metricsServer.SetReady(false)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Wait for in-flight requests
	logger.Info("waiting for in-flight requests to complete")
	proxyServer.WaitForRequests(30 * time.Second)

	// Shutdown servers
	if err := proxyServer.Shutdown(ctx); err != nil {
		logger.Error("proxy server shutdown error", "error", err)
	}

	if err := metricsServer.Shutdown(ctx); err != nil {
		logger.Error("metrics server shutdown error", "error", err)
	}

	logger.Info("poolkit stopped")
}

// manager abstracts the two pool manager flavors so the daemon can
// close whichever it built and report its pool cache on /stats.
type manager interface {
	proxyserver.Opener
	PoolCount() int
	Close() error
}

// buildManager constructs the outbound side: a plain pool manager, or a
// proxying one when an upstream proxy is configured.
func buildManager(cfg *config.Config) (manager, error) {
	poolKw := poolmanager.RequestContext{
		poolmanager.FieldTimeout:   cfg.Timeout,
		poolmanager.FieldKeepAlive: cfg.KeepAlive,
		poolmanager.FieldMaxIdle:   cfg.MaxIdlePerHost,
	}
	if cfg.SourceAddress != "" {
		poolKw[poolmanager.FieldSourceAddress] = cfg.SourceAddress
	}

	if cfg.UpstreamProxy == "" {
		return poolmanager.New(cfg.NumPools, nil, poolKw), nil
	}

	po := poolmanager.ProxyOptions{
		UseForwardingForHTTPS: cfg.UseForwardingForHTTPS,
	}
	return poolmanager.NewProxyManager(cfg.UpstreamProxy, cfg.NumPools, nil, po, poolKw)
}
