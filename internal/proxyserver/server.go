// Package proxyserver provides the HTTP forward proxy daemon built on
// top of the pool manager.
package proxyserver

import (
	"context"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/poolkit/poolkit/internal/config"
	"github.com/poolkit/poolkit/internal/limiter"
	"github.com/poolkit/poolkit/internal/logger"
	"github.com/poolkit/poolkit/internal/metrics"
	"github.com/poolkit/poolkit/pool"
)

// Opener issues outbound requests. Both PoolManager and ProxyManager
// satisfy it.
type Opener interface {
	URLOpen(ctx context.Context, method, rawURL string, opts *pool.RequestOptions) (*http.Response, error)
}

// redirectSettings is the hot-reloadable redirect behavior.
type redirectSettings struct {
	follow bool
	max    int
}

// Server is the forward proxy server.
type Server struct {
	cfg        *config.Config
	httpServer *http.Server
	manager    Opener
	limiter    *limiter.Limiter
	stats      *metrics.StatsCollector
	redirects  atomic.Pointer[redirectSettings]
}

// NewServer creates a new proxy server.
func NewServer(cfg *config.Config, manager Opener, lim *limiter.Limiter, stats *metrics.StatsCollector) *Server {
	s := &Server{
		cfg:     cfg,
		manager: manager,
		limiter: lim,
		stats:   stats,
	}
	s.redirects.Store(&redirectSettings{follow: cfg.FollowRedirects, max: cfg.MaxRedirects})

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      NewHandler(s),
		ReadTimeout:  cfg.Timeout,
		WriteTimeout: cfg.Timeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	return s
}

// Start starts the proxy server.
func (s *Server) Start() error {
	logger.Info("starting proxy server",
		"port", s.cfg.Port,
		"upstream_proxy", s.cfg.UpstreamProxy,
		"follow_redirects", s.cfg.FollowRedirects,
	)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	logger.Info("shutting down proxy server")
	return s.httpServer.Shutdown(ctx)
}

// UpdateRedirects changes the redirect behavior at runtime.
func (s *Server) UpdateRedirects(follow bool, max int) {
	s.redirects.Store(&redirectSettings{follow: follow, max: max})
	logger.Info("redirects_updated", "follow", follow, "max", max)
}

// redirectSettingsNow returns the current redirect behavior.
func (s *Server) redirectSettingsNow() (bool, int) {
	rs := s.redirects.Load()
	return rs.follow, rs.max
}

// WaitForRequests waits for in-flight requests to complete.
func (s *Server) WaitForRequests(timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for range ticker.C {
		if s.limiter.GetTotalCount() == 0 {
			logger.Info("all requests completed")
			return
		}
		if time.Now().After(deadline) {
			logger.Warn("timeout waiting for requests",
				"active", s.limiter.GetTotalCount(),
			)
			return
		}
	}
}
