package proxyserver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/poolkit/poolkit/internal/limiter"
	"github.com/poolkit/poolkit/internal/logger"
	"github.com/poolkit/poolkit/internal/metrics"
	"github.com/poolkit/poolkit/pool"
	"github.com/poolkit/poolkit/retry"
)

// maxRequestBody bounds how much of a client request body is buffered
// before forwarding.
const maxRequestBody = 32 << 20 // 32 MB

// hopByHopHeaders contains headers that should not be forwarded.
// Defined as package-level variable to avoid allocation on each request.
var hopByHopHeaders = map[string]bool{
	"Connection":          true,
	"Keep-Alive":          true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Proxy-Connection":    true,
	"Te":                  true,
	"Trailer":             true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
}

// hopByHopHeadersList is the list form for deletion operations.
var hopByHopHeadersList = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// Handler handles forward proxy requests.
type Handler struct {
	server *Server
}

// NewHandler creates a new Handler.
func NewHandler(server *Server) *Handler {
	return &Handler{server: server}
}

// ServeHTTP handles a proxy request.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	// Generate request ID for tracing
	requestID := GenerateRequestID()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	ctx = ContextWithRequestID(ctx, requestID)
	r = r.WithContext(ctx)

	logger.Trace("request_received", "request_id", requestID, "method", r.Method, "host", r.Host, "remote", r.RemoteAddr, "url", r.URL.String())

	// Tunneling is not supported; clients must send plain requests.
	if r.Method == http.MethodConnect {
		h.sendError(w, http.StatusNotImplemented, "CONNECT is not supported")
		metrics.RequestsTotal.WithLabelValues(r.Method, "501").Inc()
		return
	}

	target, host, err := h.targetURL(r)
	if err != nil {
		h.sendError(w, http.StatusBadRequest, err.Error())
		metrics.RequestsTotal.WithLabelValues(r.Method, "400").Inc()
		return
	}

	// Acquire a request slot for the destination host
	logger.Trace("slot_acquire_attempt", "request_id", requestID, "host", host)
	if err := h.server.limiter.Acquire(host); err != nil {
		limitType := "total"
		limit := h.server.limiter.MaxTotal()
		if errors.Is(err, limiter.ErrHostLimitReached) {
			limitType = "per_host"
			limit = h.server.limiter.MaxPerHost()
		}
		h.sendError(w, http.StatusServiceUnavailable, "Request limit reached")
		metrics.LimitRejections.WithLabelValues(limitType).Inc()
		logger.LogLimitReached(limitType, host, h.server.limiter.GetHostCount(host), limit)
		return
	}
	logger.Trace("slot_acquired", "request_id", requestID, "host", host)
	defer h.server.limiter.Release(host)

	h.server.stats.IncActiveRequests()
	defer h.server.stats.DecActiveRequests()
	h.server.stats.IncRequestsForHost(host)

	// Buffer the request body so redirects can replay it
	var body []byte
	if r.Body != nil {
		body, err = io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
		if err != nil {
			h.sendError(w, http.StatusBadRequest, "Failed to read request body")
			metrics.RequestsTotal.WithLabelValues(r.Method, "400").Inc()
			return
		}
	}

	headers := r.Header.Clone()
	removeHopByHopHeaders(headers)

	// Set X-Forwarded-For
	if clientIP := h.getClientIP(r); clientIP != "" {
		if prior := headers.Get("X-Forwarded-For"); prior != "" {
			headers.Set("X-Forwarded-For", prior+", "+clientIP)
		} else {
			headers.Set("X-Forwarded-For", clientIP)
		}
	}

	follow, maxRedirects := h.server.redirectSettingsNow()
	retries := retry.New(maxRedirects).WithRedirect(maxRedirects).WithRaiseOnRedirect(false)

	opts := &pool.RequestOptions{
		Headers:  headers,
		Body:     body,
		Redirect: &follow,
		Retries:  retries,
	}

	logger.Trace("outbound_request_start", "request_id", requestID, "host", host, "method", r.Method)
	resp, err := h.server.manager.URLOpen(ctx, r.Method, target, opts)
	if err != nil {
		logger.Trace("outbound_request_failed", "request_id", requestID, "host", host, "error", err)
		logger.LogError("proxy_request", err, "host", host, "request_id", requestID)
		h.sendError(w, http.StatusBadGateway, "Failed to reach upstream")
		metrics.RequestsTotal.WithLabelValues(r.Method, "502").Inc()
		return
	}
	defer resp.Body.Close()

	logger.Trace("outbound_response_received", "request_id", requestID, "host", host, "status", resp.StatusCode)

	// Copy response headers
	copyHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)

	bytesCopied, err := io.Copy(w, resp.Body)
	if err != nil {
		// Cannot send error to client - headers already sent
		logger.LogError("response_copy", err, "host", host, "request_id", requestID)
	}

	duration := time.Since(start).Milliseconds()
	logger.LogRequest(r.Method, target, resp.StatusCode, duration, int64(len(body)), bytesCopied)

	h.server.stats.AddBytesSent(bytesCopied)
	if len(body) > 0 {
		h.server.stats.AddBytesReceived(int64(len(body)))
	}

	metrics.RequestsTotal.WithLabelValues(r.Method, fmt.Sprintf("%d", resp.StatusCode)).Inc()
	metrics.RequestDuration.WithLabelValues(r.Method).Observe(time.Since(start).Seconds())
}

// targetURL resolves the outbound URL for a proxy request. Absolute-form
// requests carry the full URL; origin-form requests fall back to the
// Host header over plain http.
func (h *Handler) targetURL(r *http.Request) (target, host string, err error) {
	if r.URL.IsAbs() {
		return r.URL.String(), r.URL.Hostname(), nil
	}

	hdrHost := r.Host
	if hdrHost == "" {
		return "", "", fmt.Errorf("request has no host")
	}
	u := *r.URL
	u.Scheme = "http"
	u.Host = hdrHost
	return u.String(), u.Hostname(), nil
}

// copyHeaders copies headers from src to dst, skipping hop-by-hop ones.
func copyHeaders(dst, src http.Header) {
	for key, values := range src {
		if hopByHopHeaders[key] {
			continue
		}
		for _, value := range values {
			dst.Add(key, value)
		}
	}
}

// removeHopByHopHeaders removes hop-by-hop headers from the request.
// Connection may name additional hop-by-hop headers, so it is read
// before the fixed list (which includes Connection itself) is deleted.
func removeHopByHopHeaders(header http.Header) {
	if conn := header.Get("Connection"); conn != "" {
		for _, name := range strings.Split(conn, ",") {
			header.Del(strings.TrimSpace(name))
		}
	}

	for _, hdr := range hopByHopHeadersList {
		header.Del(hdr)
	}
}

// getClientIP extracts the client IP from the request.
func (h *Handler) getClientIP(r *http.Request) string {
	// Handle IPv6 addresses in brackets [::1]:port
	if strings.HasPrefix(r.RemoteAddr, "[") {
		if idx := strings.LastIndex(r.RemoteAddr, "]:"); idx != -1 {
			return r.RemoteAddr[1:idx]
		}
		return r.RemoteAddr
	}
	// Handle IPv4 addresses host:port
	host, _, found := strings.Cut(r.RemoteAddr, ":")
	if found {
		return host
	}
	return r.RemoteAddr
}

// sendError sends an error response.
func (h *Handler) sendError(w http.ResponseWriter, status int, message string) {
	http.Error(w, message, status)
}
