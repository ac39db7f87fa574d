// Package pool provides per-destination HTTP connection pools built on
// http.Transport, including proxy tunneling and absolute-form
// forwarding modes.
package pool

import (
	"context"
	"crypto/tls"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/poolkit/poolkit/retry"
)

// Default timeouts and pool sizes.
const (
	// DefaultDialTimeout is the timeout for establishing connections.
	DefaultDialTimeout = 30 * time.Second

	// DefaultKeepAlive is the TCP keep-alive interval for connections.
	DefaultKeepAlive = 30 * time.Second

	// DefaultIdleConnTimeout is the timeout for idle HTTP connections.
	DefaultIdleConnTimeout = 90 * time.Second

	// DefaultTLSHandshakeTimeout is the timeout for TLS handshakes.
	DefaultTLSHandshakeTimeout = 10 * time.Second

	// DefaultExpectContinueTimeout is the timeout for 100-continue responses.
	DefaultExpectContinueTimeout = 1 * time.Second

	// DefaultMaxIdlePerHost is the idle connection budget per destination.
	DefaultMaxIdlePerHost = 10

	// maxDrainBytes bounds how much of a response body is read when
	// draining a connection back into the pool.
	maxDrainBytes = 64 * 1024
)

// Pool manages reusable connections to one (scheme, host, port)
// destination and issues requests over them.
type Pool interface {
	// URLOpen performs one request. The target may be an absolute URL
	// or an origin-form path, which is resolved against the pool's own
	// destination. Redirects are never followed at this level.
	URLOpen(ctx context.Context, method, target string, opts *RequestOptions) (*http.Response, error)

	Scheme() string
	Host() string
	Port() int

	// URL returns the pool's destination as an absolute URL string.
	URL() string

	// RequiresTunnel reports whether requests through this pool reach
	// their destination via an HTTP CONNECT tunnel.
	RequiresTunnel() bool

	// CloseIdleConnections drops idle connections without closing the pool.
	CloseIdleConnections()

	// Close releases all connections held by the pool.
	Close() error
}

// Factory constructs a Pool for one destination.
type Factory func(host string, port int, opts Options) (Pool, error)

// ProxyConfig is the immutable per-manager proxy settings record
// consulted when deciding whether a tunnel is required.
type ProxyConfig struct {
	// TLSConfig is used for the TLS session to the proxy itself.
	TLSConfig *tls.Config

	// UseForwardingForHTTPS sends https requests to the proxy in
	// absolute form instead of establishing a CONNECT tunnel.
	UseForwardingForHTTPS bool
}

// SocketOption is a (level, option, value) triple applied to the
// underlying socket before connecting.
type SocketOption struct {
	Level int
	Opt   int
	Value int
}

// Options configures a new pool. The zero value uses the package
// defaults.
type Options struct {
	// Timeout is the dial timeout.
	Timeout time.Duration

	// KeepAlive is the TCP keep-alive interval.
	KeepAlive time.Duration

	// SocketOptions are applied to every new socket.
	SocketOptions []SocketOption

	// SourceAddress pins outbound connections to a local IP.
	SourceAddress string

	// MaxIdle is the idle connection budget per destination.
	MaxIdle int

	// TLS settings for https pools. TLSConfig wins over the file-based
	// fields when both are set.
	TLSConfig          *tls.Config
	ServerName         string
	CertFile           string
	KeyFile            string
	CAFile             string
	InsecureSkipVerify bool

	// Proxy routes requests through an upstream proxy.
	Proxy        *url.URL
	ProxyHeaders http.Header
	ProxyConfig  *ProxyConfig
}

// RequestOptions are the per-request parameters accepted by URLOpen.
type RequestOptions struct {
	// Headers are sent with the request. Nil means no extra headers at
	// pool level; the manager substitutes its own defaults.
	Headers http.Header

	// Body is the request body. A byte slice so redirected requests
	// can replay it.
	Body []byte

	// Redirect enables redirect following in the manager's request
	// loop. Nil means true. Pools themselves never follow redirects.
	Redirect *bool

	// AssertSameHost rejects absolute targets that point at a
	// different host than the pool's destination.
	AssertSameHost bool

	// Retries is the redirect/retry budget threaded through the
	// manager's request loop. Nil means retry.Default().
	Retries *retry.Retry
}

// FollowRedirects reports the effective redirect flag.
func (o *RequestOptions) FollowRedirects() bool {
	if o == nil || o.Redirect == nil {
		return true
	}
	return *o.Redirect
}

// DrainResponse reads the remainder of a response body and closes it,
// so the underlying connection returns to the pool in a clean state.
func DrainResponse(resp *http.Response) {
	if resp == nil || resp.Body == nil {
		return
	}
	io.Copy(io.Discard, io.LimitReader(resp.Body, maxDrainBytes))
	resp.Body.Close()
}
