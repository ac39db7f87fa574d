package pool

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"syscall"

	"github.com/poolkit/poolkit/internal/logger"
	"github.com/poolkit/poolkit/pkg/urlutil"
)

// HTTPPool is a connection pool for one http or https destination,
// backed by a dedicated http.Transport.
type HTTPPool struct {
	scheme string
	host   string
	port   int
	opts   Options

	rt        http.RoundTripper
	transport *http.Transport // nil in forwarding mode
}

// NewHTTPPool creates a pool for a plain http destination.
func NewHTTPPool(host string, port int, opts Options) (Pool, error) {
	return newPool("http", host, port, opts)
}

// NewHTTPSPool creates a pool for an https destination.
func NewHTTPSPool(host string, port int, opts Options) (Pool, error) {
	return newPool("https", host, port, opts)
}

func newPool(scheme, host string, port int, opts Options) (Pool, error) {
	if port == 0 {
		port = urlutil.DefaultPort(scheme)
	}

	p := &HTTPPool{
		scheme: scheme,
		host:   urlutil.NormalizeHost(host),
		port:   port,
		opts:   opts,
	}

	var tlsCfg *tls.Config
	if scheme == "https" {
		cfg, err := buildTLSConfig(opts)
		if err != nil {
			return nil, err
		}
		tlsCfg = cfg
	}

	if opts.Proxy != nil && scheme == "https" && forwardingEnabled(opts.ProxyConfig) {
		// Absolute-form forwarding: the request travels to the proxy
		// in full, no tunnel is established.
		p.rt = newForwardingTransport(opts, p.dialer())
		logger.Debug("pool_created", "scheme", scheme, "host", p.host, "port", port, "proxy_mode", "forwarding")
		return p, nil
	}

	t := p.createTransport(tlsCfg)
	p.transport = t
	p.rt = t
	if opts.Proxy != nil {
		mode := "absolute_form"
		if p.RequiresTunnel() {
			mode = "tunnel"
		}
		logger.Debug("pool_created", "scheme", scheme, "host", p.host, "port", port, "proxy_mode", mode)
	} else {
		logger.Debug("pool_created", "scheme", scheme, "host", p.host, "port", port)
	}
	return p, nil
}

// dialer builds the net.Dialer shared by both transport modes.
func (p *HTTPPool) dialer() *net.Dialer {
	timeout := p.opts.Timeout
	if timeout <= 0 {
		timeout = DefaultDialTimeout
	}
	keepAlive := p.opts.KeepAlive
	if keepAlive <= 0 {
		keepAlive = DefaultKeepAlive
	}

	d := &net.Dialer{
		Timeout:   timeout,
		KeepAlive: keepAlive,
	}
	if p.opts.SourceAddress != "" {
		d.LocalAddr = &net.TCPAddr{IP: net.ParseIP(p.opts.SourceAddress)}
	}
	if len(p.opts.SocketOptions) > 0 {
		socketOpts := p.opts.SocketOptions
		d.Control = func(network, address string, c syscall.RawConn) error {
			var applyErr error
			err := c.Control(func(fd uintptr) {
				for _, o := range socketOpts {
					if err := syscall.SetsockoptInt(int(fd), o.Level, o.Opt, o.Value); err != nil {
						applyErr = fmt.Errorf("setsockopt(%d,%d): %w", o.Level, o.Opt, err)
						return
					}
				}
			})
			if err != nil {
				return err
			}
			return applyErr
		}
	}
	return d
}

// createTransport creates the http.Transport for this destination.
func (p *HTTPPool) createTransport(tlsCfg *tls.Config) *http.Transport {
	dialer := p.dialer()
	maxIdle := p.opts.MaxIdle
	if maxIdle <= 0 {
		maxIdle = DefaultMaxIdlePerHost
	}

	t := &http.Transport{
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			return dialer.DialContext(ctx, network, addr)
		},
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   maxIdle,
		IdleConnTimeout:       DefaultIdleConnTimeout,
		TLSHandshakeTimeout:   DefaultTLSHandshakeTimeout,
		ExpectContinueTimeout: DefaultExpectContinueTimeout,
		TLSClientConfig:       tlsCfg,
		ForceAttemptHTTP2:     true,
	}

	if p.opts.Proxy != nil {
		t.Proxy = http.ProxyURL(p.opts.Proxy)
		if len(p.opts.ProxyHeaders) > 0 {
			t.ProxyConnectHeader = p.opts.ProxyHeaders.Clone()
		}
	}
	return t
}

// buildTLSConfig assembles the TLS client configuration from Options.
func buildTLSConfig(opts Options) (*tls.Config, error) {
	if opts.TLSConfig != nil {
		return opts.TLSConfig.Clone(), nil
	}

	cfg := &tls.Config{
		ServerName:         opts.ServerName,
		InsecureSkipVerify: opts.InsecureSkipVerify,
	}

	if opts.CertFile != "" && opts.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(opts.CertFile, opts.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("loading client certificate: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}

	if opts.CAFile != "" {
		pem, err := os.ReadFile(opts.CAFile)
		if err != nil {
			return nil, fmt.Errorf("reading CA file: %w", err)
		}
		roots := x509.NewCertPool()
		if !roots.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates found in %s", opts.CAFile)
		}
		cfg.RootCAs = roots
	}

	return cfg, nil
}

// forwardingEnabled reports whether the proxy config selects
// absolute-form forwarding for https.
func forwardingEnabled(pc *ProxyConfig) bool {
	return pc != nil && pc.UseForwardingForHTTPS
}

// Scheme returns the pool's URL scheme.
func (p *HTTPPool) Scheme() string { return p.scheme }

// Host returns the pool's destination host.
func (p *HTTPPool) Host() string { return p.host }

// Port returns the pool's destination port.
func (p *HTTPPool) Port() int { return p.port }

// URL returns the pool's destination as an absolute URL string.
func (p *HTTPPool) URL() string {
	return p.scheme + "://" + urlutil.HostPort(p.host, p.port, p.scheme)
}

// RequiresTunnel reports whether this pool reaches its destination
// through an HTTP CONNECT tunnel.
func (p *HTTPPool) RequiresTunnel() bool {
	return p.opts.Proxy != nil && p.scheme == "https" && !forwardingEnabled(p.opts.ProxyConfig)
}

// URLOpen performs one request against the pool's destination.
func (p *HTTPPool) URLOpen(ctx context.Context, method, target string, opts *RequestOptions) (*http.Response, error) {
	if opts == nil {
		opts = &RequestOptions{}
	}

	u, err := p.resolveTarget(target, opts.AssertSameHost)
	if err != nil {
		return nil, err
	}

	var body io.Reader
	if len(opts.Body) > 0 {
		body = bytes.NewReader(opts.Body)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, err
	}
	if len(opts.Body) > 0 {
		bodyCopy := opts.Body
		req.GetBody = func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(bodyCopy)), nil
		}
		req.ContentLength = int64(len(bodyCopy))
	}

	for name, values := range opts.Headers {
		if name == "Host" {
			if len(values) > 0 {
				req.Host = values[0]
			}
			continue
		}
		req.Header[name] = values
	}

	resp, err := p.rt.RoundTrip(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, u.Redacted(), err)
	}
	return resp, nil
}

// resolveTarget turns an origin-form path or absolute URL into the
// request URL for this pool.
func (p *HTTPPool) resolveTarget(target string, assertSameHost bool) (*url.URL, error) {
	if urlutil.IsOriginForm(target) {
		rel, err := url.ParseRequestURI(target)
		if err != nil {
			return nil, fmt.Errorf("invalid request target %q: %w", target, err)
		}
		return &url.URL{
			Scheme:   p.scheme,
			Host:     urlutil.HostPort(p.host, p.port, p.scheme),
			Path:     rel.Path,
			RawPath:  rel.RawPath,
			RawQuery: rel.RawQuery,
		}, nil
	}

	u, err := url.Parse(target)
	if err != nil {
		return nil, fmt.Errorf("invalid request target %q: %w", target, err)
	}
	if assertSameHost && urlutil.NormalizeHost(u.Hostname()) != p.host {
		return nil, fmt.Errorf("host %q does not match pool host %q", u.Hostname(), p.host)
	}
	return u, nil
}

// CloseIdleConnections drops idle connections without closing the pool.
func (p *HTTPPool) CloseIdleConnections() {
	if p.transport != nil {
		p.transport.CloseIdleConnections()
	}
}

// Close releases all connections held by the pool.
func (p *HTTPPool) Close() error {
	p.CloseIdleConnections()
	return nil
}
