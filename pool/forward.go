package pool

import (
	"bufio"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"

	"github.com/poolkit/poolkit/pkg/urlutil"
)

// forwardingTransport sends https requests to an upstream proxy in
// absolute form instead of tunneling. Each request uses a fresh
// connection to the proxy; the connection closes with the response
// body, so this mode trades keep-alive reuse for protocol simplicity.
type forwardingTransport struct {
	proxy        *url.URL
	proxyHeaders http.Header
	proxyTLS     *tls.Config
	dialer       *net.Dialer
}

func newForwardingTransport(opts Options, dialer *net.Dialer) *forwardingTransport {
	t := &forwardingTransport{
		proxy:  opts.Proxy,
		dialer: dialer,
	}
	if len(opts.ProxyHeaders) > 0 {
		t.proxyHeaders = opts.ProxyHeaders.Clone()
	}
	if opts.ProxyConfig != nil {
		t.proxyTLS = opts.ProxyConfig.TLSConfig
	}
	return t
}

// RoundTrip writes req to the proxy in absolute form and reads the
// response off the same connection.
func (t *forwardingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	host, port := urlutil.SplitHostPort(t.proxy)
	addr := net.JoinHostPort(host, fmt.Sprintf("%d", port))

	conn, err := t.dialer.DialContext(req.Context(), "tcp", addr)
	if err != nil {
		return nil, &net.OpError{Op: "proxyconnect", Net: "tcp", Err: err}
	}

	if t.proxy.Scheme == "https" {
		cfg := t.proxyTLS
		if cfg == nil {
			cfg = &tls.Config{}
		} else {
			cfg = cfg.Clone()
		}
		if cfg.ServerName == "" {
			cfg.ServerName = host
		}
		tlsConn := tls.Client(conn, cfg)
		if err := tlsConn.HandshakeContext(req.Context()); err != nil {
			conn.Close()
			return nil, &net.OpError{Op: "proxyconnect", Net: "tcp", Err: err}
		}
		conn = tlsConn
	}

	out := req.Clone(req.Context())
	for name, values := range t.proxyHeaders {
		if out.Header.Get(name) == "" {
			out.Header[name] = values
		}
	}
	// No keep-alive in forwarding mode; the connection dies with the body.
	out.Close = true

	if err := out.WriteProxy(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("writing forwarded request: %w", err)
	}

	br := bufio.NewReader(conn)
	resp, err := http.ReadResponse(br, out)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("reading forwarded response: %w", err)
	}

	resp.Body = &bodyCloser{ReadCloser: resp.Body, conn: conn}
	return resp, nil
}

// bodyCloser ties the proxy connection's lifetime to the response body.
type bodyCloser struct {
	io.ReadCloser
	conn net.Conn
}

func (b *bodyCloser) Close() error {
	err := b.ReadCloser.Close()
	if cerr := b.conn.Close(); err == nil {
		err = cerr
	}
	return err
}
