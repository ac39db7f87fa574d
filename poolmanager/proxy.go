package poolmanager

import (
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/poolkit/poolkit/pkg/urlutil"
	"github.com/poolkit/poolkit/pool"
)

// ProxyOptions configures how a ProxyManager talks to its upstream
// proxy.
type ProxyOptions struct {
	// ProxyHeaders are sent with every request to the proxy (and on
	// CONNECT handshakes).
	ProxyHeaders http.Header

	// TLSConfig is used for the TLS session to the proxy itself when
	// the proxy scheme is https.
	TLSConfig *tls.Config

	// UseForwardingForHTTPS sends https requests to the proxy in
	// absolute form instead of establishing a CONNECT tunnel.
	UseForwardingForHTTPS bool
}

// ProxyManager is a PoolManager that sends every request through one
// upstream proxy. Plain http traffic funnels through a single pool
// keyed by the proxy itself; https traffic keeps per-destination pools
// that tunnel (or forward) through the proxy.
type ProxyManager struct {
	*PoolManager

	proxy        *url.URL
	proxyHeaders http.Header
	proxyConfig  *pool.ProxyConfig
}

// NewProxyManager creates a ProxyManager for the given proxy URL. Only
// http and https proxies are supported.
func NewProxyManager(proxyURL string, numPools int, headers http.Header, po ProxyOptions, poolKw RequestContext, opts ...Option) (*ProxyManager, error) {
	u, err := url.Parse(proxyURL)
	if err != nil {
		return nil, fmt.Errorf("parsing proxy URL: %w", err)
	}

	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return nil, &ProxySchemeUnknownError{Scheme: u.Scheme}
	}

	host, port := urlutil.SplitHostPort(u)
	if host == "" {
		return nil, fmt.Errorf("%w (proxy URL %q)", ErrEmptyHost, proxyURL)
	}
	proxy := &url.URL{
		Scheme: scheme,
		Host:   net.JoinHostPort(urlutil.NormalizeHost(host), strconv.Itoa(port)),
		User:   u.User,
	}

	pc := &pool.ProxyConfig{
		TLSConfig:             po.TLSConfig,
		UseForwardingForHTTPS: po.UseForwardingForHTTPS,
	}

	var proxyHeaders http.Header
	if len(po.ProxyHeaders) > 0 {
		proxyHeaders = po.ProxyHeaders.Clone()
	}

	kw := poolKw.Clone()
	kw[FieldProxy] = proxy
	kw[FieldProxyConfig] = pc
	if proxyHeaders != nil {
		kw[FieldProxyHeaders] = proxyHeaders
	}

	pm := &ProxyManager{
		PoolManager:  New(numPools, headers, kw, opts...),
		proxy:        proxy,
		proxyHeaders: proxyHeaders,
		proxyConfig:  pc,
	}
	pm.PoolManager.connFromHost = pm.connectionFromHost
	pm.PoolManager.absoluteForm = pm.requiresAbsoluteForm
	pm.PoolManager.prepareHop = pm.prepareProxyHop

	return pm, nil
}

// NewProxyManagerFromPool creates a ProxyManager using an existing
// pool's destination as the proxy address.
func NewProxyManagerFromPool(p pool.Pool, numPools int, headers http.Header, po ProxyOptions, poolKw RequestContext, opts ...Option) (*ProxyManager, error) {
	return NewProxyManager(p.URL(), numPools, headers, po, poolKw, opts...)
}

// ProxyFromURL is a convenience constructor with default settings.
func ProxyFromURL(proxyURL string) (*ProxyManager, error) {
	return NewProxyManager(proxyURL, 0, nil, ProxyOptions{}, nil)
}

// Proxy returns the normalized upstream proxy URL.
func (pm *ProxyManager) Proxy() *url.URL { return pm.proxy }

// connectionFromHost routes https targets to their own (tunneled)
// pools and everything else through the proxy's pool.
func (pm *ProxyManager) connectionFromHost(host string, port int, scheme string, overrides RequestContext) (pool.Pool, error) {
	if strings.ToLower(scheme) == "https" {
		return pm.PoolManager.connectionFromHostDirect(host, port, scheme, overrides)
	}

	proxyHost, proxyPort := urlutil.SplitHostPort(pm.proxy)
	return pm.PoolManager.connectionFromHostDirect(proxyHost, proxyPort, pm.proxy.Scheme, overrides)
}

// setProxyHeaders builds the headers for a proxied request: a default
// Accept, a Host header for the request's netloc, and the caller's
// headers on top.
func (pm *ProxyManager) setProxyHeaders(u *url.URL, headers http.Header) http.Header {
	out := http.Header{}
	out.Set("Accept", "*/*")
	if u.Host != "" {
		out.Set("Host", u.Host)
	}
	for name, values := range headers {
		out[name] = values
	}
	return out
}

// tunnelRequired reports whether a target scheme reaches its
// destination via CONNECT rather than absolute-form forwarding.
func (pm *ProxyManager) tunnelRequired(scheme string) bool {
	return scheme == "https" && !pm.proxyConfig.UseForwardingForHTTPS
}

// requiresAbsoluteForm reports whether requests for u must carry the
// full URL in the request line. Tunneled requests use origin form.
func (pm *ProxyManager) requiresAbsoluteForm(u *url.URL) bool {
	return !pm.tunnelRequired(strings.ToLower(u.Scheme))
}

// validateProxySchemeURLSelection enforces that tunneling to an https
// destination goes through an https proxy unless forwarding mode is
// explicitly enabled.
func (pm *ProxyManager) validateProxySchemeURLSelection(urlScheme string) error {
	if urlScheme == "https" && pm.proxy.Scheme != "https" && !pm.proxyConfig.UseForwardingForHTTPS {
		return ErrProxySchemeUnsupported
	}
	return nil
}

// prepareProxyHop runs once per hop of the base redirect loop. Each
// hop's URL gets its own scheme-selection validation and its own
// derived proxy headers, so a redirect onto a new host carries that
// host in the Host header and a redirect onto an unsupported scheme
// fails instead of looping.
func (pm *ProxyManager) prepareProxyHop(u *url.URL, headers http.Header) (http.Header, error) {
	if err := pm.validateProxySchemeURLSelection(strings.ToLower(u.Scheme)); err != nil {
		return nil, err
	}
	return pm.setProxyHeaders(u, headers), nil
}
