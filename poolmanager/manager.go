package poolmanager

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/poolkit/poolkit/internal/logger"
	"github.com/poolkit/poolkit/internal/metrics"
	"github.com/poolkit/poolkit/pkg/urlutil"
	"github.com/poolkit/poolkit/pool"
	"github.com/poolkit/poolkit/retry"
)

// DefaultNumPools is the pool cache capacity used when none is given.
const DefaultNumPools = 10

// PoolManager owns a bounded LRU cache of connection pools keyed by
// canonical PoolKeys, creates pools lazily, routes requests to the
// right pool, and follows redirects with retry-state threading.
//
// A PoolManager is safe for use from multiple goroutines. Callers that
// are done with a manager should Close it (or defer Close) so cached
// pools release their connections.
type PoolManager struct {
	headers http.Header
	poolKw  RequestContext

	pools *lru.Cache[PoolKey, pool.Pool]
	mu    sync.Mutex

	// Scheme tables, resolved once at construction.
	factories map[string]pool.Factory
	keySpecs  map[string]KeySpec

	// Proxy routing hooks. ProxyManager points these at its own
	// implementations; the defaults route directly.
	connFromHost func(host string, port int, scheme string, overrides RequestContext) (pool.Pool, error)
	absoluteForm func(u *url.URL) bool

	// prepareHop runs at the top of every hop of the redirect loop,
	// including the first, with the hop's URL and the running base
	// headers. It returns the headers to send on that hop. ProxyManager
	// uses it to re-validate the proxy/target scheme selection and to
	// re-derive the proxy headers for each redirect target.
	prepareHop func(u *url.URL, headers http.Header) (http.Header, error)
}

// Option customizes a PoolManager at construction time.
type Option func(*PoolManager)

// WithPoolFactory registers or replaces the pool factory for a scheme.
func WithPoolFactory(scheme string, f pool.Factory) Option {
	return func(m *PoolManager) {
		m.factories[strings.ToLower(scheme)] = f
	}
}

// WithKeySpec registers or replaces the key spec for a scheme.
func WithKeySpec(scheme string, spec KeySpec) Option {
	return func(m *PoolManager) {
		m.keySpecs[strings.ToLower(scheme)] = spec
	}
}

// New creates a PoolManager holding at most numPools pools
// (DefaultNumPools when numPools <= 0). headers are the default
// request headers; poolKw is the base context applied to every new
// pool.
func New(numPools int, headers http.Header, poolKw RequestContext, opts ...Option) *PoolManager {
	if numPools <= 0 {
		numPools = DefaultNumPools
	}

	m := &PoolManager{
		headers: headers,
		poolKw:  poolKw.Clone(),
		factories: map[string]pool.Factory{
			"http":  pool.NewHTTPPool,
			"https": pool.NewHTTPSPool,
		},
		keySpecs: defaultKeySpecs(),
	}
	m.connFromHost = m.connectionFromHostDirect
	m.absoluteForm = func(*url.URL) bool { return false }
	m.prepareHop = func(_ *url.URL, h http.Header) (http.Header, error) { return h, nil }

	for _, opt := range opts {
		opt(m)
	}

	cache, _ := lru.NewWithEvict(numPools, func(key PoolKey, p pool.Pool) {
		p.Close()
		metrics.PoolsEvicted.Inc()
		logger.Debug("pool_evicted", "key", key.String())
	})
	m.pools = cache

	return m
}

// Headers returns the manager's default request headers.
func (m *PoolManager) Headers() http.Header { return m.headers }

// ConnectionFromHost returns the pool for (scheme, host, port),
// creating it if needed. Overrides are applied on top of the base pool
// context; an override value of nil removes the base entry.
func (m *PoolManager) ConnectionFromHost(host string, port int, scheme string, overrides RequestContext) (pool.Pool, error) {
	return m.connFromHost(host, port, scheme, overrides)
}

func (m *PoolManager) connectionFromHostDirect(host string, port int, scheme string, overrides RequestContext) (pool.Pool, error) {
	if host == "" {
		return nil, fmt.Errorf("%w (scheme=%q)", ErrEmptyHost, scheme)
	}

	ctx := m.mergePoolKwargs(overrides)
	if scheme == "" {
		scheme = "http"
	}
	if port == 0 {
		port = urlutil.DefaultPort(scheme)
	}
	ctx[FieldScheme] = scheme
	ctx[FieldHost] = host
	ctx[FieldPort] = port

	return m.ConnectionFromContext(ctx)
}

// ConnectionFromContext returns the pool for a fully built request
// context.
func (m *PoolManager) ConnectionFromContext(ctx RequestContext) (pool.Pool, error) {
	scheme, _ := ctx[FieldScheme].(string)
	scheme = strings.ToLower(scheme)

	spec, ok := m.keySpecs[scheme]
	if !ok {
		return nil, &URLSchemeUnknownError{Scheme: scheme}
	}

	key := spec.NewKey(ctx)
	return m.ConnectionFromPoolKey(key, ctx)
}

// ConnectionFromPoolKey returns the cached pool for key, constructing
// and caching a new one on a miss. The lock spans the whole
// check-then-insert so at most one pool is ever created per key.
func (m *PoolManager) ConnectionFromPoolKey(key PoolKey, ctx RequestContext) (pool.Pool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if p, ok := m.pools.Get(key); ok {
		return p, nil
	}

	scheme, _ := ctx[FieldScheme].(string)
	host, _ := ctx[FieldHost].(string)
	port, _ := ctx[FieldPort].(int)

	p, err := m.newPool(scheme, host, port, ctx)
	if err != nil {
		return nil, err
	}

	m.pools.Add(key, p)
	metrics.PoolCacheSize.Set(float64(m.pools.Len()))
	return p, nil
}

// ConnectionFromURL returns the pool serving rawURL.
func (m *PoolManager) ConnectionFromURL(rawURL string, overrides RequestContext) (pool.Pool, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parsing URL: %w", err)
	}
	host, port := urlutil.SplitHostPort(u)
	return m.ConnectionFromHost(host, port, u.Scheme, overrides)
}

// newPool constructs a pool for one destination. TLS fields are
// stripped from the context for non-https schemes.
func (m *PoolManager) newPool(scheme, host string, port int, ctx RequestContext) (pool.Pool, error) {
	scheme = strings.ToLower(scheme)
	factory, ok := m.factories[scheme]
	if !ok {
		return nil, &URLSchemeUnknownError{Scheme: scheme}
	}

	c := ctx.Clone()
	delete(c, FieldScheme)
	delete(c, FieldHost)
	delete(c, FieldPort)
	if scheme != "https" {
		for _, name := range tlsKeywords {
			delete(c, name)
		}
	}

	opts, err := buildPoolOptions(c)
	if err != nil {
		return nil, err
	}

	p, err := factory(host, port, opts)
	if err != nil {
		return nil, err
	}
	metrics.PoolsCreated.WithLabelValues(scheme).Inc()
	return p, nil
}

// mergePoolKwargs applies overrides to a copy of the base pool
// context. A nil override value removes the base entry; removing a
// missing entry is a no-op.
func (m *PoolManager) mergePoolKwargs(overrides RequestContext) RequestContext {
	merged := m.poolKw.Clone()
	for name, value := range overrides {
		if value == nil {
			delete(merged, name)
		} else {
			merged[name] = value
		}
	}
	return merged
}

// PoolCount returns the number of currently cached pools.
func (m *PoolManager) PoolCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pools.Len()
}

// Clear empties the pool cache, closing every cached pool.
func (m *PoolManager) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pools.Purge()
	metrics.PoolCacheSize.Set(0)
}

// Close releases all pooled connections. It exists so managers work
// with defer the way scoped acquisition does elsewhere.
func (m *PoolManager) Close() error {
	m.Clear()
	return nil
}

// URLOpen performs a request and follows redirects across pools. The
// redirect chain is a bounded loop terminated by the Retry budget in
// opts (retry.Default when unset). Same-host assertions and pool-level
// redirect handling are always disabled on the per-hop call: crossing
// hosts is the manager's job.
func (m *PoolManager) URLOpen(ctx context.Context, method, rawURL string, opts *pool.RequestOptions) (*http.Response, error) {
	if opts == nil {
		opts = &pool.RequestOptions{}
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parsing URL: %w", err)
	}

	retries := opts.Retries
	if retries == nil {
		retries = retry.Default()
	}
	headers := opts.Headers
	if headers == nil {
		headers = m.headers
	}
	body := opts.Body
	followRedirects := opts.FollowRedirects()
	redirectOff := false

	for {
		hopHeaders, err := m.prepareHop(u, headers)
		if err != nil {
			return nil, err
		}

		conn, err := m.connFromHost(u.Hostname(), portOf(u), u.Scheme, nil)
		if err != nil {
			return nil, err
		}

		target := u.RequestURI()
		if m.absoluteForm(u) {
			target = u.String()
		}

		hopOpts := &pool.RequestOptions{
			Headers:        hopHeaders,
			Body:           body,
			Redirect:       &redirectOff,
			AssertSameHost: false,
			Retries:        retries,
		}

		resp, err := conn.URLOpen(ctx, method, target, hopOpts)
		if err != nil {
			return nil, err
		}

		location := retry.RedirectLocation(resp)
		if !followRedirects || location == "" {
			return resp, nil
		}

		redirectURL, err := u.Parse(location)
		if err != nil {
			pool.DrainResponse(resp)
			return nil, fmt.Errorf("invalid redirect location %q: %w", location, err)
		}

		// See Other downgrades the retried request to a bodiless GET.
		if resp.StatusCode == http.StatusSeeOther {
			method = http.MethodGet
			body = nil
		}

		if !urlutil.SameHost(u, redirectURL) {
			headers = cloneHeader(headers)
			retries.StripHeaders(headers)
		}

		newRetries, incErr := retries.Increment(method, u.String(), resp)
		if incErr != nil {
			metrics.RetriesExhausted.Inc()
			if retries.RaiseOnRedirect {
				pool.DrainResponse(resp)
				return nil, incErr
			}
			return resp, nil
		}

		// Release the hop's connection back to its pool before moving on.
		pool.DrainResponse(resp)

		metrics.RedirectsFollowed.Inc()
		logger.LogRedirect(u.Redacted(), redirectURL.Redacted(), resp.StatusCode, method)

		retries = newRetries
		u = redirectURL
	}
}

// portOf returns the explicit port of a URL, or 0 when it carries none.
func portOf(u *url.URL) int {
	if u.Port() == "" {
		return 0
	}
	_, port := urlutil.SplitHostPort(u)
	return port
}

// cloneHeader copies a header map, tolerating nil.
func cloneHeader(h http.Header) http.Header {
	if h == nil {
		return make(http.Header)
	}
	return h.Clone()
}
