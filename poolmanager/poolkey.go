package poolmanager

import (
	"crypto/tls"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/poolkit/poolkit/pool"
)

// defaultSocketOptionsKey is the sentinel encoding used when a context
// carries no socket options, so present-but-nil and absent compare
// equal.
const defaultSocketOptionsKey = "default"

// HTTPKeyFields are the context fields that participate in the
// identity of an http pool.
var HTTPKeyFields = []string{
	FieldScheme,
	FieldHost,
	FieldPort,
	FieldTimeout,
	FieldKeepAlive,
	FieldSocketOptions,
	FieldSourceAddress,
	FieldMaxIdle,
	FieldProxy,
	FieldProxyHeaders,
	FieldProxyConfig,
}

// HTTPSKeyFields extend HTTPKeyFields with the TLS parameters.
var HTTPSKeyFields = append(append([]string{}, HTTPKeyFields...),
	FieldServerName,
	FieldCertFile,
	FieldKeyFile,
	FieldCAFile,
	FieldInsecureSkipVerify,
	FieldTLSConfig,
)

// KeySpec declares which context fields identify a pool for one scheme.
type KeySpec struct {
	Fields []string
}

// defaultKeySpecs returns the scheme to key-spec table resolved at
// manager construction.
func defaultKeySpecs() map[string]KeySpec {
	return map[string]KeySpec{
		"http":  {Fields: HTTPKeyFields},
		"https": {Fields: HTTPSKeyFields},
	}
}

// PoolKey is the canonical, comparable identity of a connection pool.
// Two contexts that would produce behaviorally equivalent connections
// yield equal keys.
type PoolKey struct {
	Scheme string
	Host   string
	Port   int

	// fields is a canonical sorted encoding of the remaining key
	// fields, including scheme-prefixed extras.
	fields string
}

func (k PoolKey) String() string {
	return fmt.Sprintf("%s://%s:%d[%s]", k.Scheme, k.Host, k.Port, k.fields)
}

// NewKey derives a pool key from a request context:
//
//  1. the caller's context is copied, never mutated
//  2. scheme and host are lower-cased
//  3. declared fields absent from the context are nil-filled
//  4. socket options get a canonical immutable encoding, or the
//     default sentinel when unset
//  5. unrecognized context keys are renamed to "scheme_"+key
//  6. the key is fully populated before construction
func (s KeySpec) NewKey(ctx RequestContext) PoolKey {
	c := ctx.Clone()

	if v, ok := c[FieldScheme].(string); ok {
		c[FieldScheme] = strings.ToLower(v)
	}
	if v, ok := c[FieldHost].(string); ok {
		c[FieldHost] = strings.ToLower(v)
	}

	declared := make(map[string]bool, len(s.Fields))
	for _, f := range s.Fields {
		declared[f] = true
		if _, ok := c[f]; !ok {
			c[f] = nil
		}
	}

	if declared[FieldSocketOptions] {
		if v, ok := c[FieldSocketOptions]; ok && v != nil {
			c[FieldSocketOptions] = encodeSocketOptions(v)
		} else {
			c[FieldSocketOptions] = defaultSocketOptionsKey
		}
	}

	for name := range c {
		if !declared[name] && !strings.HasPrefix(name, "scheme_") {
			c["scheme_"+name] = c[name]
			delete(c, name)
		}
	}

	for _, f := range s.Fields {
		if _, ok := c[f]; !ok {
			c[f] = nil
		}
	}

	key := PoolKey{}
	if v, ok := c[FieldScheme].(string); ok {
		key.Scheme = v
	}
	if v, ok := c[FieldHost].(string); ok {
		key.Host = v
	}
	if v, ok := c[FieldPort].(int); ok {
		key.Port = v
	}

	names := make([]string, 0, len(c))
	for name := range c {
		switch name {
		case FieldScheme, FieldHost, FieldPort:
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	for i, name := range names {
		if i > 0 {
			b.WriteByte(';')
		}
		b.WriteString(name)
		b.WriteByte('=')
		b.WriteString(encodeKeyValue(c[name]))
	}
	key.fields = b.String()
	return key
}

// encodeSocketOptions renders socket options as an ordered immutable
// encoding so they participate correctly in key equality.
func encodeSocketOptions(v any) string {
	opts, ok := v.([]pool.SocketOption)
	if !ok {
		return fmt.Sprintf("%v", v)
	}
	parts := make([]string, len(opts))
	for i, o := range opts {
		parts[i] = fmt.Sprintf("(%d,%d,%d)", o.Level, o.Opt, o.Value)
	}
	return strings.Join(parts, "")
}

// encodeKeyValue renders a context value canonically. Values without a
// natural canonical form (tls configs, proxy configs) are encoded by
// identity, matching the upstream behavior of hashing ssl contexts as
// objects.
func encodeKeyValue(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case time.Duration:
		return t.String()
	case *url.URL:
		return t.String()
	case http.Header:
		names := make([]string, 0, len(t))
		for name := range t {
			names = append(names, name)
		}
		sort.Strings(names)
		parts := make([]string, len(names))
		for i, name := range names {
			parts[i] = name + ":" + strings.Join(t[name], ",")
		}
		return strings.Join(parts, "|")
	case *tls.Config:
		return fmt.Sprintf("%p", t)
	case *pool.ProxyConfig:
		return fmt.Sprintf("%p/%t", t.TLSConfig, t.UseForwardingForHTTPS)
	default:
		return fmt.Sprintf("%v", v)
	}
}
