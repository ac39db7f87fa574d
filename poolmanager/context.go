// Package poolmanager routes HTTP requests to per-destination
// connection pools, caching pools under canonical keys and handling
// redirects and proxy selection.
package poolmanager

import (
	"crypto/tls"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/poolkit/poolkit/pool"
)

// RequestContext is the mapping of connection parameters a pool is
// selected and constructed from.
type RequestContext map[string]any

// Recognized request-context field names.
const (
	FieldScheme        = "scheme"
	FieldHost          = "host"
	FieldPort          = "port"
	FieldTimeout       = "timeout"
	FieldKeepAlive     = "keepalive"
	FieldSocketOptions = "socket_options"
	FieldSourceAddress = "source_address"
	FieldMaxIdle       = "max_idle"
	FieldProxy         = "proxy"
	FieldProxyHeaders  = "proxy_headers"
	FieldProxyConfig   = "proxy_config"

	// TLS fields, meaningful for https pools only.
	FieldServerName         = "server_name"
	FieldCertFile           = "cert_file"
	FieldKeyFile            = "key_file"
	FieldCAFile             = "ca_file"
	FieldInsecureSkipVerify = "insecure_skip_verify"
	FieldTLSConfig          = "tls_config"
)

// tlsKeywords are the fields stripped from the context before
// constructing a non-https pool.
var tlsKeywords = []string{
	FieldServerName,
	FieldCertFile,
	FieldKeyFile,
	FieldCAFile,
	FieldInsecureSkipVerify,
	FieldTLSConfig,
}

// Clone returns a shallow copy of the context. A nil context clones to
// an empty, usable map.
func (c RequestContext) Clone() RequestContext {
	out := make(RequestContext, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}

// buildPoolOptions converts a request context (scheme/host/port
// already removed) into pool construction options.
func buildPoolOptions(ctx RequestContext) (pool.Options, error) {
	var opts pool.Options

	for name, value := range ctx {
		if value == nil {
			continue
		}
		ok := true
		switch name {
		case FieldTimeout:
			opts.Timeout, ok = value.(time.Duration)
		case FieldKeepAlive:
			opts.KeepAlive, ok = value.(time.Duration)
		case FieldSocketOptions:
			opts.SocketOptions, ok = value.([]pool.SocketOption)
		case FieldSourceAddress:
			opts.SourceAddress, ok = value.(string)
		case FieldMaxIdle:
			opts.MaxIdle, ok = value.(int)
		case FieldServerName:
			opts.ServerName, ok = value.(string)
		case FieldCertFile:
			opts.CertFile, ok = value.(string)
		case FieldKeyFile:
			opts.KeyFile, ok = value.(string)
		case FieldCAFile:
			opts.CAFile, ok = value.(string)
		case FieldInsecureSkipVerify:
			opts.InsecureSkipVerify, ok = value.(bool)
		case FieldTLSConfig:
			opts.TLSConfig, ok = value.(*tls.Config)
		case FieldProxy:
			opts.Proxy, ok = value.(*url.URL)
		case FieldProxyHeaders:
			opts.ProxyHeaders, ok = value.(http.Header)
		case FieldProxyConfig:
			opts.ProxyConfig, ok = value.(*pool.ProxyConfig)
		default:
			// Unrecognized fields participate in key identity but not
			// in pool construction.
		}
		if !ok {
			return pool.Options{}, fmt.Errorf("request context field %q has unexpected type %T", name, value)
		}
	}

	return opts, nil
}
