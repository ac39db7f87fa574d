package poolmanager

import (
	"errors"
	"fmt"
)

var (
	// ErrEmptyHost is returned when a connection is requested without
	// a host.
	ErrEmptyHost = errors.New("no host specified")

	// ErrProxySchemeUnsupported is returned when an https destination
	// is requested through a non-https proxy with forwarding disabled.
	ErrProxySchemeUnsupported = errors.New("tunneling to an https destination requires an https proxy unless forwarding is enabled")
)

// URLSchemeUnknownError is returned when no pool factory or key spec
// is registered for a URL scheme.
type URLSchemeUnknownError struct {
	Scheme string
}

func (e *URLSchemeUnknownError) Error() string {
	return fmt.Sprintf("unsupported URL scheme %q", e.Scheme)
}

// ProxySchemeUnknownError is returned when a proxy URL carries a
// scheme other than http or https.
type ProxySchemeUnknownError struct {
	Scheme string
}

func (e *ProxySchemeUnknownError) Error() string {
	return fmt.Sprintf("proxy URL scheme %q is not supported (use http or https)", e.Scheme)
}
