// Package urlutil provides URL and host/port utility functions.
package urlutil

import (
	"net"
	"net/url"
	"strconv"
	"strings"
)

// defaultPorts maps URL schemes to their well-known ports.
var defaultPorts = map[string]int{
	"http":  80,
	"https": 443,
}

// DefaultPort returns the well-known port for a scheme, or 0 if the
// scheme has none.
func DefaultPort(scheme string) int {
	return defaultPorts[strings.ToLower(scheme)]
}

// SplitHostPort extracts host and port from a URL, falling back to the
// scheme's default port when the URL carries none.
func SplitHostPort(u *url.URL) (string, int) {
	host := u.Hostname()
	port := DefaultPort(u.Scheme)
	if p := u.Port(); p != "" {
		if n, err := strconv.Atoi(p); err == nil {
			port = n
		}
	}
	return host, port
}

// HostPort renders a host:port authority, omitting the port when it is
// the scheme's default. IPv6 literals are bracketed.
func HostPort(host string, port int, scheme string) string {
	if port == 0 || port == DefaultPort(scheme) {
		if strings.Contains(host, ":") && !strings.HasPrefix(host, "[") {
			return "[" + host + "]"
		}
		return host
	}
	return net.JoinHostPort(host, strconv.Itoa(port))
}

// NormalizeHost lower-cases a host name and strips IPv6 brackets.
func NormalizeHost(host string) string {
	host = strings.ToLower(host)
	if strings.HasPrefix(host, "[") && strings.HasSuffix(host, "]") {
		host = host[1 : len(host)-1]
	}
	return host
}

// IsOriginForm reports whether target is a path-only request target
// rather than an absolute URL.
func IsOriginForm(target string) bool {
	return strings.HasPrefix(target, "/")
}

// SameHost reports whether two URLs point at the same origin host,
// ignoring case.
func SameHost(a, b *url.URL) bool {
	return NormalizeHost(a.Hostname()) == NormalizeHost(b.Hostname())
}
