package coap

import (
	"net"
	"net/url"
	"strings"
)

// hasPort reports whether s (a "host", "host:port", or
// "[ipv6::address]:port") already carries a port.
func hasPort(s string) bool { return strings.LastIndex(s, ":") > strings.LastIndex(s, "]") }

var schemePort = map[string]string{
	"coap":  "5683",
	"coaps": "5684",
}

// canonicalAddr returns u.Host with a ":port" suffix, defaulting the
// port from the URL scheme.
func canonicalAddr(u *url.URL) string {
	addr := u.Host
	if !hasPort(addr) {
		return addr + ":" + schemePort[u.Scheme]
	}
	return addr
}

// removeEmptyPort strips a trailing empty ":" port, per RFC 3986
// §6.2.3 (same normalization net/http applies).
func removeEmptyPort(host string) string {
	if hasPort(host) {
		return strings.TrimSuffix(host, ":")
	}
	return host
}

// isLiteralIP reports whether host (without port) is a literal
// IPv4/IPv6 address rather than a DNS name (spec.md §4.5 URL
// parsing: "If host is a literal IP, no uri_host option is added").
func isLiteralIP(host string) bool {
	h := strings.TrimPrefix(strings.TrimSuffix(host, "]"), "[")
	return net.ParseIP(h) != nil
}
