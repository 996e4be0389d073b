// Package middleware provides the request- and response-side capture
// filters of the admission pipeline and the per-request context they
// thread through it.
package middleware

import (
	"net"
	"net/http"
	"strings"
)

// Trusted proxy headers in fixed priority order.
const (
	headerWLProxyClientIP = "WL-Proxy-Client-IP"
	headerXForwardedFor   = "X-Forwarded-For"
	headerXRealIP         = "X-Real-IP"
)

// ClientIP derives the client address from trusted proxy headers, falling
// back to the transport-level remote address. X-Forwarded-For yields its
// first (left-most) entry, the original client as seen by the edge proxy.
func ClientIP(r *http.Request) string {
	if ip := headerValue(r, headerWLProxyClientIP); ip != "" {
		return ip
	}

	if xff := headerValue(r, headerXForwardedFor); xff != "" {
		first := strings.TrimSpace(strings.Split(xff, ",")[0])
		if first != "" {
			return first
		}
	}

	if ip := headerValue(r, headerXRealIP); ip != "" {
		return ip
	}

	return stripPort(r.RemoteAddr)
}

// headerValue returns a header value, filtering the "unknown" placeholder
// some proxies insert.
func headerValue(r *http.Request, name string) string {
	value := strings.TrimSpace(r.Header.Get(name))
	if strings.EqualFold(value, "unknown") {
		return ""
	}
	return value
}

// stripPort removes the port from an address string. Handles both IPv4
// ("192.168.1.1:8080") and IPv6 ("[::1]:8080") formats.
func stripPort(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		// No port present or invalid format, return as-is
		return addr
	}
	return host
}
