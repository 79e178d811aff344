package transport

import (
	"net"
	"net/http"
	"net/url"
	"strings"
)

// HostGuard validates Host and Origin headers against allow-lists to defend
// against DNS-rebinding attacks. The zero-config default admits loopback
// hosts only.
type HostGuard struct {
	allowedHosts   []string // host or host:port patterns
	allowedOrigins []string // full origin URIs
	disabled       bool
}

// NewHostGuard builds a guard. Empty lists fall back to loopback-only.
func NewHostGuard(hosts, origins []string) *HostGuard {
	return &HostGuard{
		allowedHosts:   hosts,
		allowedOrigins: origins,
	}
}

// Check validates the request's Host and Origin. A false verdict must be
// answered with 403.
func (g *HostGuard) Check(r *http.Request) bool {
	if g == nil || g.disabled {
		return true
	}
	if !g.hostAllowed(r.Host) {
		return false
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true // non-browser client
	}
	return g.originAllowed(origin)
}

// hostAllowed matches the Host header against the allow-list, or loopback
// when the list is empty.
func (g *HostGuard) hostAllowed(host string) bool {
	if host == "" {
		return false
	}
	if len(g.allowedHosts) == 0 {
		return isLoopbackHost(host)
	}
	for _, pattern := range g.allowedHosts {
		if matchHostPattern(pattern, host) {
			return true
		}
	}
	return false
}

// originAllowed matches the Origin header against the allow-list, or a
// loopback origin when the list is empty.
func (g *HostGuard) originAllowed(origin string) bool {
	if len(g.allowedOrigins) == 0 {
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		return isLoopbackHost(u.Host)
	}
	for _, allowed := range g.allowedOrigins {
		if strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

// matchHostPattern compares host[:port] patterns; a pattern without a port
// matches any port.
func matchHostPattern(pattern, host string) bool {
	if strings.EqualFold(pattern, host) {
		return true
	}
	if !strings.Contains(pattern, ":") {
		h, _, err := net.SplitHostPort(host)
		if err != nil {
			return false
		}
		return strings.EqualFold(pattern, h)
	}
	return false
}

// isLoopbackHost reports whether host[:port] resolves lexically to loopback.
func isLoopbackHost(host string) bool {
	h, _, err := net.SplitHostPort(host)
	if err != nil {
		h = host
	}
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(strings.Trim(h, "[]"))
	return ip != nil && ip.IsLoopback()
}
