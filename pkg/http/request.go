package http

import (
	"net"
	"net/http"
	"strings"
)

// IPConfig controls which peers are allowed to assert a client address via
// forwarding headers.
type IPConfig struct {
	TrustedProxies []string // CIDR ranges of trusted proxies
}

// ExtractClientIP resolves the real client address for a request. Forwarding
// headers (X-Forwarded-For, then X-Real-IP) are honored only when the direct
// peer is inside a trusted proxy range; anything a random client sends in
// those headers is ignored. The result feeds the restriction matcher and the
// rate limiter, so spoofability here would undermine both.
func ExtractClientIP(r *http.Request, config *IPConfig) string {
	peer := peerAddress(r)

	if config == nil || !withinTrustedProxies(peer, config.TrustedProxies) {
		return peer
	}

	// First parseable hop in the forwarded chain wins.
	for _, hop := range strings.Split(r.Header.Get("X-Forwarded-For"), ",") {
		hop = strings.TrimSpace(hop)
		if hop != "" && net.ParseIP(hop) != nil {
			return hop
		}
	}

	if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); net.ParseIP(xri) != nil {
		return xri
	}

	return peer
}

// peerAddress strips the port from RemoteAddr when one is present.
func peerAddress(r *http.Request) string {
	if r.RemoteAddr == "" {
		return "unknown"
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

func withinTrustedProxies(addr string, trustedProxies []string) bool {
	ip := net.ParseIP(addr)
	if ip == nil {
		return false
	}

	for _, cidr := range trustedProxies {
		_, network, err := net.ParseCIDR(cidr)
		if err != nil {
			continue
		}
		if network.Contains(ip) {
			return true
		}
	}
	return false
}
