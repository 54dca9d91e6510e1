package httpx

import (
	"net"
	"net/http"
	"net/netip"
	"strings"
)

// ClientIPResolver decides which IP a request is really from. Forwarded
// headers are honored only when the direct peer is inside one of the
// trusted proxy CIDRs, otherwise a spoofed X-Forwarded-For would let a
// client open network access for someone else's address.
type ClientIPResolver struct {
	trusted []netip.Prefix
}

func NewClientIPResolver(cidrs string) *ClientIPResolver {
	r := &ClientIPResolver{}
	for _, part := range strings.Split(cidrs, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if p, err := netip.ParsePrefix(part); err == nil {
			r.trusted = append(r.trusted, p)
		}
	}
	return r
}

// ClientIP returns the caller's IP as a string, without port.
func (r *ClientIPResolver) ClientIP(req *http.Request) string {
	peer := remoteAddr(req)
	if !r.isTrusted(peer) {
		return peer
	}
	if fwd := strings.TrimSpace(req.Header.Get("X-Forwarded-For")); fwd != "" {
		// First hop is the original client.
		first := strings.TrimSpace(strings.Split(fwd, ",")[0])
		if _, err := netip.ParseAddr(first); err == nil {
			return first
		}
	}
	if real := strings.TrimSpace(req.Header.Get("X-Real-IP")); real != "" {
		if _, err := netip.ParseAddr(real); err == nil {
			return real
		}
	}
	return peer
}

func (r *ClientIPResolver) isTrusted(ip string) bool {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	for _, p := range r.trusted {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

func remoteAddr(req *http.Request) string {
	host, _, err := net.SplitHostPort(req.RemoteAddr)
	if err != nil {
		return req.RemoteAddr
	}
	return host
}
