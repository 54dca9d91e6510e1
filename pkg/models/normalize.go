package models

import (
	"errors"
	"fmt"
	"net/netip"
	"strings"
)

var ErrInvalidInput = errors.New("invalid input")

// NormalizeDomain canonicalizes a domain string: trimmed, lowercased,
// scheme and leading "www." stripped, trailing dot and any path
// component removed. Idempotent.
func NormalizeDomain(domain string) string {
	d := strings.ToLower(strings.TrimSpace(domain))
	d = strings.TrimPrefix(d, "https://")
	d = strings.TrimPrefix(d, "http://")
	d = strings.TrimPrefix(d, "www.")
	if i := strings.IndexAny(d, "/?#"); i >= 0 {
		d = d[:i]
	}
	return strings.TrimSuffix(d, ".")
}

// ValidateClientIP parses and normalizes a client address. Loopback
// and unspecified addresses are rejected: enforcement is IP-keyed, so
// a client must present a real routed address. IPv4-mapped IPv6
// addresses are unmapped so the same client always normalizes to one
// textual form.
func ValidateClientIP(raw string) (string, error) {
	addr, err := netip.ParseAddr(strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("%w: unparseable client ip %q", ErrInvalidInput, raw)
	}
	addr = addr.Unmap()
	if addr.IsLoopback() || addr.IsUnspecified() {
		return "", fmt.Errorf("%w: client ip %s is not a routed address", ErrInvalidInput, addr)
	}
	return addr.String(), nil
}

// HostBits returns the single-host prefix length for ip, 32 or 128.
func HostBits(ip string) int {
	addr, err := netip.ParseAddr(ip)
	if err == nil && addr.Unmap().Is4() {
		return 32
	}
	return 128
}
