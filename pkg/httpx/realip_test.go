package httpx

import (
	"net/http/httptest"
	"testing"
)

func TestClientIPWithoutTrustedProxies(t *testing.T) {
	r := NewClientIPResolver("")
	req := httptest.NewRequest("GET", "/", nil)
	req.RemoteAddr = "10.0.0.5:41822"
	req.Header.Set("X-Forwarded-For", "203.0.113.9")
	if got := r.ClientIP(req); got != "10.0.0.5" {
		t.Fatalf("forwarded header from untrusted peer must be ignored, got %q", got)
	}
}

func TestClientIPBehindTrustedProxy(t *testing.T) {
	r := NewClientIPResolver("192.168.1.0/24")
	req := httptest.NewRequest("GET", "/", nil)
	req.RemoteAddr = "192.168.1.2:443"
	req.Header.Set("X-Forwarded-For", "10.0.0.5, 192.168.1.2")
	if got := r.ClientIP(req); got != "10.0.0.5" {
		t.Fatalf("expected first forwarded hop, got %q", got)
	}

	req = httptest.NewRequest("GET", "/", nil)
	req.RemoteAddr = "192.168.1.2:443"
	req.Header.Set("X-Real-IP", "10.0.0.7")
	if got := r.ClientIP(req); got != "10.0.0.7" {
		t.Fatalf("expected X-Real-IP, got %q", got)
	}
}

func TestClientIPGarbageHeaderFallsBack(t *testing.T) {
	r := NewClientIPResolver("192.168.1.0/24")
	req := httptest.NewRequest("GET", "/", nil)
	req.RemoteAddr = "192.168.1.2:443"
	req.Header.Set("X-Forwarded-For", "not-an-ip")
	if got := r.ClientIP(req); got != "192.168.1.2" {
		t.Fatalf("garbage header must fall back to peer, got %q", got)
	}
}

func TestClientIPNoPort(t *testing.T) {
	r := NewClientIPResolver("")
	req := httptest.NewRequest("GET", "/", nil)
	req.RemoteAddr = "10.0.0.5"
	if got := r.ClientIP(req); got != "10.0.0.5" {
		t.Fatalf("got %q", got)
	}
}
