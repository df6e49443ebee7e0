package security

import (
	"net"
	"net/http/httptest"
	"testing"
)

func TestGetClientIP(t *testing.T) {
	tests := []struct {
		name       string
		remoteAddr string
		xff        string
		trustProxy bool
		want       string
	}{
		{
			name:       "direct connection",
			remoteAddr: "203.0.113.7:51234",
			want:       "203.0.113.7",
		},
		{
			name:       "xff ignored when proxy untrusted",
			remoteAddr: "203.0.113.7:51234",
			xff:        "198.51.100.1",
			want:       "203.0.113.7",
		},
		{
			name:       "xff used when proxy trusted",
			remoteAddr: "10.0.0.1:443",
			xff:        "198.51.100.1, 10.0.0.1",
			trustProxy: true,
			want:       "198.51.100.1",
		},
		{
			name:       "invalid xff falls back to remote addr",
			remoteAddr: "203.0.113.7:51234",
			xff:        "not-an-ip",
			trustProxy: true,
			want:       "203.0.113.7",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/", nil)
			r.RemoteAddr = tt.remoteAddr
			if tt.xff != "" {
				r.Header.Set("X-Forwarded-For", tt.xff)
			}

			if got := GetClientIP(r, tt.trustProxy); got != tt.want {
				t.Errorf("GetClientIP() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestIsPrivateIP(t *testing.T) {
	tests := []struct {
		ip   string
		want bool
	}{
		{"127.0.0.1", true},
		{"::1", true},
		{"10.1.2.3", true},
		{"172.16.0.1", true},
		{"172.31.255.255", true},
		{"192.168.1.1", true},
		{"169.254.10.10", true},
		{"fc00::1", true},
		{"fd12:3456::1", true},
		{"0.0.0.0", true},
		{"8.8.8.8", false},
		{"203.0.113.7", false},
		{"2001:4860:4860::8888", false},
	}

	for _, tt := range tests {
		t.Run(tt.ip, func(t *testing.T) {
			ip := net.ParseIP(tt.ip)
			if ip == nil {
				t.Fatalf("failed to parse IP %q", tt.ip)
			}
			if got := IsPrivateIP(ip); got != tt.want {
				t.Errorf("IsPrivateIP(%s) = %v, want %v", tt.ip, got, tt.want)
			}
		})
	}
}

func TestResolveSafeAddr_RejectsHTTP(t *testing.T) {
	_, _, err := ResolveSafeAddr("http://example.com/client")
	if err == nil {
		t.Error("ResolveSafeAddr() should reject non-HTTPS URLs")
	}
}

func TestResolveSafeAddr_RejectsPrivateLiteral(t *testing.T) {
	for _, raw := range []string{
		"https://127.0.0.1/client",
		"https://10.0.0.5/client",
		"https://192.168.1.1:8443/client",
		"https://[::1]/client",
	} {
		if _, _, err := ResolveSafeAddr(raw); err == nil {
			t.Errorf("ResolveSafeAddr(%q) should reject private address", raw)
		}
	}
}

func TestResolveSafeAddr_PublicLiteral(t *testing.T) {
	host, addr, err := ResolveSafeAddr("https://203.0.113.7/client")
	if err != nil {
		t.Fatalf("ResolveSafeAddr() error = %v", err)
	}
	if host != "203.0.113.7" {
		t.Errorf("host = %q, want %q", host, "203.0.113.7")
	}
	if addr != "203.0.113.7:443" {
		t.Errorf("dialAddr = %q, want %q", addr, "203.0.113.7:443")
	}
}
