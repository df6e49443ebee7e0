package security

import (
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
)

// GetClientIP extracts the real client IP address from the request.
// Supports X-Forwarded-For and X-Real-IP headers when behind a proxy.
// Only enable trustProxy when behind a trusted reverse proxy, otherwise the
// headers can be spoofed to defeat per-IP rate limiting.
func GetClientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			// Leftmost entry is the original client.
			first := strings.TrimSpace(strings.Split(xff, ",")[0])
			if net.ParseIP(first) != nil {
				return first
			}
		}
		if xri := r.Header.Get("X-Real-IP"); xri != "" {
			if net.ParseIP(xri) != nil {
				return xri
			}
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// IsPrivateIP reports whether an IP address is in a loopback, link-local,
// private, or otherwise non-routable range. Used for SSRF protection when
// fetching client metadata documents.
func IsPrivateIP(ip net.IP) bool {
	if ip.IsLoopback() || ip.IsUnspecified() {
		return true
	}
	if ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() {
		return true
	}
	if ip.IsPrivate() {
		return true
	}
	// Unique local IPv6 addresses (fc00::/7)
	if v6 := ip.To16(); v6 != nil && ip.To4() == nil && (v6[0]&0xfe) == 0xfc {
		return true
	}
	return false
}

// ResolveSafeAddr validates an external HTTPS URL against SSRF risks and
// returns an address safe to dial. The hostname is resolved once and every
// resolved IP is checked; callers must connect to the returned IP directly
// (keeping the original hostname for TLS) so a second DNS answer cannot
// redirect the request to an internal address.
func ResolveSafeAddr(rawURL string) (host, dialAddr string, err error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", "", fmt.Errorf("invalid URL: %w", err)
	}
	if u.Scheme != "https" {
		return "", "", fmt.Errorf("URL must use HTTPS, got: %s", u.Scheme)
	}

	hostname := u.Hostname()
	if hostname == "" {
		return "", "", fmt.Errorf("URL has no hostname")
	}

	port := u.Port()
	if port == "" {
		port = "443"
	}

	// Literal IPs skip DNS but still get range checks.
	if ip := net.ParseIP(hostname); ip != nil {
		if IsPrivateIP(ip) {
			return "", "", fmt.Errorf("URL points to private/internal IP address: %s", ip)
		}
		return hostname, net.JoinHostPort(hostname, port), nil
	}

	ips, err := net.LookupIP(hostname)
	if err != nil {
		return "", "", fmt.Errorf("failed to resolve hostname %s: %w", hostname, err)
	}
	if len(ips) == 0 {
		return "", "", fmt.Errorf("hostname %s resolved to no addresses", hostname)
	}

	for _, ip := range ips {
		if IsPrivateIP(ip) {
			return "", "", fmt.Errorf("URL resolves to private/internal IP address: %s -> %s", hostname, ip)
		}
	}

	return hostname, net.JoinHostPort(ips[0].String(), port), nil
}
