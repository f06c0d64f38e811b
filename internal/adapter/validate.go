package adapter

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"
)

// shellUnsafe matches characters that could be used for shell injection.
var shellUnsafe = regexp.MustCompile(`[;&|$` + "`" + `\\'"(){}<>\n\r!#~]`)

// sanitizeArg strips shell metacharacters and null bytes from a value taken
// from a detection before it reaches a command line or subject.
func sanitizeArg(s string) string {
	s = strings.ReplaceAll(s, "\x00", "")
	s = shellUnsafe.ReplaceAllString(s, "_")
	if len(s) > 256 {
		s = s[:256]
	}
	return s
}

// validateEndpointURL checks that a connector URL is http(s) and, unless
// allowPrivate is set, does not point at a private or loopback address.
func validateEndpointURL(rawURL string, allowPrivate bool) error {
	if rawURL == "" {
		return fmt.Errorf("connector URL is empty")
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid connector URL %q: %w", rawURL, err)
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return fmt.Errorf("connector URL must use http or https scheme, got %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("connector URL has no host: %q", rawURL)
	}
	if !allowPrivate && isPrivateHost(u.Hostname()) {
		return fmt.Errorf("connector URL must not point to private or loopback addresses: %q", u.Hostname())
	}
	return nil
}

// isPrivateHost returns true if the host is a loopback, private, or link-local address.
func isPrivateHost(host string) bool {
	lower := strings.ToLower(host)
	if lower == "localhost" || lower == "127.0.0.1" || lower == "::1" || strings.HasSuffix(lower, ".local") {
		return true
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	return ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast()
}

// validateIPAddress rejects addresses that must never be blocked.
func validateIPAddress(ip string) error {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return fmt.Errorf("invalid IP address: %q", ip)
	}
	if parsed.IsUnspecified() {
		return fmt.Errorf("cannot target unspecified address: %q", ip)
	}
	if parsed.IsMulticast() {
		return fmt.Errorf("cannot target multicast address: %q", ip)
	}
	if parsed.IsLoopback() {
		return fmt.Errorf("cannot target loopback address: %q", ip)
	}
	if parsed.Equal(net.IPv4bcast) {
		return fmt.Errorf("cannot target broadcast address: %q", ip)
	}
	return nil
}

// newHTTPClient returns a client that refuses redirects and, unless
// allowPrivate is set, refuses to dial names resolving to private addresses.
func newHTTPClient(timeout time.Duration, allowPrivate bool) *http.Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	client := &http.Client{
		Timeout: timeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return fmt.Errorf("connector redirects are disabled")
		},
	}
	if allowPrivate {
		return client
	}
	dialer := &net.Dialer{Timeout: 5 * time.Second}
	client.Transport = &http.Transport{
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			host, _, err := net.SplitHostPort(addr)
			if err != nil {
				return nil, err
			}
			ips, err := net.DefaultResolver.LookupIPAddr(ctx, host)
			if err != nil {
				return nil, fmt.Errorf("DNS resolution failed for %s: %w", host, err)
			}
			for _, ip := range ips {
				if ip.IP.IsLoopback() || ip.IP.IsPrivate() || ip.IP.IsLinkLocalUnicast() || ip.IP.IsLinkLocalMulticast() {
					return nil, fmt.Errorf("connector resolved to private/loopback IP %s (DNS rebinding blocked)", ip.IP)
				}
			}
			return dialer.DialContext(ctx, network, addr)
		},
	}
	return client
}
