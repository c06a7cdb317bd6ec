package security

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"net/url"
	"strings"
)

var (
	ErrPrivateIP     = errors.New("URL resolves to private IP address")
	ErrUntrustedHost = errors.New("URL host is not trusted")
	ErrInvalidScheme = errors.New("URL scheme is not allowed")

	reservedPrefixes = []netip.Prefix{
		netip.MustParsePrefix("0.0.0.0/8"),
		netip.MustParsePrefix("100.64.0.0/10"),
		netip.MustParsePrefix("192.0.0.0/24"),
		netip.MustParsePrefix("192.0.2.0/24"),
		netip.MustParsePrefix("198.51.100.0/24"),
		netip.MustParsePrefix("203.0.113.0/24"),
		netip.MustParsePrefix("224.0.0.0/4"),
		netip.MustParsePrefix("240.0.0.0/4"),
	}
)

// URLPolicy decides which asset URLs may be downloaded. Hosts listed in
// TrustedHosts (the backend and the blob server) may be private or loopback;
// every other host must be public unless AllowPrivate is set.
type URLPolicy struct {
	TrustedHosts []string
	AllowPrivate bool
	AllowFile    bool
	// Strict rejects any host outside TrustedHosts.
	Strict bool
}

// TrustURL adds the host of rawURL to the trusted set. Invalid URLs are
// ignored.
func (p *URLPolicy) TrustURL(rawURL string) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return
	}
	p.TrustedHosts = append(p.TrustedHosts, u.Hostname())
}

func (p URLPolicy) Validate(rawURL string) error {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}

	switch parsed.Scheme {
	case "http", "https":
	case "file":
		if p.AllowFile {
			return nil
		}
		return ErrInvalidScheme
	default:
		return ErrInvalidScheme
	}

	host := parsed.Hostname()
	if host == "" {
		return fmt.Errorf("invalid URL: missing host")
	}
	if p.isTrusted(host) {
		return nil
	}
	if p.Strict {
		return ErrUntrustedHost
	}
	if p.AllowPrivate {
		return nil
	}
	return validateHostIP(host)
}

func (p URLPolicy) isTrusted(host string) bool {
	host = strings.ToLower(host)
	for _, trusted := range p.TrustedHosts {
		trusted = strings.ToLower(trusted)
		if host == trusted || strings.HasSuffix(host, "."+trusted) {
			return true
		}
	}
	return false
}

func validateHostIP(host string) error {
	if ip := net.ParseIP(host); ip != nil {
		if isPrivateIP(ip) {
			return ErrPrivateIP
		}
		return nil
	}

	ips, err := net.LookupIP(host)
	if err != nil {
		return nil
	}
	for _, ip := range ips {
		if isPrivateIP(ip) {
			return ErrPrivateIP
		}
	}
	return nil
}

func isPrivateIP(ip net.IP) bool {
	if ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() ||
		ip.IsPrivate() || ip.IsUnspecified() {
		return true
	}

	addr, ok := netip.AddrFromSlice(ip)
	if !ok {
		return false
	}
	addr = addr.Unmap()
	for _, p := range reservedPrefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}
