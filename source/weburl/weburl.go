// Package weburl decides which web sources may be offered and fetched. It
// implements SSRF prevention including private IP detection, and a glob
// exclusion filter over search result links.
package weburl

import (
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// Pre-compiled CIDR networks for reserved ranges the net package does not
// classify.
var (
	cgnat    *net.IPNet // 100.64.0.0/10 - Carrier-grade NAT
	v6unique *net.IPNet // fc00::/7 - IPv6 unique local
	v6link   *net.IPNet // fe80::/10 - IPv6 link-local
)

func init() {
	cgnat = mustCIDR("100.64.0.0/10")
	v6unique = mustCIDR("fc00::/7")
	v6link = mustCIDR("fe80::/10")
}

func mustCIDR(s string) *net.IPNet {
	_, n, err := net.ParseCIDR(s)
	if err != nil {
		panic("invalid CIDR " + s + ": " + err.Error())
	}
	return n
}

// Policy is the set of rules a source URL must satisfy before it is fetched.
type Policy struct {
	// AllowHTTP admits plain http in addition to https.
	AllowHTTP bool
}

// ValidateURL checks rawURL against the default policy: HTTPS only, no
// localhost, local domains or private addresses.
func ValidateURL(rawURL string) error {
	return Policy{}.Validate(rawURL)
}

// Validate checks rawURL against the policy.
func (p Policy) Validate(rawURL string) error {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}

	switch parsed.Scheme {
	case "https":
	case "http":
		if !p.AllowHTTP {
			return fmt.Errorf("only HTTPS URLs are allowed")
		}
	default:
		return fmt.Errorf("unsupported URL scheme %q", parsed.Scheme)
	}

	host := strings.ToLower(parsed.Hostname())
	if host == "" {
		return fmt.Errorf("URL has no host")
	}
	if host == "localhost" || strings.HasSuffix(host, ".localhost") {
		return fmt.Errorf("localhost URLs are not allowed")
	}
	if strings.HasSuffix(host, ".local") || strings.HasSuffix(host, ".internal") {
		return fmt.Errorf("local domain URLs are not allowed")
	}
	if ip := net.ParseIP(host); ip != nil && IsPrivateIP(ip) {
		return fmt.Errorf("private IP addresses are not allowed")
	}
	return nil
}

// IsPrivateIP checks if an IP is in private or reserved ranges, including
// IPv6-mapped IPv4 addresses.
func IsPrivateIP(ip net.IP) bool {
	if v4 := ip.To4(); v4 != nil {
		ip = v4
	}
	if ip.IsLoopback() || ip.IsPrivate() || ip.IsUnspecified() ||
		ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() {
		return true
	}
	return cgnat.Contains(ip) || v6unique.Contains(ip) || v6link.Contains(ip)
}

// Filter excludes links matching any of a set of doublestar patterns.
//
// A pattern containing "/" is matched against "host/path" (host lower-cased,
// no scheme, no leading slash on the path); a pattern without one is matched
// against the host alone. So "*.pinterest.com" drops every pinterest
// subdomain and "example.com/ads/**" drops one subtree.
type Filter struct {
	patterns []string
}

// NewFilter validates patterns and returns a Filter. A nil or empty list
// excludes nothing.
func NewFilter(patterns []string) (*Filter, error) {
	f := &Filter{}
	for _, p := range patterns {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if !doublestar.ValidatePattern(p) {
			return nil, fmt.Errorf("invalid exclude pattern %q", p)
		}
		f.patterns = append(f.patterns, strings.ToLower(p))
	}
	return f, nil
}

// Patterns returns the active patterns.
func (f *Filter) Patterns() []string {
	return append([]string(nil), f.patterns...)
}

// Excluded reports whether link matches an exclude pattern. Links that do not
// parse as absolute URLs are always excluded.
func (f *Filter) Excluded(link string) bool {
	parsed, err := url.Parse(link)
	if err != nil || parsed.Hostname() == "" {
		return true
	}
	host := strings.ToLower(parsed.Hostname())
	full := host + "/" + strings.TrimPrefix(parsed.EscapedPath(), "/")

	for _, p := range f.patterns {
		target := host
		if strings.Contains(p, "/") {
			target = full
		}
		if ok, _ := doublestar.Match(p, target); ok {
			return true
		}
	}
	return false
}
