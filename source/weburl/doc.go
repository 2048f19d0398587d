// Package weburl decides which web sources may be offered and fetched.
//
// # URL Validation
//
// Policy.Validate checks a URL before the local fetcher requests it:
//
//   - Requires HTTPS (plain HTTP only with AllowHTTP)
//   - Blocks localhost variants and .local / .internal domains
//   - Blocks private IP ranges (RFC 1918, CGNAT, link-local, unique local)
//
// Hostnames are checked again after DNS resolution by the fetcher's dialer,
// which closes the rebinding gap a string check leaves open.
//
// # Exclusion
//
// Filter drops search results before they are offered for selection:
//
//	f, err := weburl.NewFilter([]string{"*.pinterest.com", "example.com/ads/**"})
//	if err != nil {
//	    return err
//	}
//	f.Excluded("https://www.pinterest.com/pin/1") // true
package weburl
