package license

import (
	"net/url"
	"strings"
)

// MetaKey derives the binding metadata key for a caller site and product
// slug, e.g. "https://www.buyer.example" + "pro-plugin" →
// "buyerexample-pro-plugin".
func MetaKey(siteURL, productSlug string) string {
	return HostSlug(siteURL) + "-" + productSlug
}

// LegacyMetaKey is the retired key format still read for migration.
func LegacyMetaKey(siteURL string) string {
	return "data-" + HostSlug(siteURL)
}

// HostSlug reduces a site URL to a key-safe hostname token: host only,
// lower-cased, strict "www." prefix removed, then every character outside
// [a-z0-9_-] dropped.
func HostSlug(siteURL string) string {
	host := siteURL
	if u, err := url.Parse(siteURL); err == nil && u.Host != "" {
		host = u.Host
	}
	if i := strings.IndexByte(host, ':'); i >= 0 {
		host = host[:i]
	}

	host = strings.ToLower(host)
	host = strings.TrimPrefix(host, "www.")

	var b strings.Builder
	for _, r := range host {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		}
	}
	return b.String()
}
