package httputil

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/almazom/kmi-gateway/infrastructure/runtime"
)

// BaseURLOptions configures NormalizeBaseURL.
type BaseURLOptions struct {
	// RequireHTTPSInProduction enforces https URLs whenever runtime.IsProduction()
	// is true, for every host.
	RequireHTTPSInProduction bool

	// AllowedHosts restricts the base URL's host to an explicit allowlist.
	// Entries of the form "*.example.com" match any subdomain of example.com.
	// An empty allowlist permits any host.
	AllowedHosts []string
}

// NormalizeBaseURL normalizes and validates a base URL used for upstream calls.
//
// It trims whitespace, removes trailing slashes, validates scheme/host, disallows
// user info and query/fragment components, optionally enforces https in
// production, and optionally restricts the host to an allowlist.
func NormalizeBaseURL(raw string, opts BaseURLOptions) (string, *url.URL, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(raw), "/")
	if baseURL == "" {
		return "", nil, fmt.Errorf("base URL is required")
	}

	parsed, err := url.Parse(baseURL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return "", nil, fmt.Errorf("base URL must be a valid URL")
	}
	if parsed.User != nil {
		return "", nil, fmt.Errorf("base URL must not include user info")
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return "", nil, fmt.Errorf("base URL scheme must be http or https")
	}
	if parsed.RawQuery != "" || parsed.Fragment != "" {
		return "", nil, fmt.Errorf("base URL must not include query or fragment")
	}
	if opts.RequireHTTPSInProduction && runtime.IsProduction() && parsed.Scheme != "https" {
		return "", nil, fmt.Errorf("base URL must use https in production")
	}
	if len(opts.AllowedHosts) > 0 && !HostAllowed(parsed.Hostname(), opts.AllowedHosts) {
		return "", nil, fmt.Errorf("base URL host %q is not in the allowlist", parsed.Hostname())
	}

	return baseURL, parsed, nil
}

// HostAllowed reports whether host matches any entry in allowlist. An entry
// of the form "*.example.com" matches any proper subdomain of example.com as
// well as example.com itself; other entries require an exact, case-insensitive
// match.
func HostAllowed(host string, allowlist []string) bool {
	host = strings.ToLower(strings.TrimSpace(host))
	if host == "" {
		return false
	}

	for _, entry := range allowlist {
		entry = strings.ToLower(strings.TrimSpace(entry))
		if entry == "" {
			continue
		}
		if strings.HasPrefix(entry, "*.") {
			suffix := entry[1:] // ".example.com"
			base := entry[2:]   // "example.com"
			if host == base || strings.HasSuffix(host, suffix) {
				return true
			}
			continue
		}
		if host == entry {
			return true
		}
	}
	return false
}

// NormalizeUpstreamBaseURL is the standard normalization used for the
// upstream chat-completion API base URL. It enforces https in production
// and, when allowedHosts is non-empty, restricts the host to that allowlist.
func NormalizeUpstreamBaseURL(raw string, allowedHosts []string) (string, *url.URL, error) {
	return NormalizeBaseURL(raw, BaseURLOptions{
		RequireHTTPSInProduction: true,
		AllowedHosts:             allowedHosts,
	})
}
