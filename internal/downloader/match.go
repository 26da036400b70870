package downloader

import (
	"net/url"
	"strings"
)

// Matcher is a case-insensitive predicate over a URL built from a domain list
// and substring patterns.
type Matcher struct {
	Domains  []string
	Patterns []string
}

// MatchDomain reports whether the URL's host is, or is a subdomain of, one of
// the domains.
func (m Matcher) MatchDomain(rawURL string) bool {
	host := Host(rawURL)
	if host == "" {
		return false
	}
	for _, d := range m.Domains {
		d = strings.ToLower(d)
		if host == d || strings.HasSuffix(host, "."+d) {
			return true
		}
	}
	return false
}

// MatchPattern reports whether any pattern occurs in the lowercased URL.
func (m Matcher) MatchPattern(rawURL string) bool {
	lower := strings.ToLower(rawURL)
	for _, p := range m.Patterns {
		if strings.Contains(lower, strings.ToLower(p)) {
			return true
		}
	}
	return false
}

// Match reports a domain or pattern hit.
func (m Matcher) Match(rawURL string) bool {
	return m.MatchDomain(rawURL) || m.MatchPattern(rawURL)
}

// Host returns the lowercased host of rawURL without a leading "www.".
func Host(rawURL string) string {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return ""
	}
	return strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
}
