package toolexec

import (
	"fmt"
	"os"
	"sort"
	"strings"
)

// WriteCookieFile writes cookies in the Netscape format understood by
// yt-dlp and gallery-dl, scoped to the registrable part of host.
func WriteCookieFile(path string, host string, cookies map[string]string) error {
	var b strings.Builder
	b.WriteString("# Netscape HTTP Cookie File\n")
	domain := cookieDomain(host)
	names := make([]string, 0, len(cookies))
	for name := range cookies {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(&b, "%s\tTRUE\t/\tTRUE\t0\t%s\t%s\n", domain, name, cookies[name])
	}
	if err := os.WriteFile(path, []byte(b.String()), 0o600); err != nil {
		return fmt.Errorf("write cookie file: %w", err)
	}
	return nil
}

// CookieHeader renders cookies as a Cookie request header value.
func CookieHeader(cookies map[string]string) string {
	names := make([]string, 0, len(cookies))
	for name := range cookies {
		names = append(names, name)
	}
	sort.Strings(names)
	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, name+"="+cookies[name])
	}
	return strings.Join(parts, "; ")
}

func cookieDomain(host string) string {
	labels := strings.Split(strings.Trim(host, "."), ".")
	if len(labels) > 2 {
		labels = labels[len(labels)-2:]
	}
	return "." + strings.Join(labels, ".")
}
