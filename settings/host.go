package settings

import (
	"net"
	"net/url"
	"strings"
)

// NormalizeHost turns a hostname or URL into a site identifier: lowercase,
// without port or trailing dot. Unparseable input yields "".
func NormalizeHost(raw string) string {
	s := strings.TrimSpace(raw)
	if s == "" {
		return ""
	}
	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return ""
		}
		s = u.Hostname()
	} else if h, _, err := net.SplitHostPort(s); err == nil {
		s = h
	} else if i := strings.IndexAny(s, "/?#"); i >= 0 {
		s = s[:i]
	}
	s = strings.Trim(s, "[]")
	return strings.TrimSuffix(strings.ToLower(s), ".")
}
