package proxy

import (
	"net"
	"net/http"
	"net/http/cookiejar"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/publicsuffix"
)

// clientKeyHeader lets a client pin its cookie jar across addresses.
const clientKeyHeader = "X-Focus-Client"

const jarIdleTTL = 30 * time.Minute

type clientJar struct {
	jar  http.CookieJar
	used time.Time
}

// cookieJarStore keeps one upstream cookie jar per client. Jars idle for
// longer than idle are dropped on the next lookup.
type cookieJarStore struct {
	mu   sync.Mutex
	now  func() time.Time
	idle time.Duration
	jars map[string]*clientJar
}

func newCookieJarStore(now func() time.Time) *cookieJarStore {
	if now == nil {
		now = time.Now
	}
	return &cookieJarStore{now: now, idle: jarIdleTTL, jars: make(map[string]*clientJar)}
}

// Get returns the jar for client key, creating it on first use. Jars scope
// cookies by registrable domain.
func (s *cookieJarStore) Get(key string) http.CookieJar {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for k, cj := range s.jars {
		if k != key && now.Sub(cj.used) > s.idle {
			delete(s.jars, k)
		}
	}
	if cj, ok := s.jars[key]; ok {
		cj.used = now
		return cj.jar
	}
	jar, _ := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	s.jars[key] = &clientJar{jar: jar, used: now}
	return jar
}

func (s *cookieJarStore) size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jars)
}

// deriveClientKey identifies the caller for cookie isolation: the
// X-Focus-Client header when present, else remote host plus user agent.
func deriveClientKey(r *http.Request) string {
	if v := strings.TrimSpace(r.Header.Get(clientKeyHeader)); v != "" {
		return v
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil || host == "" {
		host = r.RemoteAddr
	}
	return host + "|" + r.UserAgent()
}
