package proxy

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestNormalizeTarget(t *testing.T) {
	t.Parallel()
	cases := []struct {
		in   string
		want string
		ok   bool
	}{
		{"https://example.com/a?b=1", "https://example.com/a?b=1", true},
		{"  example.com/path ", "http://example.com/path", true},
		{"HTTP://Example.com", "http://Example.com", true},
		{"ftp://example.com", "", false},
		{"", "", false},
		{"http://", "", false},
	}
	for _, tc := range cases {
		got, ok := normalizeTarget(tc.in)
		if ok != tc.ok || got != tc.want {
			t.Fatalf("normalizeTarget(%q) = (%q,%v), want (%q,%v)", tc.in, got, ok, tc.want, tc.ok)
		}
	}
}

func TestDeriveClientKey(t *testing.T) {
	t.Parallel()
	r := httptest.NewRequest(http.MethodGet, "http://focus/fetch", nil)
	r.RemoteAddr = "10.0.0.1:5555"
	r.Header.Set("User-Agent", "ua")
	if got := deriveClientKey(r); got != "10.0.0.1|ua" {
		t.Fatalf("deriveClientKey = %q, want %q", got, "10.0.0.1|ua")
	}
	r.Header.Set(clientKeyHeader, "pinned")
	if got := deriveClientKey(r); got != "pinned" {
		t.Fatalf("deriveClientKey = %q, want pinned", got)
	}

}

func TestCookieJarStore(t *testing.T) {
	t.Parallel()
	now := time.Unix(0, 0)
	jars := newCookieJarStore(func() time.Time { return now })
	a := jars.Get("a")
	if a != jars.Get("a") || a == jars.Get("b") {
		t.Fatalf("cookie jars are not kept per client key")
	}
	now = now.Add(jarIdleTTL + time.Second)
	jars.Get("b")
	if n := jars.size(); n != 1 {
		t.Fatalf("size after idle sweep = %d, want 1", n)
	}
	if jars.Get("a") == a {
		t.Fatalf("idle jar was reused")
	}
}

func TestPageCacheTTL(t *testing.T) {
	t.Parallel()
	now := time.Unix(1000, 0)
	c := newPageCache(time.Minute, func() time.Time { return now })
	c.Store("http://a/", ModeHTTP, &upstreamDocument{URL: "http://a/", Status: 200, Body: []byte("x")})
	c.Store("http://b/", ModeHTTP, &upstreamDocument{URL: "http://b/", Status: 500, Body: []byte("x")})

	doc, ok := c.Select("http://a/", ModeHTTP)
	if !ok || string(doc.Body) != "x" {
		t.Fatalf("expected cached document, got %v %v", doc, ok)
	}
	doc.Body[0] = 'y'
	if again, _ := c.Select("http://a/", ModeHTTP); string(again.Body) != "x" {
		t.Fatalf("cache returned shared body")
	}
	if _, ok := c.Select("http://a/", ModeJS); ok {
		t.Fatalf("mode must be part of the cache key")
	}
	if _, ok := c.Select("http://b/", ModeHTTP); ok {
		t.Fatalf("error responses must not be cached")
	}
	now = now.Add(time.Minute)
	if _, ok := c.Select("http://a/", ModeHTTP); ok {
		t.Fatalf("expired entry served")
	}

	off := newPageCache(0, nil)
	off.Store("http://a/", ModeHTTP, &upstreamDocument{Status: 200})
	if _, ok := off.Select("http://a/", ModeHTTP); ok {
		t.Fatalf("zero TTL must disable the cache")
	}
}
