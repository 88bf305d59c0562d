package proxy

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"golang.org/x/net/html/charset"
)

const (
	defaultUserAgent = "Mozilla/5.0 (X11; Linux x86_64) focusshield"
	maxUpstreamBody  = 16 << 20
)

// upstreamDocument is a fetched page with its body decoded to UTF-8.
type upstreamDocument struct {
	URL        string
	Status     int
	Header     http.Header
	Body       []byte
	SetCookies []string
}

type fetcher struct {
	timeout   time.Duration
	userAgent string
	transport http.RoundTripper
}

func newFetcher(timeout time.Duration, userAgent string) *fetcher {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if userAgent == "" {
		userAgent = defaultUserAgent
	}
	return &fetcher{timeout: timeout, userAgent: userAgent, transport: http.DefaultTransport}
}

// Fetch performs a GET and decodes the body. Like a browser, non-2xx
// responses with a body are still returned.
func (f *fetcher) Fetch(ctx context.Context, target string, hdr http.Header, jar http.CookieJar) (*upstreamDocument, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("upstream request: %w", err)
	}
	copyHeader(req.Header, hdr)
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", f.userAgent)
	}
	if req.Header.Get("Accept") == "" {
		req.Header.Set("Accept", "text/html,application/xhtml+xml,*/*;q=0.8")
	}
	// no brotli; gzip and deflate are decoded below
	req.Header.Set("Accept-Encoding", "gzip, deflate")

	client := &http.Client{Timeout: f.timeout, Jar: jar, Transport: f.transport}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upstream %s: %w", target, err)
	}
	defer resp.Body.Close()

	reader, err := decodeContent(resp.Header.Get("Content-Encoding"), resp.Body)
	if err != nil {
		return nil, fmt.Errorf("upstream %s: %w", target, err)
	}
	defer reader.Close()
	raw, err := io.ReadAll(io.LimitReader(reader, maxUpstreamBody))
	if err != nil {
		return nil, fmt.Errorf("upstream %s: read body: %w", target, err)
	}
	body, err := toUTF8(raw, resp.Header.Get("Content-Type"))
	if err != nil {
		return nil, fmt.Errorf("upstream %s: %w", target, err)
	}
	header := cloneHeader(resp.Header)
	header.Del("Content-Encoding")
	header.Del("Content-Length")
	return &upstreamDocument{
		URL:        resp.Request.URL.String(),
		Status:     resp.StatusCode,
		Header:     header,
		Body:       body,
		SetCookies: resp.Header.Values("Set-Cookie"),
	}, nil
}

// decodeContent unwraps a Content-Encoding. Deflate bodies are tried as zlib
// first and then as raw DEFLATE, since servers send both.
func decodeContent(encoding string, body io.Reader) (io.ReadCloser, error) {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "", "identity":
		return io.NopCloser(body), nil
	case "gzip", "x-gzip":
		gr, err := gzip.NewReader(body)
		if err != nil {
			return nil, fmt.Errorf("gzip: %w", err)
		}
		return gr, nil
	case "deflate":
		raw, err := io.ReadAll(io.LimitReader(body, maxUpstreamBody))
		if err != nil {
			return nil, fmt.Errorf("deflate: %w", err)
		}
		if zr, err := zlib.NewReader(bytes.NewReader(raw)); err == nil {
			return zr, nil
		}
		return flate.NewReader(bytes.NewReader(raw)), nil
	default:
		return nil, fmt.Errorf("unsupported content encoding %q", encoding)
	}
}

// toUTF8 converts body using the Content-Type charset, a <meta> declaration or
// content sniffing, in that order.
func toUTF8(body []byte, contentType string) ([]byte, error) {
	r, err := charset.NewReader(bytes.NewReader(body), contentType)
	if err != nil {
		return nil, fmt.Errorf("charset: %w", err)
	}
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("charset: %w", err)
	}
	return out, nil
}
