package proxy

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
)

const defaultBakeTimeout = 25 * time.Second

// jsBaker renders pages in headless Chrome so that script-built content is
// present before the page is filtered.
type jsBaker struct {
	allocator context.Context
	cancel    context.CancelFunc
	log       *zap.Logger
}

func newJSBaker(log *zap.Logger) *jsBaker {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("mute-audio", true),
		chromedp.Flag("no-first-run", true),
		chromedp.Flag("no-default-browser-check", true),
		chromedp.Flag("disable-background-networking", true),
		chromedp.Flag("disable-sync", true),
		chromedp.Flag("disable-translate", true),
		chromedp.Flag("disable-extensions", true),
	)
	allocCtx, cancel := chromedp.NewExecAllocator(context.Background(), opts...)
	return &jsBaker{allocator: allocCtx, cancel: cancel, log: log}
}

func (b *jsBaker) Close() {
	if b.cancel != nil {
		b.cancel()
	}
}

// Fetch navigates to target and returns the serialized DOM once the profile's
// wait conditions hold. Cookies flow from and back into jar.
func (b *jsBaker) Fetch(ctx context.Context, target string, hdr http.Header, jar http.CookieJar, prof *SiteConfig) (*upstreamDocument, error) {
	if strings.TrimSpace(target) == "" {
		return nil, errors.New("js fetch: empty target url")
	}
	taskCtx, cancelBrowser := chromedp.NewContext(b.allocator)
	defer cancelBrowser()

	// tie the browser tab to the caller's context
	stop := context.AfterFunc(ctx, cancelBrowser)
	defer stop()

	timeout := defaultBakeTimeout
	if prof != nil && prof.TimeoutMS > 0 {
		timeout = time.Duration(prof.TimeoutMS) * time.Millisecond
	}
	taskCtx, cancel := context.WithTimeout(taskCtx, timeout)
	defer cancel()

	var (
		mu          sync.Mutex
		mainID      network.RequestID
		mainResp    *network.Response
		mainHeaders = http.Header{}
		finalURL    string
		outer       string
		cookies     []*network.Cookie
	)
	chromedp.ListenTarget(taskCtx, func(ev interface{}) {
		switch e := ev.(type) {
		case *network.EventRequestWillBeSent:
			if e.Type == network.ResourceTypeDocument {
				mu.Lock()
				if mainID == "" {
					mainID = e.RequestID
				}
				mu.Unlock()
			}
		case *network.EventResponseReceived:
			mu.Lock()
			defer mu.Unlock()
			if e.RequestID != mainID || e.Type != network.ResourceTypeDocument {
				return
			}
			mainResp = e.Response
			for k, v := range e.Response.Headers {
				switch hv := v.(type) {
				case string:
					mainHeaders.Add(k, hv)
				default:
					mainHeaders.Add(k, fmt.Sprint(hv))
				}
			}
		}
	})

	requestHeaders := cloneHeader(hdr)
	actions := []chromedp.Action{network.Enable()}
	if ua := requestHeaders.Get("User-Agent"); ua != "" {
		actions = append(actions, emulation.SetUserAgentOverride(ua))
		requestHeaders.Del("User-Agent")
	}
	if extra := extraHeaders(requestHeaders); len(extra) > 0 {
		actions = append(actions, network.SetExtraHTTPHeaders(extra))
	}
	if params := jarCookieParams(jar, target); len(params) > 0 {
		actions = append(actions, network.SetCookies(params))
	}
	actions = append(actions,
		chromedp.Navigate(target),
		chromedp.WaitReady("body", chromedp.ByQuery),
	)
	if prof != nil && strings.TrimSpace(prof.WaitSelector) != "" {
		actions = append(actions, chromedp.WaitVisible(strings.TrimSpace(prof.WaitSelector), chromedp.ByQuery))
	}
	if prof != nil && prof.WaitAfterMS > 0 {
		actions = append(actions, chromedp.Sleep(time.Duration(prof.WaitAfterMS)*time.Millisecond))
	}
	actions = append(actions,
		chromedp.Location(&finalURL),
		chromedp.OuterHTML("html", &outer, chromedp.ByQuery),
		chromedp.ActionFunc(func(ctx context.Context) error {
			var err error
			cookies, err = network.GetCookies().WithUrls([]string{target}).Do(ctx)
			return err
		}),
	)

	started := time.Now()
	if err := chromedp.Run(taskCtx, actions...); err != nil {
		return nil, fmt.Errorf("js fetch %s: %w", target, err)
	}
	if finalURL == "" {
		finalURL = target
	}
	b.log.Debug("page baked", zap.String("url", finalURL), zap.Duration("took", time.Since(started)))

	var setCookies []string
	httpCookies := make([]*http.Cookie, 0, len(cookies))
	for _, c := range cookies {
		if hc := cookieFromNetwork(c); hc != nil {
			httpCookies = append(httpCookies, hc)
			setCookies = append(setCookies, hc.String())
		}
	}
	if jar != nil && len(httpCookies) > 0 {
		if u, err := url.Parse(finalURL); err == nil {
			jar.SetCookies(u, httpCookies)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	header := cloneHeader(mainHeaders)
	header.Set("Content-Type", "text/html; charset=utf-8")
	doc := &upstreamDocument{
		URL:        finalURL,
		Status:     http.StatusOK,
		Header:     header,
		Body:       []byte(outer),
		SetCookies: setCookies,
	}
	if mainResp != nil {
		doc.Status = int(mainResp.Status)
	}
	return doc, nil
}

func extraHeaders(h http.Header) network.Headers {
	extra := network.Headers{}
	for k, vs := range h {
		name := http.CanonicalHeaderKey(k)
		if name == "Content-Length" || len(vs) == 0 {
			continue
		}
		extra[name] = strings.Join(vs, ", ")
	}
	return extra
}

func jarCookieParams(jar http.CookieJar, target string) []*network.CookieParam {
	if jar == nil {
		return nil
	}
	u, err := url.Parse(target)
	if err != nil {
		return nil
	}
	var params []*network.CookieParam
	for _, c := range jar.Cookies(u) {
		// the jar strips domain and path; scope them to the target
		p := &network.CookieParam{
			Name:   c.Name,
			Value:  c.Value,
			Domain: u.Hostname(),
			Path:   "/",
			Secure: c.Secure,
		}
		if !c.Expires.IsZero() {
			exp := cdp.TimeSinceEpoch(c.Expires.UTC())
			p.Expires = &exp
		}
		params = append(params, p)
	}
	return params
}

func cookieFromNetwork(c *network.Cookie) *http.Cookie {
	if c == nil {
		return nil
	}
	hc := &http.Cookie{
		Name:     c.Name,
		Value:    c.Value,
		Path:     c.Path,
		Domain:   c.Domain,
		Secure:   c.Secure,
		HttpOnly: c.HTTPOnly,
	}
	if !c.Session && c.Expires > 0 {
		sec, frac := math.Modf(c.Expires)
		hc.Expires = time.Unix(int64(sec), int64(frac*1e9)).UTC()
	}
	switch c.SameSite {
	case network.CookieSameSiteLax:
		hc.SameSite = http.SameSiteLaxMode
	case network.CookieSameSiteStrict:
		hc.SameSite = http.SameSiteStrictMode
	case network.CookieSameSiteNone:
		hc.SameSite = http.SameSiteNoneMode
	}
	return hc
}

func cloneHeader(h http.Header) http.Header {
	out := http.Header{}
	for k, vs := range h {
		for _, v := range vs {
			out.Add(k, v)
		}
	}
	return out
}
