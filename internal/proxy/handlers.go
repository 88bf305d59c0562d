package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"focusshield/internal/messaging"
	"focusshield/page"
)

const maxMessageBody = 1 << 20

var reloadRequest = messaging.Request{Kind: messaging.ReloadSettings}

func (s *Server) handlePing(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	io.WriteString(w, "pong\n")
}

// handleFetch renders one page through a short-lived tab: fetch, converge on
// the stored settings, serialize, close.
func (s *Server) handleFetch(w http.ResponseWriter, r *http.Request) {
	target, ok := normalizeTarget(r.URL.Query().Get("url"))
	if !ok {
		http.Error(w, "missing url", http.StatusBadRequest)
		return
	}
	ctx := r.Context()
	prof := s.sites.Find(target)
	doc, err := s.loadUpstream(ctx, target, prof, headersFromRequest(r), deriveClientKey(r))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	mode := modeOf(prof)
	if v := r.URL.Query().Get("strip"); v != "" {
		if strip, err := strconv.ParseBool(v); err == nil && strip {
			mode = ModeStrip
		}
	}
	out, site, err := s.renderOnce(ctx, doc.URL, mode, doc.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.log.Debug("fetched", zap.String("url", doc.URL), zap.String("mode", mode), zap.Int("status", doc.Status))

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Content-Length", strconv.Itoa(len(out)))
	w.Header().Set("X-Focus-Site", site)
	w.Header().Set("X-Upstream-Status", strconv.Itoa(doc.Status))
	io.WriteString(w, out)
}

// Render converges one page on the stored settings and serializes it. With a
// nil body the page is fetched from target; otherwise target only names the
// page's site.
func (s *Server) Render(ctx context.Context, target string, body []byte, strip bool) (string, error) {
	prof := s.sites.Find(target)
	mode := modeOf(prof)
	if body == nil {
		doc, err := s.loadUpstream(ctx, target, prof, http.Header{}, "local")
		if err != nil {
			return "", err
		}
		target, body = doc.URL, doc.Body
	}
	if strip {
		mode = ModeStrip
	}
	out, _, err := s.renderOnce(ctx, target, mode, body)
	return out, err
}

// renderOnce opens an unregistered tab, applies the stored settings and
// returns the serialized document with the tab's site.
func (s *Server) renderOnce(ctx context.Context, target, mode string, body []byte) (string, string, error) {
	tab, err := openTab(s.tabOptions("fetch-"+s.cfg.NewID(), target, mode, body))
	if err != nil {
		return "", "", err
	}
	defer tab.Close()

	st, err := s.loadSettings(ctx)
	if err != nil {
		return "", "", err
	}
	if err := tab.Apply(ctx, st); err != nil {
		return "", "", err
	}
	out, err := tab.Render(ctx, mode == ModeStrip)
	if err != nil {
		return "", "", err
	}
	return out, tab.SiteID(), nil
}

func modeOf(prof *SiteConfig) string {
	if prof == nil {
		return ModeHTTP
	}
	return prof.Mode
}

func (s *Server) loadUpstream(ctx context.Context, target string, prof *SiteConfig, hdr http.Header, clientKey string) (*upstreamDocument, error) {
	mode := modeOf(prof)
	if doc, ok := s.cache.Select(target, mode); ok {
		return doc, nil
	}
	if prof != nil {
		for k, v := range prof.Headers {
			hdr.Set(k, v)
		}
	}
	jar := s.jars.Get(clientKey)

	var (
		doc *upstreamDocument
		err error
	)
	if mode == ModeJS && s.cfg.EnableJS {
		doc, err = s.jsBaker().Fetch(ctx, target, hdr, jar, prof)
	} else {
		doc, err = s.fetcher.Fetch(ctx, target, hdr, jar)
	}
	if err != nil {
		return nil, err
	}
	s.cache.Store(target, mode, doc)
	return doc, nil
}

func headersFromRequest(r *http.Request) http.Header {
	hdr := http.Header{}
	q := r.URL.Query()
	if ua := firstNonEmpty(q.Get("ua"), r.Header.Get("X-Upstream-User-Agent")); ua != "" {
		hdr.Set("User-Agent", ua)
	}
	if lang := firstNonEmpty(q.Get("lang"), r.Header.Get("Accept-Language")); lang != "" {
		hdr.Set("Accept-Language", lang)
	}
	return hdr
}

func (s *Server) tabOptions(id, url, mode string, body []byte) tabOptions {
	return tabOptions{
		id:      id,
		url:     url,
		mode:    mode,
		body:    body,
		clock:   s.clock,
		window:  s.cfg.Window,
		log:     s.log,
		metrics: s.metrics,
	}
}

type openTabRequest struct {
	URL string `json:"url"`
	// HTML, when set, is used instead of fetching URL.
	HTML string `json:"html,omitempty"`
}

func (s *Server) handleOpenTab(w http.ResponseWriter, r *http.Request) {
	var req openTabRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	target, ok := normalizeTarget(req.URL)
	if !ok {
		writeError(w, http.StatusBadRequest, errors.New("missing or invalid url"))
		return
	}
	ctx := r.Context()
	prof := s.sites.Find(target)
	mode := modeOf(prof)
	body := []byte(req.HTML)
	if req.HTML == "" {
		doc, err := s.loadUpstream(ctx, target, prof, headersFromRequest(r), deriveClientKey(r))
		if err != nil {
			writeError(w, http.StatusBadGateway, err)
			return
		}
		target, body = doc.URL, doc.Body
	}

	tab, err := openTab(s.tabOptions(s.cfg.NewID(), target, mode, body))
	if err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	st, err := s.loadSettings(ctx)
	if err != nil {
		tab.Close()
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if err := tab.Apply(ctx, st); err != nil {
		tab.Close()
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.tabs.add(tab)
	s.metrics.TabsOpen.Set(float64(s.tabs.count()))
	s.log.Info("tab opened", zap.String("tab", tab.ID), zap.String("url", tab.URL), zap.String("mode", mode))
	writeJSON(w, http.StatusCreated, tab.Info(true))
}

func (s *Server) handleListTabs(w http.ResponseWriter, _ *http.Request) {
	tabs := s.tabs.list()
	out := make([]TabInfo, 0, len(tabs))
	for _, t := range tabs {
		out = append(out, t.Info(s.tabs.isActive(t.ID)))
	}
	writeJSON(w, http.StatusOK, out)
}

type tabDetail struct {
	TabInfo
	Context messaging.Context `json:"context"`
}

// handleGetTab describes a tab, or with ?format=html serializes its document
// (&strip=1 drops hidden elements).
func (s *Server) handleGetTab(w http.ResponseWriter, r *http.Request) {
	tab, ok := s.tabFromRequest(w, r)
	if !ok {
		return
	}
	ctx := r.Context()
	if r.URL.Query().Get("format") == "html" {
		strip, _ := strconv.ParseBool(r.URL.Query().Get("strip"))
		out, err := tab.Render(ctx, strip || tab.Mode == ModeStrip)
		if err != nil {
			writeError(w, http.StatusGone, err)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		io.WriteString(w, out)
		return
	}
	pc, err := tab.Context(ctx)
	if err != nil {
		writeError(w, http.StatusGone, err)
		return
	}
	writeJSON(w, http.StatusOK, tabDetail{
		TabInfo: tab.Info(s.tabs.isActive(tab.ID)),
		Context: contextOf(pc),
	})
}

func contextOf(pc page.Context) messaging.Context {
	return messaging.Context{Hostname: pc.SiteID, Effective: pc.Effective, HasSiteOverride: pc.HasSiteOverride}
}

func (s *Server) handleCloseTab(w http.ResponseWriter, r *http.Request) {
	tab, err := s.tabs.remove(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	tab.Close()
	s.metrics.TabsOpen.Set(float64(s.tabs.count()))
	s.log.Info("tab closed", zap.String("tab", tab.ID))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleActivateTab(w http.ResponseWriter, r *http.Request) {
	if err := s.tabs.activate(chi.URLParam(r, "id")); err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleTabMessage delivers a message to a tab's page context. Messages the
// page does not handle get no response body.
func (s *Server) handleTabMessage(w http.ResponseWriter, r *http.Request) {
	tab, ok := s.tabFromRequest(w, r)
	if !ok {
		return
	}
	req, ok := s.decodeMessage(w, r, messaging.Page)
	if !ok {
		return
	}
	resp := tab.Handle(r.Context(), s.loadSettings, req)
	s.metrics.Message(string(req.Kind), resp.OK)
	writeJSON(w, http.StatusOK, resp)
}

// handleBackgroundMessage handles ENSURE_DEFAULTS and PING_APPLY_ACTIVE_TAB.
func (s *Server) handleBackgroundMessage(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeMessage(w, r, messaging.Background)
	if !ok {
		return
	}
	ctx := r.Context()
	var resp messaging.Response
	switch req.Kind {
	case messaging.EnsureDefaults:
		if _, err := s.ensureDefaults(ctx); err != nil {
			resp = messaging.Fail(err)
		} else {
			resp = messaging.OK()
		}
	case messaging.PingApplyActiveTab:
		resp = s.pingActiveTab(ctx)
	}
	s.metrics.Message(string(req.Kind), resp.OK)
	writeJSON(w, http.StatusOK, resp)
}

// pingActiveTab forwards RELOAD_SETTINGS to the active tab. The reply only
// says whether the tab could be reached, not how it handled the reload.
func (s *Server) pingActiveTab(ctx context.Context) messaging.Response {
	tab, err := s.tabs.activeTab()
	if err != nil {
		return messaging.Fail(err)
	}
	select {
	case <-tab.loop.Done():
		return messaging.Fail(fmt.Errorf("tab %s: %w", tab.ID, page.ErrClosed))
	default:
	}
	resp := tab.Handle(ctx, s.loadSettings, reloadRequest)
	if !resp.OK {
		s.log.Warn("active tab reload failed", zap.String("tab", tab.ID), zap.String("error", resp.Error))
	}
	return messaging.OK()
}

// decodeMessage reads a message envelope. Unknown types and kinds handled by
// the other context are answered with 204 and no body.
func (s *Server) decodeMessage(w http.ResponseWriter, r *http.Request, want messaging.Target) (messaging.Request, bool) {
	b, err := io.ReadAll(io.LimitReader(r.Body, maxMessageBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return messaging.Request{}, false
	}
	req, err := messaging.Decode(b)
	if errors.Is(err, messaging.ErrIgnored) {
		w.WriteHeader(http.StatusNoContent)
		return req, false
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return req, false
	}
	if target, _ := req.Kind.Target(); target != want {
		w.WriteHeader(http.StatusNoContent)
		return req, false
	}
	return req, true
}

type insertRequest struct {
	Selector string `json:"selector"`
	HTML     string `json:"html"`
}

type insertResponse struct {
	Inserted int `json:"inserted"`
}

// handleInsert appends late content to a tab, as a page script would.
func (s *Server) handleInsert(w http.ResponseWriter, r *http.Request) {
	tab, ok := s.tabFromRequest(w, r)
	if !ok {
		return
	}
	var req insertRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if strings.TrimSpace(req.Selector) == "" {
		req.Selector = "body"
	}
	n, err := tab.Insert(r.Context(), req.Selector, req.HTML)
	switch {
	case errors.Is(err, ErrBadSelector):
		writeError(w, http.StatusBadRequest, err)
	case errors.Is(err, ErrNoInsertTarget):
		writeError(w, http.StatusUnprocessableEntity, err)
	case err != nil:
		writeError(w, http.StatusGone, err)
	default:
		writeJSON(w, http.StatusOK, insertResponse{Inserted: n})
	}
}

func (s *Server) tabFromRequest(w http.ResponseWriter, r *http.Request) (*Tab, bool) {
	tab, err := s.tabs.get(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return nil, false
	}
	return tab, true
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxMessageBody))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("decode request: %w", err)
	}
	return nil
}
