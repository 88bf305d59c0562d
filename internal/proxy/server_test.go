package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"focusshield/internal/store"
	"focusshield/style"
)

const newsPage = `<!doctype html><html><head><title>News</title></head><body>
<article><p>story</p></article>
<div id="slot"><div data-ad="1">buy</div></div>
<div id="comments">talk</div>
</body></html>`

const hiddenMarker = `data-shield-hidden="1"`

type harness struct {
	srv   *Server
	store *store.Memory
	ids   atomic.Int64
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{store: store.NewMemory()}
	h.srv = New(Config{
		Store:    h.store,
		SitesDir: t.TempDir(),
		Window:   10 * time.Millisecond,
		NewID:    func() string { return fmt.Sprintf("t%d", h.ids.Add(1)) },
	})
	t.Cleanup(h.srv.Close)
	return h
}

func (h *harness) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	rec := httptest.NewRecorder()
	h.srv.ServeHTTP(rec, httptest.NewRequest(method, path, r))
	return rec
}

func (h *harness) open(t *testing.T, url, page string) TabInfo {
	t.Helper()
	b, _ := json.Marshal(openTabRequest{URL: url, HTML: page})
	rec := h.do(t, http.MethodPost, "/tabs", string(b))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var info TabInfo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &info))
	return info
}

func (h *harness) render(t *testing.T, id string) string {
	t.Helper()
	rec := h.do(t, http.MethodGet, "/tabs/"+id+"?format=html", "")
	require.Equal(t, http.StatusOK, rec.Code)
	return rec.Body.String()
}

func decodeJSON[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestPing(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, http.MethodGet, "/ping", "")
	assert.Equal(t, "pong\n", rec.Body.String())
}

func TestOpenTabAppliesSettings(t *testing.T) {
	h := newHarness(t)
	info := h.open(t, "https://www.Example.com/story", newsPage)
	assert.Equal(t, "t1", info.ID)
	assert.Equal(t, "www.example.com", info.SiteID)
	assert.Equal(t, "News", info.Title)
	assert.True(t, info.Active)

	out := h.render(t, info.ID)
	assert.Contains(t, out, `id="`+style.ElementID+`"`)
	assert.Equal(t, 1, strings.Count(out, hiddenMarker))
	assert.Contains(t, out, "talk")

	stripped := h.do(t, http.MethodGet, "/tabs/"+info.ID+"?format=html&strip=1", "").Body.String()
	assert.NotContains(t, stripped, "buy")
	assert.Contains(t, stripped, "story")
	// stripping works on a copy
	assert.Contains(t, h.render(t, info.ID), "buy")

	list := decodeJSON[[]TabInfo](t, h.do(t, http.MethodGet, "/tabs", ""))
	require.Len(t, list, 1)
	assert.Equal(t, info.ID, list[0].ID)

	raw, err := h.store.Load(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, raw, "loading settings persists the backfilled defaults")
}

func TestTabMessages(t *testing.T) {
	h := newHarness(t)
	info := h.open(t, "https://example.com/", newsPage)

	rec := h.do(t, http.MethodPost, "/tabs/"+info.ID+"/messages", `{"type":"GET_CONTEXT"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"ok":true,"hostname":"example.com","hasSiteOverride":false,
		"effective":{"enabled":true,"hideAds":true,"hideComments":false,"themeEnabled":true,"saturation":0.85,"contrast":1.08}}`,
		rec.Body.String())

	for _, body := range []string{`{"type":"ENSURE_DEFAULTS"}`, `{"type":"nope"}`, `{}`} {
		rec = h.do(t, http.MethodPost, "/tabs/"+info.ID+"/messages", body)
		assert.Equal(t, http.StatusNoContent, rec.Code, body)
		assert.Empty(t, rec.Body.String(), body)
	}
	rec = h.do(t, http.MethodPost, "/tabs/"+info.ID+"/messages", `{type`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// write straight to the store, then ask the tab to reload
	require.NoError(t, h.store.Save(context.Background(), []byte(`{"global":{"hideComments":true}}`)))
	rec = h.do(t, http.MethodPost, "/tabs/"+info.ID+"/messages", `{"type":"RELOAD_SETTINGS"}`)
	assert.JSONEq(t, `{"ok":true}`, rec.Body.String())
	assert.Equal(t, 2, strings.Count(h.render(t, info.ID), hiddenMarker))

	rec = h.do(t, http.MethodPost, "/tabs/missing/messages", `{"type":"GET_CONTEXT"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestBackgroundMessages(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodPost, "/messages", `{"type":"ENSURE_DEFAULTS"}`)
	assert.JSONEq(t, `{"ok":true}`, rec.Body.String())
	raw, _ := h.store.Load(context.Background())
	assert.NotNil(t, raw)

	rec = h.do(t, http.MethodPost, "/messages", `{"type":"PING_APPLY_ACTIVE_TAB"}`)
	assert.JSONEq(t, `{"ok":false,"error":"No active tab."}`, rec.Body.String())

	rec = h.do(t, http.MethodPost, "/messages", `{"type":"GET_CONTEXT"}`)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	info := h.open(t, "https://example.com/", newsPage)
	require.NoError(t, h.store.Save(context.Background(), []byte(`{"global":{"enabled":false}}`)))
	rec = h.do(t, http.MethodPost, "/messages", `{"type":"PING_APPLY_ACTIVE_TAB"}`)
	assert.JSONEq(t, `{"ok":true}`, rec.Body.String())
	out := h.render(t, info.ID)
	assert.NotContains(t, out, hiddenMarker)
	assert.NotContains(t, out, style.ElementID)

	rec = h.do(t, http.MethodDelete, "/tabs/"+info.ID, "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, http.StatusNotFound, h.do(t, http.MethodGet, "/tabs/"+info.ID, "").Code)
	rec = h.do(t, http.MethodPost, "/messages", `{"type":"PING_APPLY_ACTIVE_TAB"}`)
	assert.JSONEq(t, `{"ok":false,"error":"No active tab."}`, rec.Body.String())
}

func TestActivateTab(t *testing.T) {
	h := newHarness(t)
	first := h.open(t, "https://a.example/", newsPage)
	second := h.open(t, "https://b.example/", newsPage)

	detail := decodeJSON[tabDetail](t, h.do(t, http.MethodGet, "/tabs/"+first.ID, ""))
	assert.False(t, detail.Active)
	assert.Equal(t, "a.example", detail.Context.Hostname)

	assert.Equal(t, http.StatusNoContent, h.do(t, http.MethodPost, "/tabs/"+first.ID+"/activate", "").Code)
	assert.Equal(t, http.StatusNotFound, h.do(t, http.MethodPost, "/tabs/zzz/activate", "").Code)
	detail = decodeJSON[tabDetail](t, h.do(t, http.MethodGet, "/tabs/"+second.ID, ""))
	assert.False(t, detail.Active)
}

func TestInsertLateContent(t *testing.T) {
	h := newHarness(t)
	info := h.open(t, "https://example.com/", newsPage)

	rec := h.do(t, http.MethodPost, "/tabs/"+info.ID+"/insert", `{"selector":"body","html":"<div data-ad=\"2\">late</div>"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.JSONEq(t, `{"inserted":1}`, rec.Body.String())

	require.Eventually(t, func() bool {
		return strings.Count(h.render(t, info.ID), hiddenMarker) == 2
	}, 2*time.Second, 10*time.Millisecond)

	rec = h.do(t, http.MethodPost, "/tabs/"+info.ID+"/insert", `{"selector":"#nowhere","html":"<p>x</p>"}`)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	rec = h.do(t, http.MethodPost, "/tabs/"+info.ID+"/insert", `{"selector":"[[","html":"<p>x</p>"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestFetch(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		io.WriteString(w, newsPage)
	}))
	defer upstream.Close()
	h := newHarness(t)

	rec := h.do(t, http.MethodGet, "/fetch?url="+upstream.URL+"/story", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "127.0.0.1", rec.Header().Get("X-Focus-Site"))
	assert.Equal(t, "200", rec.Header().Get("X-Upstream-Status"))
	assert.Contains(t, rec.Body.String(), hiddenMarker)
	assert.Contains(t, rec.Body.String(), style.ElementID)

	rec = h.do(t, http.MethodGet, "/fetch?strip=1&url="+upstream.URL+"/story", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "buy")

	assert.Equal(t, http.StatusBadRequest, h.do(t, http.MethodGet, "/fetch", "").Code)
	assert.Empty(t, decodeJSON[[]TabInfo](t, h.do(t, http.MethodGet, "/tabs", "")), "fetch tabs are not registered")
}

func TestSettingsAPI(t *testing.T) {
	h := newHarness(t)
	info := h.open(t, "https://example.com/", newsPage)

	rec := h.do(t, http.MethodPut, "/settings", `{"global":`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(t, http.MethodPut, "/settings", `{"global":{"hideAds":false}}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "1", rec.Header().Get(reloadedHeader))
	detail := decodeJSON[tabDetail](t, h.do(t, http.MethodGet, "/tabs/"+info.ID, ""))
	assert.False(t, detail.Context.Effective.HideAds)

	rec = h.do(t, http.MethodPost, "/settings/field", `{"site":"Example.com","field":"hideAds","value":true,"siteScope":true}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.JSONEq(t, `{"hostname":"example.com","hasSiteOverride":true,
		"effective":{"enabled":true,"hideAds":true,"hideComments":false,"themeEnabled":true,"saturation":0.85,"contrast":1.08}}`,
		rec.Body.String())
	assert.Contains(t, h.render(t, info.ID), hiddenMarker)

	rec = h.do(t, http.MethodPost, "/settings/field", `{"field":"volume","value":1}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = h.do(t, http.MethodPost, "/settings/field", `{"field":"hideAds","value":true,"siteScope":true}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(t, http.MethodDelete, "/settings/sites/example.com", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, decodeJSON[map[string]any](t, rec)["hasSiteOverride"].(bool))

	rec = h.do(t, http.MethodPut, "/settings/sites/other.org?reload=all", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "1", rec.Header().Get(reloadedHeader))
	view := decodeJSON[map[string]any](t, h.do(t, http.MethodGet, "/settings?site=OTHER.org", ""))
	assert.Equal(t, "other.org", view["hostname"])
	assert.True(t, view["hasSiteOverride"].(bool))

	rec = h.do(t, http.MethodPost, "/settings/reset", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"global":{"enabled":true,"hideAds":true,"hideComments":false,"themeEnabled":true,"saturation":0.85,"contrast":1.08},"sites":{}}`,
		h.do(t, http.MethodGet, "/settings", "").Body.String())
}

func TestTabEventStream(t *testing.T) {
	h := newHarness(t)
	info := h.open(t, "https://example.com/", newsPage)
	ts := httptest.NewServer(h.srv)
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/tabs/"+info.ID+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	readUntil := func(typ string) map[string]any {
		for {
			var msg map[string]any
			require.NoError(t, conn.ReadJSON(&msg))
			if msg["type"] == typ {
				return msg
			}
		}
	}

	// a reply proves the subscription is live
	require.NoError(t, conn.WriteJSON(map[string]string{"type": "GET_CONTEXT"}))
	reply := readUntil("response")
	assert.Equal(t, "GET_CONTEXT", reply["request"])
	assert.Equal(t, true, reply["response"].(map[string]any)["ok"])

	rec := h.do(t, http.MethodPost, "/tabs/"+info.ID+"/insert", `{"html":"<div data-ad=\"3\">late</div>"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	// the pass may be published before the insert event
	seen := map[string]map[string]any{}
	for seen[EventInsert] == nil || seen[EventPass] == nil {
		var msg map[string]any
		require.NoError(t, conn.ReadJSON(&msg))
		seen[msg["type"].(string)] = msg
	}
	assert.Equal(t, float64(1), seen[EventInsert]["nodes"])
	assert.Equal(t, info.ID, seen[EventPass]["tabId"])
	assert.Equal(t, "mutation", seen[EventPass]["trigger"])

	assert.Equal(t, http.StatusNoContent, h.do(t, http.MethodDelete, "/tabs/"+info.ID, "").Code)
	readUntil(EventClosed)
}

func TestMetricsEndpoint(t *testing.T) {
	h := newHarness(t)
	h.open(t, "https://example.com/", newsPage)
	body := h.do(t, http.MethodGet, "/metrics", "").Body.String()
	assert.Contains(t, body, "focusshield_tabs_open 1")
	assert.Contains(t, body, `focusshield_suppression_passes_total{trigger="start"}`)
}
