package proxy

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"focusshield/internal/messaging"
	"focusshield/internal/store"
	"focusshield/settings"
)

const reloadedHeader = "X-Focus-Reloaded"

func (s *Server) ensureDefaults(ctx context.Context) (settings.Settings, error) {
	return store.EnsureDefaults(ctx, s.store)
}

// handleGetSettings returns the stored document, or with ?site= the resolved
// view of one site.
func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	st, err := s.loadSettings(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if site := r.URL.Query().Get("site"); site != "" {
		writeJSON(w, http.StatusOK, siteView(st, site))
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func siteView(st settings.Settings, site string) messaging.Context {
	host := settings.NormalizeHost(site)
	eff, has := settings.ResolveEffective(st, host)
	return messaging.Context{Hostname: host, Effective: eff, HasSiteOverride: has}
}

// handleImportSettings replaces the stored document with the uploaded one,
// backfilled with defaults.
func (s *Server) handleImportSettings(w http.ResponseWriter, r *http.Request) {
	b, err := io.ReadAll(io.LimitReader(r.Body, maxMessageBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	st, err := settings.Import(b)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := store.SaveSettings(r.Context(), s.store, st); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.log.Info("settings imported", zap.Int("sites", len(st.Sites)))
	s.afterChange(w, r)
	writeJSON(w, http.StatusOK, st)
}

type setFieldRequest struct {
	Site      string         `json:"site"`
	Field     settings.Field `json:"field"`
	Value     any            `json:"value"`
	SiteScope bool           `json:"siteScope"`
}

// handleSetField writes one field, globally or for a site.
func (s *Server) handleSetField(w http.ResponseWriter, r *http.Request) {
	var req setFieldRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	st, err := store.Update(r.Context(), s.store, func(st settings.Settings) (settings.Settings, error) {
		return settings.SetField(st, req.Site, req.Field, req.Value, req.SiteScope)
	})
	if err != nil {
		writeError(w, settingsStatus(err), err)
		return
	}
	s.afterChange(w, r)
	if req.Site != "" {
		writeJSON(w, http.StatusOK, siteView(st, req.Site))
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// handleEnableSite creates a site override from the site's current effective
// configuration. An existing override is kept.
func (s *Server) handleEnableSite(w http.ResponseWriter, r *http.Request) {
	host := chi.URLParam(r, "host")
	st, err := store.Update(r.Context(), s.store, func(st settings.Settings) (settings.Settings, error) {
		return settings.SetSiteOverride(st, host, true)
	})
	if err != nil {
		writeError(w, settingsStatus(err), err)
		return
	}
	s.afterChange(w, r)
	writeJSON(w, http.StatusOK, siteView(st, host))
}

// handleResetSite drops a site override.
func (s *Server) handleResetSite(w http.ResponseWriter, r *http.Request) {
	host := chi.URLParam(r, "host")
	st, err := store.Update(r.Context(), s.store, func(st settings.Settings) (settings.Settings, error) {
		return settings.SetSiteOverride(st, host, false)
	})
	if err != nil {
		writeError(w, settingsStatus(err), err)
		return
	}
	s.afterChange(w, r)
	writeJSON(w, http.StatusOK, siteView(st, host))
}

// handleResetSettings clears the store and writes fresh defaults.
func (s *Server) handleResetSettings(w http.ResponseWriter, r *http.Request) {
	st, err := store.Reset(r.Context(), s.store)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.log.Info("settings reset")
	s.afterChange(w, r)
	writeJSON(w, http.StatusOK, st)
}

// afterChange reloads the active tab, or every tab with ?reload=all, and
// reports the count in a header.
func (s *Server) afterChange(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	n := 0
	if r.URL.Query().Get("reload") == "all" {
		n = s.reloadAll(ctx)
	} else if tab, err := s.tabs.activeTab(); err == nil {
		resp := tab.Handle(ctx, s.loadSettings, reloadRequest)
		s.metrics.Message(string(reloadRequest.Kind), resp.OK)
		if resp.OK {
			n = 1
		}
	}
	w.Header().Set(reloadedHeader, strconv.Itoa(n))
}

func settingsStatus(err error) int {
	switch {
	case errors.Is(err, settings.ErrUnknownField),
		errors.Is(err, settings.ErrNoSite),
		errors.Is(err, settings.ErrInvalidJSON):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
