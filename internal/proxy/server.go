// Package proxy is the background context: an HTTP service that opens pages
// as tabs, keeps each converged on the stored settings and serves the
// settings API.
package proxy

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"focusshield/engine"
	"focusshield/internal/config"
	"focusshield/internal/metrics"
	"focusshield/internal/store"
	"focusshield/settings"
)

const defaultSitesDir = "config/sites"

// Config describes server wiring and runtime behaviour.
type Config struct {
	Store        store.Store
	SitesDir     string
	Logger       *zap.Logger
	Metrics      *metrics.Metrics
	Clock        engine.Clock
	Window       time.Duration
	FetchTimeout time.Duration
	UserAgent    string
	CacheTTL     time.Duration
	// EnableJS allows headless Chrome for sites whose profile selects js mode.
	EnableJS bool
	// WatchStore reloads every tab when a watchable store changes.
	WatchStore bool
	// NewID mints tab ids; uuid.NewString when nil.
	NewID func() string
}

// ConfigFrom maps loaded configuration onto server wiring. Store, Logger and
// Metrics are left for the caller.
func ConfigFrom(c *config.Config) Config {
	return Config{
		SitesDir:     c.Fetch.SitesDir,
		Window:       c.Engine.Window,
		FetchTimeout: c.Fetch.Timeout,
		UserAgent:    c.Fetch.UserAgent,
		CacheTTL:     c.Fetch.CacheTTL,
		EnableJS:     c.Fetch.JS,
		WatchStore:   c.Store.Watch,
	}
}

// Server exposes the HTTP handlers implementing the proxy behaviour.
type Server struct {
	cfg     Config
	router  chi.Router
	handler http.Handler
	log     *zap.Logger
	store   store.Store
	metrics *metrics.Metrics
	clock   engine.Clock

	tabs    *tabRegistry
	sites   *siteConfigStore
	fetcher *fetcher
	jars    *cookieJarStore
	cache   *pageCache

	bakerOnce sync.Once
	baker     *jsBaker

	cancelWatch context.CancelFunc
}

// New wires a new proxy server with the provided configuration.
func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Store == nil {
		cfg.Store = store.NewMemory()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New()
	}
	if cfg.Clock == nil {
		cfg.Clock = engine.SystemClock
	}
	if cfg.SitesDir == "" {
		cfg.SitesDir = defaultSitesDir
	}
	if cfg.NewID == nil {
		cfg.NewID = uuid.NewString
	}
	s := &Server{
		cfg:     cfg,
		router:  chi.NewRouter(),
		log:     cfg.Logger,
		store:   cfg.Store,
		metrics: cfg.Metrics,
		clock:   cfg.Clock,
		tabs:    newTabRegistry(),
		sites:   newSiteConfigStore(cfg.SitesDir, cfg.Logger.Named("sites")),
		fetcher: newFetcher(cfg.FetchTimeout, cfg.UserAgent),
		jars:    newCookieJarStore(cfg.Clock.Now),
		cache:   newPageCache(cfg.CacheTTL, cfg.Clock.Now),
	}
	s.registerRoutes()
	s.handler = withLogging(s.log, s.router)
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

func (s *Server) registerRoutes() {
	r := s.router
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.metrics.Middleware)

	r.Get("/ping", s.handlePing)
	r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	r.Get("/fetch", s.handleFetch)
	r.Post("/messages", s.handleBackgroundMessage)

	r.Route("/tabs", func(r chi.Router) {
		r.Get("/", s.handleListTabs)
		r.Post("/", s.handleOpenTab)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.handleGetTab)
			r.Delete("/", s.handleCloseTab)
			r.Post("/messages", s.handleTabMessage)
			r.Post("/activate", s.handleActivateTab)
			r.Post("/insert", s.handleInsert)
			r.Get("/ws", s.handleTabEvents)
		})
	})

	r.Route("/settings", func(r chi.Router) {
		r.Get("/", s.handleGetSettings)
		r.Put("/", s.handleImportSettings)
		r.Post("/field", s.handleSetField)
		r.Post("/reset", s.handleResetSettings)
		r.Put("/sites/{host}", s.handleEnableSite)
		r.Delete("/sites/{host}", s.handleResetSite)
	})
}

// Start runs the install-time defaults backfill, starts watching the site
// profile directory and, when configured, the store for outside edits.
func (s *Server) Start(ctx context.Context) error {
	if _, err := store.EnsureDefaults(ctx, s.store); err != nil {
		return err
	}
	wctx, cancel := context.WithCancel(context.Background())
	s.cancelWatch = cancel
	if err := s.sites.Watch(wctx); err != nil {
		s.log.Warn("site profiles will not reload", zap.Error(err))
	}
	w, ok := s.store.(store.Watcher)
	if !s.cfg.WatchStore || !ok {
		return nil
	}
	if err := w.Watch(wctx, s.onStoreChange); err != nil {
		return err
	}
	s.log.Info("watching settings store for changes")
	return nil
}

func (s *Server) onStoreChange() {
	s.metrics.StoreReloads.Inc()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s.reloadAll(ctx)
}

// reloadAll sends RELOAD_SETTINGS to every open tab.
func (s *Server) reloadAll(ctx context.Context) int {
	n := 0
	for _, t := range s.tabs.list() {
		resp := t.Handle(ctx, s.loadSettings, reloadRequest)
		s.metrics.Message(string(reloadRequest.Kind), resp.OK)
		if !resp.OK {
			s.log.Warn("tab reload failed", zap.String("tab", t.ID), zap.String("error", resp.Error))
			continue
		}
		n++
	}
	return n
}

func (s *Server) loadSettings(ctx context.Context) (settings.Settings, error) {
	return store.LoadSettings(ctx, s.store)
}

func (s *Server) jsBaker() *jsBaker {
	s.bakerOnce.Do(func() { s.baker = newJSBaker(s.log.Named("js")) })
	return s.baker
}

// Close closes every tab and stops background work. The store is left open.
func (s *Server) Close() {
	if s.cancelWatch != nil {
		s.cancelWatch()
	}
	for _, t := range s.tabs.list() {
		if _, err := s.tabs.remove(t.ID); err == nil {
			t.Close()
		}
	}
	s.metrics.TabsOpen.Set(0)
	s.bakerOnce.Do(func() {})
	if s.baker != nil {
		s.baker.Close()
	}
}
