// Package page orchestrates one page: it resolves the effective
// configuration for the page's site, installs or removes the injected
// stylesheet, drives the suppression engine and answers page-context
// messages.
package page

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/html"

	"focusshield/dom"
	"focusshield/engine"
	"focusshield/internal/messaging"
	"focusshield/settings"
	"focusshield/style"
)

// Loader reads the current settings, backfilling defaults. It is called off
// the page loop.
type Loader func(ctx context.Context) (settings.Settings, error)

// Config wires a Controller.
type Config struct {
	SiteID   string
	Document *dom.Document
	Loop     *Loop
	Clock    engine.Clock
	Window   time.Duration
	Logger   *zap.Logger
	Recorder engine.Recorder
}

// Context is the read-only snapshot handed to presentation consumers.
type Context struct {
	SiteID          string
	Effective       settings.Effective
	HasSiteOverride bool
}

// Controller owns a page's engine and injected stylesheet. Every method except
// Handle must run on the page loop.
type Controller struct {
	site string
	doc  *dom.Document
	loop *Loop
	eng  *engine.Engine
	log  *zap.Logger

	current     settings.Effective
	hasOverride bool
	unloaded    bool
}

// NewController builds a controller; nothing is applied until
// ApplyFromSettings.
func NewController(cfg Config) *Controller {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	site := settings.NormalizeHost(cfg.SiteID)
	log = log.With(zap.String("site", site))
	var post func(func())
	if cfg.Loop != nil {
		post = func(fn func()) { cfg.Loop.Post(fn) }
	}
	return &Controller{
		site: site,
		doc:  cfg.Document,
		loop: cfg.Loop,
		log:  log,
		eng: engine.New(engine.Config{
			Document: cfg.Document,
			Post:     post,
			Clock:    cfg.Clock,
			Window:   cfg.Window,
			Logger:   log,
			Recorder: cfg.Recorder,
		}),
	}
}

// SiteID returns the normalized host the page belongs to.
func (c *Controller) SiteID() string { return c.site }

// Document returns the live document.
func (c *Controller) Document() *dom.Document { return c.doc }

// Engine exposes the suppression engine, for diagnostics.
func (c *Controller) Engine() *engine.Engine { return c.eng }

// ApplyFromSettings converges the page onto the configuration s resolves to
// for this site. A disabled configuration removes the stylesheet, stops the
// engine and restores every hidden element. An enabled one installs the
// stylesheet, runs a pass and starts the engine. Repeated calls are safe.
func (c *Controller) ApplyFromSettings(s settings.Settings) {
	if c.unloaded {
		return
	}
	eff, has := settings.ResolveEffective(s, c.site)
	c.current, c.hasOverride = eff, has

	if !eff.Enabled {
		c.removeStyle()
		c.eng.Stop()
		restored := c.eng.RestoreAll()
		c.log.Debug("suppression disabled", zap.Int("restored", restored))
		return
	}

	c.installStyle(style.Build(eff))
	res := c.eng.ApplyDynamic(eff)
	c.eng.Start(eff)
	c.log.Debug("suppression applied",
		zap.Bool("hideAds", eff.HideAds),
		zap.Bool("hideComments", eff.HideComments),
		zap.Bool("theme", eff.ThemeEnabled),
		zap.Int("hidden", res.Hidden))
}

// GetContext returns the configuration last applied.
func (c *Controller) GetContext() Context {
	return Context{SiteID: c.site, Effective: c.current, HasSiteOverride: c.hasOverride}
}

// ContextFor resolves s for this page without applying it.
func (c *Controller) ContextFor(s settings.Settings) Context {
	eff, has := settings.ResolveEffective(s, c.site)
	return Context{SiteID: c.site, Effective: eff, HasSiteOverride: has}
}

// Unload stops the engine for good. Later ApplyFromSettings calls are ignored.
func (c *Controller) Unload() {
	c.eng.Stop()
	c.unloaded = true
}

// Handle answers a page-context request. Settings are loaded on the calling
// goroutine; the converge step then runs on the page loop.
func (c *Controller) Handle(ctx context.Context, load Loader, req messaging.Request) messaging.Response {
	switch req.Kind {
	case messaging.ReloadSettings:
		s, err := load(ctx)
		if err != nil {
			return messaging.Fail(fmt.Errorf("load settings: %w", err))
		}
		if err := c.loop.Do(ctx, func() { c.ApplyFromSettings(s) }); err != nil {
			return messaging.Fail(err)
		}
		return messaging.OK()
	case messaging.GetContext:
		s, err := load(ctx)
		if err != nil {
			return messaging.Fail(fmt.Errorf("load settings: %w", err))
		}
		pc := c.ContextFor(s)
		return messaging.ContextReply(messaging.Context{
			Hostname:        pc.SiteID,
			Effective:       pc.Effective,
			HasSiteOverride: pc.HasSiteOverride,
		})
	}
	return messaging.Fail(fmt.Errorf("%w: %s is not a page message", messaging.ErrIgnored, req.Kind))
}

func (c *Controller) installStyle(css string) {
	el := c.doc.ElementByID(style.ElementID)
	if el == nil {
		parent := c.doc.DocumentElement()
		if parent == nil {
			c.log.Warn("document has no root element; stylesheet not installed")
			return
		}
		el = dom.NewElement("style",
			html.Attribute{Key: "id", Val: style.ElementID},
			html.Attribute{Key: "type", Val: "text/css"},
		)
		c.doc.AppendChild(parent, el)
	}
	if dom.TextContent(el) != css {
		c.doc.SetText(el, css)
	}
}

func (c *Controller) removeStyle() {
	if el := c.doc.ElementByID(style.ElementID); el != nil {
		c.doc.Remove(el)
	}
}
