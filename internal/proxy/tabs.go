package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/andybalholm/cascadia"
	"go.uber.org/zap"

	"focusshield/dom"
	"focusshield/engine"
	"focusshield/internal/messaging"
	"focusshield/internal/metrics"
	"focusshield/page"
	"focusshield/settings"
)

var (
	// ErrNoActiveTab carries the exact text page clients display.
	ErrNoActiveTab    = errors.New("No active tab.")
	ErrTabNotFound    = errors.New("tab not found")
	ErrNoInsertTarget = errors.New("insert target not found")
	ErrBadSelector    = errors.New("invalid selector")
)

// Tab is one open page: a live document with its own execution loop.
type Tab struct {
	ID     string
	URL    string
	Mode   string
	Opened time.Time

	title  string
	clock  engine.Clock
	loop   *page.Loop
	doc    *dom.Document
	ctrl   *page.Controller
	events *eventHub
	once   sync.Once
}

// TabInfo is the JSON listing of a tab.
type TabInfo struct {
	ID     string    `json:"id"`
	URL    string    `json:"url"`
	SiteID string    `json:"siteId"`
	Title  string    `json:"title"`
	Mode   string    `json:"mode"`
	Opened time.Time `json:"opened"`
	Active bool      `json:"active"`
}

type tabOptions struct {
	id      string
	url     string
	mode    string
	body    []byte
	clock   engine.Clock
	window  time.Duration
	log     *zap.Logger
	metrics *metrics.Metrics
}

// tabRecorder feeds pass statistics to metrics and the tab's subscribers.
type tabRecorder struct {
	tab *Tab
	m   *metrics.Metrics
}

func (r *tabRecorder) ObservePass(trigger string, hidden int, d time.Duration) {
	r.m.ObservePass(trigger, hidden, d)
	r.tab.events.publish(Event{Type: EventPass, TabID: r.tab.ID, Time: r.tab.clock.Now(), Trigger: trigger, Hidden: hidden})
}

func (r *tabRecorder) RuleFailure(family string) { r.m.RuleFailure(family) }

func openTab(opts tabOptions) (*Tab, error) {
	loop := page.NewLoop()
	doc, err := dom.Parse(bytes.NewReader(opts.body), func(fn func()) { loop.Post(fn) })
	if err != nil {
		loop.Close()
		return nil, err
	}
	clock := opts.clock
	if clock == nil {
		clock = engine.SystemClock
	}
	t := &Tab{
		ID:     opts.id,
		URL:    opts.url,
		Mode:   opts.mode,
		Opened: clock.Now(),
		title:  doc.Title(),
		clock:  clock,
		loop:   loop,
		doc:    doc,
		events: newEventHub(),
	}
	t.ctrl = page.NewController(page.Config{
		SiteID:   hostOf(opts.url),
		Document: doc,
		Loop:     loop,
		Clock:    clock,
		Window:   opts.window,
		Logger:   opts.log.With(zap.String("tab", opts.id)),
		Recorder: &tabRecorder{tab: t, m: opts.metrics},
	})
	return t, nil
}

func hostOf(target string) string {
	u, err := url.Parse(target)
	if err != nil {
		return ""
	}
	return settings.NormalizeHost(u.Host)
}

// SiteID returns the normalized host of the tab's page.
func (t *Tab) SiteID() string { return t.ctrl.SiteID() }

// Info describes the tab for listings.
func (t *Tab) Info(active bool) TabInfo {
	return TabInfo{
		ID:     t.ID,
		URL:    t.URL,
		SiteID: t.SiteID(),
		Title:  t.title,
		Mode:   t.Mode,
		Opened: t.Opened,
		Active: active,
	}
}

// Apply converges the page onto s.
func (t *Tab) Apply(ctx context.Context, s settings.Settings) error {
	var pc page.Context
	err := t.loop.Do(ctx, func() {
		t.ctrl.ApplyFromSettings(s)
		pc = t.ctrl.GetContext()
	})
	if err != nil {
		return err
	}
	t.publishApplied(pc)
	return nil
}

// Handle answers a page-context message.
func (t *Tab) Handle(ctx context.Context, load page.Loader, req messaging.Request) messaging.Response {
	resp := t.ctrl.Handle(ctx, load, req)
	if req.Kind == messaging.ReloadSettings && resp.OK {
		var pc page.Context
		if err := t.loop.Do(ctx, func() { pc = t.ctrl.GetContext() }); err == nil {
			t.publishApplied(pc)
		}
	}
	return resp
}

func (t *Tab) publishApplied(pc page.Context) {
	t.events.publish(Event{
		Type:  EventApplied,
		TabID: t.ID,
		Time:  t.clock.Now(),
		Context: &messaging.Context{
			Hostname:        pc.SiteID,
			Effective:       pc.Effective,
			HasSiteOverride: pc.HasSiteOverride,
		},
	})
}

// Insert parses fragment and appends it to the first element matching
// selector, as late-arriving content would be. It returns the number of
// top-level nodes inserted.
func (t *Tab) Insert(ctx context.Context, selector, fragment string) (int, error) {
	if _, err := cascadia.Compile(selector); err != nil {
		return 0, fmt.Errorf("%w: %q: %v", ErrBadSelector, selector, err)
	}
	var (
		inserted int
		ierr     error
	)
	err := t.loop.Do(ctx, func() {
		target := goquery.NewDocumentFromNode(t.doc.Root()).Find(selector).First()
		if target.Length() == 0 {
			ierr = fmt.Errorf("%w: %q", ErrNoInsertTarget, selector)
			return
		}
		nodes, err := t.doc.AppendHTML(target.Get(0), fragment)
		if err != nil {
			ierr = err
			return
		}
		inserted = len(nodes)
	})
	if err != nil {
		return 0, err
	}
	if ierr != nil {
		return 0, ierr
	}
	t.events.publish(Event{Type: EventInsert, TabID: t.ID, Time: t.clock.Now(), Nodes: inserted})
	return inserted, nil
}

// Render serializes the live document. With strip, elements the page's own
// styles hide are dropped from the output; the live document is unchanged.
func (t *Tab) Render(ctx context.Context, strip bool) (string, error) {
	var out string
	if err := t.loop.Do(ctx, func() { out = t.doc.String() }); err != nil {
		return "", err
	}
	if !strip {
		return out, nil
	}
	snap, err := dom.ParseString(out, nil)
	if err != nil {
		return "", err
	}
	stripHidden(snap)
	return snap.String(), nil
}

// Context returns the configuration last applied to the page.
func (t *Tab) Context(ctx context.Context) (page.Context, error) {
	var pc page.Context
	err := t.loop.Do(ctx, func() { pc = t.ctrl.GetContext() })
	return pc, err
}

// Subscribe streams the tab's events until cancel is called or the tab
// closes.
func (t *Tab) Subscribe() (<-chan Event, func()) { return t.events.subscribe() }

// Close unloads the page and stops its loop.
func (t *Tab) Close() {
	t.once.Do(func() {
		t.loop.Post(t.ctrl.Unload)
		t.loop.Close()
		t.events.close(&Event{Type: EventClosed, TabID: t.ID, Time: t.clock.Now()})
	})
}

// tabRegistry tracks open tabs and which one is active.
type tabRegistry struct {
	mu     sync.RWMutex
	tabs   map[string]*Tab
	order  []string
	active string
}

func newTabRegistry() *tabRegistry {
	return &tabRegistry{tabs: make(map[string]*Tab)}
}

// add registers t and makes it the active tab.
func (r *tabRegistry) add(t *Tab) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tabs[t.ID] = t
	r.order = append(r.order, t.ID)
	r.active = t.ID
}

func (r *tabRegistry) get(id string) (*Tab, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tabs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTabNotFound, id)
	}
	return t, nil
}

// remove unregisters a tab. Closing the active tab leaves no tab active.
func (r *tabRegistry) remove(id string) (*Tab, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tabs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTabNotFound, id)
	}
	delete(r.tabs, id)
	for i, v := range r.order {
		if v == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	if r.active == id {
		r.active = ""
	}
	return t, nil
}

func (r *tabRegistry) activate(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tabs[id]; !ok {
		return fmt.Errorf("%w: %s", ErrTabNotFound, id)
	}
	r.active = id
	return nil
}

func (r *tabRegistry) activeTab() (*Tab, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tabs[r.active]
	if !ok {
		return nil, ErrNoActiveTab
	}
	return t, nil
}

func (r *tabRegistry) isActive(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.active == id
}

// list returns the tabs in opening order.
func (r *tabRegistry) list() []*Tab {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Tab, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.tabs[id])
	}
	return out
}

func (r *tabRegistry) count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tabs)
}
