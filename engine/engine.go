// Package engine keeps a live document hidden-region-free: it runs
// suppression passes over the dynamic rules, repeats them as the document
// changes, and can undo everything it hid.
//
// An Engine is confined to the page loop. Observer deliveries and throttle
// timers reach it only through Config.Post.
package engine

import (
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"focusshield/dom"
	"focusshield/rules"
	"focusshield/settings"
)

// Marker attributes recording a suppressed element.
const (
	HiddenAttr      = "data-shield-hidden"
	PrevDisplayAttr = "data-shield-prev-display"
)

// DefaultWindow is the throttle cool-down between passes.
const DefaultWindow = 250 * time.Millisecond

// maxWiden bounds how many ancestors BestContainer climbs.
const maxWiden = 3

// State is the engine's watch state.
type State int

const (
	Stopped State = iota
	Watching
)

func (s State) String() string {
	if s == Watching {
		return "watching"
	}
	return "stopped"
}

// Recorder receives pass statistics. internal/metrics provides the
// Prometheus implementation.
type Recorder interface {
	ObservePass(trigger string, hidden int, d time.Duration)
	RuleFailure(family string)
}

type nopRecorder struct{}

func (nopRecorder) ObservePass(string, int, time.Duration) {}
func (nopRecorder) RuleFailure(string)                     {}

// Config wires an Engine to its page.
type Config struct {
	Document *dom.Document
	// Post schedules work on the page loop. Nil runs it inline.
	Post     func(func())
	Clock    Clock
	Window   time.Duration
	Logger   *zap.Logger
	Recorder Recorder
}

// PassResult summarizes one suppression pass.
type PassResult struct {
	Matched  int
	Hidden   int
	Failures []error
}

// Engine is the Stopped/Watching state machine.
type Engine struct {
	doc      *dom.Document
	post     func(func())
	clock    Clock
	window   time.Duration
	log      *zap.Logger
	recorder Recorder
	rules    map[rules.Family][]rules.Rule

	state    State
	current  settings.Effective
	observer *dom.Observer
	throttle *throttle
	passes   int
}

// New compiles the dynamic rules and returns a stopped engine. Rules that do
// not compile are logged and left out.
func New(cfg Config) *Engine {
	e := &Engine{
		doc:      cfg.Document,
		post:     cfg.Post,
		clock:    cfg.Clock,
		window:   cfg.Window,
		log:      cfg.Logger,
		recorder: cfg.Recorder,
		rules:    make(map[rules.Family][]rules.Rule, len(rules.Families)),
	}
	if e.post == nil {
		e.post = func(fn func()) { fn() }
	}
	if e.clock == nil {
		e.clock = SystemClock
	}
	if e.window <= 0 {
		e.window = DefaultWindow
	}
	if e.log == nil {
		e.log = zap.NewNop()
	}
	if e.recorder == nil {
		e.recorder = nopRecorder{}
	}
	for _, f := range rules.Families {
		compiled, err := rules.Compile(f, rules.Dynamic(f))
		if err != nil {
			e.log.Warn("dynamic rules failed to compile", zap.Stringer("family", f), zap.Error(err))
			e.recorder.RuleFailure(f.String())
		}
		e.rules[f] = compiled
	}
	return e
}

// State reports whether the engine is watching.
func (e *Engine) State() State { return e.state }

// Passes counts passes run since New, for tests and diagnostics.
func (e *Engine) Passes() int { return e.passes }

// Start records eff for later passes. From Stopped it installs a child-list
// watch over the whole document and runs one pass; while Watching it does
// nothing more.
func (e *Engine) Start(eff settings.Effective) {
	e.current = eff
	if e.state == Watching {
		return
	}
	e.state = Watching
	e.throttle = newThrottle(e.clock, e.window, e.post, e.tick)
	e.observer = e.doc.Observe(func([]dom.Record) {
		if e.throttle != nil {
			e.throttle.trigger()
		}
	})
	e.log.Debug("suppression watch started")
	e.run("start")
}

// Stop disconnects the watch and cancels any trailing pass. Hidden elements
// stay hidden; use RestoreAll for that.
func (e *Engine) Stop() {
	if e.state == Stopped {
		return
	}
	e.state = Stopped
	if e.observer != nil {
		e.observer.Disconnect()
		e.observer = nil
	}
	if e.throttle != nil {
		e.throttle.stop()
		e.throttle = nil
	}
	e.log.Debug("suppression watch stopped")
}

func (e *Engine) tick() {
	if e.state != Watching {
		return
	}
	e.run("mutation")
}

func (e *Engine) run(trigger string) PassResult {
	if !e.current.Enabled {
		return PassResult{}
	}
	started := e.clock.Now()
	res := e.ApplyDynamic(e.current)
	e.recorder.ObservePass(trigger, res.Hidden, e.clock.Now().Sub(started))
	return res
}

// ApplyDynamic runs one suppression pass for the families eff enables. Each
// match is widened with BestContainer and hidden unless already marked. A rule
// that fails is logged and counted; the remaining rules still run.
func (e *Engine) ApplyDynamic(eff settings.Effective) PassResult {
	var res PassResult
	families := rules.EnabledFamilies(eff)
	if len(families) == 0 {
		return res
	}
	e.passes++
	root := e.doc.Root()
	for _, f := range families {
		for _, r := range e.rules[f] {
			nodes, err := r.Query(root)
			if err != nil {
				e.log.Warn("suppression rule failed", zap.String("selector", r.Selector), zap.Error(err))
				e.recorder.RuleFailure(f.String())
				res.Failures = append(res.Failures, err)
				continue
			}
			res.Matched += len(nodes)
			for _, n := range nodes {
				if Suppress(BestContainer(n)) {
					res.Hidden++
				}
			}
		}
	}
	if res.Hidden > 0 {
		e.log.Debug("suppression pass", zap.Int("matched", res.Matched), zap.Int("hidden", res.Hidden))
	}
	return res
}

// RestoreAll undoes every suppression in the document and returns how many
// elements were restored. Calling it with nothing hidden is a no-op.
func (e *Engine) RestoreAll() int {
	var marked []*html.Node
	dom.Walk(e.doc.Root(), func(n *html.Node) bool {
		if IsSuppressed(n) {
			marked = append(marked, n)
		}
		return true
	})
	for _, n := range marked {
		Restore(n)
	}
	if len(marked) > 0 {
		e.log.Debug("restored suppressed elements", zap.Int("count", len(marked)))
	}
	return len(marked)
}

// IsSuppressed reports whether n carries the suppression marker.
func IsSuppressed(n *html.Node) bool {
	if n == nil || n.Type != html.ElementNode {
		return false
	}
	v, _ := dom.Attr(n, HiddenAttr)
	return v == "1"
}

// Suppress hides n and records its previous inline display, priority
// included. It returns false when n is not an element or is already
// suppressed.
func Suppress(n *html.Node) bool {
	if n == nil || n.Type != html.ElementNode || IsSuppressed(n) {
		return false
	}
	dom.SetAttr(n, PrevDisplayAttr, dom.StylePropertyText(n, "display"))
	dom.SetStyleProperty(n, "display", "none")
	dom.SetAttr(n, HiddenAttr, "1")
	return true
}

// Restore puts back the recorded display value, or clears the inline display
// when none was recorded, and drops the markers.
func Restore(n *html.Node) bool {
	if !IsSuppressed(n) {
		return false
	}
	prev, _ := dom.Attr(n, PrevDisplayAttr)
	dom.SetStyleProperty(n, "display", prev)
	dom.RemoveAttr(n, HiddenAttr)
	dom.RemoveAttr(n, PrevDisplayAttr)
	return true
}

// BestContainer widens a match to a nearby wrapper so that labels such as
// "Sponsored" disappear with their content. It climbs up to three ancestors
// and stops early at one whose role mentions "banner", whose class mentions
// "ad" or "sponsor", or that is an <aside>. It never climbs into <body> or
// <html>.
func BestContainer(n *html.Node) *html.Node {
	cur := n
	for i := 0; i < maxWiden; i++ {
		p := dom.ParentElement(cur)
		if p == nil || p.DataAtom == atom.Body || p.DataAtom == atom.Html {
			break
		}
		cur = p
		if looksLikeWrapper(p) {
			break
		}
	}
	return cur
}

func looksLikeWrapper(n *html.Node) bool {
	role := strings.ToLower(dom.AttrOr(n, "role", ""))
	cls := strings.ToLower(dom.ClassName(n))
	return strings.Contains(role, "banner") ||
		strings.Contains(cls, "ad") ||
		strings.Contains(cls, "sponsor") ||
		n.DataAtom == atom.Aside
}
