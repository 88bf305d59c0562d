// Package rules is the selector catalogue used to find advertisement-like and
// comment-like regions.
//
// Every family comes in two modes. Static selectors are broad and only ever
// end up in a stylesheet, which is dropped wholesale to undo them. Dynamic
// selectors are narrower; each match is hidden by mutating the element, so
// they avoid anything likely to hit ordinary content.
package rules

import (
	"errors"
	"fmt"

	"github.com/andybalholm/cascadia"
	"golang.org/x/net/html"

	"focusshield/settings"
)

// Family groups rules by the kind of content they target.
type Family int

const (
	Ads Family = iota
	Comments
)

// Families lists every family in application order.
var Families = []Family{Ads, Comments}

func (f Family) String() string {
	switch f {
	case Ads:
		return "ads"
	case Comments:
		return "comments"
	}
	return fmt.Sprintf("Family(%d)", int(f))
}

var staticSelectors = map[Family][]string{
	Ads: {
		`[id^="ad" i]`,
		`[id*="-ad" i]`,
		`[id*="_ad" i]`,
		`[id*=" ad" i]`,
		`[class^="ad" i]`,
		`[class*="-ad" i]`,
		`[class*="_ad" i]`,
		`[class*=" ad" i]`,

		`[id*="sponsor" i]`,
		`[class*="sponsor" i]`,
		`[id*="promoted" i]`,
		`[class*="promoted" i]`,
		`[id*="advert" i]`,
		`[class*="advert" i]`,

		`.adsbygoogle`,
		`iframe[id*="google_ads" i]`,
		`iframe[src*="doubleclick" i]`,
	},
	Comments: {
		`#comments`,
		`[id*="comment" i]`,
		`[class*="comment" i]`,
		`#disqus_thread`,
		`[class*="disqus" i]`,
		`[data-testid*="comment" i]`,
		`[data-test*="comment" i]`,
	},
}

var dynamicSelectors = map[Family][]string{
	Ads: {
		`[aria-label*="sponsored" i]`,
		`[aria-label*="promoted" i]`,
		`[data-ad]`,
		`[data-ads]`,
		`[data-ad-slot]`,
		`[data-adunit]`,
		`a[href*="doubleclick" i]`,
		`iframe[src*="doubleclick" i]`,
	},
	Comments: {
		`#comments`,
		`#disqus_thread`,
		`[data-testid*="comment" i]`,
		`[data-test*="comment" i]`,
	},
}

// Static returns a copy of the stylesheet selectors for f.
func Static(f Family) []string {
	return append([]string(nil), staticSelectors[f]...)
}

// Dynamic returns a copy of the live-query selectors for f.
func Dynamic(f Family) []string {
	return append([]string(nil), dynamicSelectors[f]...)
}

// EnabledFamilies reports which families eff asks to hide. Nothing is enabled
// while eff.Enabled is false.
func EnabledFamilies(eff settings.Effective) []Family {
	if !eff.Enabled {
		return nil
	}
	var out []Family
	if eff.HideAds {
		out = append(out, Ads)
	}
	if eff.HideComments {
		out = append(out, Comments)
	}
	return out
}

// Rule is one compiled selector.
type Rule struct {
	Family   Family
	Selector string

	sel cascadia.Sel
}

// CompileError reports a selector cascadia rejected.
type CompileError struct {
	Family   Family
	Selector string
	Err      error
}

func (e *CompileError) Error() string {
	return fmt.Sprintf("rules: compile %s selector %q: %v", e.Family, e.Selector, e.Err)
}

func (e *CompileError) Unwrap() error { return e.Err }

// QueryError reports a rule that failed while matching a document.
type QueryError struct {
	Rule Rule
	Err  error
}

func (e *QueryError) Error() string {
	return fmt.Sprintf("rules: query %s selector %q: %v", e.Rule.Family, e.Rule.Selector, e.Err)
}

func (e *QueryError) Unwrap() error { return e.Err }

// Compile compiles every selector on its own. Selectors that fail are left out
// of the result and reported together as *CompileError values joined into the
// returned error; the others are still usable.
func Compile(f Family, selectors []string) ([]Rule, error) {
	out := make([]Rule, 0, len(selectors))
	var errs []error
	for _, s := range selectors {
		sel, err := cascadia.Parse(s)
		if err != nil {
			errs = append(errs, &CompileError{Family: f, Selector: s, Err: err})
			continue
		}
		out = append(out, Rule{Family: f, Selector: s, sel: sel})
	}
	return out, errors.Join(errs...)
}

// Query returns every element under root matching r, in document order. A
// panic raised while matching is returned as a *QueryError.
func (r Rule) Query(root *html.Node) (nodes []*html.Node, err error) {
	if r.sel == nil {
		return nil, &QueryError{Rule: r, Err: errors.New("rule not compiled")}
	}
	defer func() {
		if p := recover(); p != nil {
			nodes = nil
			err = &QueryError{Rule: r, Err: fmt.Errorf("panic: %v", p)}
		}
	}()
	return cascadia.QueryAll(root, r.sel), nil
}

// Match reports whether n itself matches r.
func (r Rule) Match(n *html.Node) bool {
	return r.sel != nil && r.sel.Match(n)
}
