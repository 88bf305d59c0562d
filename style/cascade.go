package style

import (
	"fmt"
	"strings"

	"github.com/andybalholm/cascadia"
	cssast "github.com/aymerick/douceur/css"
	"github.com/aymerick/douceur/parser"
	"golang.org/x/net/html"
)

type propState struct {
	val       string
	spec      cascadia.Specificity
	order     int
	important bool
}

// Declaration is one property/value pair.
type Declaration struct {
	Property  string
	Value     string
	Important bool
}

type cssRule struct {
	selector     cascadia.Sel
	specificity  cascadia.Specificity
	declarations []Declaration
	order        int
}

// Stylesheet is a parsed set of rules that can be cascaded over elements.
// Only screen media are considered; pseudo-element rules are dropped.
type Stylesheet struct {
	rules []cssRule
	// Skipped counts selectors cascadia could not parse. Pseudo-element
	// selectors are dropped without being counted.
	Skipped int
}

// inlineSpecificity ranks a style attribute above any selector.
var inlineSpecificity = cascadia.Specificity{1 << 12, 0, 0}

// Parse parses CSS text. A parse failure of the whole sheet is returned; a
// selector cascadia rejects is skipped and counted while the rest of its
// group still applies.
func Parse(css string) (*Stylesheet, error) {
	ss := &Stylesheet{}
	if err := ss.add(css); err != nil {
		return nil, err
	}
	return ss, nil
}

// FromDocument collects every <style> element of doc, in document order.
// Sheets that fail to parse are skipped.
func FromDocument(doc *html.Node) *Stylesheet {
	ss := &Stylesheet{}
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && strings.EqualFold(n.Data, "style") {
			if n.FirstChild != nil && n.FirstChild.Type == html.TextNode {
				_ = ss.add(n.FirstChild.Data)
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	if doc != nil {
		walk(doc)
	}
	return ss
}

// Len returns the number of selector rules in the sheet.
func (ss *Stylesheet) Len() int {
	if ss == nil {
		return 0
	}
	return len(ss.rules)
}

func (ss *Stylesheet) add(txt string) error {
	trimmed := strings.TrimSpace(txt)
	if trimmed == "" {
		return nil
	}
	sheet, err := parser.Parse(trimmed)
	if err != nil {
		return fmt.Errorf("style: parse stylesheet: %w", err)
	}
	order := len(ss.rules)

	var walk func([]*cssast.Rule, int)
	walk = func(list []*cssast.Rule, depth int) {
		if depth >= 16 {
			return
		}
		for _, rule := range list {
			if rule == nil {
				continue
			}
			switch rule.Kind {
			case cssast.AtRule:
				switch strings.ToLower(strings.TrimSpace(rule.Name)) {
				case "@media":
					if screenMedia(rule.Prelude) {
						walk(rule.Rules, depth+1)
					}
				case "@supports":
					walk(rule.Rules, depth+1)
				default:
					if rule.EmbedsRules() {
						walk(rule.Rules, depth+1)
					}
				}
			case cssast.QualifiedRule:
				decls := convertDeclarations(rule.Declarations)
				if len(decls) == 0 || len(rule.Selectors) == 0 {
					continue
				}
				for _, text := range rule.Selectors {
					sel, err := cascadia.ParseWithPseudoElement(strings.TrimSpace(text))
					if err != nil {
						ss.Skipped++
						continue
					}
					if sel.PseudoElement() != "" {
						continue
					}
					ss.rules = append(ss.rules, cssRule{
						selector:     sel,
						specificity:  sel.Specificity(),
						declarations: append([]Declaration(nil), decls...),
						order:        order,
					})
					order++
				}
			}
		}
	}
	walk(sheet.Rules, 0)
	return nil
}

func convertDeclarations(list []*cssast.Declaration) []Declaration {
	if len(list) == 0 {
		return nil
	}
	out := make([]Declaration, 0, len(list))
	for _, decl := range list {
		if decl == nil {
			continue
		}
		prop := strings.ToLower(strings.TrimSpace(decl.Property))
		val := strings.TrimSpace(decl.Value)
		if prop == "" || val == "" {
			continue
		}
		out = append(out, Declaration{Property: prop, Value: val, Important: decl.Important})
	}
	return out
}

// screenMedia reports whether any query of a media prelude applies to a
// screen. Feature expressions are assumed to match.
func screenMedia(prelude string) bool {
	if strings.TrimSpace(prelude) == "" {
		return true
	}
	for _, raw := range strings.Split(prelude, ",") {
		query := strings.ToLower(strings.TrimSpace(raw))
		if query == "" {
			continue
		}
		parts := strings.Fields(query)
		mediaType := ""
		if !strings.HasPrefix(parts[0], "(") {
			mediaType = parts[0]
		}
		switch mediaType {
		case "print", "speech", "aural", "braille", "embossed", "tty", "tv":
			continue
		case "not":
			continue
		}
		return true
	}
	return false
}

// Computed cascades the sheet and the element's style attribute over n and
// returns the winning value per property, or nil when nothing applies.
func (ss *Stylesheet) Computed(n *html.Node) map[string]string {
	if n == nil || n.Type != html.ElementNode {
		return nil
	}
	props := map[string]propState{}
	if ss != nil {
		for _, rule := range ss.rules {
			if rule.selector == nil || !rule.selector.Match(n) {
				continue
			}
			for _, decl := range rule.declarations {
				applyDeclaration(props, decl, rule.specificity, rule.order)
			}
		}
	}
	for i, decl := range ParseInline(attr(n, "style")) {
		applyDeclaration(props, decl, inlineSpecificity, (1<<30)+i)
	}
	if len(props) == 0 {
		return nil
	}
	out := make(map[string]string, len(props))
	for k, st := range props {
		out[k] = st.val
	}
	return out
}

// Hidden reports whether n itself computes to display:none or
// visibility:hidden.
func (ss *Stylesheet) Hidden(n *html.Node) bool {
	props := ss.Computed(n)
	if props == nil {
		return false
	}
	return strings.EqualFold(props["display"], "none") ||
		strings.EqualFold(props["visibility"], "hidden")
}

func applyDeclaration(store map[string]propState, decl Declaration, spec cascadia.Specificity, order int) {
	prop := strings.ToLower(strings.TrimSpace(decl.Property))
	value := strings.TrimSpace(decl.Value)
	if prop == "" || value == "" {
		return
	}
	entry := propState{val: value, spec: spec, order: order, important: decl.Important}
	prev, ok := store[prop]
	if !ok {
		store[prop] = entry
		return
	}
	if prev.important && !decl.Important {
		return
	}
	if decl.Important && !prev.important {
		store[prop] = entry
		return
	}
	if prev.spec.Less(spec) {
		store[prop] = entry
		return
	}
	if spec.Less(prev.spec) {
		return
	}
	if order >= prev.order {
		store[prop] = entry
	}
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if strings.EqualFold(a.Key, key) {
			return a.Val
		}
	}
	return ""
}
