package proxy

import (
	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"

	"focusshield/dom"
	"focusshield/style"
)

// stripHidden removes scripts and every element the document's stylesheets
// (the injected one included) or inline styles hide. It is for clients that
// do not apply CSS and returns the number of elements removed.
func stripHidden(doc *dom.Document) int {
	removed := 0
	goquery.NewDocumentFromNode(doc.Root()).Find("script, noscript").Each(func(_ int, s *goquery.Selection) {
		doc.Remove(s.Get(0))
		removed++
	})

	ss := style.FromDocument(doc.Root())
	var hidden []*html.Node
	dom.Walk(doc.Root(), func(n *html.Node) bool {
		if n.Type != html.ElementNode {
			return true
		}
		switch n.Data {
		case "html", "head", "body", "style":
			return n.Data != "style"
		}
		if ss.Hidden(n) {
			hidden = append(hidden, n)
			return false
		}
		return true
	})
	for _, n := range hidden {
		doc.Remove(n)
	}
	return removed + len(hidden)
}
