// Package dom is a live document over an x/net/html tree.
//
// Every structural change made through a Document is reported to its
// observers as child-list records, batched and delivered through the
// document's Poster. A Document is not safe for concurrent use; it belongs to
// the goroutine that owns the page.
package dom

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// Poster schedules fn to run later on the document's goroutine.
type Poster func(fn func())

// Record describes one child-list change under Target.
type Record struct {
	Target  *html.Node
	Added   []*html.Node
	Removed []*html.Node
}

var ErrNotChild = errors.New("dom: node is not a child of parent")

// Document wraps a parsed tree.
type Document struct {
	root      *html.Node
	post      Poster
	observers []*Observer
}

// New wraps root. A nil post delivers records synchronously.
func New(root *html.Node, post Poster) *Document {
	return &Document{root: root, post: post}
}

// Parse reads an HTML document from r.
func Parse(r io.Reader, post Poster) (*Document, error) {
	root, err := html.Parse(r)
	if err != nil {
		return nil, fmt.Errorf("dom: parse: %w", err)
	}
	return New(root, post), nil
}

// ParseString is Parse over a string.
func ParseString(src string, post Poster) (*Document, error) {
	return Parse(strings.NewReader(src), post)
}

// Root returns the document node.
func (d *Document) Root() *html.Node { return d.root }

// DocumentElement returns the <html> element.
func (d *Document) DocumentElement() *html.Node {
	for c := d.root.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode {
			return c
		}
	}
	return nil
}

// Head returns the <head> element, if any.
func (d *Document) Head() *html.Node { return d.childOfRoot(atom.Head) }

// Body returns the <body> element, if any.
func (d *Document) Body() *html.Node { return d.childOfRoot(atom.Body) }

func (d *Document) childOfRoot(a atom.Atom) *html.Node {
	el := d.DocumentElement()
	if el == nil {
		return nil
	}
	for c := el.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode && c.DataAtom == a {
			return c
		}
	}
	return nil
}

// ElementByID returns the first element in document order with the id.
func (d *Document) ElementByID(id string) *html.Node {
	var found *html.Node
	Walk(d.root, func(n *html.Node) bool {
		if found != nil {
			return false
		}
		if n.Type == html.ElementNode {
			if v, ok := Attr(n, "id"); ok && v == id {
				found = n
				return false
			}
		}
		return true
	})
	return found
}

// Title returns the trimmed text of the first <title> element.
func (d *Document) Title() string {
	var title string
	Walk(d.root, func(n *html.Node) bool {
		if title != "" {
			return false
		}
		if n.Type == html.ElementNode && n.DataAtom == atom.Title {
			title = strings.TrimSpace(TextContent(n))
			return false
		}
		return true
	})
	return title
}

// AppendChild detaches child from wherever it is and appends it to parent.
func (d *Document) AppendChild(parent, child *html.Node) {
	d.InsertBefore(parent, child, nil)
}

// InsertBefore detaches child and inserts it before ref under parent; a nil
// ref appends.
func (d *Document) InsertBefore(parent, child, ref *html.Node) {
	if child.Parent != nil {
		d.Remove(child)
	}
	parent.InsertBefore(child, ref)
	d.record(Record{Target: parent, Added: []*html.Node{child}})
}

// Remove detaches n from its parent. Detached nodes are ignored.
func (d *Document) Remove(n *html.Node) {
	parent := n.Parent
	if parent == nil {
		return
	}
	parent.RemoveChild(n)
	d.record(Record{Target: parent, Removed: []*html.Node{n}})
}

// RemoveChild detaches child from parent.
func (d *Document) RemoveChild(parent, child *html.Node) error {
	if child.Parent != parent {
		return ErrNotChild
	}
	d.Remove(child)
	return nil
}

// SetText replaces the children of n with a single text node, reported as one
// record.
func (d *Document) SetText(n *html.Node, text string) {
	var removed []*html.Node
	for c := n.FirstChild; c != nil; {
		next := c.NextSibling
		n.RemoveChild(c)
		removed = append(removed, c)
		c = next
	}
	rec := Record{Target: n, Removed: removed}
	if text != "" {
		t := &html.Node{Type: html.TextNode, Data: text}
		n.AppendChild(t)
		rec.Added = []*html.Node{t}
	}
	if len(rec.Added) > 0 || len(rec.Removed) > 0 {
		d.record(rec)
	}
}

// AppendHTML parses fragment in the context of parent and appends the result,
// reported as one record. It returns the inserted top-level nodes.
func (d *Document) AppendHTML(parent *html.Node, fragment string) ([]*html.Node, error) {
	if parent == nil || parent.Type != html.ElementNode {
		return nil, errors.New("dom: fragment parent must be an element")
	}
	nodes, err := html.ParseFragment(strings.NewReader(fragment), parent)
	if err != nil {
		return nil, fmt.Errorf("dom: parse fragment: %w", err)
	}
	for _, n := range nodes {
		parent.AppendChild(n)
	}
	if len(nodes) > 0 {
		d.record(Record{Target: parent, Added: nodes})
	}
	return nodes, nil
}

// Render serializes the document.
func (d *Document) Render(w io.Writer) error {
	return html.Render(w, d.root)
}

// String serializes the document, for logs and tests.
func (d *Document) String() string {
	var buf bytes.Buffer
	if err := d.Render(&buf); err != nil {
		return ""
	}
	return buf.String()
}

// Walk visits n and its descendants in document order. Returning false from
// fn skips the node's children.
func Walk(n *html.Node, fn func(*html.Node) bool) {
	if n == nil {
		return
	}
	if !fn(n) {
		return
	}
	for c := n.FirstChild; c != nil; {
		next := c.NextSibling
		Walk(c, fn)
		c = next
	}
}

// TextContent concatenates the text nodes under n.
func TextContent(n *html.Node) string {
	var b strings.Builder
	Walk(n, func(c *html.Node) bool {
		if c.Type == html.TextNode {
			b.WriteString(c.Data)
		}
		return true
	})
	return b.String()
}

// NewElement returns a detached element.
func NewElement(tag string, attrs ...html.Attribute) *html.Node {
	return &html.Node{
		Type:     html.ElementNode,
		Data:     tag,
		DataAtom: atom.Lookup([]byte(tag)),
		Attr:     attrs,
	}
}
