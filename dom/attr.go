package dom

import (
	"strings"

	"golang.org/x/net/html"

	"focusshield/style"
)

// Attr returns the value of the attribute key on n.
func Attr(n *html.Node, key string) (string, bool) {
	if n == nil {
		return "", false
	}
	for _, a := range n.Attr {
		if a.Namespace == "" && strings.EqualFold(a.Key, key) {
			return a.Val, true
		}
	}
	return "", false
}

// AttrOr returns the attribute value or def when it is absent.
func AttrOr(n *html.Node, key, def string) string {
	if v, ok := Attr(n, key); ok {
		return v
	}
	return def
}

// SetAttr sets key to val on n, replacing an existing value.
func SetAttr(n *html.Node, key, val string) {
	for i, a := range n.Attr {
		if a.Namespace == "" && strings.EqualFold(a.Key, key) {
			n.Attr[i].Val = val
			return
		}
	}
	n.Attr = append(n.Attr, html.Attribute{Key: key, Val: val})
}

// RemoveAttr deletes key from n.
func RemoveAttr(n *html.Node, key string) {
	out := n.Attr[:0]
	for _, a := range n.Attr {
		if a.Namespace == "" && strings.EqualFold(a.Key, key) {
			continue
		}
		out = append(out, a)
	}
	n.Attr = out
}

// StyleProperty returns the inline value of prop on n, like
// element.style[prop].
func StyleProperty(n *html.Node, prop string) string {
	v, _ := Attr(n, "style")
	return style.InlineProperty(v, prop)
}

// StylePropertyText is StyleProperty with a trailing " !important" when the
// declaration carries that priority.
func StylePropertyText(n *html.Node, prop string) string {
	v, _ := Attr(n, "style")
	return style.InlinePropertyText(v, prop)
}

// SetStyleProperty sets or, with an empty value, clears an inline style
// property. The style attribute is dropped once it holds nothing.
func SetStyleProperty(n *html.Node, prop, value string) {
	cur, _ := Attr(n, "style")
	next := style.SetInlineProperty(cur, prop, value)
	if next == "" {
		RemoveAttr(n, "style")
		return
	}
	SetAttr(n, "style", next)
}

// ClassName returns the class attribute of n.
func ClassName(n *html.Node) string {
	v, _ := Attr(n, "class")
	return v
}

// ParentElement returns the parent of n when it is an element.
func ParentElement(n *html.Node) *html.Node {
	if n == nil || n.Parent == nil || n.Parent.Type != html.ElementNode {
		return nil
	}
	return n.Parent
}
