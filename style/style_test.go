package style

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/html"

	"focusshield/rules"
	"focusshield/settings"
)

func TestBuildDefaultsForExampleCom(t *testing.T) {
	eff, has := settings.ResolveEffective(settings.Defaults(), "example.com")
	require.False(t, has)

	css := Build(eff)
	assert.Contains(t, css, "filter: saturate(0.85) contrast(1.08);")
	assert.Contains(t, css, "/* ---- Hide Ads (heuristics) ---- */")
	assert.Contains(t, css, strings.Join(rules.Static(rules.Ads), ",\n")+" {\n  display: none !important;\n  visibility: hidden !important;\n}")
	assert.NotContains(t, css, "Hide Comments")
	assert.NotContains(t, css, "#disqus_thread")
}

func TestBuildDisabled(t *testing.T) {
	assert.Equal(t, "", Build(settings.Effective{Enabled: false, HideAds: true, ThemeEnabled: true}))
}

func TestBuildBlockOrder(t *testing.T) {
	css := Build(settings.Effective{Enabled: true, HideAds: true, HideComments: true, ThemeEnabled: true, Saturation: 1, Contrast: 1.4})
	theme := strings.Index(css, "Study Theme")
	ads := strings.Index(css, "Hide Ads")
	comments := strings.Index(css, "Hide Comments")
	require.True(t, theme >= 0 && ads >= 0 && comments >= 0)
	assert.Less(t, theme, ads)
	assert.Less(t, ads, comments)
	assert.Contains(t, css, "saturate(1) contrast(1.4)")
}

func TestBuildWithoutTheme(t *testing.T) {
	css := Build(settings.Effective{Enabled: true, HideComments: true})
	assert.NotContains(t, css, "color-scheme")
	assert.Contains(t, css, "#comments,\n")
}

func TestBuildIsByteIdentical(t *testing.T) {
	eff := settings.Effective{Enabled: true, HideAds: true, HideComments: true, ThemeEnabled: true, Saturation: 0.3, Contrast: 0.8}
	assert.Equal(t, Build(eff), Build(eff))
}

func TestBuiltSheetParsesAndHides(t *testing.T) {
	eff := settings.Effective{Enabled: true, HideAds: true, HideComments: true, ThemeEnabled: true, Saturation: 0.85, Contrast: 1.08}
	ss, err := Parse(Build(eff))
	require.NoError(t, err)
	// ::before and ::after in the motion group are dropped, not counted.
	assert.Zero(t, ss.Skipped)

	doc := parseDoc(t, `<html><body>
<div id="ad-top">x</div>
<div class="Sponsor-box">x</div>
<section id="comments">x</section>
<article id="story">text</article>
</body></html>`)

	assert.True(t, ss.Hidden(byID(doc, "ad-top")))
	assert.True(t, ss.Hidden(byID(doc, "comments")))
	assert.False(t, ss.Hidden(byID(doc, "story")))

	sponsor := findFirst(doc, func(n *html.Node) bool { return attr(n, "class") == "Sponsor-box" })
	require.NotNil(t, sponsor)
	assert.True(t, ss.Hidden(sponsor))
}

func TestCascadeOrderAndImportance(t *testing.T) {
	ss, err := Parse(`
p { color: red; display: block; }
#x { color: blue; }
p { color: green; }
.weak { display: none !important; }
`)
	require.NoError(t, err)
	doc := parseDoc(t, `<p id="x" class="weak" style="display: inline">t</p><p id="y" style="color: black">u</p>`)

	x := ss.Computed(byID(doc, "x"))
	assert.Equal(t, "blue", x["color"])
	assert.Equal(t, "none", x["display"])

	y := ss.Computed(byID(doc, "y"))
	assert.Equal(t, "black", y["color"])
	assert.Equal(t, "block", y["display"])
}

func TestPrintMediaIgnored(t *testing.T) {
	ss, err := Parse(`@media print { #x { display: none; } } @media screen { #y { display: none; } }`)
	require.NoError(t, err)
	doc := parseDoc(t, `<div id="x"></div><div id="y"></div>`)
	assert.False(t, ss.Hidden(byID(doc, "x")))
	assert.True(t, ss.Hidden(byID(doc, "y")))
}

func TestFromDocument(t *testing.T) {
	doc := parseDoc(t, `<html><head><style>.hide { visibility: hidden }</style></head><body><span id="s" class="hide"></span></body></html>`)
	ss := FromDocument(doc)
	assert.Equal(t, 1, ss.Len())
	assert.True(t, ss.Hidden(byID(doc, "s")))
}

func TestInlineProperties(t *testing.T) {
	assert.Equal(t, "flex", InlineProperty("color: red; display: flex", "display"))
	assert.Equal(t, "", InlineProperty("color: red", "display"))

	assert.Equal(t, "color: red; display: none;", SetInlineProperty("color: red", "display", "none"))
	assert.Equal(t, "display: none; color: red;", SetInlineProperty("display: grid; color: red", "display", "none"))
	assert.Equal(t, "color: red;", SetInlineProperty("display: none; color: red", "display", ""))
	assert.Equal(t, "", SetInlineProperty("display: none", "display", ""))
	assert.Equal(t, "display: none;", SetInlineProperty("", "display", "none"))
}

func TestParseInlineUnterminated(t *testing.T) {
	decls := ParseInline("display: flex !important; color: red")
	require.Len(t, decls, 2)
	assert.Equal(t, Declaration{Property: "display", Value: "flex", Important: true}, decls[0])
	assert.Equal(t, Declaration{Property: "color", Value: "red"}, decls[1])

	assert.Equal(t, "inline-block", InlineProperty("margin:0;display:inline-block", "display"))
	assert.Equal(t, "0", InlineProperty("margin:0;display:inline-block", "margin"))
	assert.Equal(t, "inline-block", InlineProperty("background:url('data:x;BBB'); display:inline-block", "display"))
	assert.Equal(t, "url('data:x;BBB')", InlineProperty("background:url('data:x;BBB'); display:inline-block", "background"))
}

func TestSplitTopLevel(t *testing.T) {
	assert.Equal(t, []string{"a:b", " c:url(x;y)", ` d:"e;f"`, ""}, splitTopLevel(`a:b; c:url(x;y); d:"e;f";`, ';'))
	assert.Equal(t, []string{"background", "url(http://x)"}, splitTopLevel("background:url(http://x)", ':'))
}

func TestInlinePriorityRoundTrip(t *testing.T) {
	text := "display: flex !important; color: red"
	prev := InlinePropertyText(text, "display")
	assert.Equal(t, "flex !important", prev)

	hidden := SetInlineProperty(text, "display", "none")
	assert.Equal(t, "display: none; color: red;", hidden)
	assert.Equal(t, "display: flex !important; color: red;", SetInlineProperty(hidden, "display", prev))
}

func TestCascadeSkipsOnlyBadSelectors(t *testing.T) {
	ss, err := Parse(`#x, p:no-such-class, p::before { display: none }`)
	require.NoError(t, err)
	assert.Equal(t, 1, ss.Skipped)
	assert.Equal(t, 1, ss.Len())

	doc := parseDoc(t, `<html><body><div id="x"></div><p id="p"></p></body></html>`)
	assert.True(t, ss.Hidden(byID(doc, "x")))
	assert.False(t, ss.Hidden(byID(doc, "p")))
}

func parseDoc(t *testing.T, src string) *html.Node {
	t.Helper()
	doc, err := html.Parse(strings.NewReader(src))
	require.NoError(t, err)
	return doc
}

func byID(doc *html.Node, id string) *html.Node {
	return findFirst(doc, func(n *html.Node) bool { return attr(n, "id") == id })
}

func findFirst(n *html.Node, pred func(*html.Node) bool) *html.Node {
	if n.Type == html.ElementNode && pred(n) {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if m := findFirst(c, pred); m != nil {
			return m
		}
	}
	return nil
}
