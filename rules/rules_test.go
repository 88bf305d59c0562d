package rules

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/html"

	"focusshield/settings"
)

func TestCatalogueCompiles(t *testing.T) {
	for _, f := range Families {
		for name, list := range map[string][]string{"static": Static(f), "dynamic": Dynamic(f)} {
			t.Run(f.String()+"/"+name, func(t *testing.T) {
				rs, err := Compile(f, list)
				require.NoError(t, err)
				assert.Len(t, rs, len(list))
			})
		}
	}
}

func TestStaticReturnsCopy(t *testing.T) {
	a := Static(Ads)
	a[0] = "mutated"
	assert.NotEqual(t, "mutated", Static(Ads)[0])

	d := Dynamic(Comments)
	d[0] = "mutated"
	assert.Equal(t, "#comments", Dynamic(Comments)[0])
}

func TestCompileIsolatesFailures(t *testing.T) {
	rs, err := Compile(Ads, []string{"[data-ad]", "div[", "#x"})
	require.Error(t, err)
	assert.Len(t, rs, 2)

	var ce *CompileError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, "div[", ce.Selector)
	assert.Equal(t, Ads, ce.Family)
}

func TestEnabledFamilies(t *testing.T) {
	cases := []struct {
		name string
		eff  settings.Effective
		want []Family
	}{
		{"disabled", settings.Effective{Enabled: false, HideAds: true, HideComments: true}, nil},
		{"ads only", settings.Effective{Enabled: true, HideAds: true}, []Family{Ads}},
		{"both", settings.Effective{Enabled: true, HideAds: true, HideComments: true}, []Family{Ads, Comments}},
		{"none", settings.Effective{Enabled: true}, nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, EnabledFamilies(tc.eff))
		})
	}
}

func TestQueryCaseInsensitive(t *testing.T) {
	doc, err := html.Parse(strings.NewReader(`<html><body>
<div aria-label="SPONSORED content" id="a"></div>
<a href="https://ad.DoubleClick.net/x" id="b">x</a>
<div data-ad-slot="1" id="c"></div>
<p id="d">plain</p>
</body></html>`))
	require.NoError(t, err)

	rs, err := Compile(Ads, Dynamic(Ads))
	require.NoError(t, err)

	var ids []string
	for _, r := range rs {
		nodes, err := r.Query(doc)
		require.NoError(t, err)
		for _, n := range nodes {
			for _, a := range n.Attr {
				if a.Key == "id" {
					ids = append(ids, a.Val)
				}
			}
		}
	}
	assert.ElementsMatch(t, []string{"a", "b", "c"}, ids)
}

func TestQueryUncompiledRule(t *testing.T) {
	_, err := Rule{Family: Comments, Selector: "#comments"}.Query(&html.Node{Type: html.DocumentNode})
	var qe *QueryError
	assert.ErrorAs(t, err, &qe)
}
