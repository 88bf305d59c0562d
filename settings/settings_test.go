package settings

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	d := Defaults()
	assert.True(t, d.Global.Enabled)
	assert.True(t, d.Global.HideAds)
	assert.False(t, d.Global.HideComments)
	assert.True(t, d.Global.ThemeEnabled)
	assert.Equal(t, 0.85, d.Global.Saturation)
	assert.Equal(t, 1.08, d.Global.Contrast)
	assert.Empty(t, d.Sites)
}

func TestResolveEffectiveWithoutOverride(t *testing.T) {
	eff, has := ResolveEffective(Defaults(), "example.com")
	assert.False(t, has)
	assert.Equal(t, Effective{
		Enabled:      true,
		HideAds:      true,
		HideComments: false,
		ThemeEnabled: true,
		Saturation:   0.85,
		Contrast:     1.08,
	}, eff)
}

func TestResolveEffectiveOverridePrecedence(t *testing.T) {
	s := Defaults()
	s.Sites["news.example"] = SiteOverride{HideComments: Bool(true)}

	eff, has := ResolveEffective(s, "news.example")
	require.True(t, has)
	assert.True(t, eff.HideComments)
	assert.Equal(t, s.Global.Enabled, eff.Enabled)
	assert.Equal(t, s.Global.HideAds, eff.HideAds)
	assert.Equal(t, s.Global.ThemeEnabled, eff.ThemeEnabled)
	assert.Equal(t, s.Global.Saturation, eff.Saturation)
	assert.Equal(t, s.Global.Contrast, eff.Contrast)

	other, has := ResolveEffective(s, "other.example")
	assert.False(t, has)
	assert.False(t, other.HideComments)
}

func TestResolveEffectiveSiteKeyIsCaseInsensitive(t *testing.T) {
	s := Defaults()
	s.Sites["news.example"] = SiteOverride{Enabled: Bool(false)}
	eff, has := ResolveEffective(s, "News.Example")
	assert.True(t, has)
	assert.False(t, eff.Enabled)
}

func TestResolveEffectiveIsDeterministic(t *testing.T) {
	s := Defaults()
	s.Sites["a.example"] = SiteOverride{Saturation: Float(9), HideAds: Bool(false)}
	first, has1 := ResolveEffective(s, "a.example")
	second, has2 := ResolveEffective(s, "a.example")
	assert.Equal(t, first, second)
	assert.Equal(t, has1, has2)
}

func TestResolveEffectiveClamps(t *testing.T) {
	inputs := []float64{math.NaN(), math.Inf(1), math.Inf(-1), -5, 0, 0.29, 0.3, 0.9, 1.3, 1.4, 1e9}
	for _, in := range inputs {
		s := Defaults()
		s.Global.Saturation = in
		s.Global.Contrast = in
		eff, _ := ResolveEffective(s, "")
		assert.GreaterOrEqual(t, eff.Saturation, SaturationMin, "saturation for %v", in)
		assert.LessOrEqual(t, eff.Saturation, SaturationMax, "saturation for %v", in)
		assert.GreaterOrEqual(t, eff.Contrast, ContrastMin, "contrast for %v", in)
		assert.LessOrEqual(t, eff.Contrast, ContrastMax, "contrast for %v", in)
	}

	s := Defaults()
	s.Global.Saturation = math.NaN()
	s.Global.Contrast = 99
	eff, _ := ResolveEffective(s, "")
	assert.Equal(t, SaturationMin, eff.Saturation)
	assert.Equal(t, ContrastMax, eff.Contrast)
}

func TestSetFieldSiteScopeSnapshotsEffective(t *testing.T) {
	s := Defaults()
	s.Global.HideComments = true

	out, err := SetField(s, "x.com", FieldSaturation, 0.5, true)
	require.NoError(t, err)

	ov, ok := out.Sites["x.com"]
	require.True(t, ok)
	assert.ElementsMatch(t, Fields, ov.Fields())
	assert.Equal(t, 0.5, *ov.Saturation)
	assert.True(t, *ov.HideComments)
	assert.Equal(t, 1.08, *ov.Contrast)

	_, existed := s.Sites["x.com"]
	assert.False(t, existed, "input settings must not be modified")
}

func TestSetFieldSiteScopeKeepsExistingOverride(t *testing.T) {
	s := Defaults()
	s.Sites["x.com"] = SiteOverride{HideAds: Bool(false)}

	out, err := SetField(s, "X.com", FieldContrast, 1.2, true)
	require.NoError(t, err)
	ov := out.Sites["x.com"]
	assert.ElementsMatch(t, []Field{FieldHideAds, FieldContrast}, ov.Fields())
	assert.False(t, *ov.HideAds)
}

func TestSetFieldGlobalScopeLeavesOverrides(t *testing.T) {
	s := Defaults()
	s.Sites["x.com"] = SiteOverride{HideAds: Bool(true)}

	out, err := SetField(s, "x.com", FieldHideAds, false, false)
	require.NoError(t, err)
	assert.False(t, out.Global.HideAds)
	assert.True(t, *out.Sites["x.com"].HideAds)
	assert.True(t, s.Global.HideAds)
}

func TestSetFieldErrors(t *testing.T) {
	_, err := SetField(Defaults(), "x.com", Field("volume"), 1, false)
	assert.ErrorIs(t, err, ErrUnknownField)

	_, err = SetField(Defaults(), "  ", FieldHideAds, true, true)
	assert.ErrorIs(t, err, ErrNoSite)
}

func TestSetFieldCoercesValues(t *testing.T) {
	out, err := SetField(Defaults(), "", FieldEnabled, "", false)
	require.NoError(t, err)
	assert.False(t, out.Global.Enabled)

	out, err = SetField(Defaults(), "", FieldContrast, "1.25", false)
	require.NoError(t, err)
	assert.Equal(t, 1.25, out.Global.Contrast)
}

func TestSetSiteOverrideAndReset(t *testing.T) {
	s := Defaults()
	on, err := SetSiteOverride(s, "a.example", true)
	require.NoError(t, err)
	require.Contains(t, on.Sites, "a.example")
	assert.ElementsMatch(t, Fields, on.Sites["a.example"].Fields())

	again, err := SetSiteOverride(on, "a.example", true)
	require.NoError(t, err)
	assert.Equal(t, on.Sites["a.example"], again.Sites["a.example"])

	off := ResetSite(on, "a.example")
	assert.NotContains(t, off.Sites, "a.example")
	assert.Contains(t, on.Sites, "a.example")
}

func TestHostsSorted(t *testing.T) {
	s := Defaults()
	s.Sites["b.example"] = SiteOverride{}
	s.Sites["a.example"] = SiteOverride{}
	assert.Equal(t, []string{"a.example", "b.example"}, Hosts(s))
}

func TestCloneIsDeep(t *testing.T) {
	s := Defaults()
	s.Sites["a.example"] = SiteOverride{Saturation: Float(0.4)}
	c := s.Clone()
	*c.Sites["a.example"].Saturation = 1.0
	assert.Equal(t, 0.4, *s.Sites["a.example"].Saturation)
}

func TestEffectiveJSONShape(t *testing.T) {
	eff, _ := ResolveEffective(Defaults(), "example.com")
	raw, err := json.Marshal(eff)
	require.NoError(t, err)
	assert.JSONEq(t, `{"enabled":true,"hideAds":true,"hideComments":false,"themeEnabled":true,"saturation":0.85,"contrast":1.08}`, string(raw))
}

func TestNormalizeHost(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"Example.COM", "example.com"},
		{"https://www.Example.com:8443/path?q=1", "www.example.com"},
		{"example.com:80", "example.com"},
		{"example.com.", "example.com"},
		{"example.com/path", "example.com"},
		{"", ""},
	}
	for _, tc := range cases {
		t.Run(tc.in, func(t *testing.T) {
			assert.Equal(t, tc.want, NormalizeHost(tc.in))
		})
	}
}
