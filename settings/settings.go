// Package settings holds the persisted configuration schema, its defaults and
// the resolution of a per-site effective configuration.
//
// Settings values are plain data: every operation takes a Settings and returns
// a new one, nothing here performs I/O.
package settings

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Field names a configurable key shared by the global record and site overrides.
type Field string

const (
	FieldEnabled      Field = "enabled"
	FieldHideAds      Field = "hideAds"
	FieldHideComments Field = "hideComments"
	FieldThemeEnabled Field = "themeEnabled"
	FieldSaturation   Field = "saturation"
	FieldContrast     Field = "contrast"
)

// Fields lists every configurable field in schema order.
var Fields = []Field{
	FieldEnabled,
	FieldHideAds,
	FieldHideComments,
	FieldThemeEnabled,
	FieldSaturation,
	FieldContrast,
}

// Numeric ranges enforced on resolution.
const (
	SaturationMin = 0.3
	SaturationMax = 1.3
	ContrastMin   = 0.8
	ContrastMax   = 1.4
)

var (
	ErrUnknownField = errors.New("settings: unknown field")
	ErrNoSite       = errors.New("settings: empty site identifier")
	ErrInvalidJSON  = errors.New("settings: invalid JSON")
)

// IsNumeric reports whether the field holds a number rather than a flag.
func (f Field) IsNumeric() bool {
	return f == FieldSaturation || f == FieldContrast
}

// Valid reports whether f is part of the schema.
func (f Field) Valid() bool {
	for _, known := range Fields {
		if f == known {
			return true
		}
	}
	return false
}

// GlobalConfig is the configuration applied to every site without an override.
// Numeric fields are stored as given; clamping happens in ResolveEffective.
type GlobalConfig struct {
	Enabled      bool
	HideAds      bool
	HideComments bool
	ThemeEnabled bool
	Saturation   float64
	Contrast     float64

	extra rawFields
}

// SiteOverride is a partial GlobalConfig; nil fields fall through to global.
type SiteOverride struct {
	Enabled      *bool
	HideAds      *bool
	HideComments *bool
	ThemeEnabled *bool
	Saturation   *float64
	Contrast     *float64

	extra rawFields
}

// Settings is the persisted document: global values plus per-host overrides.
// Sites keys are lowercase hostnames.
type Settings struct {
	Global GlobalConfig
	Sites  map[string]SiteOverride

	extra rawFields
}

// Effective is the sanitized configuration for one site. It is derived on
// demand and never persisted.
type Effective struct {
	Enabled      bool    `json:"enabled"`
	HideAds      bool    `json:"hideAds"`
	HideComments bool    `json:"hideComments"`
	ThemeEnabled bool    `json:"themeEnabled"`
	Saturation   float64 `json:"saturation"`
	Contrast     float64 `json:"contrast"`
}

// Defaults returns the built-in settings.
func Defaults() Settings {
	return Settings{
		Global: GlobalConfig{
			Enabled:      true,
			HideAds:      true,
			HideComments: false,
			ThemeEnabled: true,
			Saturation:   0.85,
			Contrast:     1.08,
		},
		Sites: map[string]SiteOverride{},
	}
}

// Bool returns a pointer to v, for building overrides.
func Bool(v bool) *bool { return &v }

// Float returns a pointer to v, for building overrides.
func Float(v float64) *float64 { return &v }

// ResolveEffective merges the global record with the override stored for
// siteID, field by field, and sanitizes the result. The boolean reports whether
// an override exists for the site.
func ResolveEffective(s Settings, siteID string) (Effective, bool) {
	g := s.Global
	eff := Effective{
		Enabled:      g.Enabled,
		HideAds:      g.HideAds,
		HideComments: g.HideComments,
		ThemeEnabled: g.ThemeEnabled,
		Saturation:   g.Saturation,
		Contrast:     g.Contrast,
	}
	ov, ok := s.Sites[siteKey(siteID)]
	if ok {
		if ov.Enabled != nil {
			eff.Enabled = *ov.Enabled
		}
		if ov.HideAds != nil {
			eff.HideAds = *ov.HideAds
		}
		if ov.HideComments != nil {
			eff.HideComments = *ov.HideComments
		}
		if ov.ThemeEnabled != nil {
			eff.ThemeEnabled = *ov.ThemeEnabled
		}
		if ov.Saturation != nil {
			eff.Saturation = *ov.Saturation
		}
		if ov.Contrast != nil {
			eff.Contrast = *ov.Contrast
		}
	}
	eff.Saturation = clamp(eff.Saturation, SaturationMin, SaturationMax)
	eff.Contrast = clamp(eff.Contrast, ContrastMin, ContrastMax)
	return eff, ok
}

// SetField writes one field. With useSiteScope the write goes to the override
// for siteID, which is first created as a full snapshot of the site's current
// effective configuration when it does not exist yet. Otherwise the global
// record is written and existing overrides are left alone.
//
// value is coerced the same way stored data is: flags by truthiness, numbers
// numerically. The input Settings is not modified.
func SetField(s Settings, siteID string, field Field, value any, useSiteScope bool) (Settings, error) {
	if !field.Valid() {
		return s, fmt.Errorf("%w: %q", ErrUnknownField, field)
	}
	out := s.Clone()
	if !useSiteScope {
		out.Global.set(field, value)
		return out, nil
	}
	key := siteKey(siteID)
	if key == "" {
		return s, ErrNoSite
	}
	ov, ok := out.Sites[key]
	if !ok {
		eff, _ := ResolveEffective(s, key)
		ov = OverrideFrom(eff)
	}
	ov.set(field, value)
	out.Sites[key] = ov
	return out, nil
}

// SetSiteOverride turns the override for siteID on or off. Enabling snapshots
// the current effective configuration; an existing override is kept as is.
// Disabling deletes the override.
func SetSiteOverride(s Settings, siteID string, enable bool) (Settings, error) {
	key := siteKey(siteID)
	if key == "" {
		return s, ErrNoSite
	}
	out := s.Clone()
	if !enable {
		delete(out.Sites, key)
		return out, nil
	}
	if _, ok := out.Sites[key]; !ok {
		eff, _ := ResolveEffective(s, key)
		out.Sites[key] = OverrideFrom(eff)
	}
	return out, nil
}

// ResetSite drops the override for siteID, if any.
func ResetSite(s Settings, siteID string) Settings {
	out, err := SetSiteOverride(s, siteID, false)
	if err != nil {
		return s
	}
	return out
}

// OverrideFrom builds an override holding every field of eff.
func OverrideFrom(eff Effective) SiteOverride {
	return SiteOverride{
		Enabled:      Bool(eff.Enabled),
		HideAds:      Bool(eff.HideAds),
		HideComments: Bool(eff.HideComments),
		ThemeEnabled: Bool(eff.ThemeEnabled),
		Saturation:   Float(eff.Saturation),
		Contrast:     Float(eff.Contrast),
	}
}

// Hosts returns the override keys in sorted order.
func Hosts(s Settings) []string {
	hosts := make([]string, 0, len(s.Sites))
	for h := range s.Sites {
		hosts = append(hosts, h)
	}
	sort.Strings(hosts)
	return hosts
}

// Clone returns a deep copy of s.
func (s Settings) Clone() Settings {
	out := Settings{
		Global: s.Global,
		Sites:  make(map[string]SiteOverride, len(s.Sites)),
		extra:  s.extra.clone(),
	}
	out.Global.extra = s.Global.extra.clone()
	for k, v := range s.Sites {
		out.Sites[k] = v.clone()
	}
	return out
}

// Fields reports which fields the override sets.
func (o SiteOverride) Fields() []Field {
	var out []Field
	for _, f := range Fields {
		if _, ok := o.get(f); ok {
			out = append(out, f)
		}
	}
	return out
}

func (o SiteOverride) clone() SiteOverride {
	out := SiteOverride{extra: o.extra.clone()}
	for _, f := range Fields {
		if v, ok := o.get(f); ok {
			out.set(f, v)
		}
	}
	return out
}

func (o SiteOverride) get(f Field) (any, bool) {
	switch f {
	case FieldEnabled:
		return derefBool(o.Enabled)
	case FieldHideAds:
		return derefBool(o.HideAds)
	case FieldHideComments:
		return derefBool(o.HideComments)
	case FieldThemeEnabled:
		return derefBool(o.ThemeEnabled)
	case FieldSaturation:
		return derefFloat(o.Saturation)
	case FieldContrast:
		return derefFloat(o.Contrast)
	}
	return nil, false
}

func (o *SiteOverride) set(f Field, v any) {
	switch f {
	case FieldEnabled:
		o.Enabled = Bool(truthy(v))
	case FieldHideAds:
		o.HideAds = Bool(truthy(v))
	case FieldHideComments:
		o.HideComments = Bool(truthy(v))
	case FieldThemeEnabled:
		o.ThemeEnabled = Bool(truthy(v))
	case FieldSaturation:
		o.Saturation = Float(toNumber(v))
	case FieldContrast:
		o.Contrast = Float(toNumber(v))
	}
}

func (g GlobalConfig) get(f Field) any {
	switch f {
	case FieldEnabled:
		return g.Enabled
	case FieldHideAds:
		return g.HideAds
	case FieldHideComments:
		return g.HideComments
	case FieldThemeEnabled:
		return g.ThemeEnabled
	case FieldSaturation:
		return g.Saturation
	case FieldContrast:
		return g.Contrast
	}
	return nil
}

func (g *GlobalConfig) set(f Field, v any) {
	switch f {
	case FieldEnabled:
		g.Enabled = truthy(v)
	case FieldHideAds:
		g.HideAds = truthy(v)
	case FieldHideComments:
		g.HideComments = truthy(v)
	case FieldThemeEnabled:
		g.ThemeEnabled = truthy(v)
	case FieldSaturation:
		g.Saturation = toNumber(v)
	case FieldContrast:
		g.Contrast = toNumber(v)
	}
}

func derefBool(p *bool) (any, bool) {
	if p == nil {
		return nil, false
	}
	return *p, true
}

func derefFloat(p *float64) (any, bool) {
	if p == nil {
		return nil, false
	}
	return *p, true
}

func siteKey(siteID string) string {
	return strings.ToLower(strings.TrimSpace(siteID))
}
