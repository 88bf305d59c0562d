package settings

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
)

// MergeDefaults backfills stored settings with every default field.
//
// A missing document (nil, empty or JSON null) yields Defaults. Otherwise the
// stored document is deep-merged over the defaults: nested records recurse,
// any other stored value replaces the default outright, and keys the schema
// does not know are kept. Site overrides are not merged with the global record.
//
// The boolean reports that the result differs from what was stored and should
// be written back.
func MergeDefaults(stored []byte) (Settings, bool) {
	trimmed := bytes.TrimSpace(stored)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return Defaults(), true
	}
	var patch any
	if err := json.Unmarshal(trimmed, &patch); err != nil {
		return Defaults(), true
	}
	if _, ok := patch.(map[string]any); !ok {
		return Defaults(), true
	}
	merged := deepMerge(defaultsDocument(), patch)
	changed := !sameJSON(merged, patch)
	return decodeSettings(merged.(map[string]any)), changed
}

// Import parses an uploaded settings document and backfills defaults.
func Import(raw []byte) (Settings, error) {
	if !json.Valid(raw) {
		return Settings{}, ErrInvalidJSON
	}
	s, _ := MergeDefaults(raw)
	return s, nil
}

// Marshal renders s as indented JSON, the export format.
func Marshal(s Settings) ([]byte, error) {
	return json.MarshalIndent(s, "", "  ")
}

// MarshalJSON implements json.Marshaler.
func (s Settings) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.document())
}

// UnmarshalJSON implements json.Unmarshaler with the same lenient decoding
// and default backfill as MergeDefaults.
func (s *Settings) UnmarshalJSON(b []byte) error {
	if !json.Valid(b) {
		return fmt.Errorf("%w: %d bytes", ErrInvalidJSON, len(b))
	}
	*s, _ = MergeDefaults(b)
	return nil
}

// MarshalJSON implements json.Marshaler.
func (g GlobalConfig) MarshalJSON() ([]byte, error) {
	return json.Marshal(g.document())
}

// MarshalJSON implements json.Marshaler.
func (o SiteOverride) MarshalJSON() ([]byte, error) {
	return json.Marshal(o.document())
}

func (s Settings) document() map[string]any {
	doc := make(map[string]any, len(s.extra)+2)
	for k, v := range s.extra {
		doc[k] = v
	}
	doc["global"] = s.Global.document()
	sites := make(map[string]any, len(s.Sites))
	for host, ov := range s.Sites {
		sites[host] = ov.document()
	}
	doc["sites"] = sites
	return doc
}

func (g GlobalConfig) document() map[string]any {
	doc := make(map[string]any, len(g.extra)+len(Fields))
	for k, v := range g.extra {
		doc[k] = v
	}
	for _, f := range Fields {
		v := g.get(f)
		if f.IsNumeric() {
			v = jsonNumber(v.(float64))
		}
		doc[string(f)] = v
	}
	return doc
}

func (o SiteOverride) document() map[string]any {
	doc := make(map[string]any, len(o.extra)+len(Fields))
	for k, v := range o.extra {
		doc[k] = v
	}
	for _, f := range Fields {
		v, ok := o.get(f)
		if !ok {
			continue
		}
		if f.IsNumeric() {
			v = jsonNumber(v.(float64))
		}
		doc[string(f)] = v
	}
	return doc
}

// defaultsDocument is Defaults in generic JSON form.
func defaultsDocument() any {
	raw, _ := json.Marshal(Defaults())
	var doc any
	_ = json.Unmarshal(raw, &doc)
	return doc
}

func deepMerge(base, patch any) any {
	bm, ok := base.(map[string]any)
	if !ok {
		return patch
	}
	pm, ok := patch.(map[string]any)
	if !ok {
		return base
	}
	out := make(map[string]any, len(bm)+len(pm))
	for k, v := range bm {
		out[k] = v
	}
	for k, v := range pm {
		_, patchIsRecord := v.(map[string]any)
		_, baseIsRecord := bm[k].(map[string]any)
		if patchIsRecord && baseIsRecord {
			out[k] = deepMerge(bm[k], v)
			continue
		}
		out[k] = v
	}
	return out
}

func sameJSON(a, b any) bool {
	ra, errA := json.Marshal(a)
	rb, errB := json.Marshal(b)
	return errA == nil && errB == nil && bytes.Equal(ra, rb)
}

// decodeSettings converts a merged generic document into Settings. Values of
// the wrong type are coerced field by field; records of the wrong type fall
// back to their defaults.
func decodeSettings(doc map[string]any) Settings {
	s := Defaults()
	for k, v := range doc {
		switch k {
		case "global":
			if m, ok := v.(map[string]any); ok {
				s.Global = decodeGlobal(m)
			}
		case "sites":
			if m, ok := v.(map[string]any); ok {
				s.Sites = decodeSites(m)
			}
		default:
			s.extra = putRaw(s.extra, k, v)
		}
	}
	return s
}

func decodeGlobal(m map[string]any) GlobalConfig {
	g := Defaults().Global
	for k, v := range m {
		f := Field(k)
		if f.Valid() {
			g.set(f, v)
			continue
		}
		g.extra = putRaw(g.extra, k, v)
	}
	return g
}

func decodeSites(m map[string]any) map[string]SiteOverride {
	hosts := make([]string, 0, len(m))
	for host := range m {
		hosts = append(hosts, host)
	}
	sort.Strings(hosts)
	out := make(map[string]SiteOverride, len(m))
	exact := make(map[string]bool, len(m))
	for _, host := range hosts {
		rec, ok := m[host].(map[string]any)
		if !ok {
			continue
		}
		key := siteKey(host)
		if key == "" {
			continue
		}
		// An already-lowercase key wins over a differently cased duplicate.
		isExact := key == host
		if _, seen := out[key]; seen && (exact[key] || !isExact) {
			continue
		}
		out[key] = decodeOverride(rec)
		exact[key] = isExact
	}
	return out
}

func decodeOverride(m map[string]any) SiteOverride {
	var o SiteOverride
	for k, v := range m {
		f := Field(k)
		if f.Valid() {
			o.set(f, v)
			continue
		}
		o.extra = putRaw(o.extra, k, v)
	}
	return o
}

func putRaw(r rawFields, key string, v any) rawFields {
	raw, err := json.Marshal(v)
	if err != nil {
		return r
	}
	if r == nil {
		r = rawFields{}
	}
	r[key] = raw
	return r
}
