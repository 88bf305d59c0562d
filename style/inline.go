package style

import (
	"strings"

	"github.com/aymerick/douceur/parser"
)

// ParseInline parses the body of a style attribute. douceur only commits a
// declaration's value at ';', so an unterminated last declaration is closed
// before parsing. When douceur rejects the text it falls back to a split on
// top-level ';' and ':' that leaves quoted strings and brackets intact.
func ParseInline(text string) []Declaration {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	terminated := text
	if !strings.HasSuffix(terminated, ";") {
		terminated += ";"
	}
	if decls, err := parser.ParseDeclarations(terminated); err == nil {
		out := make([]Declaration, 0, len(decls))
		for _, d := range decls {
			if d == nil {
				continue
			}
			prop := strings.ToLower(strings.TrimSpace(d.Property))
			if prop == "" {
				continue
			}
			out = append(out, Declaration{Property: prop, Value: strings.TrimSpace(d.Value), Important: d.Important})
		}
		return out
	}

	var out []Declaration
	for _, part := range splitTopLevel(text, ';') {
		kv := splitTopLevel(part, ':')
		if len(kv) < 2 {
			continue
		}
		prop := strings.ToLower(strings.TrimSpace(kv[0]))
		if prop == "" {
			continue
		}
		value := strings.TrimSpace(part[len(kv[0])+1:])
		important := false
		if lower := strings.ToLower(value); strings.HasSuffix(lower, "!important") {
			important = true
			value = strings.TrimSpace(value[:len(value)-len("!important")])
		}
		if value == "" {
			continue
		}
		out = append(out, Declaration{Property: prop, Value: value, Important: important})
	}
	return out
}

// splitTopLevel splits s at sep, ignoring separators inside quotes,
// parentheses, brackets and braces, and after a backslash.
func splitTopLevel(s string, sep byte) []string {
	var (
		parts []string
		depth int
		quote byte
		start int
	)
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '\\':
			i++
		case quote != 0:
			if c == quote {
				quote = 0
			}
		case c == '"' || c == '\'':
			quote = c
		case c == '(' || c == '[' || c == '{':
			depth++
		case c == ')' || c == ']' || c == '}':
			if depth > 0 {
				depth--
			}
		case c == sep && depth == 0:
			parts = append(parts, s[start:i])
			start = i + 1
		}
	}
	return append(parts, s[start:])
}

// FormatInline renders declarations the way a browser serializes
// element.style: "prop: value; prop2: value2 !important;".
func FormatInline(decls []Declaration) string {
	parts := make([]string, 0, len(decls))
	for _, d := range decls {
		if d.Property == "" {
			continue
		}
		s := d.Property + ": " + d.Value
		if d.Important {
			s += " !important"
		}
		parts = append(parts, s+";")
	}
	return strings.Join(parts, " ")
}

// InlineProperty returns the value of prop in a style attribute, or "".
func InlineProperty(text, prop string) string {
	prop = strings.ToLower(prop)
	val := ""
	for _, d := range ParseInline(text) {
		if d.Property == prop {
			val = d.Value
		}
	}
	return val
}

// InlinePropertyText is InlineProperty with a trailing " !important" when
// the winning declaration carries it. SetInlineProperty accepts the result.
func InlinePropertyText(text, prop string) string {
	prop = strings.ToLower(prop)
	val := ""
	for _, d := range ParseInline(text) {
		if d.Property == prop {
			val = d.Value
			if d.Important {
				val += " !important"
			}
		}
	}
	return val
}

// SetInlineProperty returns text with prop set to value, replacing any
// earlier declarations of prop. An empty value removes the property and a
// value ending in "!important" sets the priority flag.
func SetInlineProperty(text, prop, value string) string {
	prop = strings.ToLower(prop)
	value = strings.TrimSpace(value)
	important := false
	if strings.HasSuffix(strings.ToLower(value), "!important") {
		important = true
		value = strings.TrimSpace(value[:len(value)-len("!important")])
	}
	decls := ParseInline(text)
	out := make([]Declaration, 0, len(decls)+1)
	placed := value == ""
	for _, d := range decls {
		if d.Property != prop {
			out = append(out, d)
			continue
		}
		if !placed {
			out = append(out, Declaration{Property: prop, Value: value, Important: important})
			placed = true
		}
	}
	if !placed {
		out = append(out, Declaration{Property: prop, Value: value, Important: important})
	}
	return FormatInline(out)
}
