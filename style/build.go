// Package style turns an effective configuration into the stylesheet
// injected into a page, and evaluates stylesheets against parsed documents.
package style

import (
	"strconv"
	"strings"

	"focusshield/rules"
	"focusshield/settings"
)

// ElementID is the id of the injected <style> element.
const ElementID = "study-mode-focus-shield-style"

const hideDeclarations = ` {
  display: none !important;
  visibility: hidden !important;
}
`

// Build returns the stylesheet body for eff, or "" when eff is disabled.
// Blocks appear in a fixed order: theme, ads, comments. Equal input always
// produces byte-identical output.
func Build(eff settings.Effective) string {
	if !eff.Enabled {
		return ""
	}
	var b strings.Builder
	if eff.ThemeEnabled {
		writeTheme(&b, eff.Saturation, eff.Contrast)
	}
	if eff.HideAds {
		writeHide(&b, "Hide Ads (heuristics)", rules.Static(rules.Ads))
	}
	if eff.HideComments {
		writeHide(&b, "Hide Comments (heuristics)", rules.Static(rules.Comments))
	}
	return b.String()
}

func writeTheme(b *strings.Builder, saturation, contrast float64) {
	b.WriteString(`
/* ---- Study Theme ---- */
:root { color-scheme: dark; }
html {
  filter: saturate(`)
	b.WriteString(formatNumber(saturation))
	b.WriteString(`) contrast(`)
	b.WriteString(formatNumber(contrast))
	b.WriteString(`);
}
body {
  background: #0b1220 !important;
  color: #e5e7eb !important;
}
a { color: #93c5fd !important; }
img, video { filter: saturate(1.03) contrast(1.03); }

/* Reduce annoying motion (best-effort) */
*, *::before, *::after {
  scroll-behavior: auto !important;
  transition-duration: 0.01ms !important;
  animation-duration: 0.01ms !important;
  animation-iteration-count: 1 !important;
}
`)
}

func writeHide(b *strings.Builder, title string, selectors []string) {
	b.WriteString("\n/* ---- ")
	b.WriteString(title)
	b.WriteString(" ---- */\n")
	b.WriteString(strings.Join(selectors, ",\n"))
	b.WriteString(hideDeclarations)
}

// formatNumber prints the shortest decimal that round-trips, so 0.85 stays
// "0.85" and 1 becomes "1".
func formatNumber(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
