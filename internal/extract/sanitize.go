package extract

import (
	"regexp"
	"strings"
)

var invisibleReplacer = strings.NewReplacer(
	"\u200b", "", "\u200c", "", "\u200d", "", "\u200e", "", "\u200f", "",
	"\ufeff", "",
	"\u202a", "", "\u202b", "", "\u202c", "", "\u202d", "", "\u202e", "",
	"\u2060", "", "\u2061", "", "\u2062", "", "\u2063", "", "\u2064", "",
	"\u00a0", "",
)

// Mis-decoded non-breaking space repairs, applied in order.
var nbspRepairs = []struct {
	pattern *regexp.Regexp
	repl    string
}{
	{regexp.MustCompile(`\s+Â\s+`), " "},
	{regexp.MustCompile(`Â\s+`), " "},
	{regexp.MustCompile(`\s+Â`), " "},
	{regexp.MustCompile(`(?m)^Â\s*`), ""},
	{regexp.MustCompile(`(?m)\s*Â$`), ""},
}

// StripInvisible removes zero-width, bidi-control and non-breaking space code points.
func StripInvisible(s string) string {
	return invisibleReplacer.Replace(s)
}

// RepairNBSP collapses a stray "Â" glyph adjacent to whitespace or at a line boundary.
func RepairNBSP(s string) string {
	for _, r := range nbspRepairs {
		s = r.pattern.ReplaceAllString(s, r.repl)
	}
	return s
}

// Clean applies StripInvisible then RepairNBSP.
func Clean(s string) string {
	if s == "" {
		return s
	}
	return RepairNBSP(StripInvisible(s))
}

// truncate caps s at n characters.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	count := 0
	for i := range s {
		if count == n {
			return s[:i]
		}
		count++
	}
	return s
}
