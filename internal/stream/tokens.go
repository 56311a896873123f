package stream

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// SplitTokens breaks content into fragments of roughly size bytes, cutting
// after whitespace where possible. Concatenating the fragments always yields
// content exactly; empty content yields no fragments.
func SplitTokens(content string, size int) []string {
	if content == "" {
		return nil
	}
	if size <= 0 {
		return []string{content}
	}

	var out []string
	rest := content
	for len(rest) > size {
		cut := cutPoint(rest, size)
		out = append(out, rest[:cut])
		rest = rest[cut:]
	}
	if rest != "" {
		out = append(out, rest)
	}
	return out
}

// cutPoint returns a byte offset in (0, len(s)] at a rune boundary, preferring
// the last whitespace at or before size.
func cutPoint(s string, size int) int {
	window := s[:size]
	if i := strings.LastIndexFunc(window, unicode.IsSpace); i > 0 {
		_, w := utf8.DecodeRuneInString(s[i:])
		return i + w
	}
	cut := size
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	if cut == 0 {
		_, w := utf8.DecodeRuneInString(s)
		return w
	}
	return cut
}
