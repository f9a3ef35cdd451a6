package classifier

import (
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// Clean canonicalizes bot copy: NFKC (full-width colons and digits become
// ASCII), lower case, emoji and invisible format runes dropped, whitespace
// collapsed. Punctuation is kept so regex indicators still see it.
func Clean(s string) string {
	s = norm.NFKC.String(s)
	var b strings.Builder
	b.Grow(len(s))
	space := false
	for _, r := range s {
		switch {
		case unicode.IsSpace(r):
			space = true
			continue
		case isGlyph(r):
			continue
		}
		if space && b.Len() > 0 {
			b.WriteByte(' ')
		}
		space = false
		b.WriteRune(unicode.ToLower(r))
	}
	return b.String()
}

// Fold reduces s to letters, digits and single spaces. Substring
// indicators, anchors and control labels are compared in this form so that
// cosmetic changes in bot copy do not break matching.
func Fold(s string) string {
	s = Clean(s)
	var b strings.Builder
	b.Grow(len(s))
	space := false
	for _, r := range s {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) {
			space = true
			continue
		}
		if space && b.Len() > 0 {
			b.WriteByte(' ')
		}
		space = false
		b.WriteRune(r)
	}
	return b.String()
}

func isGlyph(r rune) bool {
	return unicode.Is(unicode.So, r) ||
		unicode.Is(unicode.Sk, r) ||
		unicode.Is(unicode.Cf, r) ||
		unicode.Is(unicode.Cs, r) ||
		unicode.Is(unicode.Variation_Selector, r)
}
