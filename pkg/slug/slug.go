// Package slug turns display titles into URL-safe catalog names.
package slug

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Separator joins tokens in a slug.
const Separator = '-'

// Make lower-cases s, folds accented letters to their ASCII base, collapses
// every run of characters outside [a-z0-9] into a single Separator and trims
// separators from both ends. Make(Make(s)) == Make(s) for every s.
func Make(s string) string {
	folded, _, err := transform.String(foldAccents(), s)
	if err != nil {
		folded = s
	}

	var b strings.Builder
	b.Grow(len(folded))
	pending := false
	for _, r := range strings.ToLower(folded) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			if pending && b.Len() > 0 {
				b.WriteRune(Separator)
			}
			pending = false
			b.WriteRune(r)
			continue
		}
		pending = true
	}
	return b.String()
}

// Join slugs each part and joins the results, so generated names stay inside
// the slug alphabet even when a part (such as a vendor identifier) is not.
func Join(parts ...string) string {
	return Make(strings.Join(parts, string(Separator)))
}

func foldAccents() transform.Transformer {
	return transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
}
