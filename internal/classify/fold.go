package classify

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var foldTransformer = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// Fold lowercases s and strips diacritics, so that "Subcutánea" and
// "subcutanea" compare equal. Taxonomy and negation matching run over
// folded text only.
func Fold(s string) string {
	out, _, err := transform.String(foldTransformer, s)
	if err != nil {
		// Transform failures only occur on invalid UTF-8; fall back to the
		// raw string rather than losing the text entirely.
		out = s
	}
	return strings.ToLower(out)
}
