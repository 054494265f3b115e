// Package slug turns comic title names into filesystem-safe keys.
package slug

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var multiHyphen = regexp.MustCompile(`-{2,}`)

// From converts a display name such as "Lost in the Andes!" into "lost-in-the-andes".
// Accents are stripped, anything that is not a letter or digit becomes a hyphen.
func From(s string) string {
	t := transform.Chain(norm.NFD, transform.RemoveFunc(isMn), norm.NFC)
	result, _, err := transform.String(t, s)
	if err != nil {
		result = s
	}

	result = strings.ToLower(result)
	result = strings.Map(func(r rune) rune {
		if r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)) {
			return r
		}
		return '-'
	}, result)

	result = multiHyphen.ReplaceAllString(result, "-")
	return strings.Trim(result, "-")
}

// Valid reports whether s is already a normalized key.
func Valid(s string) bool {
	return s != "" && From(s) == s
}

func isMn(r rune) bool {
	return unicode.Is(unicode.Mn, r)
}
