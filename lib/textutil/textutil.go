package textutil

import (
	"regexp"
	"strings"
	"unicode"

	"github.com/antzucaro/matchr"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var whitespaceRegex = regexp.MustCompile(`\s+`)

// Fold lowercases s, strips accents and collapses whitespace so that labels
// like "Habitación:" and "habitacion" compare equal. Compatibility
// decomposition also turns "№" into "no".
func Fold(s string) string {
	t := transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, s)
	if err != nil {
		folded = s
	}
	folded = strings.ToLower(folded)
	folded = whitespaceRegex.ReplaceAllString(folded, " ")
	return strings.Trim(folded, " :. ")
}

// NormalizeName folds a person's name and drops every space in it.
func NormalizeName(name string) string {
	return whitespaceRegex.ReplaceAllString(Fold(name), "")
}

// SameName reports whether two names likely refer to the same person.
func SameName(a, b string) bool {
	a = NormalizeName(a)
	b = NormalizeName(b)
	if a == "" || b == "" {
		return false
	}
	if a == b {
		return true
	}
	return matchr.JaroWinkler(a, b, false) >= 0.95
}

// LabelScore scores how well a label found on a page matches a known label,
// 1 means a folded exact match.
func LabelScore(label, known string) float64 {
	label = Fold(label)
	known = Fold(known)
	if label == "" || known == "" {
		return 0
	}
	if label == known {
		return 1
	}
	if strings.HasPrefix(label, known+" ") || strings.HasSuffix(label, " "+known) {
		return 0.95
	}
	return matchr.JaroWinkler(label, known, false)
}

// BestLabel returns the best score of label against any of the known labels.
func BestLabel(label string, known []string) float64 {
	best := 0.0
	for _, k := range known {
		score := LabelScore(label, k)
		if score > best {
			best = score
		}
	}
	return best
}
