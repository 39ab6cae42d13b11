// Package norm produces script-aware comparison forms for answer and
// question text. The normalized form feeds similarity scoring and the
// safety guards only — it is never stored or displayed.
package norm

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// ScriptClass controls how aggressively text may be canonicalized.
type ScriptClass int

const (
	// ScriptFoldable covers Latin, Cyrillic and Greek: transliteration,
	// case folding and diacritic stripping are all safe.
	ScriptFoldable ScriptClass = iota
	// ScriptLogographic covers Han/Kana/Hangul: only whitespace and
	// punctuation normalization is applied.
	ScriptLogographic
	// ScriptComplex covers tonal and diacritic-bearing scripts where
	// folding destroys meaning; only punctuation/symbols are stripped.
	ScriptComplex
)

// minRemainderRunes is the minimum length a stripped remainder must keep
// for the enumeration-marker strip to be accepted.
const minRemainderRunes = 2

var foldableScripts = []*unicode.RangeTable{unicode.Latin, unicode.Cyrillic, unicode.Greek}

var logographicScripts = []*unicode.RangeTable{
	unicode.Han, unicode.Hiragana, unicode.Katakana, unicode.Hangul,
}

// diacriticStripper removes combining marks after NFD decomposition and
// recomposes. Safe only for foldable scripts.
var diacriticStripper = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// Normalized is the comparison form of one text.
type Normalized struct {
	// Text is the canonical comparison string.
	Text string
	// Remainder is Text after enumeration-marker stripping. Equal to
	// Text when no marker was present.
	Remainder string
	// MarkerStripped reports whether a leading enumeration marker was
	// removed to produce Remainder.
	MarkerStripped bool
	// Script is the detected script class of the original text.
	Script ScriptClass
}

// DetectScript classifies the dominant script of text. Ties resolve toward
// the more conservative class so meaning-destroying folds never win.
func DetectScript(text string) ScriptClass {
	foldable, logographic, complex := 0, 0, 0
	for _, r := range text {
		if !unicode.IsLetter(r) {
			continue
		}
		switch {
		case unicode.IsOneOf(logographicScripts, r):
			logographic++
		case unicode.IsOneOf(foldableScripts, r):
			foldable++
		default:
			complex++
		}
	}
	if logographic >= foldable && logographic >= complex && logographic > 0 {
		return ScriptLogographic
	}
	if complex > 0 && complex >= foldable {
		return ScriptComplex
	}
	return ScriptFoldable
}

// Normalize canonicalizes text for comparison according to its script
// class. Marker stripping runs on the raw text, before canonicalization
// removes the punctuation the marker is made of.
func Normalize(text string) Normalized {
	script := DetectScript(text)

	rawRemainder, stripped := StripEnumerationMarker(text, script)
	canonical := canonicalize(text, script)
	remainder := canonical
	if stripped {
		remainder = canonicalize(rawRemainder, script)
		if remainder == "" {
			remainder = canonical
			stripped = false
		}
	}

	return Normalized{
		Text:           canonical,
		Remainder:      remainder,
		MarkerStripped: stripped,
		Script:         script,
	}
}

// canonicalize applies the per-script cleanup rules.
func canonicalize(text string, script ScriptClass) string {
	switch script {
	case ScriptFoldable:
		folded, _, err := transform.String(diacriticStripper, text)
		if err != nil {
			folded = text
		}
		return collapseSpaces(strings.ToLower(folded))
	case ScriptLogographic:
		return stripRunes(text, func(r rune) bool {
			return unicode.IsSpace(r) || unicode.IsPunct(r)
		})
	default: // ScriptComplex
		return collapseSpaces(stripRunes(text, func(r rune) bool {
			return unicode.IsPunct(r) || unicode.IsSymbol(r)
		}))
	}
}

// StripEnumerationMarker removes a leading enumeration marker such as
// "1. ", "(2) " or "3) " from text. A marker only counts when its digits
// are followed by a closing delimiter and whitespace, so decimals ("1.5"),
// ranges ("1-5") and times ("1:30") are never stripped. The stripped
// remainder must keep at least two runes (one for logographic scripts) or
// the strip is discarded.
func StripEnumerationMarker(text string, script ScriptClass) (string, bool) {
	remainder, ok := scanMarker(text)
	if !ok {
		return text, false
	}

	min := minRemainderRunes
	if script == ScriptLogographic {
		min = 1
	}
	if len([]rune(strings.TrimSpace(remainder))) < min {
		return text, false
	}
	return strings.TrimSpace(remainder), true
}

// scanMarker recognizes "N. ", "N) ", "(N) " with 1-3 digits. Logographic
// canonical forms have no spaces left, so "１." style markers followed
// directly by text are accepted for the paren and dot forms there too.
func scanMarker(text string) (string, bool) {
	s := strings.TrimLeft(text, " ")
	paren := false
	if strings.HasPrefix(s, "(") {
		paren = true
		s = s[1:]
	}

	digits := 0
	for digits < len(s) && s[digits] >= '0' && s[digits] <= '9' {
		digits++
	}
	if digits == 0 || digits > 3 {
		return "", false
	}
	rest := s[digits:]

	switch {
	case paren && strings.HasPrefix(rest, ")"):
		rest = rest[1:]
	case !paren && (strings.HasPrefix(rest, ".") || strings.HasPrefix(rest, ")")):
		rest = rest[1:]
	default:
		return "", false
	}

	// Require a boundary after the delimiter: whitespace, or a
	// non-digit/non-delimiter rune (logographic forms carry no spaces).
	if rest == "" {
		return "", false
	}
	first := []rune(rest)[0]
	if unicode.IsSpace(first) {
		return strings.TrimSpace(rest), true
	}
	if unicode.IsDigit(first) || first == ':' || first == '-' || first == '.' || first == ',' {
		// Decimal, range or time value, not an enumeration marker.
		return "", false
	}
	if unicode.IsOneOf(logographicScripts, first) {
		return rest, true
	}
	return "", false
}

// ComparisonPair returns the two strings that should actually be compared
// under the adaptive symmetric marker policy: if exactly one side carries a
// marker, its stripped remainder is compared against the other side's full
// text; if both carry markers, both remainders are compared (index values
// may legitimately differ, e.g. "1. Yes" vs "2. Yes").
func ComparisonPair(a, b Normalized) (string, string) {
	switch {
	case a.MarkerStripped == b.MarkerStripped:
		if a.MarkerStripped {
			return a.Remainder, b.Remainder
		}
		return a.Text, b.Text
	case a.MarkerStripped:
		return a.Remainder, b.Text
	default:
		return a.Text, b.Remainder
	}
}

// PairKey returns a stable, order-independent cache key for an unordered
// pair of comparison forms.
func PairKey(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return a + "\x00" + b
}

func stripRunes(text string, drop func(rune) bool) string {
	var b strings.Builder
	b.Grow(len(text))
	for _, r := range text {
		if drop(r) {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func collapseSpaces(text string) string {
	return strings.Join(strings.Fields(text), " ")
}
