package guard

import (
	"regexp"
	"strings"
	"unicode"
)

var stopWords = map[string]struct{}{
	"a": {}, "am": {}, "an": {}, "and": {}, "are": {}, "as": {}, "at": {}, "be": {}, "but": {}, "by": {},
	"for": {}, "from": {}, "has": {}, "have": {}, "i": {}, "i'm": {}, "in": {}, "is": {}, "it": {},
	"it's": {}, "its": {}, "me": {}, "my": {}, "of": {}, "on": {}, "or": {}, "so": {}, "that": {},
	"the": {}, "this": {}, "to": {}, "was": {}, "we": {}, "will": {}, "with": {}, "you": {}, "your": {},
}

// Tokens lowercases text and splits it into content words.
func Tokens(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '\''
	})
	out := fields[:0]
	for _, f := range fields {
		f = strings.Trim(f, "'")
		if f == "" {
			continue
		}
		if _, stop := stopWords[f]; stop {
			continue
		}
		out = append(out, f)
	}
	return out
}

// Similarity is the Jaccard overlap of the two texts' content words. Text
// without content words is similar to nothing; identical texts are left to
// exact matching.
func Similarity(a, b string) float64 {
	ta, tb := toSet(Tokens(a)), toSet(Tokens(b))
	if len(ta) == 0 || len(tb) == 0 {
		return 0
	}
	inter := 0
	for t := range ta {
		if _, ok := tb[t]; ok {
			inter++
		}
	}
	union := len(ta) + len(tb) - inter
	return float64(inter) / float64(union)
}

func toSet(tokens []string) map[string]struct{} {
	out := make(map[string]struct{}, len(tokens))
	for _, t := range tokens {
		out[t] = struct{}{}
	}
	return out
}

var enumerated = regexp.MustCompile(`(?m)^\s*(?:[-*•]|\d+[.)])\s+\S`)

// IsSubstantive reports whether a message carries real content: several
// lines, an enumeration, or at least minLength characters.
func IsSubstantive(text string, minLength int) bool {
	text = strings.TrimSpace(text)
	if text == "" {
		return false
	}
	if strings.Count(text, "\n") >= 2 {
		return true
	}
	if len(enumerated.FindAllStringIndex(text, -1)) >= 2 {
		return true
	}
	return minLength > 0 && len(text) >= minLength
}

var ackPhrases = []string{
	"on it", "working on", "let me", "looking into", "look into", "checking", "one moment",
	"give me a", "will get back", "i'll get back", "i will", "i'll", "starting", "got it",
	"sure", "okay", "ok", "noted", "understood", "hang on", "bear with",
}

// IsAcknowledgement reports whether a message only acknowledges the
// request without delivering a result.
func IsAcknowledgement(text string, maxLength int) bool {
	text = strings.TrimSpace(text)
	if text == "" || (maxLength > 0 && len(text) > maxLength) || IsSubstantive(text, 0) {
		return false
	}
	lower := strings.ToLower(text)
	for _, p := range ackPhrases {
		if strings.HasPrefix(lower, p) || strings.Contains(lower, " "+p+" ") {
			return true
		}
	}
	return false
}
