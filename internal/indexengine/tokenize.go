package indexengine

import (
	"strings"
	"unicode"

	"github.com/jhuckaby/pixl-server-unbase/schema"
)

// tokenize lowercases s, splits on runs of non-alphanumeric characters, and
// applies min/max word length, stop-word, and stemming rules from the
// field's configuration.
func tokenize(s string, f schema.Field, removeWords []string) []string {
	var stop map[string]bool
	if f.UseRemoveWords && len(removeWords) > 0 {
		stop = make(map[string]bool, len(removeWords))
		for _, w := range removeWords {
			stop[strings.ToLower(w)] = true
		}
	}

	raw := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})

	out := make([]string, 0, len(raw))
	for _, word := range raw {
		if f.MinWordLength > 0 && len(word) < f.MinWordLength {
			continue
		}
		if f.MaxWordLength > 0 && len(word) > f.MaxWordLength {
			continue
		}
		if stop != nil && stop[word] {
			continue
		}
		if f.UseStemmer {
			word = stem(word)
		}
		out = append(out, word)
	}
	return out
}

// stem applies a small suffix-stripping heuristic ("Porter-lite"): it is
// not a full Porter stemmer, just common English suffix removal, good
// enough to unify "cats"/"cat" and "jumping"/"jump" style pairs for an
// embedded index.
func stem(word string) string {
	switch {
	case strings.HasSuffix(word, "ies") && len(word) > 4:
		return word[:len(word)-3] + "y"
	case strings.HasSuffix(word, "ing") && len(word) > 5:
		return strings.TrimSuffix(word, "ing")
	case strings.HasSuffix(word, "ed") && len(word) > 4:
		return strings.TrimSuffix(word, "ed")
	case strings.HasSuffix(word, "es") && len(word) > 4:
		return strings.TrimSuffix(word, "es")
	case strings.HasSuffix(word, "s") && len(word) > 3 && !strings.HasSuffix(word, "ss"):
		return strings.TrimSuffix(word, "s")
	}
	return word
}

// applyFilter narrows a raw field value per the field's filter capability
// before tokenization, e.g. stripping non-alphanumeric characters.
func applyFilter(value string, filter string) string {
	switch filter {
	case "alpha":
		return strings.Map(func(r rune) rune {
			if unicode.IsLetter(r) || unicode.IsSpace(r) {
				return r
			}
			return -1
		}, value)
	case "alphanumeric":
		return strings.Map(func(r rune) rune {
			if unicode.IsLetter(r) || unicode.IsDigit(r) || unicode.IsSpace(r) {
				return r
			}
			return -1
		}, value)
	case "numeric":
		return strings.Map(func(r rune) rune {
			if unicode.IsDigit(r) || r == '.' || r == '-' {
				return r
			}
			return -1
		}, value)
	default:
		return value
	}
}

// canonicalValue renders a value to the string key used for exact-match
// postings and master-list histograms.
func canonicalValue(v interface{}) string {
	switch t := v.(type) {
	case string:
		return strings.ToLower(strings.TrimSpace(t))
	case nil:
		return ""
	default:
		return strings.ToLower(strings.TrimSpace(toDisplayString(v)))
	}
}
