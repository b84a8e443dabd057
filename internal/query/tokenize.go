package query

import "strings"

// Tokenize splits text into lowercase alphanumeric tokens. It is the single
// tokenizer for intent matching, lexical scoring, and highlight lookup, so
// every stage agrees on token boundaries.
func Tokenize(text string) []string {
	lower := strings.ToLower(text)
	var tokens []string
	start := -1
	for i, r := range lower {
		alnum := (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9')
		if alnum {
			if start < 0 {
				start = i
			}
			continue
		}
		if start >= 0 {
			tokens = append(tokens, lower[start:i])
			start = -1
		}
	}
	if start >= 0 {
		tokens = append(tokens, lower[start:])
	}
	return tokens
}

// stopwords excluded from lexical matching. Small on purpose: clinical
// queries are short and over-filtering hurts recall.
var stopwords = map[string]bool{
	"a": true, "an": true, "and": true, "are": true, "be": true, "been": true,
	"did": true, "do": true, "does": true, "for": true, "from": true,
	"had": true, "has": true, "have": true, "how": true, "in": true,
	"is": true, "it": true, "of": true, "on": true, "or": true,
	"patient": true, "patients": true, "s": true, "the": true, "their": true,
	"this": true, "to": true, "was": true, "were": true, "what": true,
	"when": true, "which": true, "who": true, "with": true,
}

// ContentTokens tokenizes and drops stopwords.
func ContentTokens(text string) []string {
	tokens := Tokenize(text)
	out := tokens[:0]
	for _, tok := range tokens {
		if !stopwords[tok] {
			out = append(out, tok)
		}
	}
	return out
}
