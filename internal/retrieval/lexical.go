package retrieval

import (
	"math"
	"strings"

	"github.com/ashita-ai/karte/internal/model"
	"github.com/ashita-ai/karte/internal/query"
)

const (
	bm25K1 = 1.2
	bm25B  = 0.75
)

// weightedTerm is one lexical match target. Multi-word terms (expanded
// abbreviations, phrase entities) match as token sequences.
type weightedTerm struct {
	words  []string
	weight float64
}

// queryTerms collects the lexical vocabulary of a structured query: the
// original query tokens, entity normalized forms, and expansion terms with
// their weights. Duplicates keep the highest weight.
func queryTerms(sq model.StructuredQuery) []weightedTerm {
	seen := make(map[string]int)
	var terms []weightedTerm

	add := func(text string, weight float64) {
		words := query.Tokenize(text)
		if len(words) == 0 {
			return
		}
		key := strings.Join(words, " ")
		if i, ok := seen[key]; ok {
			if weight > terms[i].weight {
				terms[i].weight = weight
			}
			return
		}
		seen[key] = len(terms)
		terms = append(terms, weightedTerm{words: words, weight: weight})
	}

	for _, tok := range query.ContentTokens(sq.OriginalQuery) {
		add(tok, 1.0)
	}
	for _, e := range sq.Entities {
		add(e.Normalized, 1.0)
	}
	for _, x := range sq.Expansions {
		add(x.Term, x.Weight)
	}
	return terms
}

// tokenDoc is a chunk prepared for lexical matching: raw tokens plus their
// de-inflected forms, computed once.
type tokenDoc struct {
	id     string
	tokens []string
	norms  []string
}

func newTokenDoc(id, content string) tokenDoc {
	tokens := query.Tokenize(content)
	norms := make([]string, len(tokens))
	for i, tok := range tokens {
		norms[i] = query.NormalizeTerm(tok)
	}
	return tokenDoc{id: id, tokens: tokens, norms: norms}
}

// matchesAt reports whether the term's word sequence starts at token i.
// A word matches a token exactly or through the shared de-inflection, so
// "diabet" finds "diabetes" and "medication" finds "medications".
func (d tokenDoc) matchesAt(i int, words []string) bool {
	if i+len(words) > len(d.tokens) {
		return false
	}
	for j, w := range words {
		if d.tokens[i+j] == w || d.norms[i+j] == w {
			continue
		}
		if query.NormalizeTerm(w) == d.norms[i+j] {
			continue
		}
		return false
	}
	return true
}

// termFrequency counts non-overlapping occurrences of the term in the doc.
func (d tokenDoc) termFrequency(words []string) int {
	count := 0
	for i := 0; i+len(words) <= len(d.tokens); {
		if d.matchesAt(i, words) {
			count++
			i += len(words)
			continue
		}
		i++
	}
	return count
}

// lexicalScores runs BM25 over the filtered chunk set and returns per-chunk
// scores scaled to [0,1] by the request maximum. The corpus statistics
// (document frequency, average length) come from the filtered set itself,
// so scores are comparable only within one request, which is all the
// hybrid blend needs.
func lexicalScores(docs []tokenDoc, terms []weightedTerm) map[string]float64 {
	scores := make(map[string]float64, len(docs))
	if len(docs) == 0 || len(terms) == 0 {
		for _, d := range docs {
			scores[d.id] = 0
		}
		return scores
	}

	totalLen := 0
	for i := range docs {
		totalLen += len(docs[i].tokens)
	}
	avgLen := float64(totalLen) / float64(len(docs))
	if avgLen == 0 {
		avgLen = 1
	}

	// Per-term document frequency and per-doc term frequency in one pass.
	tf := make([][]int, len(terms))
	df := make([]int, len(terms))
	for ti, term := range terms {
		tf[ti] = make([]int, len(docs))
		for di := range docs {
			n := docs[di].termFrequency(term.words)
			tf[ti][di] = n
			if n > 0 {
				df[ti]++
			}
		}
	}

	n := float64(len(docs))
	maxScore := 0.0
	raw := make([]float64, len(docs))
	for di := range docs {
		dlen := float64(len(docs[di].tokens))
		var s float64
		for ti, term := range terms {
			f := float64(tf[ti][di])
			if f == 0 {
				continue
			}
			idf := math.Log(1 + (n-float64(df[ti])+0.5)/(float64(df[ti])+0.5))
			s += term.weight * idf * (f * (bm25K1 + 1)) /
				(f + bm25K1*(1-bm25B+bm25B*dlen/avgLen))
		}
		raw[di] = s
		if s > maxScore {
			maxScore = s
		}
	}

	for di, d := range docs {
		if maxScore > 0 {
			scores[d.id] = raw[di] / maxScore
		} else {
			scores[d.id] = 0
		}
	}
	return scores
}
