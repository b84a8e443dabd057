package retrieval

import (
	"html"
	"sort"
	"strings"

	"github.com/ashita-ai/karte/internal/model"
	"github.com/ashita-ai/karte/internal/query"
)

// SnippetWidth is the default snippet length in bytes.
const SnippetWidth = 200

const fuzzyMinTermLen = 4

// tokenSpan is one content token with its byte range in the original text.
// The token text is already lowercased.
type tokenSpan struct {
	start int
	end   int
	text  string
	norm  string
}

// scanTokens mirrors query.Tokenize but keeps byte offsets into the
// original text, so highlight spans point at the chunk content as stored.
func scanTokens(text string) []tokenSpan {
	var spans []tokenSpan
	start := -1
	flush := func(end int) {
		if start < 0 {
			return
		}
		tok := strings.ToLower(text[start:end])
		spans = append(spans, tokenSpan{start: start, end: end, text: tok, norm: query.NormalizeTerm(tok)})
		start = -1
	}
	for i, r := range text {
		alnum := (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
		if alnum {
			if start < 0 {
				start = i
			}
			continue
		}
		flush(i)
	}
	flush(len(text))
	return spans
}

// highlightTypePriority resolves merge conflicts: an exact span absorbs an
// entity span absorbs a fuzzy span.
func highlightTypePriority(t model.HighlightType) int {
	switch t {
	case model.HighlightExact:
		return 3
	case model.HighlightEntity:
		return 2
	default:
		return 1
	}
}

// findHighlights locates exact, entity, and fuzzy matches in the content
// and merges overlapping spans into their union.
func findHighlights(content string, sc scoreContext) []model.TermHighlight {
	toks := scanTokens(content)
	if len(toks) == 0 {
		return nil
	}

	var spans []model.TermHighlight

	// Exact: whole-token, case-insensitive matches of query tokens.
	exact := make(map[string]bool, len(sc.queryTokens))
	for _, qt := range sc.queryTokens {
		exact[qt] = true
	}
	for _, ts := range toks {
		if exact[ts.text] {
			spans = append(spans, model.TermHighlight{
				Start: ts.start, End: ts.end, Term: ts.text, Type: model.HighlightExact,
			})
		}
	}

	// Entity: token-sequence matches of the surface text or the
	// normalized form, so "HTN" in a note matches a "hypertension" query.
	for _, e := range sc.sq.Entities {
		for _, form := range entityForms(e) {
			for _, m := range sequenceMatches(toks, form) {
				spans = append(spans, model.TermHighlight{
					Start: m.start, End: m.end, Term: e.Text, Type: model.HighlightEntity,
				})
			}
		}
	}

	// Fuzzy: close misspellings of longer query terms.
	for _, qt := range sc.queryTokens {
		if len(qt) < fuzzyMinTermLen {
			continue
		}
		for _, ts := range toks {
			if ts.text == qt || !withinEditDistance(ts.text, qt, 2) {
				continue
			}
			spans = append(spans, model.TermHighlight{
				Start: ts.start, End: ts.end, Term: qt, Type: model.HighlightFuzzy,
			})
		}
	}

	return mergeHighlights(spans)
}

// entityForms lists the token sequences an entity can match under.
func entityForms(e model.Entity) [][]string {
	forms := [][]string{query.Tokenize(e.Text)}
	norm := query.Tokenize(e.Normalized)
	if len(norm) > 0 && strings.Join(norm, " ") != strings.Join(forms[0], " ") {
		forms = append(forms, norm)
	}
	return forms
}

type byteRange struct {
	start int
	end   int
}

// sequenceMatches finds every position where the word sequence matches the
// token stream, comparing raw tokens first and de-inflected forms second.
func sequenceMatches(toks []tokenSpan, words []string) []byteRange {
	if len(words) == 0 {
		return nil
	}
	var out []byteRange
	for i := 0; i+len(words) <= len(toks); i++ {
		ok := true
		for j, w := range words {
			t := toks[i+j]
			if t.text == w || t.norm == w || t.norm == query.NormalizeTerm(w) {
				continue
			}
			ok = false
			break
		}
		if ok {
			out = append(out, byteRange{start: toks[i].start, end: toks[i+len(words)-1].end})
		}
	}
	return out
}

// mergeHighlights unions overlapping spans. The merged span keeps the term
// and type of its highest-priority member.
func mergeHighlights(spans []model.TermHighlight) []model.TermHighlight {
	if len(spans) == 0 {
		return nil
	}
	sort.Slice(spans, func(i, j int) bool {
		if spans[i].Start != spans[j].Start {
			return spans[i].Start < spans[j].Start
		}
		return spans[i].End > spans[j].End
	})
	out := spans[:1]
	for _, s := range spans[1:] {
		last := &out[len(out)-1]
		if s.Start >= last.End {
			out = append(out, s)
			continue
		}
		if s.End > last.End {
			last.End = s.End
		}
		if highlightTypePriority(s.Type) > highlightTypePriority(last.Type) {
			last.Type = s.Type
			last.Term = s.Term
		}
	}
	return out
}

// withinEditDistance reports Levenshtein(a, b) <= limit using two DP rows
// and an early length bail.
func withinEditDistance(a, b string, limit int) bool {
	la, lb := len(a), len(b)
	if la-lb > limit || lb-la > limit {
		return false
	}
	prev := make([]int, lb+1)
	cur := make([]int, lb+1)
	for j := 0; j <= lb; j++ {
		prev[j] = j
	}
	for i := 1; i <= la; i++ {
		cur[0] = i
		best := cur[0]
		for j := 1; j <= lb; j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			m := min(prev[j-1]+cost, prev[j]+1, cur[j-1]+1)
			cur[j] = m
			if m < best {
				best = m
			}
		}
		if best > limit {
			return false
		}
		prev, cur = cur, prev
	}
	return prev[lb] <= limit
}

// SnippetWindow picks a [from,to) byte window of about width bytes centered
// on the span, then pulls both edges in to sentence boundaries when a
// boundary exists that does not cut into the span itself.
func SnippetWindow(text string, spanStart, spanEnd, width int) (int, int) {
	n := len(text)
	if n <= width {
		return 0, n
	}
	center := (spanStart + spanEnd) / 2
	from := center - width/2
	to := from + width
	if from < 0 {
		from, to = 0, width
	}
	if to > n {
		from, to = n-width, n
	}
	if from > 0 {
		if i := sentenceStartAfter(text, from, min(spanStart, to)); i >= 0 {
			from = i
		}
	}
	if to < n {
		if i := sentenceEndBefore(text, max(spanEnd, from), to); i >= 0 {
			to = i
		}
	}
	return from, to
}

// sentenceStartAfter returns the index just past the first sentence
// terminator in [from, limit), skipping trailing spaces, or -1.
func sentenceStartAfter(text string, from, limit int) int {
	for i := from; i < limit && i < len(text); i++ {
		if isSentenceEnd(text[i]) {
			j := i + 1
			for j < limit && (text[j] == ' ' || text[j] == '\n') {
				j++
			}
			if j < limit {
				return j
			}
			return -1
		}
	}
	return -1
}

// sentenceEndBefore returns the index just past the last sentence
// terminator in [limit, to), or -1.
func sentenceEndBefore(text string, limit, to int) int {
	for i := to - 1; i >= limit && i >= 0; i-- {
		if isSentenceEnd(text[i]) {
			return i + 1
		}
	}
	return -1
}

func isSentenceEnd(b byte) bool {
	return b == '.' || b == '!' || b == '?' || b == '\n'
}

// annotateCandidates fills Snippet, SnippetHTML, and Highlights for every
// candidate. Highlight offsets stay absolute into the chunk content; the
// HTML fragment covers the snippet window only.
func annotateCandidates(cands []model.RetrievalCandidate, sc scoreContext) {
	for i := range cands {
		c := &cands[i]
		hls := findHighlights(c.Chunk.Content, sc)
		c.Highlights = hls

		spanStart, spanEnd := 0, 0
		if len(hls) > 0 {
			spanStart, spanEnd = hls[0].Start, hls[0].End
		}
		from, to := SnippetWindow(c.Chunk.Content, spanStart, spanEnd, SnippetWidth)
		c.Snippet = c.Chunk.Content[from:to]
		c.SnippetHTML = renderSnippetHTML(c.Chunk.Content, from, to, hls)
	}
}

// renderSnippetHTML escapes the snippet and wraps every highlight that
// intersects it in <mark class="hl-{type}">.
func renderSnippetHTML(content string, from, to int, hls []model.TermHighlight) string {
	var b strings.Builder
	pos := from
	for _, h := range hls {
		if h.End <= from || h.Start >= to {
			continue
		}
		start, end := h.Start, h.End
		if start < from {
			start = from
		}
		if end > to {
			end = to
		}
		if start > pos {
			b.WriteString(html.EscapeString(content[pos:start]))
		}
		b.WriteString(`<mark class="hl-`)
		b.WriteString(string(h.Type))
		b.WriteString(`">`)
		b.WriteString(html.EscapeString(content[start:end]))
		b.WriteString(`</mark>`)
		pos = end
	}
	if pos < to {
		b.WriteString(html.EscapeString(content[pos:to]))
	}
	return b.String()
}
