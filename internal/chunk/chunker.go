// Package chunk splits normalized artifact content into retrievable chunks.
//
// Chunks are cut at sentence boundaries and carry exact [start,end) offsets
// into the artifact content. Citation validation compares supporting text
// against chunk content byte for byte, so a chunk's Content is always the
// literal substring content[start:end].
package chunk

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"

	"github.com/ashita-ai/karte/internal/model"
)

// Word-count bounds for a chunk. Chunks target maxWords and never close
// below minWords unless the artifact itself runs out of text. Overlap pulls
// roughly overlapWords of trailing context into the next chunk.
const (
	DefaultMaxWords     = 300
	DefaultMinWords     = 200
	DefaultOverlapWords = 50
)

// sentenceBoundary marks the gap after a sentence: terminal punctuation
// followed by whitespace, or a paragraph break.
var sentenceBoundary = regexp.MustCompile(`[.!?]+\s+|\n{2,}`)

// Chunker splits artifact content at sentence boundaries.
type Chunker struct {
	maxWords     int
	minWords     int
	overlapWords int
}

// NewChunker creates a chunker with explicit bounds. Zero or negative values
// fall back to the defaults.
func NewChunker(maxWords, minWords, overlapWords int) *Chunker {
	if maxWords <= 0 {
		maxWords = DefaultMaxWords
	}
	if minWords <= 0 {
		minWords = DefaultMinWords
	}
	if overlapWords < 0 {
		overlapWords = DefaultOverlapWords
	}
	return &Chunker{maxWords: maxWords, minWords: minWords, overlapWords: overlapWords}
}

// Default returns a chunker with the standard bounds.
func Default() *Chunker {
	return NewChunker(DefaultMaxWords, DefaultMinWords, DefaultOverlapWords)
}

// span is a half-open byte range into the artifact content.
type span struct {
	start, end int
	words      int
}

// Split cuts one artifact's content into chunks. Chunk ids are deterministic
// ("<artifact_id>:<ordinal>") so re-indexing a patient reproduces the same
// ids. Empty content yields no chunks.
func (c *Chunker) Split(a model.Artifact) []model.Chunk {
	sentences := sentenceSpans(a.Content)
	if len(sentences) == 0 {
		return nil
	}

	var chunks []model.Chunk
	emit := func(first, last int) {
		start, end := sentences[first].start, sentences[last].end
		chunks = append(chunks, model.Chunk{
			ChunkID:    fmt.Sprintf("%s:%d", a.ArtifactID, len(chunks)),
			ArtifactID: a.ArtifactID,
			PatientID:  a.PatientID,
			Type:       a.Type,
			OccurredAt: a.OccurredAt,
			Author:     a.Author,
			Content:    a.Content[start:end],
			Offsets:    model.CharRange{Start: start, End: end},
			SourceURL:  a.SourceURL,
		})
	}

	first := 0
	words := 0
	for i := 0; i < len(sentences); i++ {
		w := sentences[i].words

		// Close the running chunk when the next sentence would push it past
		// maxWords, but never below minWords: sentence boundaries win, so a
		// chunk may overrun the cap rather than close short.
		if words >= c.minWords && words+w > c.maxWords {
			emit(first, i-1)
			first = c.overlapStart(sentences, first, i-1)
			words = sentenceWords(sentences, first, i-1)
		}
		words += w
	}
	if words > 0 {
		emit(first, len(sentences)-1)
	}
	return chunks
}

// overlapStart picks the sentence the next chunk starts from: the latest
// index within (prevFirst, lastEmitted] whose tail covers at least
// overlapWords. It always advances past prevFirst so progress is guaranteed.
func (c *Chunker) overlapStart(sentences []span, prevFirst, lastEmitted int) int {
	if c.overlapWords == 0 {
		return lastEmitted + 1
	}
	words := 0
	for i := lastEmitted; i > prevFirst; i-- {
		words += sentences[i].words
		if words >= c.overlapWords {
			return i
		}
	}
	return prevFirst + 1
}

func sentenceWords(sentences []span, first, last int) int {
	total := 0
	for i := first; i <= last; i++ {
		total += sentences[i].words
	}
	return total
}

// sentenceSpans locates all non-empty sentence spans in text, trimmed to
// their non-whitespace extents. Offsets index the original text.
func sentenceSpans(text string) []span {
	if strings.TrimSpace(text) == "" {
		return nil
	}

	boundaries := sentenceBoundary.FindAllStringIndex(text, -1)
	var spans []span
	start := 0
	for _, b := range boundaries {
		// The sentence runs through its terminal punctuation; the trailing
		// whitespace belongs to the gap.
		end := b[1]
		for end > b[0] && isSpaceByte(text[end-1]) {
			end--
		}
		if s, ok := trimSpan(text, start, end); ok {
			spans = append(spans, s)
		}
		start = b[1]
	}
	if s, ok := trimSpan(text, start, len(text)); ok {
		spans = append(spans, s)
	}
	return spans
}

// trimSpan narrows [start,end) to its non-whitespace extent.
func trimSpan(text string, start, end int) (span, bool) {
	for start < end && isSpaceByte(text[start]) {
		start++
	}
	for end > start && isSpaceByte(text[end-1]) {
		end--
	}
	if start >= end {
		return span{}, false
	}
	return span{start: start, end: end, words: len(strings.Fields(text[start:end]))}, true
}

func isSpaceByte(b byte) bool {
	return b < 0x80 && unicode.IsSpace(rune(b))
}
