package chunk_test

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/karte/internal/chunk"
	"github.com/ashita-ai/karte/internal/model"
)

func artifactWith(content string) model.Artifact {
	return model.Artifact{
		ArtifactID: "note_123",
		PatientID:  "p1",
		Type:       model.ArtifactNote,
		OccurredAt: time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC),
		Author:     "Dr. Sato",
		Content:    content,
	}
}

// sentenceOfWords builds one sentence with exactly n words.
func sentenceOfWords(n int, marker string) string {
	words := make([]string, n)
	for i := range words {
		words[i] = fmt.Sprintf("%s%d", marker, i)
	}
	return strings.Join(words, " ") + "."
}

func TestSplit_ShortContentSingleChunk(t *testing.T) {
	a := artifactWith("Patient prescribed Metformin 500mg twice daily for Type 2 Diabetes management.")
	chunks := chunk.Default().Split(a)

	require.Len(t, chunks, 1)
	c := chunks[0]
	assert.Equal(t, "note_123:0", c.ChunkID)
	assert.Equal(t, a.ArtifactID, c.ArtifactID)
	assert.Equal(t, a.PatientID, c.PatientID)
	assert.Equal(t, a.Type, c.Type)
	assert.Equal(t, a.OccurredAt, c.OccurredAt)
	assert.Equal(t, a.Author, c.Author)
	assert.Equal(t, a.Content, c.Content)
	assert.Equal(t, 0, c.Offsets.Start)
	assert.Equal(t, len(a.Content), c.Offsets.End)
}

func TestSplit_ContentIsExactSubstring(t *testing.T) {
	var b strings.Builder
	for i := 0; i < 40; i++ {
		fmt.Fprintf(&b, "Visit %d went well and the patient reported steady improvement in symptoms overall. ", i)
	}
	a := artifactWith(b.String())
	chunks := chunk.Default().Split(a)
	require.NotEmpty(t, chunks)

	for _, c := range chunks {
		require.True(t, c.Offsets.Valid(len(a.Content)), "offsets %+v out of bounds", c.Offsets)
		assert.Equal(t, a.Content[c.Offsets.Start:c.Offsets.End], c.Content,
			"chunk content must be the literal substring at its offsets")
		assert.NotEmpty(t, strings.TrimSpace(c.Content))
	}
}

func TestSplit_WordBoundsAndOverlap(t *testing.T) {
	// 30 sentences of 25 words each: 750 words total.
	var sentences []string
	for i := 0; i < 30; i++ {
		sentences = append(sentences, sentenceOfWords(25, fmt.Sprintf("w%d_", i)))
	}
	a := artifactWith(strings.Join(sentences, " "))
	chunks := chunk.Default().Split(a)
	require.Greater(t, len(chunks), 1, "750 words must split")

	for i, c := range chunks {
		words := len(strings.Fields(c.Content))
		if i < len(chunks)-1 {
			assert.GreaterOrEqual(t, words, chunk.DefaultMinWords, "chunk %d too small", i)
			assert.LessOrEqual(t, words, chunk.DefaultMaxWords, "chunk %d too large", i)
		}
		if i > 0 {
			prev := chunks[i-1]
			assert.Less(t, c.Offsets.Start, prev.Offsets.End, "chunk %d should overlap its predecessor", i)
			assert.Greater(t, c.Offsets.Start, prev.Offsets.Start, "chunk %d must advance", i)
		}
	}
}

func TestSplit_MonotonicOffsetsAndIDs(t *testing.T) {
	var sentences []string
	for i := 0; i < 50; i++ {
		sentences = append(sentences, sentenceOfWords(20, fmt.Sprintf("s%d_", i)))
	}
	a := artifactWith(strings.Join(sentences, " "))
	chunks := chunk.Default().Split(a)
	require.Greater(t, len(chunks), 2)

	for i, c := range chunks {
		assert.Equal(t, fmt.Sprintf("note_123:%d", i), c.ChunkID)
		if i > 0 {
			assert.Greater(t, c.Offsets.Start, chunks[i-1].Offsets.Start)
			assert.Greater(t, c.Offsets.End, chunks[i-1].Offsets.End)
		}
	}
}

func TestSplit_OversizedSentenceEmittedWhole(t *testing.T) {
	big := sentenceOfWords(400, "long_")
	tail := sentenceOfWords(10, "tail_")
	a := artifactWith(big + " " + tail)
	chunks := chunk.NewChunker(300, 200, 50).Split(a)

	require.NotEmpty(t, chunks)
	words := len(strings.Fields(chunks[0].Content))
	assert.GreaterOrEqual(t, words, 400, "a single long sentence is never cut mid-sentence")
}

func TestSplit_EmptyContent(t *testing.T) {
	assert.Nil(t, chunk.Default().Split(artifactWith("")))
	assert.Nil(t, chunk.Default().Split(artifactWith("   \n\n  ")))
}

func TestSplit_ParagraphBreakIsBoundary(t *testing.T) {
	a := artifactWith("Assessment: stable condition\n\nPlan: continue current regimen")
	chunks := chunk.Default().Split(a)
	require.Len(t, chunks, 1)
	assert.Equal(t, a.Content[chunks[0].Offsets.Start:chunks[0].Offsets.End], chunks[0].Content)
}
