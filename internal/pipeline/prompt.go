package pipeline

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ashita-ai/karte/internal/model"
	"github.com/ashita-ai/karte/internal/service/generation"
)

// Prompt budget and per-mode generation settings.
const (
	maxPromptTokens = 4000
	maxAnswerTokens = 2000

	extractionTemperature = 0.0
	summaryTemperature    = 0.3
)

// systemPrompt pins the generator to grounded extraction. Every answer must
// quote its source exactly; the citation validator enforces what this prompt
// demands.
const systemPrompt = `You are a clinical records assistant. Answer using ONLY information present in the provided record chunks. Do not infer, extrapolate, or use outside knowledge.

Return strict JSON with this shape and nothing else:
{
  "short_answer": "one-sentence answer",
  "detailed_summary": "longer grounded summary",
  "extractions": [
    {
      "type": "medication_recommendation" | "care_plan_note" | "general_note",
      "content": { ... },
      "provenance": {
        "artifact_id": "...",
        "chunk_id": "...",
        "char_offsets": {"start": 0, "end": 0},
        "supporting_text": "exact quote copied verbatim from the chunk"
      }
    }
  ]
}

Every extraction MUST carry provenance. supporting_text must be an exact character-for-character quote from the named chunk, and char_offsets must be the quote's position within that chunk's content. If the chunks do not answer the question, return an empty extractions array and say so in short_answer.`

// Prompt is an assembled generator request.
type Prompt struct {
	System string
	User   string
	Config generation.Config
	// Included is how many candidates survived the token budget.
	Included int
}

// EstimateTokens approximates the token count as ceil(chars/4). Crude, but
// only used to keep prompts under the context window; the truncation rule
// (drop candidates from the tail) is what matters.
func EstimateTokens(text string) int {
	return (len(text) + 3) / 4
}

// BuildExtractionPrompt formats the candidates and query for the strict
// extraction mode (temperature 0). Candidates are included best-first and
// dropped greedily from the tail once the estimate crosses the budget.
func BuildExtractionPrompt(sq model.StructuredQuery, cands []model.RetrievalCandidate) Prompt {
	return buildPrompt(sq, cands, generation.Config{
		Temperature: extractionTemperature,
		MaxTokens:   maxAnswerTokens,
	})
}

// BuildSummaryPrompt is the looser summarization mode for SUMMARY and
// COMPARISON intents.
func BuildSummaryPrompt(sq model.StructuredQuery, cands []model.RetrievalCandidate) Prompt {
	return buildPrompt(sq, cands, generation.Config{
		Temperature: summaryTemperature,
		MaxTokens:   maxAnswerTokens,
	})
}

// PromptForIntent picks the generation mode the intent calls for.
func PromptForIntent(sq model.StructuredQuery, cands []model.RetrievalCandidate) Prompt {
	if sq.Intent == model.IntentSummary || sq.Intent == model.IntentComparison {
		return BuildSummaryPrompt(sq, cands)
	}
	return BuildExtractionPrompt(sq, cands)
}

func buildPrompt(sq model.StructuredQuery, cands []model.RetrievalCandidate, cfg generation.Config) Prompt {
	included := len(cands)
	user := formatUserPrompt(sq, cands[:included])
	for included > 1 && EstimateTokens(systemPrompt)+EstimateTokens(user) > maxPromptTokens {
		included--
		user = formatUserPrompt(sq, cands[:included])
	}
	return Prompt{System: systemPrompt, User: user, Config: cfg, Included: included}
}

func formatUserPrompt(sq model.StructuredQuery, cands []model.RetrievalCandidate) string {
	var b strings.Builder
	b.WriteString("Record chunks:\n\n")
	for _, c := range cands {
		fmt.Fprintf(&b, "--- chunk_id: %s | artifact_id: %s | type: %s | date: %s ---\n",
			c.Chunk.ChunkID, c.Chunk.ArtifactID, c.Chunk.Type,
			c.Chunk.OccurredAt.Format("2006-01-02"))
		b.WriteString(c.Chunk.Content)
		b.WriteString("\n\n")
	}
	b.WriteString("Question: ")
	b.WriteString(sq.OriginalQuery)
	b.WriteString("\n")
	return b.String()
}

// GeneratorOutput is the JSON shape the generator is instructed to return.
type GeneratorOutput struct {
	ShortAnswer     string             `json:"short_answer"`
	DetailedSummary string             `json:"detailed_summary"`
	Extractions     []model.Extraction `json:"extractions"`
}

// ParseGeneratorOutput decodes the model's JSON reply. Local models wrap
// JSON in prose or markdown fences often enough that the parser scans for
// the outermost object instead of trusting the raw text.
func ParseGeneratorOutput(text string) (GeneratorOutput, error) {
	var out GeneratorOutput
	raw := extractJSONObject(text)
	if raw == "" {
		return out, model.Errorf(model.KindGenerator, "pipeline: generator returned no JSON object")
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return out, model.WrapErr(model.KindGenerator, "pipeline: parse generator output", err)
	}
	return out, nil
}

// extractJSONObject returns the first balanced top-level JSON object in
// text, honoring strings and escapes.
func extractJSONObject(text string) string {
	start := strings.IndexByte(text, '{')
	if start < 0 {
		return ""
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return text[start : i+1]
			}
		}
	}
	return ""
}
