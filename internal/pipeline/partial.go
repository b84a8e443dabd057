package pipeline

import (
	"fmt"
	"strings"
	"time"

	"github.com/ashita-ai/karte/internal/model"
)

// Stage names, in pipeline order. Per-stage timings and SSE events use
// these strings.
const (
	StageQueryUnderstanding = "query_understanding"
	StageRetrieval          = "retrieval"
	StageGeneration         = "generation"
	StageConfidenceScoring  = "confidence_scoring"
	StageProvenanceFormat   = "provenance_formatting"
	StageResponseBuilding   = "response_building"
	StageAuditLogging       = "audit_logging"
)

// fallbackMessages is the user-visible line shown when the named stage is
// the one that failed.
var fallbackMessages = map[string]string{
	StageQueryUnderstanding: "Unable to interpret the question. Please rephrase and try again.",
	StageRetrieval:          "Unable to search this patient's records right now. Please try again shortly.",
	StageGeneration:         "Query is taking longer than expected. Showing supporting snippets without full analysis.",
	StageConfidenceScoring:  "Answer produced, but confidence could not be assessed.",
	StageProvenanceFormat:   "Answer produced, but source citations could not be formatted.",
}

// requestState accumulates stage outputs for one request. The partial
// results handler reads whatever is present when a stage fails; nothing
// here is shared across requests.
type requestState struct {
	startedAt time.Time
	stageMS   map[string]int64
	failed    string // name of the stage that failed, if any

	structured *model.StructuredQuery
	candidates []model.RetrievalCandidate
	generated  *GeneratorOutput
	validated  []model.Extraction
	confidence *model.Confidence
	provenance []model.ProvenanceRef
}

func newRequestState(now time.Time) *requestState {
	return &requestState{startedAt: now, stageMS: make(map[string]int64)}
}

func (s *requestState) metadata(kind model.Kind, partial bool) model.ResponseMetadata {
	return model.ResponseMetadata{
		TotalTimeMS: time.Since(s.startedAt).Milliseconds(),
		PerStageMS:  s.stageMS,
		Partial:     partial,
		Error:       kind,
	}
}

// partialResponse assembles the richest response the completed stages
// allow: generated answer, then validated extractions, then retrieved
// snippets, then the structured query, then nothing.
func partialResponse(s *requestState, kind model.Kind, now time.Time) model.UIResponse {
	resp := model.UIResponse{
		Extractions: []model.Extraction{},
		Provenance:  []model.ProvenanceRef{},
		Confidence:  model.Confidence{Score: 0, Label: model.ConfidenceLow, Reason: "partial result"},
		Metadata:    s.metadata(kind, true),
	}
	if s.structured != nil {
		resp.QueryID = s.structured.QueryID
	}

	message := fallbackMessages[s.failed]
	if message == "" {
		message = fallbackMessages[StageGeneration]
	}
	if kind == model.KindNoResults {
		message = "No matching records."
		resp.Metadata.Partial = false
	}

	switch {
	case s.generated != nil && len(s.validated) > 0:
		// The answer exists and at least some citations held up.
		resp.ShortAnswer = s.generated.ShortAnswer
		resp.DetailedSummary = s.generated.DetailedSummary
		resp.Extractions = s.validated
		resp.Provenance = FormatProvenance(s.validated, s.candidates, now, SortByRelevance)
		if s.confidence != nil {
			resp.Confidence = *s.confidence
		}

	case len(s.validated) > 0:
		resp.ShortAnswer = message
		resp.Extractions = s.validated
		resp.Provenance = FormatProvenance(s.validated, s.candidates, now, SortByRelevance)

	case len(s.candidates) > 0:
		resp.ShortAnswer = message
		resp.DetailedSummary = snippetSummary(s.candidates)
		resp.Provenance = snippetProvenance(s.candidates, now)

	case s.structured != nil:
		resp.ShortAnswer = message
		resp.DetailedSummary = fmt.Sprintf("The question was understood as a %s query, but no records could be retrieved.",
			strings.ToLower(string(s.structured.Intent)))

	default:
		resp.ShortAnswer = message
	}
	return resp
}

// snippetSummary renders the top retrieved snippets as bullets for the
// retrieval-only fallback.
func snippetSummary(cands []model.RetrievalCandidate) string {
	n := min(3, len(cands))
	var b strings.Builder
	for _, c := range cands[:n] {
		snippet := c.Snippet
		if snippet == "" {
			snippet = c.Chunk.Content
			if len(snippet) > snippetWidth {
				snippet = snippet[:snippetWidth]
			}
		}
		fmt.Fprintf(&b, "- %s\n", snippet)
	}
	return strings.TrimRight(b.String(), "\n")
}

// snippetProvenance cites the top retrieved chunks directly, used when no
// generated answer survived.
func snippetProvenance(cands []model.RetrievalCandidate, now time.Time) []model.ProvenanceRef {
	n := min(3, len(cands))
	refs := make([]model.ProvenanceRef, 0, n)
	for _, c := range cands[:n] {
		snippet := c.Snippet
		if snippet == "" {
			from, to := 0, min(len(c.Chunk.Content), snippetWidth)
			snippet = c.Chunk.Content[from:to]
		}
		refs = append(refs, model.ProvenanceRef{
			ArtifactID:     c.Chunk.ArtifactID,
			ArtifactType:   c.Chunk.Type,
			NoteDate:       FormatDate(c.Chunk.OccurredAt, now),
			Author:         c.Chunk.Author,
			Snippet:        snippet,
			RelevanceScore: c.Score,
			SourceURL:      c.Chunk.SourceURL,
		})
	}
	return refs
}
