package pipeline

import (
	"strings"

	"github.com/ashita-ai/karte/internal/model"
)

// Citation issue codes. The first four are fatal for the extraction that
// carries them; the mismatch warnings are logged and kept.
const (
	IssueMissingProvenance  = "missing_provenance"
	IssueInvalidArtifactID  = "invalid_artifact_id"
	IssueInvalidOffsets     = "invalid_offsets"
	IssueTextMismatch       = "text_mismatch"
	IssueWhitespaceMismatch = "whitespace_mismatch"
	IssueCaseMismatch       = "case_mismatch"
)

// CitationIssue is one validation finding against one extraction.
type CitationIssue struct {
	Index   int    `json:"index"` // position in the submitted extractions
	ChunkID string `json:"chunk_id,omitempty"`
	Code    string `json:"code"`
	Warning bool   `json:"warning"`
	Detail  string `json:"detail,omitempty"`
}

// ValidationResult separates the extractions safe to show from the ones
// whose citations failed. Valid is false when any fatal issue was found.
type ValidationResult struct {
	Kept   []model.Extraction
	Issues []CitationIssue
	Valid  bool
}

// ValidateCitations is the last gate before response assembly: every
// extraction's supporting text is checked against the cited chunk's actual
// content at the claimed offsets. Extractions with fatal issues are
// dropped; whitespace and case mismatches are kept with a warning.
func ValidateCitations(extractions []model.Extraction, cands []model.RetrievalCandidate) ValidationResult {
	chunks := make(map[string]model.Chunk, len(cands))
	for _, c := range cands {
		chunks[c.Chunk.ChunkID] = c.Chunk
	}

	res := ValidationResult{Valid: true}
	for i, ex := range extractions {
		issue, ok := checkCitation(i, ex, chunks)
		if issue != nil {
			res.Issues = append(res.Issues, *issue)
		}
		if !ok {
			res.Valid = false
			continue
		}
		res.Kept = append(res.Kept, ex)
	}
	return res
}

// checkCitation validates one extraction. It returns the issue found (nil
// when the citation is exact) and whether the extraction survives.
func checkCitation(i int, ex model.Extraction, chunks map[string]model.Chunk) (*CitationIssue, bool) {
	p := ex.Provenance
	if p == nil || p.ChunkID == "" {
		return &CitationIssue{Index: i, Code: IssueMissingProvenance}, false
	}
	chunk, ok := chunks[p.ChunkID]
	if !ok || chunk.ArtifactID != p.ArtifactID {
		return &CitationIssue{
			Index: i, ChunkID: p.ChunkID, Code: IssueInvalidArtifactID,
			Detail: "chunk not among candidates or artifact id does not match",
		}, false
	}
	if !p.Offsets.Valid(len(chunk.Content)) {
		return &CitationIssue{
			Index: i, ChunkID: p.ChunkID, Code: IssueInvalidOffsets,
		}, false
	}

	actual := chunk.Content[p.Offsets.Start:p.Offsets.End]
	if p.SupportingText == actual {
		return nil, true
	}
	if squeezeSpace(p.SupportingText) == squeezeSpace(actual) {
		return &CitationIssue{
			Index: i, ChunkID: p.ChunkID, Code: IssueWhitespaceMismatch, Warning: true,
		}, true
	}
	if strings.EqualFold(squeezeSpace(p.SupportingText), squeezeSpace(actual)) {
		return &CitationIssue{
			Index: i, ChunkID: p.ChunkID, Code: IssueCaseMismatch, Warning: true,
		}, true
	}
	return &CitationIssue{
		Index: i, ChunkID: p.ChunkID, Code: IssueTextMismatch,
		Detail: "supporting_text does not match chunk content at offsets",
	}, false
}

func squeezeSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
