package pipeline

import (
	"fmt"
	"sort"
	"time"

	"github.com/ashita-ai/karte/internal/model"
	"github.com/ashita-ai/karte/internal/retrieval"
)

const snippetWidth = 200

// ProvenanceSort orders a formatted provenance list.
type ProvenanceSort string

const (
	SortByRelevance ProvenanceSort = "relevance"
	SortByDate      ProvenanceSort = "date"
)

// FormatProvenance turns validated extractions into the citation list shown
// under an answer. One reference per cited (chunk, offsets) pair; repeat
// citations deduplicate stably, keeping the first occurrence's position.
func FormatProvenance(kept []model.Extraction, cands []model.RetrievalCandidate, now time.Time, order ProvenanceSort) []model.ProvenanceRef {
	chunks := make(map[string]model.Chunk, len(cands))
	scores := make(map[string]float64, len(cands))
	for _, c := range cands {
		chunks[c.Chunk.ChunkID] = c.Chunk
		scores[c.Chunk.ChunkID] = c.Score
	}

	type keyed struct {
		ref  model.ProvenanceRef
		date time.Time
		pos  int
	}
	var refs []keyed
	seen := make(map[string]bool)
	for _, ex := range kept {
		p := ex.Provenance
		chunk, ok := chunks[p.ChunkID]
		if !ok {
			continue
		}
		key := fmt.Sprintf("%s:%d:%d", p.ChunkID, p.Offsets.Start, p.Offsets.End)
		if seen[key] {
			continue
		}
		seen[key] = true
		refs = append(refs, keyed{
			ref: model.ProvenanceRef{
				ArtifactID:     chunk.ArtifactID,
				ArtifactType:   chunk.Type,
				NoteDate:       FormatDate(chunk.OccurredAt, now),
				Author:         chunk.Author,
				Snippet:        provenanceSnippet(chunk.Content, p.Offsets),
				RelevanceScore: scores[p.ChunkID],
				SourceURL:      chunk.SourceURL,
			},
			date: chunk.OccurredAt,
			pos:  len(refs),
		})
	}

	switch order {
	case SortByDate:
		sort.SliceStable(refs, func(i, j int) bool {
			return refs[i].date.After(refs[j].date)
		})
	default:
		sort.SliceStable(refs, func(i, j int) bool {
			return refs[i].ref.RelevanceScore > refs[j].ref.RelevanceScore
		})
	}

	out := make([]model.ProvenanceRef, len(refs))
	for i, r := range refs {
		out[i] = r.ref
	}
	return out
}

// GroupProvenance buckets references by artifact id, preserving the input
// order within and across groups.
func GroupProvenance(refs []model.ProvenanceRef) map[string][]model.ProvenanceRef {
	groups := make(map[string][]model.ProvenanceRef)
	for _, r := range refs {
		groups[r.ArtifactID] = append(groups[r.ArtifactID], r)
	}
	return groups
}

// provenanceSnippet centers a window on the cited span, extended to
// sentence boundaries and clipped to snippetWidth.
func provenanceSnippet(content string, offsets model.CharRange) string {
	from, to := retrieval.SnippetWindow(content, offsets.Start, offsets.End, snippetWidth)
	return content[from:to]
}

// FormatDate renders a clinical timestamp for display: relative within the
// last 7 days, absolute "Month D, YYYY" beyond that. Future timestamps
// (clock skew, scheduled appointments) render absolute.
func FormatDate(t, now time.Time) string {
	age := now.Sub(t)
	switch {
	case age < 0 || age >= 7*24*time.Hour:
		return t.Format("January 2, 2006")
	case age < time.Minute:
		return "just now"
	case age < time.Hour:
		m := int(age.Minutes())
		if m == 1 {
			return "1 minute ago"
		}
		return fmt.Sprintf("%d minutes ago", m)
	case age < 24*time.Hour:
		h := int(age.Hours())
		if h == 1 {
			return "1 hour ago"
		}
		return fmt.Sprintf("%d hours ago", h)
	case age < 48*time.Hour:
		return "yesterday"
	default:
		return fmt.Sprintf("%d days ago", int(age.Hours()/24))
	}
}
