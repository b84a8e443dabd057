// Package retrieval turns a StructuredQuery into ranked, highlighted
// candidates. Stages run in a fixed order: metadata filter, hybrid search,
// scoring, re-rank, diversify, time decay, highlight. Every stage after the
// two I/O calls (vector search, body fetch) is pure.
package retrieval

import (
	"sort"
	"time"

	"github.com/ashita-ai/karte/internal/model"
)

// PatientIndex is the in-memory inverted index over one patient's chunks.
// Built once per patient on first use and cached; rebuilt after re-indexing.
// Values are chunk ids only, bodies stay in the metadata store.
type PatientIndex struct {
	PatientID string
	BuiltAt   time.Time

	byType   map[model.ArtifactType][]string
	byAuthor map[string][]string
	byDate   []dateEntry // sorted by occurred_at, the date stripe

	// Summary fields reported by the cache API.
	Types     []model.ArtifactType
	DateFrom  time.Time
	DateTo    time.Time
	ChunkSize int
}

type dateEntry struct {
	at time.Time
	id string
}

// BuildPatientIndex constructs the inverted index from the store's chunk
// rows. Input order does not matter; the stripe is re-sorted here.
func BuildPatientIndex(patientID string, chunks []model.Chunk, now time.Time) *PatientIndex {
	ix := &PatientIndex{
		PatientID: patientID,
		BuiltAt:   now,
		byType:    make(map[model.ArtifactType][]string),
		byAuthor:  make(map[string][]string),
		byDate:    make([]dateEntry, 0, len(chunks)),
		ChunkSize: len(chunks),
	}

	for _, c := range chunks {
		ix.byType[c.Type] = append(ix.byType[c.Type], c.ChunkID)
		if c.Author != "" {
			ix.byAuthor[c.Author] = append(ix.byAuthor[c.Author], c.ChunkID)
		}
		ix.byDate = append(ix.byDate, dateEntry{at: c.OccurredAt, id: c.ChunkID})
	}

	sort.SliceStable(ix.byDate, func(i, j int) bool {
		if !ix.byDate[i].at.Equal(ix.byDate[j].at) {
			return ix.byDate[i].at.Before(ix.byDate[j].at)
		}
		return ix.byDate[i].id < ix.byDate[j].id
	})

	for t := range ix.byType {
		ix.Types = append(ix.Types, t)
	}
	sort.Slice(ix.Types, func(i, j int) bool { return ix.Types[i] < ix.Types[j] })

	if len(ix.byDate) > 0 {
		ix.DateFrom = ix.byDate[0].at
		ix.DateTo = ix.byDate[len(ix.byDate)-1].at
	}
	return ix
}

// Filter returns the chunk ids passing every given constraint, ordered by
// occurred_at then chunk id. The date range is resolved by binary search on
// the date stripe; type and author lists are set-intersected with it.
func (ix *PatientIndex) Filter(f model.QueryFilters) []string {
	stripe := ix.dateSlice(f.DateRange)
	if len(stripe) == 0 {
		return nil
	}

	var allow map[string]bool
	if len(f.ArtifactTypes) > 0 {
		allow = make(map[string]bool)
		for _, t := range f.ArtifactTypes {
			for _, id := range ix.byType[t] {
				allow[id] = true
			}
		}
	}
	if f.Author != "" {
		authorSet := make(map[string]bool, len(ix.byAuthor[f.Author]))
		for _, id := range ix.byAuthor[f.Author] {
			authorSet[id] = true
		}
		allow = intersect(allow, authorSet)
	}

	out := make([]string, 0, len(stripe))
	for _, e := range stripe {
		if allow == nil || allow[e.id] {
			out = append(out, e.id)
		}
	}
	return out
}

// dateSlice binary-searches the stripe bounds for an inclusive [From,To]
// window. A nil range selects everything.
func (ix *PatientIndex) dateSlice(r *model.TimeRange) []dateEntry {
	lo, hi := 0, len(ix.byDate)
	if r != nil {
		if r.From != nil {
			from := *r.From
			lo = sort.Search(len(ix.byDate), func(i int) bool {
				return !ix.byDate[i].at.Before(from)
			})
		}
		if r.To != nil {
			to := *r.To
			hi = sort.Search(len(ix.byDate), func(i int) bool {
				return ix.byDate[i].at.After(to)
			})
		}
	}
	if lo >= hi {
		return nil
	}
	return ix.byDate[lo:hi]
}

// intersect merges two allow sets. A nil set means "everything allowed".
func intersect(a, b map[string]bool) map[string]bool {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	small, large := a, b
	if len(b) < len(a) {
		small, large = b, a
	}
	out := make(map[string]bool, len(small))
	for id := range small {
		if large[id] {
			out[id] = true
		}
	}
	return out
}

// ChunkIDs lists every chunk id in date order.
func (ix *PatientIndex) ChunkIDs() []string {
	out := make([]string, len(ix.byDate))
	for i, e := range ix.byDate {
		out[i] = e.id
	}
	return out
}
