package integrity

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/karte/internal/model"
)

func entry(i int) model.AuditEntry {
	return model.AuditEntry{
		QueryID:         uuid.NewSHA1(uuid.NameSpaceOID, []byte{byte(i)}),
		Timestamp:       time.Date(2026, 8, 24, 10, 0, i, 0, time.UTC),
		UserID:          "dr_tanaka",
		PatientID:       "p1",
		QueryText:       "current medications?",
		Confidence:      0.85,
		Success:         true,
		TotalTimeMS:     int64(100 + i),
		PipelineVersion: "1",
	}
}

func chain(n int) []model.AuditEntry {
	out := make([]model.AuditEntry, n)
	prev := ""
	for i := range out {
		e := entry(i)
		e.PrevHash = prev
		e.EntryHash = EntryHash(prev, e)
		prev = e.EntryHash
		out[i] = e
	}
	return out
}

func TestEntryHashDeterministic(t *testing.T) {
	e := entry(0)
	h1 := EntryHash("", e)
	h2 := EntryHash("", e)
	assert.Equal(t, h1, h2)
	assert.Contains(t, h1, "v1:")
}

func TestEntryHashBindsFields(t *testing.T) {
	e := entry(0)
	base := EntryHash("", e)

	e.QueryText = "current allergies?"
	assert.NotEqual(t, base, EntryHash("", e))

	e = entry(0)
	assert.NotEqual(t, base, EntryHash("other-prev", e))
}

func TestVerifyChainIntact(t *testing.T) {
	assert.Equal(t, -1, VerifyChain(nil))
	assert.Equal(t, -1, VerifyChain(chain(1)))
	assert.Equal(t, -1, VerifyChain(chain(5)))
}

func TestVerifyChainDetectsEdit(t *testing.T) {
	entries := chain(5)
	entries[2].QueryText = "edited after the fact"
	assert.Equal(t, 2, VerifyChain(entries))
}

func TestVerifyChainDetectsReorder(t *testing.T) {
	entries := chain(5)
	entries[1], entries[3] = entries[3], entries[1]
	assert.Equal(t, 1, VerifyChain(entries))
}

func TestVerifyChainDetectsDeletion(t *testing.T) {
	entries := chain(5)
	entries = append(entries[:2], entries[3:]...)
	require.Len(t, entries, 4)
	assert.Equal(t, 2, VerifyChain(entries))
}
