package audit_test

import (
	"bytes"
	"encoding/csv"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/karte/internal/audit"
	"github.com/ashita-ai/karte/internal/integrity"
	"github.com/ashita-ai/karte/internal/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func entry(patientID string, ts time.Time, success bool) model.AuditEntry {
	return model.AuditEntry{
		QueryID:         uuid.New(),
		Timestamp:       ts,
		UserID:          "dr-lee",
		PatientID:       patientID,
		QueryText:       "what medications?",
		ResponseSummary: "Metformin 500mg twice daily",
		Confidence:      0.8,
		Success:         success,
		TotalTimeMS:     120,
		SessionID:       "sess-1",
		PipelineVersion: "1",
	}
}

func newLogger(t *testing.T, privacy model.PrivacyMode, anonymizeAfter time.Duration) *audit.Logger {
	t.Helper()
	l, err := audit.NewLogger(t.TempDir(), privacy, anonymizeAfter, 100, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func TestRecordWritesFileAndRing(t *testing.T) {
	dir := t.TempDir()
	l, err := audit.NewLogger(dir, model.PrivacyFull, time.Hour, 100, testLogger())
	require.NoError(t, err)
	defer l.Close()

	e1 := entry("p1", time.Now().UTC(), true)
	e2 := entry("p2", time.Now().UTC(), false)
	require.NoError(t, l.Record(e1))
	require.NoError(t, l.Record(e2))
	require.NoError(t, l.Sync())

	assert.Equal(t, 2, l.Len())
	assert.Equal(t, int64(2), l.Total())

	loaded, err := audit.LoadFile(filepath.Join(dir, "audit.jsonl"))
	require.NoError(t, err)
	require.Len(t, loaded, 2)
	assert.Equal(t, e1.QueryID, loaded[0].QueryID)
	assert.Equal(t, e2.QueryID, loaded[1].QueryID)
}

func TestRingWrapsKeepingNewest(t *testing.T) {
	l, err := audit.NewLogger(t.TempDir(), model.PrivacyFull, time.Hour, 3, testLogger())
	require.NoError(t, err)
	defer l.Close()

	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	var ids []uuid.UUID
	for i := range 5 {
		e := entry("p1", base.Add(time.Duration(i)*time.Minute), true)
		ids = append(ids, e.QueryID)
		require.NoError(t, l.Record(e))
	}

	got := l.Entries(model.AuditFilter{})
	require.Len(t, got, 3)
	// Oldest two were overwritten; survivors stay in write order.
	assert.Equal(t, ids[2], got[0].QueryID)
	assert.Equal(t, ids[3], got[1].QueryID)
	assert.Equal(t, ids[4], got[2].QueryID)
	assert.Equal(t, int64(5), l.Total())
}

func TestEntriesFilter(t *testing.T) {
	l := newLogger(t, model.PrivacyFull, time.Hour)

	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, l.Record(entry("p1", base, true)))
	require.NoError(t, l.Record(entry("p2", base.Add(time.Hour), false)))
	require.NoError(t, l.Record(entry("p1", base.Add(2*time.Hour), false)))

	assert.Len(t, l.Entries(model.AuditFilter{PatientID: "p1"}), 2)

	ok := true
	assert.Len(t, l.Entries(model.AuditFilter{Success: &ok}), 1)

	from := base.Add(30 * time.Minute)
	to := base.Add(90 * time.Minute)
	ranged := l.Entries(model.AuditFilter{From: &from, To: &to})
	require.Len(t, ranged, 1)
	assert.Equal(t, "p2", ranged[0].PatientID)

	paged := l.Entries(model.AuditFilter{Offset: 1, Limit: 1})
	require.Len(t, paged, 1)
	assert.Equal(t, "p2", paged[0].PatientID)
}

func TestRedactedModeHashesOldEntries(t *testing.T) {
	l := newLogger(t, model.PrivacyRedacted, time.Hour)

	old := entry("p1", time.Now().UTC().Add(-2*time.Hour), true)
	fresh := entry("p2", time.Now().UTC(), true)
	require.NoError(t, l.Record(old))
	require.NoError(t, l.Record(fresh))

	got := l.Entries(model.AuditFilter{})
	require.Len(t, got, 2)

	assert.NotEqual(t, "p1", got[0].PatientID)
	assert.NotEmpty(t, got[0].PatientID)
	assert.Equal(t, "[REDACTED]", got[0].QueryText)
	assert.Equal(t, "[REDACTED]", got[0].ResponseSummary)

	// Inside the anonymization window entries stay readable.
	assert.Equal(t, "p2", got[1].PatientID)
	assert.Equal(t, "what medications?", got[1].QueryText)
}

func TestMinimalModeAlwaysRedacts(t *testing.T) {
	l := newLogger(t, model.PrivacyMinimal, time.Hour)

	e := entry("p1", time.Now().UTC(), true)
	e.IP = "10.0.0.1"
	e.LLM = &model.LLMAudit{Prompt: "system...", Response: "json...", Model: "llama3.1:8b"}
	require.NoError(t, l.Record(e))

	got := l.Entries(model.AuditFilter{})
	require.Len(t, got, 1)
	assert.NotEqual(t, "p1", got[0].PatientID)
	assert.Equal(t, "[REDACTED]", got[0].QueryText)
	assert.Empty(t, got[0].IP)
	require.NotNil(t, got[0].LLM)
	assert.Equal(t, "[REDACTED]", got[0].LLM.Prompt)
	assert.Equal(t, "llama3.1:8b", got[0].LLM.Model)
}

func TestHashChainSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "audit.jsonl")
	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)

	l, err := audit.NewLogger(dir, model.PrivacyFull, time.Hour, 100, testLogger())
	require.NoError(t, err)
	require.NoError(t, l.Record(entry("p1", base, true)))
	require.NoError(t, l.Record(entry("p2", base.Add(time.Minute), false)))
	require.NoError(t, l.Close())

	// Reopen; new entries must extend the existing chain.
	l, err = audit.NewLogger(dir, model.PrivacyFull, time.Hour, 100, testLogger())
	require.NoError(t, err)
	require.NoError(t, l.Record(entry("p1", base.Add(2*time.Minute), true)))
	require.NoError(t, l.Close())

	loaded, err := audit.LoadFile(path)
	require.NoError(t, err)
	require.Len(t, loaded, 3)
	assert.Empty(t, loaded[0].PrevHash)
	assert.Equal(t, loaded[1].EntryHash, loaded[2].PrevHash)
	assert.Equal(t, -1, integrity.VerifyChain(loaded))
}

func TestHashChainDetectsTampering(t *testing.T) {
	dir := t.TempDir()
	l, err := audit.NewLogger(dir, model.PrivacyFull, time.Hour, 100, testLogger())
	require.NoError(t, err)
	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	for i := range 3 {
		require.NoError(t, l.Record(entry("p1", base.Add(time.Duration(i)*time.Minute), true)))
	}
	require.NoError(t, l.Close())

	loaded, err := audit.LoadFile(filepath.Join(dir, "audit.jsonl"))
	require.NoError(t, err)
	require.Len(t, loaded, 3)
	loaded[1].Confidence = 0.99
	assert.Equal(t, 1, integrity.VerifyChain(loaded))
}

func TestExportJSONRoundTrip(t *testing.T) {
	dir := t.TempDir()
	l, err := audit.NewLogger(dir, model.PrivacyFull, time.Hour, 100, testLogger())
	require.NoError(t, err)
	defer l.Close()

	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	want := []model.AuditEntry{
		entry("p1", base, true),
		entry("p2", base.Add(time.Minute), false),
	}
	for _, e := range want {
		require.NoError(t, l.Record(e))
	}

	var buf bytes.Buffer
	require.NoError(t, l.ExportJSON(&buf, model.AuditFilter{}))

	path := filepath.Join(dir, "export.jsonl")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o600))
	got, err := audit.LoadFile(path)
	require.NoError(t, err)
	require.Len(t, got, len(want))
	for i := range want {
		assert.Equal(t, want[i].QueryID, got[i].QueryID)
		assert.Equal(t, want[i].PatientID, got[i].PatientID)
	}
}

func TestExportCSV(t *testing.T) {
	l := newLogger(t, model.PrivacyFull, time.Hour)

	e := entry("p1", time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC), true)
	e.Retrieval = &model.RetrievalAudit{ChunkIDs: []string{"c1", "c2"}, TimeMS: 42, Method: "hybrid"}
	e.LLM = &model.LLMAudit{Model: "llama3.1:8b", Tokens: 512, LatencyMS: 900}
	require.NoError(t, l.Record(e))

	var buf bytes.Buffer
	require.NoError(t, l.ExportCSV(&buf, model.AuditFilter{}))

	rows, err := csv.NewReader(strings.NewReader(buf.String())).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "query_id", rows[0][0])
	assert.Equal(t, e.QueryID.String(), rows[1][0])
	assert.Equal(t, "2", rows[1][5])  // chunk count
	assert.Equal(t, "42", rows[1][6]) // retrieval ms
	assert.Equal(t, "llama3.1:8b", rows[1][7])
}
