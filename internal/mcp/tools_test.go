package mcp

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/ashita-ai/karte/internal/cache"
	"github.com/ashita-ai/karte/internal/index"
	"github.com/ashita-ai/karte/internal/ingest"
	"github.com/ashita-ai/karte/internal/metastore"
	"github.com/ashita-ai/karte/internal/model"
	"github.com/ashita-ai/karte/internal/pipeline"
	"github.com/ashita-ai/karte/internal/retrieval"
	"github.com/ashita-ai/karte/internal/testutil"
)

const testDims = 32

type fixture struct {
	server    *Server
	source    *testutil.RecordSource
	generator *testutil.Generator
	store     metastore.Store
}

type recordingAudit struct{ entries []model.AuditEntry }

func (r *recordingAudit) Record(e model.AuditEntry) error {
	r.entries = append(r.entries, e)
	return nil
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := testutil.Logger()
	ctx := context.Background()

	store, err := metastore.NewSQLite(ctx, filepath.Join(t.TempDir(), "karte.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	vindex, err := index.NewFlat(testDims, "", logger)
	require.NoError(t, err)

	embedder := testutil.NewEmbedder(testDims)
	generator := &testutil.Generator{}
	source := testutil.NewRecordSource()

	embedCache := cache.NewTTL[[]float32]("embedding", cache.EmbeddingCapacity, cache.EmbeddingTTL, logger)
	queryCache := cache.NewTTL[model.UIResponse]("query_result", cache.QueryResultCapacity, cache.QueryResultTTL, logger)
	indexes := cache.NewLoader(cache.NewTTL[*retrieval.PatientIndex]("patient_index", cache.PatientIndexCapacity, cache.PatientIndexTTL, logger))

	retriever := retrieval.NewRetriever(store, vindex, embedder, embedCache, indexes, logger)
	orch := pipeline.NewOrchestrator(retriever, generator, queryCache, &recordingAudit{}, pipeline.Config{
		Deadline:        2 * time.Second,
		PipelineVersion: "test",
	}, logger)
	svc := ingest.NewService(source, embedder, store, vindex, embedCache, queryCache, indexes, logger)

	return &fixture{
		server:    New(orch, svc, logger),
		source:    source,
		generator: generator,
		store:     store,
	}
}

func callRequest(args map[string]any) mcplib.CallToolRequest {
	return mcplib.CallToolRequest{
		Params: mcplib.CallToolParams{
			Arguments: args,
		},
	}
}

func textOf(t *testing.T, result *mcplib.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content)
	tc, ok := result.Content[0].(mcplib.TextContent)
	require.True(t, ok, "expected text content")
	return tc.Text
}

func (f *fixture) seed(t *testing.T, patientID string) {
	t.Helper()
	f.source.Bundles[patientID] = model.PatientBundle{
		Notes: []map[string]any{
			{
				"id":      "note_123",
				"content": "Patient prescribed Metformin 500mg twice daily for Type 2 Diabetes management.",
				"date":    "2026-08-24T10:00:00Z",
			},
		},
	}

	result, err := f.server.handleIndexPatient(context.Background(), callRequest(map[string]any{
		"patient_id": patientID,
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, textOf(t, result))

	chunks, err := f.store.PatientChunks(context.Background(), patientID)
	require.NoError(t, err)
	require.NotEmpty(t, chunks)

	quote := "Metformin 500mg twice daily"
	start := strings.Index(chunks[0].Content, quote)
	require.GreaterOrEqual(t, start, 0)

	out := pipeline.GeneratorOutput{
		ShortAnswer: "Metformin 500mg twice daily.",
		Extractions: []model.Extraction{{
			Type:    model.ExtractionMedication,
			Content: model.MedicationContent{Medication: "Metformin", Dosage: "500mg", Frequency: "twice daily"},
			Provenance: &model.Provenance{
				ArtifactID:     chunks[0].ArtifactID,
				ChunkID:        chunks[0].ChunkID,
				Offsets:        model.CharRange{Start: start, End: start + len(quote)},
				SupportingText: quote,
			},
		}},
	}
	raw, err := json.Marshal(out)
	require.NoError(t, err)
	f.generator.Text = string(raw)
}

func TestIndexPatientTool(t *testing.T) {
	f := newFixture(t)
	f.source.Bundles["p1"] = model.PatientBundle{
		Notes: []map[string]any{{"id": "note_1", "content": "Short note.", "date": "2026-08-01"}},
	}

	result, err := f.server.handleIndexPatient(context.Background(), callRequest(map[string]any{
		"patient_id": "p1",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	var res ingest.Result
	require.NoError(t, json.Unmarshal([]byte(textOf(t, result)), &res))
	assert.Equal(t, "p1", res.PatientID)
	assert.Equal(t, 1, res.IndexedChunks)
}

func TestIndexPatientToolRequiresPatientID(t *testing.T) {
	f := newFixture(t)

	result, err := f.server.handleIndexPatient(context.Background(), callRequest(map[string]any{}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestQueryTool(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "p1")

	result, err := f.server.handleQuery(context.Background(), callRequest(map[string]any{
		"patient_id": "p1",
		"query":      "What is the current metformin dosage?",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, textOf(t, result))

	var resp model.UIResponse
	require.NoError(t, json.Unmarshal([]byte(textOf(t, result)), &resp))
	assert.Equal(t, "Metformin 500mg twice daily.", resp.ShortAnswer)
	require.Len(t, resp.Extractions, 1)
	assert.NotEmpty(t, resp.Provenance)
}

func TestQueryToolRequiresArguments(t *testing.T) {
	f := newFixture(t)

	result, err := f.server.handleQuery(context.Background(), callRequest(map[string]any{
		"patient_id": "p1",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestQueryToolUnindexedPatient(t *testing.T) {
	f := newFixture(t)

	result, err := f.server.handleQuery(context.Background(), callRequest(map[string]any{
		"patient_id": "ghost",
		"query":      "any medications?",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	var resp model.UIResponse
	require.NoError(t, json.Unmarshal([]byte(textOf(t, result)), &resp))
	assert.Equal(t, model.KindNoResults, resp.Metadata.Error)
}
