package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/ashita-ai/karte/internal/pipeline"
)

func (s *Server) registerTools() {
	// query_patient_record — ask a question about one patient's record.
	s.mcpServer.AddTool(
		mcplib.NewTool("query_patient_record",
			mcplib.WithDescription(`Answer a clinical question about a single patient's record.

The answer is grounded in the patient's indexed notes, medications, and care
plans. Every structured extraction carries provenance: the source artifact,
the exact supporting quote, and character offsets. Answers that cannot be
traced back to the record are dropped, not guessed.

WHAT YOU GET BACK:
- short_answer: one-line answer to the question
- detailed_summary: a few sentences of context
- structured_extractions: typed facts with provenance
- confidence: score and label (low / medium / high)

If the pipeline cannot finish in time, a partial result with supporting
snippets is returned instead of an error.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("patient_id",
				mcplib.Description("The patient whose record to query"),
				mcplib.Required(),
			),
			mcplib.WithString("query",
				mcplib.Description("The clinical question, e.g. \"what is the current metformin dosage?\""),
				mcplib.Required(),
			),
			mcplib.WithNumber("timeout_ms",
				mcplib.Description("Optional per-call deadline override in milliseconds"),
				mcplib.Min(100),
				mcplib.Max(60000),
			),
			mcplib.WithString("session_id",
				mcplib.Description("Optional session identifier threaded into the audit trail"),
			),
		),
		s.handleQuery,
	)

	// index_patient — pull a patient's record from the EMR and index it.
	s.mcpServer.AddTool(
		mcplib.NewTool("index_patient",
			mcplib.WithDescription(`Fetch a patient's full record from the EMR and (re)index it for querying.

Replaces any previously indexed generation for the patient. Run this before
the first query for a patient, or after their record has changed.`),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithString("patient_id",
				mcplib.Description("The patient to index"),
				mcplib.Required(),
			),
		),
		s.handleIndexPatient,
	)
}

func (s *Server) handleQuery(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	patientID := request.GetString("patient_id", "")
	queryText := request.GetString("query", "")
	if patientID == "" || queryText == "" {
		return errorResult("patient_id and query are required"), nil
	}

	opts := pipeline.Options{
		SessionID: request.GetString("session_id", ""),
		UserID:    "mcp",
	}
	if ms := request.GetInt("timeout_ms", 0); ms > 0 {
		opts.Timeout = time.Duration(ms) * time.Millisecond
	}

	resp := s.orchestrator.Process(ctx, queryText, patientID, opts)

	resultData, _ := json.MarshalIndent(resp, "", "  ")
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(resultData)},
		},
	}, nil
}

func (s *Server) handleIndexPatient(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	patientID := request.GetString("patient_id", "")
	if patientID == "" {
		return errorResult("patient_id is required"), nil
	}

	res, err := s.ingest.IndexPatient(ctx, patientID)
	if err != nil {
		s.logger.Error("mcp: index patient failed", "patient_id", patientID, "error", err)
		return errorResult(fmt.Sprintf("indexing failed: %v", err)), nil
	}

	resultData, _ := json.MarshalIndent(res, "", "  ")
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(resultData)},
		},
	}, nil
}

func errorResult(msg string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		IsError: true,
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: msg},
		},
	}
}
