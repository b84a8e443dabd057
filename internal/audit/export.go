package audit

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/ashita-ai/karte/internal/model"
)

// ExportJSON streams the filtered entries as JSON lines, one entry per
// line, oldest first. Parsing the output back yields the same entries
// order-for-order.
func (l *Logger) ExportJSON(w io.Writer, filter model.AuditFilter) error {
	enc := json.NewEncoder(w)
	for _, e := range l.Entries(filter) {
		if err := enc.Encode(e); err != nil {
			return fmt.Errorf("audit: export json: %w", err)
		}
	}
	return nil
}

var csvHeader = []string{
	"query_id", "timestamp", "user_id", "patient_id", "query_text",
	"intent_chunks", "retrieval_time_ms", "llm_model", "llm_tokens",
	"llm_latency_ms", "confidence", "success", "error", "total_time_ms",
	"session_id", "pipeline_version",
}

// ExportCSV streams the filtered entries as CSV with a fixed header row.
// Nested retrieval and LLM detail is flattened to the columns the header
// names; anything deeper stays in the JSON export.
func (l *Logger) ExportCSV(w io.Writer, filter model.AuditFilter) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return fmt.Errorf("audit: export csv header: %w", err)
	}
	for _, e := range l.Entries(filter) {
		row := []string{
			e.QueryID.String(),
			e.Timestamp.UTC().Format(time.RFC3339),
			e.UserID,
			e.PatientID,
			e.QueryText,
			retrievalChunks(e.Retrieval),
			retrievalTime(e.Retrieval),
			llmModel(e.LLM),
			llmTokens(e.LLM),
			llmLatency(e.LLM),
			strconv.FormatFloat(e.Confidence, 'f', 3, 64),
			strconv.FormatBool(e.Success),
			string(e.Error),
			strconv.FormatInt(e.TotalTimeMS, 10),
			e.SessionID,
			e.PipelineVersion,
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("audit: export csv row: %w", err)
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("audit: export csv flush: %w", err)
	}
	return nil
}

func retrievalChunks(r *model.RetrievalAudit) string {
	if r == nil {
		return ""
	}
	return strconv.Itoa(len(r.ChunkIDs))
}

func retrievalTime(r *model.RetrievalAudit) string {
	if r == nil {
		return ""
	}
	return strconv.FormatInt(r.TimeMS, 10)
}

func llmModel(l *model.LLMAudit) string {
	if l == nil {
		return ""
	}
	return l.Model
}

func llmTokens(l *model.LLMAudit) string {
	if l == nil {
		return ""
	}
	return strconv.Itoa(l.Tokens)
}

func llmLatency(l *model.LLMAudit) string {
	if l == nil {
		return ""
	}
	return strconv.FormatInt(l.LatencyMS, 10)
}
