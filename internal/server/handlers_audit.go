package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/ashita-ai/karte/internal/model"
)

// defaultAuditLimit bounds unpaginated audit listings.
const defaultAuditLimit = 100

// auditFilterFromQuery parses list/export filters from the query string.
func auditFilterFromQuery(r *http.Request) (model.AuditFilter, error) {
	q := r.URL.Query()
	filter := model.AuditFilter{
		PatientID: q.Get("patient_id"),
		UserID:    q.Get("user_id"),
	}

	for name, dst := range map[string]**time.Time{"from": &filter.From, "to": &filter.To} {
		if raw := q.Get(name); raw != "" {
			ts, err := time.Parse(time.RFC3339, raw)
			if err != nil {
				return model.AuditFilter{}, fmt.Errorf("%s must be RFC 3339", name)
			}
			*dst = &ts
		}
	}

	if raw := q.Get("success"); raw != "" {
		ok, err := strconv.ParseBool(raw)
		if err != nil {
			return model.AuditFilter{}, fmt.Errorf("success must be a boolean")
		}
		filter.Success = &ok
	}

	filter.Limit, _ = strconv.Atoi(q.Get("limit"))
	filter.Offset, _ = strconv.Atoi(q.Get("offset"))
	if filter.Limit <= 0 {
		filter.Limit = defaultAuditLimit
	}
	return filter, nil
}

// HandleAuditList returns recent audit entries, newest first, filtered and
// privacy-redacted per the configured mode.
func (h *Handlers) HandleAuditList(w http.ResponseWriter, r *http.Request) {
	filter, err := auditFilterFromQuery(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.KindValidation, err.Error())
		return
	}

	entries := h.auditLog.Entries(filter)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(model.ListResponse{
		Data:    entries,
		HasMore: len(entries) == filter.Limit,
		Limit:   filter.Limit,
		Offset:  filter.Offset,
		Meta: model.ResponseMeta{
			RequestID: RequestIDFromContext(r.Context()),
			Timestamp: time.Now().UTC(),
		},
	})
}

// HandleAuditExport streams the filtered audit log as CSV or JSON lines.
func (h *Handlers) HandleAuditExport(w http.ResponseWriter, r *http.Request) {
	filter, err := auditFilterFromQuery(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.KindValidation, err.Error())
		return
	}
	// Exports walk the whole ring unless the caller narrows it.
	if r.URL.Query().Get("limit") == "" {
		filter.Limit = 0
	}

	ts := time.Now().UTC().Format("20060102T150405Z")
	switch format := r.URL.Query().Get("format"); format {
	case "", "json":
		w.Header().Set("Content-Type", "application/x-ndjson")
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=audit-%s.jsonl", ts))
		err = h.auditLog.ExportJSON(w, filter)
	case "csv":
		w.Header().Set("Content-Type", "text/csv")
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=audit-%s.csv", ts))
		err = h.auditLog.ExportCSV(w, filter)
	default:
		writeError(w, r, http.StatusBadRequest, model.KindValidation, "format must be csv or json")
		return
	}
	if err != nil {
		// Headers are already out; log and drop the connection.
		h.logger.Error("audit export failed", "error", err,
			"request_id", RequestIDFromContext(r.Context()))
	}
}
