package model

import (
	"fmt"
	"strings"
	"time"
)

// Field length limits for query requests. These keep a single oversized
// field from exhausting the embedding pipeline or flooding the audit log
// with caller-controlled text.
const (
	MaxQueryTextLen = 4 * 1024 // 4 KB
	MaxPatientIDLen = 128
	MaxSessionIDLen = 128
)

// QueryRequest is the request body for POST /api/query and /api/query/stream.
type QueryRequest struct {
	PatientID string        `json:"patient_id"`
	QueryText string        `json:"query_text"`
	Options   *QueryOptions `json:"options,omitempty"`
}

// QueryOptions tunes a single query. Zero values mean defaults.
type QueryOptions struct {
	TimeoutMS int    `json:"timeout_ms,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	Audit     *bool  `json:"audit,omitempty"` // nil means enabled
	UserID    string `json:"-"`               // set from JWT claims, never from the body
	IP        string `json:"-"`
	UserAgent string `json:"-"`
}

// Validate checks a query request before any pipeline work starts.
func (r QueryRequest) Validate() error {
	if strings.TrimSpace(r.PatientID) == "" {
		return fmt.Errorf("patient_id is required")
	}
	if len(r.PatientID) > MaxPatientIDLen {
		return fmt.Errorf("patient_id exceeds maximum length of %d characters", MaxPatientIDLen)
	}
	if strings.TrimSpace(r.QueryText) == "" {
		return fmt.Errorf("query_text is required")
	}
	if len(r.QueryText) > MaxQueryTextLen {
		return fmt.Errorf("query_text exceeds maximum length of %d bytes", MaxQueryTextLen)
	}
	if r.Options != nil {
		if r.Options.TimeoutMS < 0 {
			return fmt.Errorf("options.timeout_ms must be non-negative")
		}
		if len(r.Options.SessionID) > MaxSessionIDLen {
			return fmt.Errorf("options.session_id exceeds maximum length of %d characters", MaxSessionIDLen)
		}
	}
	return nil
}

// IndexResult is the response body for POST /api/index/patient/{patient_id}.
type IndexResult struct {
	PatientID     string `json:"patient_id"`
	IndexedChunks int    `json:"indexed_chunks"`
	Artifacts     int    `json:"artifacts"`
	ElapsedMS     int64  `json:"elapsed_ms"`
}

// ClearResult is the response body for DELETE /api/index/patient/{patient_id}.
type ClearResult struct {
	PatientID     string `json:"patient_id"`
	RemovedChunks int    `json:"removed_chunks"`
}

// EMRMeta annotates record read-through responses.
type EMRMeta struct {
	Count       int       `json:"count"`
	Cached      bool      `json:"cached"`
	FetchTimeMS int64     `json:"fetch_time_ms"`
	Timestamp   time.Time `json:"timestamp"`
}

// EMRResponse is the envelope for the record read-through endpoints: the
// records directly as data, read-through detail as meta. It replaces the
// standard envelope on those endpoints so clients get the array without an
// extra level of nesting.
type EMRResponse struct {
	Data any     `json:"data"`
	Meta EMRMeta `json:"meta"`
}

// APIResponse is the standard response envelope for all HTTP API responses.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// ListResponse is the standard envelope for paginated list endpoints.
type ListResponse struct {
	Data    any          `json:"data"`
	Total   *int         `json:"total,omitempty"`
	HasMore bool         `json:"has_more"`
	Limit   int          `json:"limit"`
	Offset  int          `json:"offset"`
	Meta    ResponseMeta `json:"meta"`
}

// APIError is the standard error response envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ResponseMeta contains request metadata included in every response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorDetail describes an API error. Code is the error kind from the
// closed set in errors.go.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// AuthTokenRequest is the request body for POST /auth/token.
type AuthTokenRequest struct {
	UserID string `json:"user_id"`
	APIKey string `json:"api_key"`
}

// AuthTokenResponse is the response for POST /auth/token.
type AuthTokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// DependencyHealth reports one external dependency's state in /health.
type DependencyHealth struct {
	Status       string `json:"status"`
	BreakerState string `json:"breaker_state,omitempty"`
	Detail       string `json:"detail,omitempty"`
}

// HealthResponse is the response for GET /health.
type HealthResponse struct {
	Status       string                      `json:"status"`
	Version      string                      `json:"version"`
	UptimeSec    int64                       `json:"uptime_seconds"`
	IndexedVecs  int                         `json:"indexed_vectors"`
	Dependencies map[string]DependencyHealth `json:"dependencies,omitempty"`
}
