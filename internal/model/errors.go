package model

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies every failure the pipeline can surface. The set is closed:
// the partial-results fallback, the HTTP layer, and the audit trail all
// switch on it.
type Kind string

const (
	KindValidation       Kind = "validation_error"
	KindUnauthorized     Kind = "unauthorized"
	KindRecordSource     Kind = "record_source_unavailable"
	KindEmbedder         Kind = "embedder_unavailable"
	KindGenerator        Kind = "generator_unavailable"
	KindVectorIndex      Kind = "vector_index_unavailable"
	KindMetadataStore    Kind = "metadata_store_unavailable"
	KindCircuitOpen      Kind = "circuit_open"
	KindDeadlineExceeded Kind = "deadline_exceeded"
	KindInvalidCitation  Kind = "invalid_citation"
	KindNoResults        Kind = "no_results"
	KindInternal         Kind = "internal"
)

// Error carries a Kind alongside the underlying cause so that callers can
// classify failures without string matching.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		if e.Msg != "" {
			return e.Msg + ": " + e.Err.Error()
		}
		return e.Err.Error()
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

// Errorf builds a classified error from a format string.
func Errorf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// WrapErr classifies an existing error, preserving the wrap chain for
// errors.Is / errors.As.
func WrapErr(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// KindOf walks the wrap chain and returns the first embedded Kind.
// Context expiry classifies as deadline_exceeded; anything unclassified is
// internal. A nil error has no kind and returns "".
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var ke *Error
	if errors.As(err, &ke) {
		return ke.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return KindDeadlineExceeded
	}
	return KindInternal
}

// HTTPStatus maps an error kind onto the status code the API returns for it.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindValidation:
		return http.StatusBadRequest
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindCircuitOpen:
		return http.StatusTooManyRequests
	case KindNoResults, KindDeadlineExceeded:
		// Both still produce a usable (partial) response body.
		return http.StatusOK
	case KindRecordSource, KindEmbedder, KindGenerator,
		KindVectorIndex, KindMetadataStore:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
