// Package api exposes the HTTP surface: session initialization, chunk
// ingest, status, completion, and health.
package api

import (
	"encoding/json"
	"net/http"

	"github.com/data-platform/dataset-upload/internal/domain"
	"github.com/data-platform/dataset-upload/internal/observability"
)

// errorBody is the wire envelope for every error response.
type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Message string         `json:"message"`
	Code    string         `json:"code"`
	Details map[string]any `json:"details,omitempty"`
}

// statusFor maps a domain error code onto its HTTP status.
func statusFor(code string) int {
	switch code {
	case domain.ErrCodeValidation, domain.ErrCodeMissingChunks,
		domain.ErrCodeDigestMismatch, domain.ErrCodeStructural:
		return http.StatusBadRequest
	case domain.ErrCodeNotFound:
		return http.StatusNotFound
	case domain.ErrCodeConflict:
		return http.StatusConflict
	case domain.ErrCodeBackpressure:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeError renders err as the error envelope. Unknown errors are masked as
// INTERNAL_ERROR so internals never leak to clients.
func writeError(w http.ResponseWriter, r *http.Request, logger *observability.Logger, err error) {
	code := domain.ErrorCode(err)
	message := err.Error()
	details := domain.ErrorDetails(err)

	status := statusFor(code)
	if status == http.StatusInternalServerError {
		logger.WithContext(r.Context()).Error("request failed", err)
		if code == domain.ErrCodeInternal {
			message = "internal error"
		}
	}

	writeJSON(w, r, status, errorBody{Error: errorDetail{
		Message: message,
		Code:    code,
		Details: details,
	}})
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	if cid := observability.GetCorrelationID(r.Context()); cid != "" {
		w.Header().Set("X-Correlation-ID", cid)
	}
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
