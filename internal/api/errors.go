package api

import (
	"net/http"

	"github.com/goccy/go-json"

	apperrors "github.com/scrobble-stats/internal/errors"
	"github.com/scrobble-stats/internal/types"
)

// ErrorResponse represents an API error response.
type ErrorResponse struct {
	Error types.ServiceError `json:"error"`
}

// respondError sends an error response.
func respondError(w http.ResponseWriter, statusCode int, code, message string, details map[string]interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	response := ErrorResponse{
		Error: types.ServiceError{
			Code:    code,
			Message: message,
			Details: details,
		},
	}

	_ = json.NewEncoder(w).Encode(response) // nolint:errcheck // client may be gone
}

// respondJSON sends a JSON response.
func respondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if data != nil {
		_ = json.NewEncoder(w).Encode(data) // nolint:errcheck // client may be gone
	}
}

// Common error codes
const (
	ErrCodeInvalidInput       = "INVALID_INPUT"
	ErrCodeNotFound           = "NOT_FOUND"
	ErrCodeRateLimited        = "RATE_LIMIT_EXCEEDED"
	ErrCodeInternalError      = "INTERNAL_ERROR"
	ErrCodeServiceUnavailable = "SERVICE_UNAVAILABLE"
)

// respondServiceError maps a categorized error onto an HTTP response.
// System errors never leak their cause to the client.
func respondServiceError(w http.ResponseWriter, err error) {
	status, code, message := mapServiceError(err)
	var details map[string]interface{}
	if status < http.StatusInternalServerError {
		if cat := apperrors.Categorize(err); cat != nil {
			details = cat.Details
		}
	}
	respondError(w, status, code, message, details)
}

// mapServiceError maps service errors to HTTP status codes.
func mapServiceError(err error) (int, string, string) {
	cat := apperrors.Categorize(err)
	if cat == nil {
		return http.StatusInternalServerError, ErrCodeInternalError, "An internal error occurred"
	}

	switch cat.Category {
	case apperrors.CategoryValidation:
		return http.StatusBadRequest, ErrCodeInvalidInput, cat.Message
	case apperrors.CategoryNotFound:
		return http.StatusNotFound, ErrCodeNotFound, cat.Message
	case apperrors.CategoryDatabase, apperrors.CategoryCache:
		return http.StatusServiceUnavailable, ErrCodeServiceUnavailable, "Statistics store unavailable"
	}

	if cat.StatusCode == http.StatusServiceUnavailable {
		return http.StatusServiceUnavailable, ErrCodeServiceUnavailable, cat.Message
	}
	return http.StatusInternalServerError, ErrCodeInternalError, "An internal error occurred"
}
