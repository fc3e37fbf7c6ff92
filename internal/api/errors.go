package api

import (
	"encoding/json"
	"net/http"

	apperrors "github.com/ntt-orchestrator/internal/errors"
	"github.com/ntt-orchestrator/internal/types"
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

	_ = json.NewEncoder(w).Encode(response)
}

// respondJSON sends a JSON response.
func respondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if data != nil {
		_ = json.NewEncoder(w).Encode(data)
	}
}

// Common error codes
const (
	ErrCodeInvalidInput    = "INVALID_INPUT"
	ErrCodeNotFound        = "NOT_FOUND"
	ErrCodeInternalError   = "INTERNAL_ERROR"
	ErrCodePayloadTooLarge = "PAYLOAD_TOO_LARGE"
)

// respondServiceError maps a categorized error to its HTTP status. Messages of
// uncategorized errors are not exposed.
func respondServiceError(w http.ResponseWriter, err error) {
	catErr := apperrors.Categorize(err)
	if catErr.Category == apperrors.CategorySystem && catErr.Code == ErrCodeInternalError {
		respondError(w, http.StatusInternalServerError, ErrCodeInternalError, "An internal error occurred", nil)
		return
	}

	var details map[string]interface{}
	if catErr.StatusCode < http.StatusInternalServerError {
		details = catErr.Details
	}
	respondError(w, catErr.StatusCode, catErr.Code, catErr.Message, details)
}
