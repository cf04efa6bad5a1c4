package server

import (
	"encoding/json"
	"errors"
	"io/fs"
	"net/http"

	"github.com/toolgate/toolgate/internal/admission"
	"github.com/toolgate/toolgate/internal/bridgeerr"
)

// ErrorResponse represents an API error response.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail contains error details.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes
const (
	ErrCodeInvalidRequest   = "INVALID_REQUEST"
	ErrCodeNotFound         = "NOT_FOUND"
	ErrCodePermissionDenied = "PERMISSION_DENIED"
	ErrCodeSandboxViolation = "SANDBOX_VIOLATION"
	ErrCodeCapacity         = "CAPACITY_EXCEEDED"
	ErrCodeInternalError    = "INTERNAL_ERROR"
)

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError writes an error response.
func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, ErrorResponse{
		Error: ErrorDetail{Code: code, Message: message},
	})
}

// writeSandboxError maps sandbox violations to structured responses.
func writeSandboxError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, admission.ErrOutsideRoot), errors.Is(err, admission.ErrExcludedPath):
		writeError(w, http.StatusForbidden, ErrCodeSandboxViolation, err.Error())
	case errors.Is(err, admission.ErrTooDeep),
		errors.Is(err, admission.ErrTooManyFiles),
		errors.Is(err, admission.ErrFileTooLarge):
		writeError(w, http.StatusUnprocessableEntity, ErrCodeSandboxViolation, err.Error())
	case errors.Is(err, fs.ErrNotExist):
		writeError(w, http.StatusNotFound, ErrCodeNotFound, err.Error())
	default:
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, err.Error())
	}
}

// writeBridgeError maps a classified bridge error to a response whose
// message is the user-facing one, never the internal diagnostic.
func writeBridgeError(w http.ResponseWriter, err error) {
	be, ok := bridgeerr.As(err)
	if !ok {
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, "An unexpected error occurred.")
		return
	}

	switch be.Kind {
	case bridgeerr.KindValidation:
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, be.UserMessage())
	case bridgeerr.KindPermission:
		writeError(w, http.StatusForbidden, ErrCodePermissionDenied, be.UserMessage())
	case bridgeerr.KindResource:
		writeError(w, http.StatusTooManyRequests, ErrCodeCapacity, be.UserMessage())
	default:
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, be.UserMessage())
	}
}
