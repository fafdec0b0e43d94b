// Package httpx holds JSON response helpers and HTTP middleware shared by
// the API handlers.
package httpx

import (
	"encoding/json"
	"log"
	"net/http"
)

// Machine-readable error codes
const (
	CodeInvalidRecord     = "invalid_record"
	CodeInvalidDateFormat = "invalid_date_format"
	CodeInvalidRequest    = "invalid_request"
	CodeNotFound          = "not_found"
	CodeBufferFull        = "buffer_full"
	CodeUnavailable       = "unavailable"
	CodePayloadTooLarge   = "payload_too_large"
	CodeStorageFull       = "storage_limit_exceeded"
	CodeInternal          = "internal"
)

// RespondJSON writes a JSON response with the given status code and data.
func RespondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Printf("Failed to encode JSON response: %v", err)
	}
}

// ErrorResponse is the body of every API error.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}

// RespondError writes an error response with a machine-readable code.
func RespondError(w http.ResponseWriter, status int, code string, err error) {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	RespondErrorString(w, status, code, msg)
}

// RespondErrorString writes an error response with the given message.
func RespondErrorString(w http.ResponseWriter, status int, code, message string) {
	RespondJSON(w, status, ErrorResponse{
		Error:   http.StatusText(status),
		Code:    code,
		Message: message,
	})
}
