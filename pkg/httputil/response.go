package httputil

import (
	"encoding/json"
	"net/http"
)

// ErrorResponse is the JSON body of every non-2xx response. It never
// carries stack traces or internal error text.
type ErrorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// WriteJSON writes a JSON response with the given status code
func WriteJSON(w http.ResponseWriter, status int, data interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(data)
}

// WriteErrorMessage writes a JSON error response with a custom message
func WriteErrorMessage(w http.ResponseWriter, status int, message string) {
	WriteCodedError(w, status, "", message)
}

// WriteCodedError writes a JSON error carrying a machine-readable code. The
// request id echoed by RequestIDMiddleware is copied into the body.
func WriteCodedError(w http.ResponseWriter, status int, code, message string) {
	_ = WriteJSON(w, status, ErrorResponse{
		Error:     message,
		Code:      code,
		RequestID: w.Header().Get(RequestIDHeader),
	})
}

// WriteBadRequest writes a bad request error (400)
func WriteBadRequest(w http.ResponseWriter, message string) {
	WriteCodedError(w, http.StatusBadRequest, "BAD_REQUEST", message)
}

// WriteInternalError writes a generic 500 without exposing the cause
func WriteInternalError(w http.ResponseWriter) {
	WriteCodedError(w, http.StatusInternalServerError, "SYSTEM_ERROR", "internal server error")
}

// WriteSuccess writes a successful response (200 OK) with JSON data
func WriteSuccess(w http.ResponseWriter, data interface{}) error {
	return WriteJSON(w, http.StatusOK, data)
}
