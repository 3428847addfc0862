package handlers

import (
	"encoding/json"
	"net/http"
)

// APIError is the error envelope every non-2xx analytics response carries.
// Code is a stable machine-readable token (invalid_request, not_found,
// ingestion_conflict, ingestion_failed, internal_error); Message is for humans.
type APIError struct {
	Code    string `json:"error"`
	Message string `json:"message"`
}

// ErrorResponse writes the JSON error envelope and returns any encoding error.
func ErrorResponse(w http.ResponseWriter, statusCode int, errorCode, message string) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	return json.NewEncoder(w).Encode(APIError{Code: errorCode, Message: message})
}

// WriteJSON writes a JSON response and returns any encoding error.
func WriteJSON(w http.ResponseWriter, statusCode int, data any) error {
	w.Header().Set("Content-Type", "application/json")
	if statusCode != http.StatusOK {
		w.WriteHeader(statusCode)
	}
	return json.NewEncoder(w).Encode(data)
}
