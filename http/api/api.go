// Package api contains small helpers for JSON API responses.
package api

import (
	"encoding/json"
	"net/http"
)

// JSONError encodes err as JSON to w.
func JSONError(w http.ResponseWriter, err error, statusCode int) {
	jsonErr := &struct {
		Err string `json:"error"`
	}{Err: err.Error()}
	w.Header().Set("Content-type", "application/json")
	if statusCode < 1 {
		statusCode = http.StatusInternalServerError
	}
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(jsonErr)
}

// JSON encodes v as JSON to w.
// Returns the encoding error so handlers can log it; headers are
// already written at that point.
func JSON(w http.ResponseWriter, v interface{}, statusCode int) error {
	w.Header().Set("Content-type", "application/json")
	if statusCode > 0 {
		w.WriteHeader(statusCode)
	}
	return json.NewEncoder(w).Encode(v)
}
