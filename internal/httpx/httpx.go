// Package httpx provides shared JSON response helpers for the Main and
// Agent process HTTP surfaces.
package httpx

import (
	"encoding/json"
	"net/http"
)

// errorBody is the JSON shape returned by [WriteError]:
// {"success": false, "error": "..."}.
type errorBody struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

// WriteError writes a JSON {"success":false,"error":...} body with the
// given status code. On encoding failure it falls back to a plain-text 500
// response.
func WriteError(w http.ResponseWriter, status int, err error) {
	WriteJSON(w, status, errorBody{Success: false, Error: err.Error()})
}

// WriteJSON encodes v as JSON and writes it with the given status code. On
// encoding failure it falls back to a plain-text 500 response.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"success":false,"error":"internal encoding failure"}`, http.StatusInternalServerError)
	}
}

// WriteOK writes v as the JSON body with status 200. It adds no fields of
// its own: a "success" field appears only if v's JSON already carries one.
func WriteOK(w http.ResponseWriter, v any) {
	WriteJSON(w, http.StatusOK, v)
}
