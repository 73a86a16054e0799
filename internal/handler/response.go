package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/atlekbai/formula_engine/internal/engine"
)

type ErrorResponse struct {
	Error   string   `json:"error"`
	Code    string   `json:"code"`
	Details string   `json:"details,omitempty"`
	Errors  []string `json:"errors,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message, details string) {
	writeJSON(w, status, ErrorResponse{
		Error:   message,
		Code:    code,
		Details: details,
	})
}

// writeEngineError reports request errors as 400 with every collected
// failure listed, anything else as 500.
func writeEngineError(w http.ResponseWriter, err error) {
	if !engine.IsUserError(err) {
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Query failed", err.Error())
		return
	}
	resp := ErrorResponse{Error: err.Error(), Code: "INVALID_FORMULA"}
	var multi interface{ Unwrap() []error }
	if errors.As(err, &multi) {
		for _, e := range multi.Unwrap() {
			resp.Errors = append(resp.Errors, e.Error())
		}
	}
	writeJSON(w, http.StatusBadRequest, resp)
}
