package handler

import (
	"encoding/json"
	"net/http"

	"github.com/atlekbai/formula_engine/internal/engine"
	"github.com/atlekbai/formula_engine/internal/physical"
)

// maxRequestBytes bounds the JSON body of a query request.
const maxRequestBytes = 1 << 20

type Handler struct {
	engine *engine.Engine
}

func New(e *engine.Engine) *Handler {
	return &Handler{engine: e}
}

// Routes registers the REST endpoints on mux.
func (h *Handler) Routes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/fields", h.Fields)
	mux.HandleFunc("POST /api/compile", h.Compile)
	mux.HandleFunc("POST /api/query", h.Query)
}

type fieldResponse struct {
	ID      string `json:"id"`
	Title   string `json:"title"`
	Formula string `json:"formula,omitempty"`
}

// Fields handles GET /api/fields
func (h *Handler) Fields(w http.ResponseWriter, r *http.Request) {
	fields := make([]fieldResponse, len(h.engine.Dataset.Fields))
	for i, f := range h.engine.Dataset.Fields {
		fields[i] = fieldResponse{ID: f.ID, Title: f.Title, Formula: f.Formula}
	}
	writeJSON(w, http.StatusOK, map[string]any{"dataset": h.engine.Dataset.ID, "fields": fields})
}

// Compile handles POST /api/compile and returns the statements without
// running them.
func (h *Handler) Compile(w http.ResponseWriter, r *http.Request) {
	req, ok := decode(w, r)
	if !ok {
		return
	}
	comp, err := h.engine.Compile(r.Context(), req)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"top":        comp.Plan.TopID,
		"statements": comp.Plan.Queries,
		"columns":    comp.Columns,
		"explain":    physical.Explain(comp.Plan),
	})
}

// Query handles POST /api/query
func (h *Handler) Query(w http.ResponseWriter, r *http.Request) {
	req, ok := decode(w, r)
	if !ok {
		return
	}
	resp, err := h.engine.Execute(r.Context(), req)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func decode(w http.ResponseWriter, r *http.Request) (*engine.Request, bool) {
	var req engine.Request
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "Malformed request body", err.Error())
		return nil, false
	}
	if len(req.Select) == 0 {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "Request must select at least one formula", "")
		return nil, false
	}
	return &req, true
}
