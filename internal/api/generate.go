package api

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/sqlpilot/sqlpilot/internal/auth"
)

const maxQuestionBytes = 16 << 10

type generateRequest struct {
	Query string `json:"query"`
}

func handleGenerateGet(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	generate(deps, w, r, r.URL.Query().Get("query"))
}

func handleGeneratePost(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	var req generateRequest
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxQuestionBytes))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_JSON", "invalid generate request body", false, map[string]any{"details": err.Error()})
		return
	}
	generate(deps, w, r, req.Query)
}

func generate(deps Dependencies, w http.ResponseWriter, r *http.Request, question string) {
	if deps.Generator == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "GENERATOR_NOT_CONFIGURED", "sql generation is not configured", false, nil)
		return
	}
	if err := auth.RequireRole(r, auth.RoleSQLGenerator); err != nil {
		writeError(r.Context(), w, http.StatusForbidden, "FORBIDDEN", err.Error(), false, nil)
		return
	}
	question = strings.TrimSpace(question)
	if question == "" {
		writeError(r.Context(), w, http.StatusBadRequest, "QUERY_REQUIRED", "query is required", false, nil)
		return
	}
	writeJSON(w, http.StatusOK, deps.Generator.Generate(r.Context(), question))
}
