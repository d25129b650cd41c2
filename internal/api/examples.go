package api

import (
	"net/http"

	"github.com/sqlpilot/sqlpilot/internal/auth"
)

func handleExamplesStats(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Examples == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "EXAMPLES_NOT_CONFIGURED", "example store is not configured", false, nil)
		return
	}
	if err := auth.RequireRole(r, auth.RoleSQLGenerator); err != nil {
		writeError(r.Context(), w, http.StatusForbidden, "FORBIDDEN", err.Error(), false, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"size": deps.Examples.Len()})
}

func handleExamplesClear(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Examples == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "EXAMPLES_NOT_CONFIGURED", "example store is not configured", false, nil)
		return
	}
	if err := auth.RequireRole(r, auth.RoleStoreAdmin); err != nil {
		writeError(r.Context(), w, http.StatusForbidden, "FORBIDDEN", err.Error(), false, nil)
		return
	}
	removed := deps.Examples.Len()
	deps.Examples.Clear()
	if err := deps.Examples.Save(r.Context()); err != nil {
		writeError(r.Context(), w, http.StatusInternalServerError, "SNAPSHOT_FAILED", "examples cleared in memory but snapshot failed", true, map[string]any{"details": err.Error()})
		return
	}
	if deps.Logger != nil {
		deps.Logger.InfoContext(r.Context(), "example store cleared", "removed", removed)
	}
	writeJSON(w, http.StatusOK, map[string]any{"cleared": removed, "size": deps.Examples.Len()})
}
