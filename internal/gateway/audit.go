package gateway

import (
	"net/http"
	"strconv"
	"strings"
)

// handleListAudit returns the caller's own audit trail, newest first.
func (g *Gateway) handleListAudit(w http.ResponseWriter, r *http.Request) {
	if g.audit == nil {
		writeError(w, http.StatusServiceUnavailable, "audit log not configured")
		return
	}
	limit := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	entries, err := g.audit.ListByUser(userIDFromRequest(r), limit)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}
