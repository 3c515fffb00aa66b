package handlers

import (
	"net/http"
	"strconv"

	"github.com/shellgate/shellgate/internal/database"
)

// GetAuditLogs handles GET /api/v1/audit (audit:read capability).
// Query parameters:
//   - limit (optional): entries per page, default 100, max 1000
//   - offset (optional): pagination offset
func GetAuditLogs(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		n, err := strconv.Atoi(limitStr)
		if err != nil || n < 1 {
			respondError(w, http.StatusBadRequest, "Invalid limit")
			return
		}
		if n > 1000 {
			n = 1000
		}
		limit = n
	}

	offset := 0
	if offsetStr := r.URL.Query().Get("offset"); offsetStr != "" {
		n, err := strconv.Atoi(offsetStr)
		if err != nil || n < 0 {
			respondError(w, http.StatusBadRequest, "Invalid offset")
			return
		}
		offset = n
	}

	logs, err := database.ListAudit(limit, offset)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to list audit logs")
		return
	}

	respond(w, http.StatusOK, map[string]interface{}{"logs": logs})
}
