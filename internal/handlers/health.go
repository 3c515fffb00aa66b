package handlers

import (
	"net/http"

	"github.com/shellgate/shellgate/internal/database"
)

func HealthCheck(w http.ResponseWriter, r *http.Request) {
	dbStatus := "disconnected"
	if database.DB != nil {
		sqlDB, err := database.DB.DB()
		if err == nil {
			if err := sqlDB.Ping(); err == nil {
				dbStatus = "connected"
			}
		}
	}

	status := "healthy"
	if dbStatus != "connected" {
		status = "unhealthy"
	}

	respond(w, http.StatusOK, map[string]string{
		"status":   status,
		"database": dbStatus,
	})
}
