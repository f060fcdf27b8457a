package handlers

import (
	"net/http"

	"github.com/gluk-w/termhub/internal/database"
)

func (a *API) HealthCheck(w http.ResponseWriter, r *http.Request) {
	dbStatus := "disconnected"
	if err := database.Ping(a.DB); err == nil {
		dbStatus = "connected"
	}

	status := "healthy"
	if dbStatus != "connected" {
		status = "unhealthy"
	}

	subscribers := 0
	if a.Activity != nil {
		subscribers = a.Activity.SubscriberCount()
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":               status,
		"database":             dbStatus,
		"sessions":             a.Sessions.Count(),
		"activity_subscribers": subscribers,
	})
}
