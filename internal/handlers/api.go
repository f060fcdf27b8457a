package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/gluk-w/termhub/internal/activity"
	"github.com/gluk-w/termhub/internal/hosts"
	"github.com/gluk-w/termhub/internal/remote"
	"github.com/gluk-w/termhub/internal/session"
	"github.com/go-chi/chi/v5"
	"gorm.io/gorm"
)

// API holds the components the HTTP handlers serve. It is built once in
// main and shared by every request.
type API struct {
	Sessions *session.Manager
	Bridge   *remote.Bridge
	Hosts    *hosts.Directory
	Activity *activity.Hub
	DB       *gorm.DB
}

// Routes registers every endpoint on r.
func (a *API) Routes(r chi.Router) {
	r.Get("/health", a.HealthCheck)
	r.Get("/ws", a.TerminalWS)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/sessions", a.ListSessions)
		r.Get("/sessions/{name}/buffer", a.GetSessionBuffer)
		r.Get("/sessions/{name}/events", a.GetSessionEvents)
		r.Delete("/sessions/{name}", a.DeleteSession)
		r.Get("/hosts", a.ListHosts)
		r.Get("/activity", a.ActivityWS)
		r.Get("/server-logs", GetServerLogs)
		r.Delete("/server-logs", ClearServerLogs)
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}
