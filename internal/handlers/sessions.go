package handlers

import (
	"log"
	"net/http"
	"strconv"

	"github.com/charmbracelet/x/ansi"
	"github.com/gluk-w/termhub/internal/database"
	"github.com/gluk-w/termhub/internal/session"
	"github.com/go-chi/chi/v5"
)

func (a *API) ListSessions(w http.ResponseWriter, r *http.Request) {
	infos, err := a.Sessions.Snapshot(r.Context())
	resp := map[string]interface{}{"sessions": infos}
	if err != nil {
		// Registry entries are still valid without the backing list.
		log.Printf("[sessions] %v", err)
		resp["warning"] = err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetSessionBuffer returns the tail of a session's terminal buffer.
//
// Query parameters:
//   - bytes: (optional) how many trailing bytes to return
//   - plain: (optional) "true" strips escape sequences
func (a *API) GetSessionBuffer(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	s := a.Sessions.Lookup(name)
	if s == nil {
		writeError(w, http.StatusNotFound, "Session not found")
		return
	}

	n := 0
	if q := r.URL.Query().Get("bytes"); q != "" {
		v, err := strconv.Atoi(q)
		if err != nil || v < 0 {
			writeError(w, http.StatusBadRequest, "Invalid bytes parameter")
			return
		}
		n = v
	}
	data := string(s.Buffer.Tail(n))
	if r.URL.Query().Get("plain") == "true" {
		data = ansi.Strip(data)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"name":  name,
		"total": s.Buffer.Total(),
		"data":  data,
	})
}

func (a *API) GetSessionEvents(w http.ResponseWriter, r *http.Request) {
	if a.DB == nil {
		writeError(w, http.StatusServiceUnavailable, "Event audit not available")
		return
	}
	limit := 100
	if q := r.URL.Query().Get("limit"); q != "" {
		if v, err := strconv.Atoi(q); err == nil && v > 0 {
			limit = v
		}
	}
	events, err := database.RecentEvents(a.DB, chi.URLParam(r, "name"), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load events")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"events": events})
}

// DeleteSession detaches the PTY from a session and drops it from the
// registry. The backing session keeps running.
func (a *API) DeleteSession(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if !a.Sessions.ForceClose(name, session.ReasonAPI) {
		writeError(w, http.StatusNotFound, "Session not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) ListHosts(w http.ResponseWriter, r *http.Request) {
	if a.Hosts == nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{"hosts": []database.Host{}})
		return
	}
	list, err := a.Hosts.List()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list hosts")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"hosts": list})
}
