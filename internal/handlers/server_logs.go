package handlers

import (
	"net/http"
	"strconv"

	"github.com/gluk-w/termhub/internal/logging"
)

const maxLogLines = 5000

// GetServerLogs returns the tail of the server log.
//
// Query parameters:
//   - lines: (optional) how many lines to return, default 200
//   - component: (optional) keep only lines logged under "[component]"
func GetServerLogs(w http.ResponseWriter, r *http.Request) {
	lines := 200
	if q := r.URL.Query().Get("lines"); q != "" {
		if n, err := strconv.Atoi(q); err == nil && n > 0 {
			lines = min(n, maxLogLines)
		}
	}

	content, err := logging.Tail(logging.TailQuery{
		Lines:     lines,
		Component: r.URL.Query().Get("component"),
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"logs": content})
}

func ClearServerLogs(w http.ResponseWriter, r *http.Request) {
	if err := logging.Clear(); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
