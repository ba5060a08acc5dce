package handlers

import (
	"net/http"
	"time"
)

// StatusHandler reports liveness.
func StatusHandler(w http.ResponseWriter, r *http.Request, version string) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"version":   version,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}
