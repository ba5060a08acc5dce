package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/petermazzocco/garment-catalog/internal/garment"
)

var log = logrus.WithField("logger", "handlers")

type errorResponse struct {
	Error        string `json:"error"`
	InvalidField string `json:"invalidField,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithError(err).Debug("write response")
	}
}

// writeError maps lifecycle errors to a status code and a JSON body. Only
// validation and not-found errors expose their message.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *garment.ValidationError
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: verr.Message, InvalidField: verr.Field})
		return
	case errors.Is(err, garment.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "Garment not found"})
		return
	}

	entry := log.WithError(err).WithField("method", r.Method).WithField("path", r.URL.Path)
	if errors.Is(err, garment.ErrIdentifierExhausted) {
		entry.Warn("request failed")
		w.Header().Set("Retry-After", "1")
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "Could not assign a garment id, try again"})
		return
	}

	entry.Error("request failed")
	var serr *garment.StorageError
	if errors.As(err, &serr) {
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "Failed to store garment files"})
		return
	}
	writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "Internal server error"})
}
