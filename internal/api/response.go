package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/banshee-data/fh5telemetry/internal/db"
	"github.com/banshee-data/fh5telemetry/internal/security"
	"github.com/banshee-data/fh5telemetry/internal/telemetry/chart"
	"github.com/banshee-data/fh5telemetry/internal/telemetry/network"
	"github.com/banshee-data/fh5telemetry/internal/telemetry/pipeline"
	"github.com/banshee-data/fh5telemetry/internal/telemetry/replay"
)

// writeJSON writes data as JSON with the given status code.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Printf("failed to encode json response: %v", err)
	}
}

func writeJSONOK(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusOK, data)
}

// writeJSONError writes {"error": msg}.
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func methodNotAllowed(w http.ResponseWriter) {
	writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSONError(w, http.StatusBadRequest, msg)
}

// writeError maps pipeline, replay and catalog errors to a status code.
func writeError(w http.ResponseWriter, err error) {
	writeJSONError(w, errorStatus(err), err.Error())
}

func errorStatus(err error) int {
	var bindErr *network.BindError
	switch {
	case errors.Is(err, pipeline.ErrModeBusy), errors.Is(err, replay.ErrInvalidState):
		return http.StatusConflict
	case errors.Is(err, replay.ErrOutOfRange), errors.Is(err, replay.ErrInvalidSpeed):
		return http.StatusBadRequest
	case errors.Is(err, security.ErrOutsideAllowedDirs):
		return http.StatusForbidden
	case errors.Is(err, replay.ErrNotFound), errors.Is(err, db.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, replay.ErrCorruptLog), errors.Is(err, chart.ErrNoFrames):
		return http.StatusUnprocessableEntity
	case errors.As(err, &bindErr), errors.Is(err, pipeline.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
