package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/vantage6/vantage6/pkg/blob"
	"github.com/vantage6/vantage6/pkg/manager"
	"github.com/vantage6/vantage6/pkg/storage"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError emits the {msg} envelope every error response uses.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"msg": msg})
}

// fail translates domain errors to HTTP statuses. Unknown errors become
// 500 with a generic message so internals never leak to callers.
func (s *Server) fail(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, manager.ErrBadRequest), errors.Is(err, manager.ErrTaskFinished):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, manager.ErrNotAllowed):
		writeError(w, http.StatusUnauthorized, err.Error())
	case errors.Is(err, manager.ErrInvalidToken):
		writeError(w, http.StatusUnauthorized, "invalid token")
	case errors.Is(err, storage.ErrNotFound), errors.Is(err, blob.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	default:
		s.logger.Error().Err(err).Msg("request failed")
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

// decodeBody parses a JSON request body, rejecting trailing garbage.
func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// parseTimestamp accepts RFC 3339 with or without sub-second precision.
func parseTimestamp(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339, s)
}
