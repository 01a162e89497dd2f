package handlers

import (
	"encoding/json"
	"net/http"

	"vigil/internal/apperr"
	"vigil/internal/logger"
)

// ErrorBody is the error envelope of every admin API failure.
type ErrorBody struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail names the error kind and a human readable message.
type ErrorDetail struct {
	Kind    apperr.Kind `json:"kind"`
	Message string      `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.WithError(err).Debug().Msg("failed to write response")
	}
}

func writeAppError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperr.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		logger.WithRequestID(r.Header.Get("X-Request-ID")).Error().
			Err(err).
			Str("path", r.URL.Path).
			Msg("request failed")
	}
	writeJSON(w, status, ErrorBody{Error: ErrorDetail{
		Kind:    apperr.KindOf(err),
		Message: apperr.Message(err),
	}})
}
