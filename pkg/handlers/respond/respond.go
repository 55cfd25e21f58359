// Package respond is the shared response vocabulary of the HTTP
// handlers: JSON encoding and the mapping from sentinel errors to
// status codes.
package respond

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/marketlens/core/pkg/logger"
	"github.com/marketlens/core/pkg/models"
	"github.com/marketlens/core/pkg/models/api"
)

// JSON writes v as a JSON body with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Error writes err as a JSON error body, translating the model sentinel
// errors to their status codes. Anything unrecognized is a 500 and its
// detail stays out of the response.
func Error(w http.ResponseWriter, log *logger.Logger, err error) {
	switch {
	case errors.Is(err, models.ErrNotFound):
		JSON(w, http.StatusNotFound, api.ErrorResponse{Error: err.Error()})
	case errors.Is(err, models.ErrValidation):
		JSON(w, http.StatusBadRequest, api.ErrorResponse{Error: err.Error()})
	case errors.Is(err, models.ErrConflict):
		JSON(w, http.StatusConflict, api.ErrorResponse{Error: err.Error()})
	default:
		log.Error().
			Err(err).
			Str("action", "request_failed").
			Msg("Request failed")
		JSON(w, http.StatusInternalServerError, api.ErrorResponse{Error: "internal error"})
	}
}
