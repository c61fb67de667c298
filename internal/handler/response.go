package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"quotadrive/internal/domain"
)

type messageResponse struct {
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeMessage(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, messageResponse{Message: message})
}

// writeError maps service errors to a status and a message safe to show to
// the caller. Anything unexpected is logged and reported as a generic failure.
func writeError(w http.ResponseWriter, logger *zap.Logger, err error) {
	switch {
	case errors.Is(err, domain.ErrQuotaExceeded),
		errors.Is(err, domain.ErrInvalidUpload),
		errors.Is(err, domain.ErrInvalidQuotaLimit),
		errors.Is(err, domain.ErrLimitBelowUsage):
		writeMessage(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrFileNotFound):
		writeMessage(w, http.StatusNotFound, "File not found")
	case errors.Is(err, domain.ErrQuotaNotFound):
		writeMessage(w, http.StatusNotFound, "Quota not found")
	default:
		logger.Error("request failed", zap.Error(err))
		writeMessage(w, http.StatusInternalServerError, "Storage operation failed")
	}
}
