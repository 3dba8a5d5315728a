package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"geo-photo-backend/internal/services"

	"github.com/rs/zerolog/log"
)

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error string `json:"error"`
}

// respondError sends an error response
func respondError(w http.ResponseWriter, message string, statusCode int) {
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}

// respondJSON sends a JSON response
func respondJSON(w http.ResponseWriter, statusCode int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Error().Err(err).Msg("Failed to encode response")
	}
}

// statusFor maps service errors to HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, services.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, services.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, services.ErrInvalidCredentials):
		return http.StatusUnauthorized
	case errors.Is(err, services.ErrUsernameTaken),
		errors.Is(err, services.ErrCommitting):
		return http.StatusConflict
	case errors.Is(err, services.ErrInvalidLocation),
		errors.Is(err, services.ErrInvalidUpload),
		errors.Is(err, services.ErrInvalidAccount),
		errors.Is(err, services.ErrAlreadyLocated),
		errors.Is(err, services.ErrNoCandidate),
		errors.Is(err, services.ErrNoTarget),
		errors.Is(err, services.ErrNoSearchResult):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// respondServiceError logs unexpected failures and hides their details
func respondServiceError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		log.Error().Err(err).Msg("Request failed")
		respondError(w, "internal server error", status)
		return
	}
	respondError(w, err.Error(), status)
}
