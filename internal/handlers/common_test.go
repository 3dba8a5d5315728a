package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"geo-photo-backend/internal/services"

	"github.com/stretchr/testify/assert"
)

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{services.ErrNotFound, http.StatusNotFound},
		{fmt.Errorf("lookup: %w", services.ErrNotFound), http.StatusNotFound},
		{services.ErrUnauthorized, http.StatusForbidden},
		{services.ErrInvalidCredentials, http.StatusUnauthorized},
		{services.ErrUsernameTaken, http.StatusConflict},
		{services.ErrCommitting, http.StatusConflict},
		{services.ErrInvalidLocation, http.StatusBadRequest},
		{fmt.Errorf("%w: empty", services.ErrInvalidUpload), http.StatusBadRequest},
		{fmt.Errorf("%w: short password", services.ErrInvalidAccount), http.StatusBadRequest},
		{services.ErrNoCandidate, http.StatusBadRequest},
		{fmt.Errorf("%w: timeout", services.ErrServer), http.StatusInternalServerError},
		{errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(tt.err), tt.err.Error())
	}
}
