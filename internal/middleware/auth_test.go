package middleware

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

type staticTokens map[string]string

func (s staticTokens) ValidateJWT(token string) (string, error) {
	userID, ok := s[token]
	if !ok {
		return "", errors.New("invalid token")
	}
	return userID, nil
}

func TestAuthMiddleware(t *testing.T) {
	var gotUserID string
	handler := AuthMiddleware(staticTokens{"good": "user-1"})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUserID = GetUserID(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{name: "missing header", header: "", want: http.StatusUnauthorized},
		{name: "wrong scheme", header: "Basic good", want: http.StatusUnauthorized},
		{name: "unknown token", header: "Bearer bad", want: http.StatusUnauthorized},
		{name: "valid token", header: "Bearer good", want: http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gotUserID = ""
			req := httptest.NewRequest(http.MethodGet, "/api/v1/photos", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()

			handler.ServeHTTP(rec, req)

			assert.Equal(t, tt.want, rec.Code)
			if tt.want == http.StatusOK {
				assert.Equal(t, "user-1", gotUserID)
			} else {
				assert.JSONEq(t, `{"error":"`+map[string]string{
					"missing header": "Authorization header required",
					"wrong scheme":   "Invalid authorization header format",
					"unknown token":  "Invalid token",
				}[tt.name]+`"}`, rec.Body.String())
			}
		})
	}
}

func TestGetUserIDWithoutValue(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	assert.Empty(t, GetUserID(req.Context()))
}
