package handler

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"presence-service/internal/service"
)

type contextKey string

const phoneContextKey contextKey = "phone"

var (
	errMissingToken = errors.New("missing or malformed authorization header")
	errBadAdminKey  = errors.New("invalid admin key")
)

// RequireAuth validates the bearer token and stashes the caller's phone
// number in the request context.
func RequireAuth(tokens *service.TokenService) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			token, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || token == "" {
				respondWithError(w, http.StatusUnauthorized, errMissingToken, "Authentication required")
				return
			}

			phone, err := tokens.Verify(token)
			if err != nil {
				respondWithError(w, http.StatusUnauthorized, err, "Invalid token")
				return
			}

			ctx := context.WithValue(r.Context(), phoneContextKey, phone)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// PhoneFromContext returns the authenticated phone number, empty when the
// request did not pass RequireAuth.
func PhoneFromContext(ctx context.Context) string {
	phone, _ := ctx.Value(phoneContextKey).(string)
	return phone
}

// RequireAdmin gates a route on the shared admin key header.
func RequireAdmin(adminSecret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-Admin-Key")
			if key == "" || subtle.ConstantTimeCompare([]byte(key), []byte(adminSecret)) != 1 {
				respondWithError(w, http.StatusForbidden, errBadAdminKey, "Admin access denied")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
