package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/presetd/presetd/internal/auth"
)

type contextKey string

// UserContextKey carries the authenticated username through the request
// context.
const UserContextKey contextKey = "user"

// Auth returns a middleware that requires a valid bearer token on every
// route except login, health and any extra public paths.
func Auth(manager *auth.Manager, extraPublic ...string) func(http.Handler) http.Handler {
	public := map[string]bool{
		"/api/v1/auth/login": true,
		"/api/v1/health":     true,
	}
	for _, p := range extraPublic {
		public[p] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == "OPTIONS" || public[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			token := bearerToken(r)
			username, err := manager.ValidateToken(token)
			if err != nil {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				json.NewEncoder(w).Encode(map[string]interface{}{
					"success": false,
					"error":   "Authentication required",
				})
				return
			}

			ctx := context.WithValue(r.Context(), UserContextKey, username)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// UserFromContext returns the authenticated username, if any
func UserFromContext(ctx context.Context) string {
	if username, ok := ctx.Value(UserContextKey).(string); ok {
		return username
	}
	return ""
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	return ""
}
