package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/xelth-com/foodlens/internal/auth"
)

type contextKey string

const UserContextKey contextKey = "user"

// TokenValidator checks bearer tokens
type TokenValidator interface {
	ValidateToken(token string) (*auth.Claims, error)
}

func bearer(r *http.Request) (string, bool) {
	parts := strings.Split(r.Header.Get("Authorization"), " ")
	if len(parts) != 2 || parts[0] != "Bearer" || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}

// AuthMiddleware verifies JWT tokens and rejects requests without a valid one
func AuthMiddleware(v TokenValidator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("Authorization") == "" {
				http.Error(w, "Authorization header required", http.StatusUnauthorized)
				return
			}
			token, ok := bearer(r)
			if !ok {
				http.Error(w, "Invalid authorization header format", http.StatusUnauthorized)
				return
			}

			claims, err := v.ValidateToken(token)
			if err != nil {
				http.Error(w, "Invalid or expired token", http.StatusUnauthorized)
				return
			}

			// Add claims to context
			ctx := context.WithValue(r.Context(), UserContextKey, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// OptionalAuth attaches the claims of a valid bearer token and lets every request through
func OptionalAuth(v TokenValidator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token, ok := bearer(r); ok {
				if claims, err := v.ValidateToken(token); err == nil {
					r = r.WithContext(context.WithValue(r.Context(), UserContextKey, claims))
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

// UserID returns the user of the request's bearer token, if any
func UserID(ctx context.Context) string {
	if claims, ok := ctx.Value(UserContextKey).(*auth.Claims); ok {
		return claims.UserID
	}
	return ""
}
