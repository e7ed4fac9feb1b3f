package auth

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// Middleware requires "Authorization: Bearer <token>" on every route except
// the liveness probe. An empty token disables the check.
func Middleware(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if token == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/healthz" {
				next.ServeHTTP(w, r)
				return
			}

			// Expect: Authorization: Bearer <token>
			authz := r.Header.Get("Authorization")
			if !strings.HasPrefix(authz, "Bearer ") {
				http.Error(w, "missing API token", http.StatusUnauthorized)
				return
			}

			got := strings.TrimSpace(strings.TrimPrefix(authz, "Bearer "))
			if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				http.Error(w, "invalid API token", http.StatusForbidden)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
