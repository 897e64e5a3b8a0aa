package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// BearerAuth guards admin surfaces with a static service token.
// Constant-time comparison; an empty configured token disables the
// guard (development mode).
func BearerAuth(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token == "" {
				next.ServeHTTP(w, r)
				return
			}
			auth := r.Header.Get("Authorization")
			presented, ok := strings.CutPrefix(auth, "Bearer ")
			if !ok || subtle.ConstantTimeCompare([]byte(presented), []byte(token)) != 1 {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				w.Write([]byte(`{"error":"invalid or missing service token"}`))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
