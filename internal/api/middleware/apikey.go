package middleware

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"
)

// RequireAPIKey returns middleware that accepts requests carrying key as a
// bearer token or in the X-API-Key header. An empty key disables the check.
func RequireAPIKey(key string) func(http.Handler) http.Handler {
	want := []byte(key)
	return func(next http.Handler) http.Handler {
		if key == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := r.Header.Get("X-API-Key")
			if got == "" {
				parts := strings.SplitN(r.Header.Get("Authorization"), " ", 2)
				if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
					got = parts[1]
				}
			}
			if got == "" {
				writeError(w, http.StatusUnauthorized, "authentication required")
				return
			}
			if subtle.ConstantTimeCompare([]byte(got), want) != 1 {
				slog.Debug("api auth: invalid key", "remote_addr", r.RemoteAddr)
				writeError(w, http.StatusUnauthorized, "invalid api key")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
