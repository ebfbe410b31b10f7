package middleware

import (
	"log/slog"
	"net/http"

	"github.com/twilio/twilio-go/client"
)

// TwilioSignature returns middleware that rejects webhook requests whose
// X-Twilio-Signature does not match. publicURL is the externally visible
// base URL Twilio was configured with. An empty authToken disables the check.
func TwilioSignature(authToken, publicURL string) func(http.Handler) http.Handler {
	validator := client.NewRequestValidator(authToken)
	return func(next http.Handler) http.Handler {
		if authToken == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if err := r.ParseForm(); err != nil {
				writeError(w, http.StatusBadRequest, "invalid form body")
				return
			}
			params := make(map[string]string, len(r.PostForm))
			for k, v := range r.PostForm {
				if len(v) > 0 {
					params[k] = v[0]
				}
			}

			url := publicURL + r.URL.RequestURI()
			if !validator.Validate(url, params, r.Header.Get("X-Twilio-Signature")) {
				slog.Warn("twilio webhook signature mismatch", "path", r.URL.Path, "remote_addr", r.RemoteAddr)
				writeError(w, http.StatusForbidden, "invalid signature")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
