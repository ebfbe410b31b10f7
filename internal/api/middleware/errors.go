package middleware

import (
	"encoding/json"
	"net/http"
)

// envelope matches the api package's response wrapper.
type envelope struct {
	Error string `json:"error,omitempty"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(envelope{Error: msg}) //nolint:errcheck
}
