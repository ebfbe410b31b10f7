package middleware

import (
	"net"
	"net/http"
)

// HTTPSRedirectHandler returns a handler that redirects every request to
// the same URL over HTTPS with 301. httpsPort is appended to the host when
// it is not the default 443. It runs as its own plain-HTTP server.
func HTTPSRedirectHandler(httpsPort string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host := r.Host
		if h, _, err := net.SplitHostPort(host); err == nil {
			host = h
		}
		if httpsPort != "" && httpsPort != "443" {
			host = net.JoinHostPort(host, httpsPort)
		}
		http.Redirect(w, r, "https://"+host+r.URL.RequestURI(), http.StatusMovedPermanently)
	})
}
