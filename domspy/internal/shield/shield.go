// Package shield provides the HTTP middleware of the domspy API: response
// hardening, JSON body checks and request tracing.
//
// Usage:
//
//	r := chi.NewRouter()
//	r.Use(shield.Stack(logger)...)
package shield

import (
	"log/slog"
	"net/http"
)

// DefaultMaxBody caps JSON request bodies.
const DefaultMaxBody = 1 << 20

// Stack returns the middleware of the API, outermost first.
func Stack(logger *slog.Logger) []func(http.Handler) http.Handler {
	return []func(http.Handler) http.Handler{
		Harden,
		JSONBody(DefaultMaxBody),
		Trace(logger),
	}
}

// apiHeaders suit a JSON API that never serves documents or scripts.
var apiHeaders = [...][2]string{
	{"Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'"},
	{"X-Frame-Options", "DENY"},
	{"X-Content-Type-Options", "nosniff"},
	{"Referrer-Policy", "no-referrer"},
	{"Cache-Control", "no-store"},
}

// Harden sets the API response headers before the handler runs.
func Harden(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		for _, kv := range apiHeaders {
			h.Set(kv[0], kv[1])
		}
		next.ServeHTTP(w, r)
	})
}
