package cors

import (
	"net/http"
)

// Middleware wraps a handler with CORS headers and preflight handling.
// Headers already set by an inner handler are left untouched.
func Middleware(next http.Handler, corsHeaders, corsMethods, corsOrigin string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if w.Header().Get("Access-Control-Allow-Headers") == "" {
			w.Header().Set("Access-Control-Allow-Headers", corsHeaders)
		}
		if w.Header().Get("Access-Control-Allow-Methods") == "" {
			w.Header().Set("Access-Control-Allow-Methods", corsMethods)
		}
		if w.Header().Get("Access-Control-Allow-Origin") == "" {
			w.Header().Set("Access-Control-Allow-Origin", corsOrigin)
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}
