package middleware

import (
	"net/http"
	"slices"
	"strings"
)

// CORS sets CORS headers for allowed origins and answers preflight
// requests. An empty list allows every origin.
func CORS(allowedOrigins []string) func(http.Handler) http.Handler {
	allowed := func(origin string) bool {
		return len(allowedOrigins) == 0 || slices.ContainsFunc(allowedOrigins, func(o string) bool {
			return o == "*" || strings.EqualFold(o, origin)
		})
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if origin := r.Header.Get("Origin"); origin != "" && allowed(origin) {
				h := w.Header()
				h.Set("Access-Control-Allow-Origin", origin)
				h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
				h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-API-Key")
				h.Set("Access-Control-Max-Age", "86400")
				h.Add("Vary", "Origin")
			}
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
