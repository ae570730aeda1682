// Package middleware provides HTTP middleware shared by the daemon's
// API endpoints.
package middleware

import "net/http"

// CORS handles cross-origin headers and OPTIONS preflight requests.
// With no allowed origins configured, cross-origin access stays
// disabled and the handler chain is returned unchanged. OPTIONS
// requests are only intercepted when they carry a valid Origin header,
// otherwise the router produces its usual 404/405 response.
func CORS(allowedOrigins []string, next http.Handler) http.Handler {
	if len(allowedOrigins) == 0 {
		return next
	}

	allowAll := len(allowedOrigins) == 1 && allowedOrigins[0] == "*"
	allowed := make(map[string]struct{}, len(allowedOrigins))
	for _, origin := range allowedOrigins {
		allowed[origin] = struct{}{}
	}
	originAllowed := func(origin string) bool {
		if allowAll {
			return true
		}
		_, ok := allowed[origin]
		return ok
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && originAllowed(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
		}

		if r.Method == http.MethodOptions {
			if origin == "" || !originAllowed(origin) {
				next.ServeHTTP(w, r)
				return
			}
			w.Header().Set("Access-Control-Allow-Credentials", "true")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE")
			w.Header().Set("Access-Control-Allow-Headers", "*")
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}
