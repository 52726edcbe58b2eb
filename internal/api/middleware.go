package api

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// AuthMiddleware enforces HTTP basic auth when user and pass are set, and accepts
// a bearer token when token is set. With neither configured every request passes.
func AuthMiddleware(user, pass, token string) func(http.Handler) http.Handler {
	basic := user != "" && pass != ""
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !basic && token == "" {
				next.ServeHTTP(w, r)
				return
			}

			if token != "" {
				authHeader := r.Header.Get("Authorization")
				if strings.HasPrefix(authHeader, "Bearer ") && secureEqual(authHeader[7:], token) {
					next.ServeHTTP(w, r)
					return
				}
			}

			if basic {
				if u, p, ok := r.BasicAuth(); ok && secureEqual(u, user) && secureEqual(p, pass) {
					next.ServeHTTP(w, r)
					return
				}
				w.Header().Set("WWW-Authenticate", `Basic realm="Bot Factory"`)
			}

			http.Error(w, "Unauthorized", http.StatusUnauthorized)
		})
	}
}

func secureEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
