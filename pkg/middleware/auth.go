package middleware

import (
	"log"
	"net/http"

	"github.com/psantana5/script-supervisor/pkg/auth"
)

// RequireBearer rejects requests without a valid bearer token. Paths listed
// in open are served without authentication.
func RequireBearer(v *auth.TokenVerifier, open ...string) func(http.Handler) http.Handler {
	skip := make(map[string]bool, len(open))
	for _, p := range open {
		skip[p] = true
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if v == nil || skip[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			if err := v.Verify(auth.BearerToken(r)); err != nil {
				log.Printf("[status] rejected %s %s from %s: %v", r.Method, r.URL.Path, r.RemoteAddr, err)
				w.Header().Set("WWW-Authenticate", `Bearer realm="supervisor"`)
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
