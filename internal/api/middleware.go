package api

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// AuthMiddleware accepts a bearer token or a token query parameter.
func AuthMiddleware(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token == "" || tokenMatches(requestToken(r), token) {
				next.ServeHTTP(w, r)
				return
			}
			writeError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid token")
		})
	}
}

// requestToken prefers the Authorization header; the query parameter is
// convenient for quick manual testing.
func requestToken(r *http.Request) string {
	if bearer, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
		return bearer
	}
	return r.URL.Query().Get("token")
}

func tokenMatches(got, want string) bool {
	return got != "" && subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}
