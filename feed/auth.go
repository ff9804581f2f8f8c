package feed

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// publicPaths skip the HTTP token check. /ws authenticates with its first
// JSON-RPC request instead.
var publicPaths = map[string]bool{
	"/health": true,
	"/ws":     true,
}

// Auth guards the HTTP routes with a shared token, sent either as
// "Authorization: Bearer <token>" or as a token query parameter. An empty
// token turns the check off.
func Auth(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token == "" || publicPaths[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			presented, ok := requestToken(r)
			if !ok {
				http.Error(w, "missing or malformed credentials", http.StatusUnauthorized)
				return
			}
			if !tokenMatches(presented, token) {
				http.Error(w, "invalid token", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func requestToken(r *http.Request) (string, bool) {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, value, found := strings.Cut(h, " ")
		if !found || !strings.EqualFold(scheme, "Bearer") || value == "" {
			return "", false
		}
		return value, true
	}
	if q := r.URL.Query().Get("token"); q != "" {
		return q, true
	}
	return "", false
}

func tokenMatches(presented, want string) bool {
	return subtle.ConstantTimeCompare([]byte(presented), []byte(want)) == 1
}
