package httpx

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"
)

// TokenHeader carries the shared deploy token.
const TokenHeader = "X-Deployster-Token"

type actorKey struct{}

type contextSetter interface {
	SetContext(context.Context)
}

// requireToken rejects requests that do not present the configured token.
// An empty token disables the check.
func (r *Router) requireToken(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if r.token == "" {
			next(w, req)
			return
		}
		token := strings.TrimSpace(req.Header.Get(TokenHeader))
		if token == "" && isStreamRequest(req) {
			token = strings.TrimSpace(req.URL.Query().Get("token"))
		}
		if !tokenMatches(token, r.token) {
			r.logger.Warn("deploy token mismatch", "path", req.URL.Path, "present", token != "")
			writeError(w, http.StatusUnauthorized, "invalid deploy token")
			return
		}
		ctx := context.WithValue(req.Context(), actorKey{}, "token")
		if setter, ok := w.(contextSetter); ok {
			setter.SetContext(ctx)
		}
		next(w, req.WithContext(ctx))
	}
}

func tokenMatches(got, want string) bool {
	if len(got) != len(want) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

// Browsers cannot set headers on websocket or EventSource requests.
func isStreamRequest(req *http.Request) bool {
	return strings.HasPrefix(req.URL.Path, "/ws/") || strings.HasPrefix(req.URL.Path, "/events/")
}

func actorFromContext(ctx context.Context) string {
	if actor, ok := ctx.Value(actorKey{}).(string); ok {
		return actor
	}
	return "anonymous"
}
