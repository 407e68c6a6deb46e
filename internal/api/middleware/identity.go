package middleware

import (
	"encoding/json"
	"net/http"
	"strings"

	pkgmw "github.com/synapse-hq/synapse/pkg/middleware"
)

// AgentHeader carries the calling agent's identity. Synapse trusts
// the deployment boundary to authenticate callers; the header only
// declares who is acting so the permission engine can authorize it.
const AgentHeader = "X-Agent-ID"

// IdentityExtractor pulls the calling agent's id from the request and
// stores it in the context. It checks the X-Agent-ID header, then the
// agent query parameter.
func IdentityExtractor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		agent := strings.TrimSpace(r.Header.Get(AgentHeader))
		if agent == "" {
			agent = strings.TrimSpace(r.URL.Query().Get("agent"))
		}
		if agent != "" {
			r = r.WithContext(pkgmw.SetAgent(r.Context(), agent))
		}
		next.ServeHTTP(w, r)
	})
}

// RequireIdentity rejects anonymous requests. Workspace-scoped routes
// are unusable without an actor: every decision below them needs one.
func RequireIdentity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if pkgmw.GetAgent(r.Context()) == "" {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			json.NewEncoder(w).Encode(map[string]string{
				"error": "missing agent identity: set the " + AgentHeader + " header",
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}
