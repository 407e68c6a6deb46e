package middleware

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	pkgmw "github.com/synapse-hq/synapse/pkg/middleware"
)

// WorkspaceExtractor copies the workspace id from the route into the
// context so logging and tracing can see the scope without re-parsing
// the URL. Mount it inside the /workspaces/{workspaceID} route.
func WorkspaceExtractor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ws := chi.URLParam(r, "workspaceID"); ws != "" {
			r = r.WithContext(pkgmw.SetWorkspace(r.Context(), ws))
		}
		next.ServeHTTP(w, r)
	})
}
